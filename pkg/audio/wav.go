package audio

import "encoding/binary"

// wavHeaderSize is the byte length of a canonical PCM WAV header.
const wavHeaderSize = 44

// EncodeWAV wraps raw little-endian int16 PCM in a canonical WAV container.
// Recognizer HTTP endpoints take whole utterances as WAV uploads.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	dataLen := len(pcm)
	byteRate := sampleRate * channels * 2
	blockAlign := channels * 2

	out := make([]byte, wavHeaderSize+dataLen)

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+dataLen))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(out[20:22], 1)  // PCM format tag
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], 16) // bits per sample

	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(dataLen))
	copy(out[wavHeaderSize:], pcm)

	return out
}

// StripWAVHeader returns the PCM payload of a WAV byte slice, or the input
// unchanged when it does not start with a RIFF header. Some TTS endpoints
// prepend a WAV header to the first streamed chunk.
func StripWAVHeader(data []byte) []byte {
	if len(data) < wavHeaderSize {
		return data
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return data
	}
	return data[wavHeaderSize:]
}
