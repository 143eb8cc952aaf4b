package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Decoder decodes wire-format Opus packets (16 kHz mono, 60 ms) into PCM.
// Each uplink stream needs its own Decoder so the codec state tracks
// consecutive packets correctly. Not safe for concurrent use.
type Decoder struct {
	dec *gopus.Decoder
}

// NewDecoder creates a Decoder for the wire format.
func NewDecoder() (*Decoder, error) {
	dec, err := gopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &Decoder{dec: dec}, nil
}

// Decode decodes one Opus packet into little-endian int16 PCM bytes.
func (d *Decoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, FrameSamples, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Int16sToBytes(pcm), nil
}

// Encoder encodes wire-format PCM frames into Opus packets. Not safe for
// concurrent use; create one per downlink stream.
type Encoder struct {
	enc *gopus.Encoder
}

// NewEncoder creates an Encoder for the wire format at [Bitrate].
func NewEncoder() (*Encoder, error) {
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	enc.SetBitrate(Bitrate)
	return &Encoder{enc: enc}, nil
}

// Encode encodes exactly one wire frame ([FrameBytes] of little-endian int16
// PCM) into an Opus packet. Shorter input is rejected; callers should pad the
// final frame with silence via [PadFrame].
func (e *Encoder) Encode(pcm []byte) ([]byte, error) {
	if len(pcm) != FrameBytes {
		return nil, fmt.Errorf("audio: encode: frame must be %d bytes, got %d", FrameBytes, len(pcm))
	}
	packet, err := e.enc.Encode(BytesToInt16s(pcm), FrameSamples, len(pcm))
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return packet, nil
}

// PadFrame zero-pads pcm up to a full wire frame. Input longer than a frame
// is returned unchanged.
func PadFrame(pcm []byte) []byte {
	if len(pcm) >= FrameBytes {
		return pcm
	}
	padded := make([]byte, FrameBytes)
	copy(padded, pcm)
	return padded
}

// Int16sToBytes converts int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to int16 PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
