// Package audio provides the PCM and Opus plumbing shared by the gateway and
// the speech pipeline: a codec pair for the wire format, a repackager that
// reshapes provider output into wire frames, format conversion, WAV encoding
// for recognizer uploads, and frame energy measurement for voice detection.
//
// The wire format is fixed: 16 kHz, mono, 16-bit little-endian PCM inside
// 60 ms Opus packets. Everything entering or leaving a client connection goes
// through this format; provider-side formats are converted on the way.
package audio

import "time"

// Wire format constants for client connections.
const (
	// SampleRate is the wire sample rate in Hz.
	SampleRate = 16000

	// Channels is the wire channel count (mono).
	Channels = 1

	// FrameDuration is the duration of one wire Opus packet.
	FrameDuration = 60 * time.Millisecond

	// FrameSamples is the number of PCM samples in one wire frame.
	FrameSamples = SampleRate * 60 / 1000 // 960

	// FrameBytes is the byte length of one wire frame as int16 PCM.
	FrameBytes = FrameSamples * 2

	// Bitrate is the Opus encoder bitrate in bits per second.
	Bitrate = 24000
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Wire is the client-facing format all sessions speak.
var Wire = Format{SampleRate: SampleRate, Channels: Channels}

// Frame is a single frame of PCM audio flowing through the pipeline.
type Frame struct {
	// Data is raw little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}
