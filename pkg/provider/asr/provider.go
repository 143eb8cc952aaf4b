// Package asr defines the Recognizer interface for speech recognition
// backends.
//
// Unlike a streaming transcriber, a Recognizer works on complete utterances:
// the session pipeline accumulates PCM while the speaker talks, wraps the
// segment in a WAV container once the voice detector reports end of speech,
// and submits it in a single call. Implementations wrap a hosted service
// (asr/azure) or a self-hosted model server (asr/sensevoice).
//
// Implementations must be safe for concurrent use; the gateway shares one
// Recognizer across all sessions.
package asr

import "context"

// Audio is a complete utterance ready for recognition.
type Audio struct {
	// WAV is the full RIFF/WAV payload including the 44-byte header,
	// carrying 16 kHz mono 16-bit little-endian PCM.
	WAV []byte

	// Language is the BCP-47 recognition language (e.g. "zh-CN", "en-US").
	// An empty string selects the provider's default.
	Language string
}

// Recognizer is the abstraction over any speech recognition backend.
type Recognizer interface {
	// Recognize transcribes a complete utterance. A clean recognition of
	// silence or unintelligible noise returns a Result with empty Text and
	// a nil error; errors are reserved for transport and service failures.
	Recognize(ctx context.Context, audio Audio) (Result, error)
}
