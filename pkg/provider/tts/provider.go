// Package tts defines the Synthesizer interface for Text-to-Speech backends.
//
// A Synthesizer wraps a speech synthesis service (Azure Speech, Alibaba
// Bailian, or a self-hosted engine) and presents a uniform per-sentence
// streaming interface. The session pipeline splits LLM output into sentences
// and synthesises each one as its own call; audio chunks arrive on a channel
// as the service produces them, so playback of a sentence starts before its
// synthesis finishes.
//
// Implementations must be safe for concurrent use; the gateway shares one
// Synthesizer across all sessions.
package tts

import (
	"context"

	"github.com/starbud-ai/starbud/pkg/audio"
)

// Synthesizer is the abstraction over any TTS backend.
type Synthesizer interface {
	// Synthesize converts one sentence to speech. The returned channel
	// emits raw PCM chunks in the format reported by [Synthesizer.Format]
	// and is closed when the sentence is complete or ctx is cancelled.
	// The caller must drain the channel.
	//
	// A non-nil error means the stream could not be started. Errors during
	// synthesis are signalled by closing the channel early; callers check
	// ctx.Err() to tell cancellation from provider failure.
	Synthesize(ctx context.Context, req Request) (<-chan []byte, error)

	// Format reports the PCM format of the emitted audio chunks. The
	// session repackages this into the wire format, so backends are free
	// to return whatever sample rate they synthesise natively.
	Format() audio.Format

	// ListVoices returns the voices this backend can speak with. Used to
	// resolve spoken voice-switch requests by display name.
	ListVoices(ctx context.Context) ([]Voice, error)
}
