package resilience

import (
	"context"

	"github.com/starbud-ai/starbud/pkg/audio"
	"github.com/starbud-ai/starbud/pkg/provider/tts"
)

// TTSGroup implements [tts.Synthesizer] with failover across synthesis
// backends. Failover covers the synchronous part of a sentence request
// (connection, auth, bad voice); once a backend starts streaming audio, the
// sentence rides that stream to the end.
//
// All entries must share the primary's output format: a standby at a
// different sample rate would shift pitch mid-reply, since sessions pin
// their resampler to Format at connect time.
type TTSGroup struct {
	group *Group[tts.Synthesizer]
}

var _ tts.Synthesizer = (*TTSGroup)(nil)

// NewTTSGroup creates a [TTSGroup] with primary as the preferred backend.
func NewTTSGroup(primary tts.Synthesizer, name string, cfg GroupConfig) *TTSGroup {
	return &TTSGroup{group: NewGroup(primary, name, cfg)}
}

// Add registers a standby synthesis backend.
func (g *TTSGroup) Add(name string, s tts.Synthesizer) {
	g.group.Add(name, s)
}

// Close releases members that hold resources.
func (g *TTSGroup) Close() error { return g.group.Close() }

// Synthesize renders the sentence on the first healthy backend.
func (g *TTSGroup) Synthesize(ctx context.Context, req tts.Request) (<-chan []byte, error) {
	return Call(g.group, func(s tts.Synthesizer) (<-chan []byte, error) {
		return s.Synthesize(ctx, req)
	})
}

// Format reports the primary's output format.
func (g *TTSGroup) Format() audio.Format {
	return g.group.Primary().Format()
}

// ListVoices lists voices from the first healthy backend. Voice catalogues
// are backend-specific, so only voices valid on the answering backend are
// returned.
func (g *TTSGroup) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	return Call(g.group, func(s tts.Synthesizer) ([]tts.Voice, error) {
		return s.ListVoices(ctx)
	})
}
