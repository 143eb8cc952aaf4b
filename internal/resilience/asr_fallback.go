package resilience

import (
	"context"

	"github.com/starbud-ai/starbud/pkg/provider/asr"
)

// ASRGroup implements [asr.Recognizer] with failover across recognition
// backends. Recognition is per-utterance request/response, so failover is
// clean: a failed utterance is simply re-submitted to the next backend.
type ASRGroup struct {
	group *Group[asr.Recognizer]
}

var _ asr.Recognizer = (*ASRGroup)(nil)

// NewASRGroup creates an [ASRGroup] with primary as the preferred backend.
func NewASRGroup(primary asr.Recognizer, name string, cfg GroupConfig) *ASRGroup {
	return &ASRGroup{group: NewGroup(primary, name, cfg)}
}

// Add registers a standby recognition backend.
func (g *ASRGroup) Add(name string, r asr.Recognizer) {
	g.group.Add(name, r)
}

// Close releases members that hold resources.
func (g *ASRGroup) Close() error { return g.group.Close() }

// Recognize transcribes the utterance on the first healthy backend.
func (g *ASRGroup) Recognize(ctx context.Context, audio asr.Audio) (asr.Result, error) {
	return Call(g.group, func(r asr.Recognizer) (asr.Result, error) {
		return r.Recognize(ctx, audio)
	})
}
