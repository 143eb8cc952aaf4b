package resilience

import (
	"context"

	"github.com/starbud-ai/starbud/pkg/provider/llm"
)

// LLMGroup implements [llm.Provider] with failover across several chat
// backends. Each backend sits behind its own breaker; when the primary fails
// or its breaker is open, the next healthy standby takes the request.
type LLMGroup struct {
	group *Group[llm.Provider]
}

var _ llm.Provider = (*LLMGroup)(nil)

// NewLLMGroup creates an [LLMGroup] with primary as the preferred backend.
func NewLLMGroup(primary llm.Provider, name string, cfg GroupConfig) *LLMGroup {
	return &LLMGroup{group: NewGroup(primary, name, cfg)}
}

// Add registers a standby chat backend.
func (g *LLMGroup) Add(name string, p llm.Provider) {
	g.group.Add(name, p)
}

// Complete sends the request to the first healthy backend.
func (g *LLMGroup) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Call(g.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion opens a stream on the first healthy backend. Only the
// initial attempt is covered by failover; once a stream is established,
// mid-stream errors end the stream as usual.
func (g *LLMGroup) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return Call(g.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// CountTokens delegates to the first healthy backend's token counter.
func (g *LLMGroup) CountTokens(messages []llm.Message) (int, error) {
	return Call(g.group, func(p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}

// Close releases members that hold resources.
func (g *LLMGroup) Close() error { return g.group.Close() }

// Capabilities reports the primary's capabilities. Static metadata does not
// participate in failover, so a session's budget math stays stable even
// while requests are being served by a standby.
func (g *LLMGroup) Capabilities() llm.ModelCapabilities {
	return g.group.Primary().Capabilities()
}
