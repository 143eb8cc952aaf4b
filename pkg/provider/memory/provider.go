// Package memory defines the Store interface for long-term user memory.
//
// A memory store holds durable facts about the child behind an agent:
// interests, family members, habits, important events. Facts enter the store
// two ways: the session pipeline extracts them from finished conversations via
// the LLM, and the built-in MCP memory tool lets the model remember facts
// explicitly mid-conversation. Recall is semantic: the query is embedded and
// the closest facts by cosine distance come back, so "他喜欢什么动物" finds
// "喜欢恐龙" without any keyword overlap.
//
// Implementations must be safe for concurrent use.
package memory

import (
	"context"
	"time"

	"github.com/starbud-ai/starbud/pkg/provider/llm"
)

// Fact is one long-term memory entry about the user behind an agent.
type Fact struct {
	// ID uniquely identifies the fact (UUID).
	ID string

	// AgentID scopes the fact to one agent. Facts never leak across agents.
	AgentID string

	// Category is a free-form grouping such as "兴趣爱好" or "家庭成员".
	// May be empty.
	Category string

	// Content is the fact itself, one short sentence.
	Content string

	// CreatedAt is when the fact was stored.
	CreatedAt time.Time
}

// RecallResult pairs a recalled Fact with its cosine distance to the query.
// Smaller distances mean closer matches; 0 is identical direction.
type RecallResult struct {
	Fact     Fact
	Distance float64
}

// Store is the abstraction over a long-term memory backend.
type Store interface {
	// Remember persists a single fact verbatim and returns it with its
	// assigned ID. Used by the MCP memory tool when the model decides
	// something is worth keeping.
	Remember(ctx context.Context, agentID, category, content string) (Fact, error)

	// Extract mines new facts from a finished stretch of conversation using
	// the LLM, skips what the store already knows, and persists the rest.
	// Returns the facts that were actually stored, which may be empty when
	// the conversation held nothing durable.
	Extract(ctx context.Context, agentID string, conversation []llm.Message) ([]Fact, error)

	// Recall returns up to topK facts semantically closest to query, ordered
	// by ascending cosine distance.
	Recall(ctx context.Context, agentID, query string, topK int) ([]RecallResult, error)

	// List returns the most recent facts for an agent, newest first. Prompt
	// assembly uses this to render the memory section of the system prompt.
	List(ctx context.Context, agentID string, limit int) ([]Fact, error)

	// Forget removes a fact by ID. Removing an unknown ID is not an error.
	Forget(ctx context.Context, agentID, factID string) error
}
