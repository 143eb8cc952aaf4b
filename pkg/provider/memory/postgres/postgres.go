// Package postgres implements memory.Store on PostgreSQL with pgvector.
//
// Facts live in a single agent_memories table. Each row carries the fact text,
// its embedding vector and the embedding model ID that produced it; recall
// runs an HNSW-indexed cosine search scoped to one agent. The pgvector
// extension must be available in the target database; [Migrate] installs it
// via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.New(pool, embedder, chat)
//	if err != nil { … }
//
//	_, _ = store.Remember(ctx, agentID, "兴趣爱好", "喜欢恐龙，最喜欢霸王龙")
//	results, _ := store.Recall(ctx, agentID, "他喜欢什么动物", 5)
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/starbud-ai/starbud/pkg/provider/embeddings"
	"github.com/starbud-ai/starbud/pkg/provider/llm"
	"github.com/starbud-ai/starbud/pkg/provider/memory"
)

// DefaultMaxFacts is the per-agent fact cap. When an insert pushes an agent
// past the cap the oldest facts are pruned.
const DefaultMaxFacts = 200

// defaultDedupeDistance is the cosine distance below which an extracted
// candidate counts as a duplicate of an existing fact and is dropped.
const defaultDedupeDistance = 0.12

// defaultRecallK is used when Recall is called with a non-positive topK.
const defaultRecallK = 5

var _ memory.Store = (*Store)(nil)

// Store is the PostgreSQL-backed memory store. All methods are safe for
// concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
	chat     llm.Provider

	maxFacts       int
	dedupeDistance float64
	extractPrompt  string
}

// Option is a functional option for Store.
type Option func(*Store)

// WithMaxFacts overrides the per-agent fact cap (default DefaultMaxFacts).
func WithMaxFacts(n int) Option {
	return func(s *Store) {
		s.maxFacts = n
	}
}

// WithDedupeDistance overrides the cosine distance below which an extracted
// candidate is considered already known and skipped.
func WithDedupeDistance(d float64) Option {
	return func(s *Store) {
		s.dedupeDistance = d
	}
}

// WithExtractPrompt replaces the built-in extraction system prompt.
func WithExtractPrompt(prompt string) Option {
	return func(s *Store) {
		s.extractPrompt = prompt
	}
}

// New constructs a Store on an existing connection pool. The pool must have
// pgvector types registered on its connections (see pgvector-go's
// pgx.RegisterTypes) and [Migrate] must have been run with the embedder's
// dimension.
//
// chat may be nil, in which case Extract returns an error; Remember, Recall,
// List and Forget work without it.
func New(pool *pgxpool.Pool, embedder embeddings.Provider, chat llm.Provider, opts ...Option) (*Store, error) {
	if pool == nil {
		return nil, errors.New("postgres memory: pool must not be nil")
	}
	if embedder == nil {
		return nil, errors.New("postgres memory: embedder must not be nil")
	}

	s := &Store{
		pool:           pool,
		embedder:       embedder,
		chat:           chat,
		maxFacts:       DefaultMaxFacts,
		dedupeDistance: defaultDedupeDistance,
		extractPrompt:  defaultExtractPrompt,
	}
	for _, o := range opts {
		o(s)
	}
	if s.maxFacts <= 0 {
		return nil, errors.New("postgres memory: max facts must be positive")
	}
	return s, nil
}

// Remember implements memory.Store. The fact is embedded and inserted
// verbatim; no duplicate check is applied because an explicit remember is
// authoritative.
func (s *Store) Remember(ctx context.Context, agentID, category, content string) (memory.Fact, error) {
	content = strings.TrimSpace(content)
	if agentID == "" {
		return memory.Fact{}, errors.New("postgres memory: agentID must not be empty")
	}
	if content == "" {
		return memory.Fact{}, errors.New("postgres memory: content must not be empty")
	}

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return memory.Fact{}, fmt.Errorf("postgres memory: embed fact: %w", err)
	}

	fact := memory.Fact{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Category:  strings.TrimSpace(category),
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := s.insert(ctx, fact, vec); err != nil {
		return memory.Fact{}, err
	}
	if err := s.enforceCap(ctx, agentID); err != nil {
		return memory.Fact{}, err
	}
	return fact, nil
}

// Recall implements memory.Store. It embeds the query and returns the topK
// facts with the smallest cosine distance, most similar first. A non-positive
// topK falls back to a small default.
func (s *Store) Recall(ctx context.Context, agentID, query string, topK int) ([]memory.RecallResult, error) {
	query = strings.TrimSpace(query)
	if agentID == "" {
		return nil, errors.New("postgres memory: agentID must not be empty")
	}
	if query == "" {
		return nil, errors.New("postgres memory: query must not be empty")
	}
	if topK <= 0 {
		topK = defaultRecallK
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres memory: embed query: %w", err)
	}

	const q = `
		SELECT id, agent_id, category, content, created_at,
		       embedding <=> $1 AS distance
		FROM   agent_memories
		WHERE  agent_id = $2
		ORDER  BY distance
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vec), agentID, topK)
	if err != nil {
		return nil, fmt.Errorf("postgres memory: recall: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.RecallResult, error) {
		var rr memory.RecallResult
		if err := row.Scan(
			&rr.Fact.ID,
			&rr.Fact.AgentID,
			&rr.Fact.Category,
			&rr.Fact.Content,
			&rr.Fact.CreatedAt,
			&rr.Distance,
		); err != nil {
			return memory.RecallResult{}, err
		}
		return rr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres memory: scan rows: %w", err)
	}
	if results == nil {
		results = []memory.RecallResult{}
	}
	return results, nil
}

// List implements memory.Store, returning the newest facts first.
func (s *Store) List(ctx context.Context, agentID string, limit int) ([]memory.Fact, error) {
	if agentID == "" {
		return nil, errors.New("postgres memory: agentID must not be empty")
	}
	if limit <= 0 {
		limit = s.maxFacts
	}

	const q = `
		SELECT id, agent_id, category, content, created_at
		FROM   agent_memories
		WHERE  agent_id = $1
		ORDER  BY created_at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres memory: list: %w", err)
	}

	facts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Fact, error) {
		var f memory.Fact
		if err := row.Scan(&f.ID, &f.AgentID, &f.Category, &f.Content, &f.CreatedAt); err != nil {
			return memory.Fact{}, err
		}
		return f, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres memory: scan rows: %w", err)
	}
	if facts == nil {
		facts = []memory.Fact{}
	}
	return facts, nil
}

// Forget implements memory.Store. Deleting an unknown or malformed ID is a
// no-op rather than an error.
func (s *Store) Forget(ctx context.Context, agentID, factID string) error {
	if agentID == "" {
		return errors.New("postgres memory: agentID must not be empty")
	}
	if _, err := uuid.Parse(factID); err != nil {
		return nil
	}
	const q = `DELETE FROM agent_memories WHERE agent_id = $1 AND id = $2`
	if _, err := s.pool.Exec(ctx, q, agentID, factID); err != nil {
		return fmt.Errorf("postgres memory: forget: %w", err)
	}
	return nil
}

// insert writes one fact row.
func (s *Store) insert(ctx context.Context, fact memory.Fact, vec []float32) error {
	const q = `
		INSERT INTO agent_memories (id, agent_id, category, content, embedding, model_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, q,
		fact.ID,
		fact.AgentID,
		fact.Category,
		fact.Content,
		pgvector.NewVector(vec),
		s.embedder.ModelID(),
		fact.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres memory: insert fact: %w", err)
	}
	return nil
}

// enforceCap prunes the oldest facts beyond the per-agent cap.
func (s *Store) enforceCap(ctx context.Context, agentID string) error {
	const q = `
		DELETE FROM agent_memories
		WHERE id IN (
		    SELECT id
		    FROM   agent_memories
		    WHERE  agent_id = $1
		    ORDER  BY created_at DESC
		    OFFSET $2
		)`

	if _, err := s.pool.Exec(ctx, q, agentID, s.maxFacts); err != nil {
		return fmt.Errorf("postgres memory: enforce cap: %w", err)
	}
	return nil
}

// nearestDistance returns the cosine distance from vec to the agent's closest
// stored fact. ok is false when the agent has no facts yet.
func (s *Store) nearestDistance(ctx context.Context, agentID string, vec []float32) (dist float64, ok bool, err error) {
	const q = `
		SELECT embedding <=> $1
		FROM   agent_memories
		WHERE  agent_id = $2
		ORDER  BY 1
		LIMIT  1`

	err = s.pool.QueryRow(ctx, q, pgvector.NewVector(vec), agentID).Scan(&dist)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("postgres memory: nearest distance: %w", err)
	}
	return dist, true, nil
}
