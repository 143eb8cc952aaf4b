// Package mock provides a test double for the memory.Store interface.
//
// Use Store to serve canned facts without a database and to verify what the
// session pipeline and the MCP memory tool remember, recall and forget.
//
// Example:
//
//	st := &mock.Store{
//	    RecallResults: []memory.RecallResult{
//	        {Fact: memory.Fact{Content: "喜欢恐龙"}, Distance: 0.08},
//	    },
//	}
//	results, _ := st.Recall(ctx, "agent-1", "他喜欢什么动物", 5)
package mock

import (
	"context"
	"sync"

	"github.com/starbud-ai/starbud/pkg/provider/llm"
	"github.com/starbud-ai/starbud/pkg/provider/memory"
)

// RememberCall records a single invocation of Remember.
type RememberCall struct {
	// Ctx is the context passed to Remember.
	Ctx context.Context
	// AgentID is the agent the fact was stored for.
	AgentID string
	// Category is the category passed to Remember.
	Category string
	// Content is the fact text passed to Remember.
	Content string
}

// ExtractCall records a single invocation of Extract.
type ExtractCall struct {
	// Ctx is the context passed to Extract.
	Ctx context.Context
	// AgentID is the agent the extraction ran for.
	AgentID string
	// Conversation is a copy of the messages passed to Extract.
	Conversation []llm.Message
}

// RecallCall records a single invocation of Recall.
type RecallCall struct {
	// Ctx is the context passed to Recall.
	Ctx context.Context
	// AgentID is the agent the recall ran for.
	AgentID string
	// Query is the query text passed to Recall.
	Query string
	// TopK is the result cap passed to Recall.
	TopK int
}

// ListCall records a single invocation of List.
type ListCall struct {
	// Ctx is the context passed to List.
	Ctx context.Context
	// AgentID is the agent the listing ran for.
	AgentID string
	// Limit is the result cap passed to List.
	Limit int
}

// ForgetCall records a single invocation of Forget.
type ForgetCall struct {
	// Ctx is the context passed to Forget.
	Ctx context.Context
	// AgentID is the agent the fact was removed from.
	AgentID string
	// FactID is the fact ID passed to Forget.
	FactID string
}

// Store is a mock implementation of memory.Store.
type Store struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// RememberResult is returned by Remember. When its ID is empty the mock
	// fills in the call's agent, category and content so assertions on the
	// returned fact still hold.
	RememberResult memory.Fact

	// RememberErr, if non-nil, is returned as the error from Remember.
	RememberErr error

	// ExtractResults is returned by Extract.
	ExtractResults []memory.Fact

	// ExtractErr, if non-nil, is returned as the error from Extract.
	ExtractErr error

	// RecallResults is returned by Recall.
	RecallResults []memory.RecallResult

	// RecallErr, if non-nil, is returned as the error from Recall.
	RecallErr error

	// ListResults is returned by List.
	ListResults []memory.Fact

	// ListErr, if non-nil, is returned as the error from List.
	ListErr error

	// ForgetErr, if non-nil, is returned as the error from Forget.
	ForgetErr error

	// --- Call records ---

	// RememberCalls records every call to Remember in order.
	RememberCalls []RememberCall

	// ExtractCalls records every call to Extract in order.
	ExtractCalls []ExtractCall

	// RecallCalls records every call to Recall in order.
	RecallCalls []RecallCall

	// ListCalls records every call to List in order.
	ListCalls []ListCall

	// ForgetCalls records every call to Forget in order.
	ForgetCalls []ForgetCall
}

// Remember records the call and returns the configured fact or error.
func (s *Store) Remember(ctx context.Context, agentID, category, content string) (memory.Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RememberCalls = append(s.RememberCalls, RememberCall{
		Ctx:      ctx,
		AgentID:  agentID,
		Category: category,
		Content:  content,
	})
	if s.RememberErr != nil {
		return memory.Fact{}, s.RememberErr
	}
	fact := s.RememberResult
	if fact.ID == "" {
		fact.AgentID = agentID
		fact.Category = category
		fact.Content = content
	}
	return fact, nil
}

// Extract records the call and returns ExtractResults, ExtractErr.
func (s *Store) Extract(ctx context.Context, agentID string, conversation []llm.Message) ([]memory.Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]llm.Message, len(conversation))
	copy(cp, conversation)
	s.ExtractCalls = append(s.ExtractCalls, ExtractCall{Ctx: ctx, AgentID: agentID, Conversation: cp})
	if s.ExtractErr != nil {
		return nil, s.ExtractErr
	}
	return s.ExtractResults, nil
}

// Recall records the call and returns RecallResults, RecallErr.
func (s *Store) Recall(ctx context.Context, agentID, query string, topK int) ([]memory.RecallResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RecallCalls = append(s.RecallCalls, RecallCall{Ctx: ctx, AgentID: agentID, Query: query, TopK: topK})
	if s.RecallErr != nil {
		return nil, s.RecallErr
	}
	return s.RecallResults, nil
}

// List records the call and returns ListResults, ListErr.
func (s *Store) List(ctx context.Context, agentID string, limit int) ([]memory.Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ListCalls = append(s.ListCalls, ListCall{Ctx: ctx, AgentID: agentID, Limit: limit})
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	return s.ListResults, nil
}

// Forget records the call and returns ForgetErr.
func (s *Store) Forget(ctx context.Context, agentID, factID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ForgetCalls = append(s.ForgetCalls, ForgetCall{Ctx: ctx, AgentID: agentID, FactID: factID})
	return s.ForgetErr
}

// Reset clears all recorded calls. Thread-safe.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RememberCalls = nil
	s.ExtractCalls = nil
	s.RecallCalls = nil
	s.ListCalls = nil
	s.ForgetCalls = nil
}

// Ensure Store implements memory.Store at compile time.
var _ memory.Store = (*Store)(nil)
