package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
)

// AppendMessage persists one turn entry and returns it with its assigned id
// and timestamp.
func (s *Store) AppendMessage(ctx context.Context, m Message) (Message, error) {
	const q = `
		INSERT INTO chat_messages (session_id, agent_id, role, content, audio_path,
		                           emotion, confidence, copilot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`

	err := s.pool.QueryRow(ctx, q, m.SessionID, m.AgentID, m.Role, m.Content,
		m.AudioPath, m.Emotion, m.Confidence, m.Copilot).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("store: append message: %w", err)
	}
	return m, nil
}

// ListMessages returns a session's messages oldest first, paged.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]Message, error) {
	const q = `
		SELECT id, session_id, agent_id, role, content, audio_path, emotion,
		       confidence, copilot, created_at
		FROM   chat_messages
		WHERE  session_id = $1
		ORDER  BY created_at, id
		LIMIT  $2 OFFSET $3`

	rows, err := s.pool.Query(ctx, q, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return nil, fmt.Errorf("store: scan messages: %w", err)
	}
	return msgs, nil
}

// RecentWindow assembles the prompt window for an agent's next turn: the
// newest compressed-history record (if any) folded into a single
// assistant-role entry, followed by up to limit raw messages newer than the
// compression watermark, oldest first. Consecutive same-role messages are
// merged into one entry so alternation holds when a turn was split or
// retried.
func (s *Store) RecentWindow(ctx context.Context, agentID int64, copilot bool, limit int) ([]Message, error) {
	compressed, ok, err := s.latestCompressed(ctx, agentID, copilot)
	if err != nil {
		return nil, err
	}

	watermark := time.Time{}
	if ok {
		watermark = compressed.ContentLastTime
	}

	// Newest limit rows above the watermark, fetched descending then
	// reversed so merging runs oldest first.
	const q = `
		SELECT id, session_id, agent_id, role, content, audio_path, emotion,
		       confidence, copilot, created_at
		FROM   chat_messages
		WHERE  agent_id = $1 AND copilot = $2 AND created_at > $3
		ORDER  BY created_at DESC, id DESC
		LIMIT  $4`

	rows, err := s.pool.Query(ctx, q, agentID, copilot, watermark, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent window: %w", err)
	}
	recent, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return nil, fmt.Errorf("store: scan recent window: %w", err)
	}
	reverseMessages(recent)

	window := make([]Message, 0, len(recent)+1)
	if ok {
		window = append(window, Message{
			AgentID:    agentID,
			Role:       RoleAssistant,
			Content:    compressed.Content,
			Copilot:    copilot,
			CreatedAt:  compressed.ContentLastTime,
			Compressed: true,
		})
	}
	return mergeSameRole(append(window, recent...)), nil
}

// latestCompressed returns the newest compressed-history record for the
// history lane, with ok false when none exists.
func (s *Store) latestCompressed(ctx context.Context, agentID int64, copilot bool) (CompressedHistory, bool, error) {
	const q = `
		SELECT id, agent_id, copilot, content, content_last_time, created_at
		FROM   compressed_history
		WHERE  agent_id = $1 AND copilot = $2
		ORDER  BY content_last_time DESC
		LIMIT  1`

	var c CompressedHistory
	err := s.pool.QueryRow(ctx, q, agentID, copilot).Scan(&c.ID, &c.AgentID,
		&c.Copilot, &c.Content, &c.ContentLastTime, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return CompressedHistory{}, false, nil
	}
	if err != nil {
		return CompressedHistory{}, false, fmt.Errorf("store: latest compressed: %w", err)
	}
	return c, true, nil
}

// mergeSameRole collapses consecutive entries with the same role into one,
// joining contents with a newline and keeping the later timestamp. The
// synthetic compressed entry never merges into raw history.
func mergeSameRole(msgs []Message) []Message {
	merged := msgs[:0]
	for _, m := range msgs {
		if n := len(merged); n > 0 {
			prev := &merged[n-1]
			if prev.Role == m.Role && !prev.Compressed && !m.Compressed {
				prev.Content = prev.Content + "\n" + m.Content
				prev.CreatedAt = m.CreatedAt
				prev.ID = m.ID
				continue
			}
		}
		merged = append(merged, m)
	}
	return merged
}

func reverseMessages(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

// estimateTokens is the rough token count used by the compression
// threshold: one token per four bytes of UTF-8, never less than one per
// non-empty string. Precision does not matter here, only monotonicity.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// estimateWindowTokens sums the estimate over a message slice, charging a
// few tokens of per-message framing overhead the way chat APIs do.
func estimateWindowTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += estimateTokens(m.Content) + 4
	}
	return total
}

// transcriptBlock renders messages as "role: content" lines for the
// summarizer prompt.
func transcriptBlock(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return b.String()
}

// utteranceRunes counts the runes of a message, used by session analysis to
// average utterance length.
func utteranceRunes(content string) int {
	return utf8.RuneCountInString(content)
}

func scanMessage(row pgx.CollectableRow) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.SessionID, &m.AgentID, &m.Role, &m.Content,
		&m.AudioPath, &m.Emotion, &m.Confidence, &m.Copilot, &m.CreatedAt)
	return m, err
}
