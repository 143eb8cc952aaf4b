package store

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
)

// Summarizer condenses a span of transcript into a new rolling summary.
// previous is the current summary ("" on the first compaction) and
// transcript the role-prefixed lines being folded in.
type Summarizer func(ctx context.Context, previous, transcript string) (string, error)

// CompactOptions tunes history compression.
type CompactOptions struct {
	// ThresholdTokens triggers compaction once the estimated size of the
	// uncompressed history exceeds it.
	ThresholdTokens int

	// KeepRounds is how many of the newest user/assistant rounds stay
	// uncompressed.
	KeepRounds int
}

// CompactIfNeeded folds old history into the rolling summary for one
// (agent, copilot) lane when it has grown past the threshold. Concurrent
// callers coordinate through a per-lane advisory lock: whoever holds it
// compacts, everyone else returns immediately. Returns true when a new
// compressed record was written.
func (s *Store) CompactIfNeeded(ctx context.Context, agentID int64, copilot bool, opts CompactOptions, summarize Summarizer) (bool, error) {
	// Cheap pre-check outside any lock; the authoritative check repeats
	// inside the transaction.
	over, err := s.overThreshold(ctx, agentID, copilot, opts.ThresholdTokens)
	if err != nil || !over {
		return false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("store: compact: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked bool
	err = tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`,
		compactionLockKey(agentID, copilot)).Scan(&locked)
	if err != nil {
		return false, fmt.Errorf("store: compact: advisory lock: %w", err)
	}
	if !locked {
		// Another worker is compacting this lane.
		return false, nil
	}

	// Re-read inside the lock: a racing worker may have just compacted.
	prev, hasPrev, err := s.latestCompressed(ctx, agentID, copilot)
	if err != nil {
		return false, err
	}
	watermark := prev.ContentLastTime

	const q = `
		SELECT id, session_id, agent_id, role, content, audio_path, emotion,
		       confidence, copilot, created_at
		FROM   chat_messages
		WHERE  agent_id = $1 AND copilot = $2 AND created_at > $3
		ORDER  BY created_at, id`

	rows, err := tx.Query(ctx, q, agentID, copilot, watermark)
	if err != nil {
		return false, fmt.Errorf("store: compact: load history: %w", err)
	}
	history, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return false, fmt.Errorf("store: compact: scan history: %w", err)
	}
	if estimateWindowTokens(history) <= opts.ThresholdTokens {
		return false, nil
	}

	old, _ := splitKeepRounds(history, opts.KeepRounds)
	if len(old) == 0 {
		return false, nil
	}

	prevContent := ""
	if hasPrev {
		prevContent = prev.Content
	}
	summary, err := summarize(ctx, prevContent, transcriptBlock(old))
	if err != nil {
		return false, fmt.Errorf("store: compact: summarize: %w", err)
	}

	// content_last_time advances strictly: it is the timestamp of the
	// newest message folded in, which the watermark query guarantees is
	// later than the previous record's.
	lastTime := old[len(old)-1].CreatedAt

	_, err = tx.Exec(ctx, `
		INSERT INTO compressed_history (agent_id, copilot, content, content_last_time)
		VALUES ($1, $2, $3, $4)`,
		agentID, copilot, summary, lastTime)
	if err != nil {
		return false, fmt.Errorf("store: compact: insert summary: %w", err)
	}

	_, err = tx.Exec(ctx, `
		DELETE FROM chat_messages
		WHERE agent_id = $1 AND copilot = $2 AND created_at > $3 AND created_at <= $4`,
		agentID, copilot, watermark, lastTime)
	if err != nil {
		return false, fmt.Errorf("store: compact: delete raws: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("store: compact: commit: %w", err)
	}
	return true, nil
}

func (s *Store) overThreshold(ctx context.Context, agentID int64, copilot bool, threshold int) (bool, error) {
	prev, _, err := s.latestCompressed(ctx, agentID, copilot)
	if err != nil {
		return false, err
	}

	var bytes int64
	err = s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(length(content)), 0)
		FROM   chat_messages
		WHERE  agent_id = $1 AND copilot = $2 AND created_at > $3`,
		agentID, copilot, prev.ContentLastTime).Scan(&bytes)
	if err != nil {
		return false, fmt.Errorf("store: compact: size check: %w", err)
	}
	return int(bytes/4) > threshold, nil
}

// splitKeepRounds splits ordered history so the newest keepRounds
// user/assistant rounds stay raw and everything before them is compacted.
// A round starts at a user message that follows an assistant message. When
// the history holds no more than keepRounds rounds nothing is compacted.
func splitKeepRounds(msgs []Message, keepRounds int) (old, kept []Message) {
	if keepRounds < 1 {
		keepRounds = 1
	}
	starts := roundStarts(msgs)
	if len(starts) <= keepRounds {
		return nil, msgs
	}
	cut := starts[len(starts)-keepRounds]
	return msgs[:cut], msgs[cut:]
}

func roundStarts(msgs []Message) []int {
	var starts []int
	for i, m := range msgs {
		if m.Role != RoleUser {
			continue
		}
		if i == 0 || msgs[i-1].Role == RoleAssistant {
			starts = append(starts, i)
		}
	}
	return starts
}

// compactionLockKey hashes the lane identity into the 64-bit advisory lock
// keyspace.
func compactionLockKey(agentID int64, copilot bool) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "compact:%d:%t", agentID, copilot)
	return int64(h.Sum64())
}
