package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ScheduleSummary upserts a pending rollup for (agent, date, type) due at
// the given time. An existing record for the same slot keeps its state, so
// rescheduling after completion never regenerates a summary.
func (s *Store) ScheduleSummary(ctx context.Context, agentID int64, date time.Time, summaryType string, dueAt time.Time) error {
	const q = `
		INSERT INTO growth_summaries (agent_id, summary_date, summary_type, scheduled_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (agent_id, summary_date, summary_type) DO NOTHING`

	if _, err := s.pool.Exec(ctx, q, agentID, date, summaryType, dueAt); err != nil {
		return fmt.Errorf("store: schedule summary: %w", err)
	}
	return nil
}

// ClaimDueSummary atomically moves one due pending rollup to processing and
// returns it. ErrNotFound means nothing is due.
func (s *Store) ClaimDueSummary(ctx context.Context, now time.Time) (GrowthSummary, error) {
	const q = `
		UPDATE growth_summaries
		SET    status = 'processing', updated_at = now()
		WHERE  id = (
		    SELECT id FROM growth_summaries
		    WHERE  status = 'pending' AND scheduled_at <= $1
		    ORDER  BY scheduled_at
		    LIMIT  1
		    FOR UPDATE SKIP LOCKED
		)
		RETURNING id, agent_id, summary_date, summary_type, COALESCE(content, 'null'),
		          status, scheduled_at, updated_at`

	var g GrowthSummary
	err := s.pool.QueryRow(ctx, q, now).Scan(&g.ID, &g.AgentID, &g.SummaryDate,
		&g.SummaryType, &g.Content, &g.Status, &g.ScheduledAt, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return GrowthSummary{}, ErrNotFound
	}
	if err != nil {
		return GrowthSummary{}, fmt.Errorf("store: claim due summary: %w", err)
	}
	return g, nil
}

// CompleteSummary stores the generated content and marks the rollup done.
func (s *Store) CompleteSummary(ctx context.Context, id int64, content json.RawMessage) error {
	const q = `
		UPDATE growth_summaries
		SET    status = 'completed', content = $2, updated_at = now()
		WHERE  id = $1`

	if _, err := s.pool.Exec(ctx, q, id, content); err != nil {
		return fmt.Errorf("store: complete summary: %w", err)
	}
	return nil
}

// FailSummary marks a rollup failed. A later schedule pass will not retry
// it; operators clear failed rows by hand.
func (s *Store) FailSummary(ctx context.Context, id int64) error {
	const q = `UPDATE growth_summaries SET status = 'failed', updated_at = now() WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("store: fail summary: %w", err)
	}
	return nil
}

// ListSummaries returns an agent's rollups of one type, newest first.
func (s *Store) ListSummaries(ctx context.Context, agentID int64, summaryType string, limit, offset int) ([]GrowthSummary, error) {
	const q = `
		SELECT id, agent_id, summary_date, summary_type, COALESCE(content, 'null'),
		       status, scheduled_at, updated_at
		FROM   growth_summaries
		WHERE  agent_id = $1 AND summary_type = $2
		ORDER  BY summary_date DESC
		LIMIT  $3 OFFSET $4`

	rows, err := s.pool.Query(ctx, q, agentID, summaryType, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list summaries: %w", err)
	}
	summaries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (GrowthSummary, error) {
		var g GrowthSummary
		err := row.Scan(&g.ID, &g.AgentID, &g.SummaryDate, &g.SummaryType,
			&g.Content, &g.Status, &g.ScheduledAt, &g.UpdatedAt)
		return g, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan summaries: %w", err)
	}
	return summaries, nil
}

// MessagesBetween returns an agent's voice-lane messages inside [from, to),
// oldest first. Growth summaries read their day or week of transcript
// through this.
func (s *Store) MessagesBetween(ctx context.Context, agentID int64, from, to time.Time) ([]Message, error) {
	const q = `
		SELECT id, session_id, agent_id, role, content, audio_path, emotion,
		       confidence, copilot, created_at
		FROM   chat_messages
		WHERE  agent_id = $1 AND NOT copilot AND created_at >= $2 AND created_at < $3
		ORDER  BY created_at, id`

	rows, err := s.pool.Query(ctx, q, agentID, from, to)
	if err != nil {
		return nil, fmt.Errorf("store: messages between: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return nil, fmt.Errorf("store: scan messages between: %w", err)
	}
	return msgs, nil
}
