package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// EnqueueAnalysis records that a closed session needs background analysis.
// Re-enqueuing the same session is a no-op thanks to the unique session_id.
func (s *Store) EnqueueAnalysis(ctx context.Context, sessionID string, agentID int64, durationSeconds, avgUtterance float64) error {
	const q = `
		INSERT INTO session_analyses (session_id, agent_id, status, duration_seconds, avg_utterance)
		VALUES ($1, $2, 'pending', $3, $4)
		ON CONFLICT (session_id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, q, sessionID, agentID, durationSeconds, avgUtterance); err != nil {
		return fmt.Errorf("store: enqueue analysis: %w", err)
	}
	return nil
}

// ClaimAnalysis atomically moves one pending job to processing and returns
// it. ErrNotFound means the queue is empty.
func (s *Store) ClaimAnalysis(ctx context.Context) (SessionAnalysis, error) {
	const q = `
		UPDATE session_analyses
		SET    status = 'processing', updated_at = now()
		WHERE  id = (
		    SELECT id FROM session_analyses
		    WHERE  status = 'pending'
		    ORDER  BY created_at
		    LIMIT  1
		    FOR UPDATE SKIP LOCKED
		)
		RETURNING id, session_id, agent_id, status, duration_seconds, avg_utterance,
		          COALESCE(analysis_result, 'null'), retry_count, created_at, updated_at`

	var a SessionAnalysis
	err := s.pool.QueryRow(ctx, q).Scan(&a.ID, &a.SessionID, &a.AgentID, &a.Status,
		&a.DurationSeconds, &a.AvgUtterance, &a.AnalysisResult, &a.RetryCount,
		&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionAnalysis{}, ErrNotFound
	}
	if err != nil {
		return SessionAnalysis{}, fmt.Errorf("store: claim analysis: %w", err)
	}
	return a, nil
}

// CompleteAnalysis stores the result and marks the job done.
func (s *Store) CompleteAnalysis(ctx context.Context, id int64, result json.RawMessage) error {
	const q = `
		UPDATE session_analyses
		SET    status = 'completed', analysis_result = $2, updated_at = now()
		WHERE  id = $1`

	if _, err := s.pool.Exec(ctx, q, id, result); err != nil {
		return fmt.Errorf("store: complete analysis: %w", err)
	}
	return nil
}

// FailAnalysis bumps the retry counter; the job goes back to pending until
// maxRetries is exhausted, then to failed.
func (s *Store) FailAnalysis(ctx context.Context, id int64, maxRetries int) error {
	const q = `
		UPDATE session_analyses
		SET    retry_count = retry_count + 1,
		       status = CASE WHEN retry_count + 1 >= $2 THEN 'failed' ELSE 'pending' END,
		       updated_at = now()
		WHERE  id = $1`

	if _, err := s.pool.Exec(ctx, q, id, maxRetries); err != nil {
		return fmt.Errorf("store: fail analysis: %w", err)
	}
	return nil
}

// ResetProcessingAnalyses returns jobs stranded in processing (a previous
// run died mid-job) to the pending queue. Called once at startup.
func (s *Store) ResetProcessingAnalyses(ctx context.Context) (int64, error) {
	const q = `
		UPDATE session_analyses
		SET    status = 'pending', updated_at = now()
		WHERE  status = 'processing'`

	tag, err := s.pool.Exec(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("store: reset processing analyses: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetAnalysis returns the analysis for a session.
func (s *Store) GetAnalysis(ctx context.Context, sessionID string) (SessionAnalysis, error) {
	const q = `
		SELECT id, session_id, agent_id, status, duration_seconds, avg_utterance,
		       COALESCE(analysis_result, 'null'), retry_count, created_at, updated_at
		FROM   session_analyses
		WHERE  session_id = $1`

	var a SessionAnalysis
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(&a.ID, &a.SessionID, &a.AgentID,
		&a.Status, &a.DurationSeconds, &a.AvgUtterance, &a.AnalysisResult,
		&a.RetryCount, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionAnalysis{}, ErrNotFound
	}
	if err != nil {
		return SessionAnalysis{}, fmt.Errorf("store: get analysis: %w", err)
	}
	return a, nil
}

// AnalysesBetween returns an agent's completed analyses created inside
// [from, to), oldest first. Growth rollups aggregate their day or week
// through this.
func (s *Store) AnalysesBetween(ctx context.Context, agentID int64, from, to time.Time) ([]SessionAnalysis, error) {
	const q = `
		SELECT id, session_id, agent_id, status, duration_seconds, avg_utterance,
		       COALESCE(analysis_result, 'null'), retry_count, created_at, updated_at
		FROM   session_analyses
		WHERE  agent_id = $1 AND status = 'completed'
		       AND created_at >= $2 AND created_at < $3
		ORDER  BY created_at`

	rows, err := s.pool.Query(ctx, q, agentID, from, to)
	if err != nil {
		return nil, fmt.Errorf("store: analyses between: %w", err)
	}
	analyses, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SessionAnalysis, error) {
		var a SessionAnalysis
		err := row.Scan(&a.ID, &a.SessionID, &a.AgentID, &a.Status,
			&a.DurationSeconds, &a.AvgUtterance, &a.AnalysisResult,
			&a.RetryCount, &a.CreatedAt, &a.UpdatedAt)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan analyses between: %w", err)
	}
	return analyses, nil
}
