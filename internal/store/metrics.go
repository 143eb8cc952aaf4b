package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// InsertMetrics writes a batch of usage records in one round trip.
func (s *Store) InsertMetrics(ctx context.Context, rows []MetricRow) error {
	if len(rows) == 0 {
		return nil
	}

	const q = `
		INSERT INTO ai_metrics (monitor_id, kind, provider, model, session_id,
		    start_time, end_time, prompt_tokens, completion_tokens, total_tokens,
		    input_chars, output_chars, first_byte_ms, first_token_ms, total_ms,
		    input_cost, output_cost, total_cost, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(q, r.MonitorID, r.Kind, r.Provider, r.Model, r.SessionID,
			r.StartTime, r.EndTime, r.PromptTokens, r.CompletionTokens, r.TotalTokens,
			r.InputChars, r.OutputChars, r.FirstByteMS, r.FirstTokenMS, r.TotalMS,
			r.InputCost, r.OutputCost, r.TotalCost, r.Status)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("store: insert metrics: %w", err)
	}
	return nil
}

// PruneMetrics deletes usage records older than the cutoff and reports how
// many went.
func (s *Store) PruneMetrics(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ai_metrics WHERE start_time < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("store: prune metrics: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MetricStat is one aggregate row of the usage report.
type MetricStat struct {
	Kind        string
	Provider    string
	Model       string
	Calls       int64
	TotalTokens int64
	TotalCost   float64
	AvgFirstMS  float64
	AvgTotalMS  float64
	ErrorCalls  int64
}

// StatsSince aggregates usage per (kind, provider, model) from the given
// time onward.
func (s *Store) StatsSince(ctx context.Context, since time.Time) ([]MetricStat, error) {
	const q = `
		SELECT kind, provider, model,
		       COUNT(*),
		       COALESCE(SUM(total_tokens), 0),
		       COALESCE(SUM(total_cost), 0)::float8,
		       COALESCE(AVG(NULLIF(GREATEST(first_byte_ms, first_token_ms), 0)), 0)::float8,
		       COALESCE(AVG(total_ms), 0)::float8,
		       COUNT(*) FILTER (WHERE status <> 'ok')
		FROM   ai_metrics
		WHERE  start_time >= $1
		GROUP  BY kind, provider, model
		ORDER  BY kind, provider, model`

	rows, err := s.pool.Query(ctx, q, since)
	if err != nil {
		return nil, fmt.Errorf("store: metric stats: %w", err)
	}
	stats, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (MetricStat, error) {
		var st MetricStat
		err := row.Scan(&st.Kind, &st.Provider, &st.Model, &st.Calls,
			&st.TotalTokens, &st.TotalCost, &st.AvgFirstMS, &st.AvgTotalMS, &st.ErrorCalls)
		return st, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan metric stats: %w", err)
	}
	return stats, nil
}
