package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateSession opens a new conversation thread and returns it. The session
// id is a fresh UUID; copilot sessions keep their history segregated from
// the voice stream.
func (s *Store) CreateSession(ctx context.Context, userID, agentID, deviceID int64, copilot bool) (Session, error) {
	const q = `
		INSERT INTO sessions (session_id, user_id, agent_id, device_id, copilot)
		VALUES ($1, $2, $3, NULLIF($4, 0), $5)
		RETURNING created_at`

	sess := Session{
		SessionID: uuid.NewString(),
		UserID:    userID,
		AgentID:   agentID,
		DeviceID:  deviceID,
		Copilot:   copilot,
		Open:      true,
	}
	err := s.pool.QueryRow(ctx, q, sess.SessionID, userID, agentID, deviceID, copilot).
		Scan(&sess.CreatedAt)
	if err != nil {
		return Session{}, fmt.Errorf("store: create session: %w", err)
	}
	return sess, nil
}

// GetSession returns the session with the given id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	const q = `
		SELECT session_id, user_id, agent_id, COALESCE(device_id, 0), copilot, open,
		       created_at, COALESCE(closed_at, 'epoch'::timestamptz)
		FROM   sessions
		WHERE  session_id = $1`

	var sess Session
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(&sess.SessionID, &sess.UserID,
		&sess.AgentID, &sess.DeviceID, &sess.Copilot, &sess.Open, &sess.CreatedAt, &sess.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("store: get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns an agent's sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, agentID int64, copilot bool, limit, offset int) ([]Session, error) {
	const q = `
		SELECT session_id, user_id, agent_id, COALESCE(device_id, 0), copilot, open,
		       created_at, COALESCE(closed_at, 'epoch'::timestamptz)
		FROM   sessions
		WHERE  agent_id = $1 AND copilot = $2
		ORDER  BY created_at DESC
		LIMIT  $3 OFFSET $4`

	rows, err := s.pool.Query(ctx, q, agentID, copilot, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Session, error) {
		var sess Session
		err := row.Scan(&sess.SessionID, &sess.UserID, &sess.AgentID, &sess.DeviceID,
			&sess.Copilot, &sess.Open, &sess.CreatedAt, &sess.ClosedAt)
		return sess, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan sessions: %w", err)
	}
	return sessions, nil
}

// CloseSession marks a session closed and stamps the close time. Closing an
// already-closed session is a no-op.
func (s *Store) CloseSession(ctx context.Context, sessionID string, at time.Time) error {
	const q = `
		UPDATE sessions
		SET    open = FALSE, closed_at = $2
		WHERE  session_id = $1 AND open`

	if _, err := s.pool.Exec(ctx, q, sessionID, at); err != nil {
		return fmt.Errorf("store: close session: %w", err)
	}
	return nil
}

// DeleteSession removes a session together with its messages and any
// analysis job, in one transaction.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: delete session: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, q := range []string{
		`DELETE FROM chat_messages WHERE session_id = $1`,
		`DELETE FROM session_analyses WHERE session_id = $1`,
		`DELETE FROM sessions WHERE session_id = $1`,
	} {
		if _, err := tx.Exec(ctx, q, sessionID); err != nil {
			return fmt.Errorf("store: delete session: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: delete session: commit: %w", err)
	}
	return nil
}
