package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CreateVoiceClone registers a new voice training job in the training state.
func (s *Store) CreateVoiceClone(ctx context.Context, vc VoiceClone) (VoiceClone, error) {
	const q = `
		INSERT INTO voice_clones (user_id, name, provider, speaker_id, sample_path, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	if vc.Status == "" {
		vc.Status = CloneTraining
	}
	err := s.pool.QueryRow(ctx, q, vc.UserID, vc.Name, vc.Provider, vc.SpeakerID,
		vc.SamplePath, vc.Status).Scan(&vc.ID, &vc.CreatedAt)
	if err != nil {
		return VoiceClone{}, fmt.Errorf("store: create voice clone: %w", err)
	}
	return vc, nil
}

// GetVoiceClone returns one clone record.
func (s *Store) GetVoiceClone(ctx context.Context, id int64) (VoiceClone, error) {
	const q = `
		SELECT id, user_id, name, provider, speaker_id, sample_path, status, created_at
		FROM   voice_clones
		WHERE  id = $1 AND status <> 'deleted'`

	var vc VoiceClone
	err := s.pool.QueryRow(ctx, q, id).Scan(&vc.ID, &vc.UserID, &vc.Name,
		&vc.Provider, &vc.SpeakerID, &vc.SamplePath, &vc.Status, &vc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return VoiceClone{}, ErrNotFound
	}
	if err != nil {
		return VoiceClone{}, fmt.Errorf("store: get voice clone: %w", err)
	}
	return vc, nil
}

// ListVoiceClones returns a user's clones, newest first.
func (s *Store) ListVoiceClones(ctx context.Context, userID int64) ([]VoiceClone, error) {
	const q = `
		SELECT id, user_id, name, provider, speaker_id, sample_path, status, created_at
		FROM   voice_clones
		WHERE  user_id = $1 AND status <> 'deleted'
		ORDER  BY created_at DESC`

	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list voice clones: %w", err)
	}
	clones, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (VoiceClone, error) {
		var vc VoiceClone
		err := row.Scan(&vc.ID, &vc.UserID, &vc.Name, &vc.Provider,
			&vc.SpeakerID, &vc.SamplePath, &vc.Status, &vc.CreatedAt)
		return vc, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan voice clones: %w", err)
	}
	return clones, nil
}

// SetVoiceCloneStatus moves a clone through its lifecycle and records the
// provider speaker id once training assigns one.
func (s *Store) SetVoiceCloneStatus(ctx context.Context, id int64, status, speakerID string) error {
	const q = `
		UPDATE voice_clones
		SET    status = $2,
		       speaker_id = CASE WHEN $3 <> '' THEN $3 ELSE speaker_id END,
		       updated_at = now()
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, id, status, speakerID)
	if err != nil {
		return fmt.Errorf("store: set voice clone status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: set voice clone status %d: %w", id, ErrNotFound)
	}
	return nil
}
