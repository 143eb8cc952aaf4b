package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// UpsertDevice registers a device by its UUID, creating the row on first
// contact and refreshing last_active on every later one.
func (s *Store) UpsertDevice(ctx context.Context, deviceUUID, deviceType string) (Device, error) {
	const q = `
		INSERT INTO devices (device_uuid, device_type, online, last_active)
		VALUES ($1, $2, TRUE, now())
		ON CONFLICT (device_uuid) DO UPDATE
		SET online = TRUE, last_active = now()
		RETURNING id, device_uuid, device_type, online, last_active, created_at`

	var d Device
	var lastActive *time.Time
	err := s.pool.QueryRow(ctx, q, deviceUUID, deviceType).Scan(
		&d.ID, &d.DeviceUUID, &d.DeviceType, &d.Online, &lastActive, &d.CreatedAt)
	if err != nil {
		return Device{}, fmt.Errorf("store: upsert device: %w", err)
	}
	if lastActive != nil {
		d.LastActive = *lastActive
	}
	return d, nil
}

// MarkDeviceOffline clears the online flag. Unknown devices are a no-op.
func (s *Store) MarkDeviceOffline(ctx context.Context, deviceUUID string) error {
	const q = `UPDATE devices SET online = FALSE WHERE device_uuid = $1`
	if _, err := s.pool.Exec(ctx, q, deviceUUID); err != nil {
		return fmt.Errorf("store: mark device offline: %w", err)
	}
	return nil
}

// BindDevice links a device to a user. The first binder becomes the owner;
// re-binding an existing pair is a no-op.
func (s *Store) BindDevice(ctx context.Context, userID, deviceID int64) error {
	const q = `
		INSERT INTO user_devices (user_id, device_id, is_owner)
		VALUES ($1, $2, NOT EXISTS (
		    SELECT 1 FROM user_devices WHERE device_id = $2 AND is_owner
		))
		ON CONFLICT (user_id, device_id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, q, userID, deviceID); err != nil {
		return fmt.Errorf("store: bind device: %w", err)
	}
	return nil
}

// GetDeviceByUUID returns the device with the given UUID.
func (s *Store) GetDeviceByUUID(ctx context.Context, deviceUUID string) (Device, error) {
	const q = `
		SELECT id, device_uuid, device_type, online, last_active, created_at
		FROM   devices
		WHERE  device_uuid = $1`

	var d Device
	var lastActive *time.Time
	err := s.pool.QueryRow(ctx, q, deviceUUID).Scan(
		&d.ID, &d.DeviceUUID, &d.DeviceType, &d.Online, &lastActive, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Device{}, ErrNotFound
	}
	if err != nil {
		return Device{}, fmt.Errorf("store: get device: %w", err)
	}
	if lastActive != nil {
		d.LastActive = *lastActive
	}
	return d, nil
}

// ListUserDevices returns all devices linked to a user, owners first.
func (s *Store) ListUserDevices(ctx context.Context, userID int64) ([]Device, error) {
	const q = `
		SELECT d.id, d.device_uuid, d.device_type, d.online, d.last_active, d.created_at
		FROM   devices d
		JOIN   user_devices ud ON ud.device_id = d.id
		WHERE  ud.user_id = $1
		ORDER  BY ud.is_owner DESC, d.created_at`

	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list user devices: %w", err)
	}
	devices, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Device, error) {
		var d Device
		var lastActive *time.Time
		if err := row.Scan(&d.ID, &d.DeviceUUID, &d.DeviceType, &d.Online, &lastActive, &d.CreatedAt); err != nil {
			return Device{}, err
		}
		if lastActive != nil {
			d.LastActive = *lastActive
		}
		return d, nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan devices: %w", err)
	}
	return devices, nil
}
