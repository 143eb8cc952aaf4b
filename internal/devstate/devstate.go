// Package devstate keeps the fast-changing runtime state of devices and
// sessions in Redis: heartbeat telemetry, bind challenges, and which gateway
// instance currently holds a session. Everything durable lives in Postgres;
// this data is disposable and carries TTLs so a crashed gateway leaves no
// permanent ghosts.
package devstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	bindChallengeTTL = 5 * time.Minute

	// sessionTTL is refreshed on every heartbeat; a session whose gateway
	// dies expires on its own.
	sessionTTL = 2 * time.Minute

	deviceTTL = 10 * time.Minute
)

// ErrChallengePending means a bind challenge already exists for the device.
var ErrChallengePending = errors.New("devstate: bind challenge already pending")

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("devstate: not found")

// Telemetry is the per-device hash updated from hello and heartbeat frames.
type Telemetry struct {
	Battery    int    `json:"battery"`
	Volume     int    `json:"volume"`
	IP         string `json:"ip"`
	Signal     int    `json:"signal"`
	Firmware   string `json:"firmware,omitempty"`
	LastActive int64  `json:"last_active"`
}

// State is the Redis-backed device and session state. All methods are safe
// for concurrent use; the redis client does its own pooling.
type State struct {
	rdb    *redis.Client
	prefix string
}

// New creates a State over the given client. All keys are namespaced under
// prefix (e.g. "starbud") so one Redis can serve several deployments.
func New(rdb *redis.Client, prefix string) *State {
	if prefix == "" {
		prefix = "starbud"
	}
	return &State{rdb: rdb, prefix: prefix}
}

func (s *State) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// ─── Device telemetry ────────────────────────────────────────────────────────

// UpdateTelemetry stores the device's latest heartbeat data.
func (s *State) UpdateTelemetry(ctx context.Context, deviceUUID string, tel Telemetry) error {
	tel.LastActive = time.Now().Unix()
	data, err := json.Marshal(tel)
	if err != nil {
		return fmt.Errorf("devstate: marshal telemetry: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key("device", deviceUUID), data, deviceTTL).Err(); err != nil {
		return fmt.Errorf("devstate: update telemetry: %w", err)
	}
	return nil
}

// Telemetry returns the device's last reported state.
func (s *State) Telemetry(ctx context.Context, deviceUUID string) (Telemetry, error) {
	data, err := s.rdb.Get(ctx, s.key("device", deviceUUID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Telemetry{}, ErrNotFound
	}
	if err != nil {
		return Telemetry{}, fmt.Errorf("devstate: get telemetry: %w", err)
	}
	var tel Telemetry
	if err := json.Unmarshal(data, &tel); err != nil {
		return Telemetry{}, fmt.Errorf("devstate: decode telemetry: %w", err)
	}
	return tel, nil
}

// ClearDevice drops the device's telemetry, typically on disconnect.
func (s *State) ClearDevice(ctx context.Context, deviceUUID string) error {
	if err := s.rdb.Del(ctx, s.key("device", deviceUUID)).Err(); err != nil {
		return fmt.Errorf("devstate: clear device: %w", err)
	}
	return nil
}

// ─── Bind challenges ─────────────────────────────────────────────────────────

// CreateBindChallenge stores a short-lived bind code for a device. Only one
// challenge may be pending per device; a second request before the first
// expires returns [ErrChallengePending].
func (s *State) CreateBindChallenge(ctx context.Context, deviceUUID, code string) error {
	ok, err := s.rdb.SetNX(ctx, s.key("bind", deviceUUID), code, bindChallengeTTL).Result()
	if err != nil {
		return fmt.Errorf("devstate: create bind challenge: %w", err)
	}
	if !ok {
		return ErrChallengePending
	}
	return nil
}

// ConsumeBindChallenge checks the submitted code and deletes the challenge
// on a match. A wrong code leaves the challenge in place so the user can
// retry until it expires.
func (s *State) ConsumeBindChallenge(ctx context.Context, deviceUUID, code string) (bool, error) {
	key := s.key("bind", deviceUUID)
	stored, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("devstate: get bind challenge: %w", err)
	}
	if stored != code {
		return false, nil
	}
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return false, fmt.Errorf("devstate: consume bind challenge: %w", err)
	}
	return true, nil
}

// ─── Session presence ────────────────────────────────────────────────────────

// ClaimSession records which gateway instance owns a live session.
func (s *State) ClaimSession(ctx context.Context, sessionID, instance string) error {
	if err := s.rdb.Set(ctx, s.key("session", sessionID), instance, sessionTTL).Err(); err != nil {
		return fmt.Errorf("devstate: claim session: %w", err)
	}
	return nil
}

// RefreshSession extends the presence TTL; called from the heartbeat path.
func (s *State) RefreshSession(ctx context.Context, sessionID string) error {
	ok, err := s.rdb.Expire(ctx, s.key("session", sessionID), sessionTTL).Result()
	if err != nil {
		return fmt.Errorf("devstate: refresh session: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// SessionInstance reports which gateway instance holds a session.
func (s *State) SessionInstance(ctx context.Context, sessionID string) (string, error) {
	instance, err := s.rdb.Get(ctx, s.key("session", sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("devstate: session instance: %w", err)
	}
	return instance, nil
}

// ReleaseSession drops the presence record on clean session close.
func (s *State) ReleaseSession(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, s.key("session", sessionID)).Err(); err != nil {
		return fmt.Errorf("devstate: release session: %w", err)
	}
	return nil
}
