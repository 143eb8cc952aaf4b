package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a requested row does not exist (or is
// soft-deleted).
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned when an insert collides with a unique constraint,
// e.g. registering an already-taken login name.
var ErrDuplicate = errors.New("store: duplicate")

// CreateUser inserts a new user and returns it with its assigned ID.
func (s *Store) CreateUser(ctx context.Context, loginName, passwordHash, userName string) (User, error) {
	const q = `
		INSERT INTO users (login_name, password_hash, user_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (login_name) DO NOTHING
		RETURNING id, created_at`

	u := User{
		LoginName:    loginName,
		LoginType:    "password",
		PasswordHash: passwordHash,
		UserName:     userName,
		Status:       1,
	}
	err := s.pool.QueryRow(ctx, q, loginName, passwordHash, userName).Scan(&u.ID, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, fmt.Errorf("store: create user %q: %w", loginName, ErrDuplicate)
	}
	if err != nil {
		return User{}, fmt.Errorf("store: create user: %w", err)
	}
	return u, nil
}

// GetUser returns the user with the given id. Soft-deleted users are not
// found.
func (s *Store) GetUser(ctx context.Context, id int64) (User, error) {
	const q = `
		SELECT id, login_name, login_type, password_hash, user_name, avatar, status, created_at
		FROM   users
		WHERE  id = $1 AND status = 1`

	return s.scanUser(s.pool.QueryRow(ctx, q, id))
}

// GetUserByLogin returns the user with the given login name. Soft-deleted
// users are not found.
func (s *Store) GetUserByLogin(ctx context.Context, loginName string) (User, error) {
	const q = `
		SELECT id, login_name, login_type, password_hash, user_name, avatar, status, created_at
		FROM   users
		WHERE  login_name = $1 AND status = 1`

	return s.scanUser(s.pool.QueryRow(ctx, q, loginName))
}

// DeleteUser soft-deletes a user by flipping its status flag. The row and
// its conversation history remain for audit.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	const q = `UPDATE users SET status = 0, updated_at = now() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("store: delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: delete user %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.LoginName, &u.LoginType, &u.PasswordHash,
		&u.UserName, &u.Avatar, &u.Status, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("store: scan user: %w", err)
	}
	return u, nil
}
