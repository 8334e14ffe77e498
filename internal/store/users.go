// ABOUTME: Profile directory persistence for SQLiteStore
// ABOUTME: Users are unique by phone number and are never hard-deleted

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type userRow struct {
	ID        string `db:"id"`
	Phone     string `db:"phone"`
	Name      string `db:"name"`
	AvatarRef string `db:"avatar_ref"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

func (r *userRow) toUser() (*User, error) {
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	updated, err := parseTime(r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &User{
		ID:        r.ID,
		Phone:     r.Phone,
		Name:      r.Name,
		AvatarRef: r.AvatarRef,
		CreatedAt: created,
		UpdatedAt: updated,
	}, nil
}

const userColumns = `id, phone, name, avatar_ref, created_at, updated_at`

// CreateUser inserts a user. Returns ErrDuplicate if the phone is registered.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = user.CreatedAt

	_, err := s.db.ExecContext(ctx, `INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.Phone, user.Name, user.AvatarRef, formatTime(user.CreatedAt), formatTime(user.UpdatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return wrap("inserting user", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

// GetUserByPhone retrieves a user by normalized phone number.
func (s *SQLiteStore) GetUserByPhone(ctx context.Context, phone string) (*User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE phone = ?`, phone)
}

func (s *SQLiteStore) getUser(ctx context.Context, query, arg string) (*User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("querying user", err)
	}
	return row.toUser()
}

// UpdateUser saves the mutable fields (name, avatar) of an existing user.
func (s *SQLiteStore) UpdateUser(ctx context.Context, user *User) error {
	user.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE users SET name = ?, avatar_ref = ?, updated_at = ? WHERE id = ?`,
		user.Name, user.AvatarRef, formatTime(user.UpdatedAt), user.ID)
	if err != nil {
		return wrap("updating user", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
