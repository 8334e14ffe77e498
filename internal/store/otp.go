// ABOUTME: Pending one-time login codes for SQLiteStore
// ABOUTME: One outstanding code per phone; saving a new code replaces the old one

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type otpRow struct {
	Phone     string `db:"phone"`
	CodeHash  string `db:"code_hash"`
	Attempts  int    `db:"attempts"`
	CreatedAt string `db:"created_at"`
	ExpiresAt string `db:"expires_at"`
}

// SaveOTP stores a code for the phone, replacing any previous one.
func (s *SQLiteStore) SaveOTP(ctx context.Context, code *OTPCode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO otp_codes (phone, code_hash, attempts, created_at, expires_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT (phone) DO UPDATE
			SET code_hash = excluded.code_hash, attempts = 0,
				created_at = excluded.created_at, expires_at = excluded.expires_at
	`, code.Phone, code.CodeHash, formatTime(code.CreatedAt), formatTime(code.ExpiresAt))
	if err != nil {
		return wrap("saving otp", err)
	}
	return nil
}

// GetOTP returns the outstanding code for the phone.
func (s *SQLiteStore) GetOTP(ctx context.Context, phone string) (*OTPCode, error) {
	var row otpRow
	err := s.db.GetContext(ctx, &row,
		`SELECT phone, code_hash, attempts, created_at, expires_at FROM otp_codes WHERE phone = ?`, phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("querying otp", err)
	}
	created, err := parseTime(row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	expires, err := parseTime(row.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	return &OTPCode{
		Phone:     row.Phone,
		CodeHash:  row.CodeHash,
		Attempts:  row.Attempts,
		CreatedAt: created,
		ExpiresAt: expires,
	}, nil
}

// IncrementOTPAttempts records a failed verification.
func (s *SQLiteStore) IncrementOTPAttempts(ctx context.Context, phone string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE otp_codes SET attempts = attempts + 1 WHERE phone = ?`, phone)
	if err != nil {
		return wrap("incrementing otp attempts", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOTP removes the outstanding code. Deleting a missing code is not an error.
func (s *SQLiteStore) DeleteOTP(ctx context.Context, phone string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM otp_codes WHERE phone = ?`, phone); err != nil {
		return wrap("deleting otp", err)
	}
	return nil
}
