// ABOUTME: Sentinel errors for the store and the classification of driver failures
// ABOUTME: Callers match with errors.Is; transient failures wrap ErrUnavailable

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a requested entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrConversationNotFound is returned for operations on an unknown conversation.
	ErrConversationNotFound = fmt.Errorf("conversation %w", ErrNotFound)

	// ErrForbidden is returned when a user acts on a conversation they are not part of.
	ErrForbidden = errors.New("forbidden")

	// ErrDuplicate is returned when a unique key (pair key, phone) is already taken.
	ErrDuplicate = errors.New("already exists")

	// ErrUnavailable marks transient failures: the caller may retry with backoff.
	ErrUnavailable = errors.New("store unavailable")

	// ErrInvalidTransition is returned when a status change would not move forward.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidArgument is returned for malformed input.
	ErrInvalidArgument = errors.New("invalid argument")
)

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isForeignKeyViolation checks if the error is a SQLite FOREIGN KEY violation
func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// isTransient reports driver errors worth retrying: lock contention and a
// connection pool that went away underneath us.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sql: database is closed")
}

// wrap annotates a driver error, tagging transient ones with ErrUnavailable.
func wrap(op string, err error) error {
	if isTransient(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
