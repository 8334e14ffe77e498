// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite and sqlx
// ABOUTME: Opens the database, creates the schema and applies idempotent migrations

package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sqlx.DB
	logger *slog.Logger
	locks  *keyedMutex
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		locks:  newKeyedMutex(),
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func dsn(path string) string {
	q := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if path != ":memory:" {
		q += "&_pragma=journal_mode(WAL)"
	}
	return path + "?" + q
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			phone      TEXT NOT NULL UNIQUE,
			name       TEXT NOT NULL,
			avatar_ref TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			pair_key        TEXT NOT NULL UNIQUE,
			user_low        TEXT NOT NULL,
			user_high       TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			last_message_at TEXT,
			last_seq        INTEGER NOT NULL DEFAULT 0,

			CHECK (user_low < user_high)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_low ON conversations(user_low);
		CREATE INDEX IF NOT EXISTS idx_conversations_high ON conversations(user_high);

		CREATE TABLE IF NOT EXISTS messages (
			id                TEXT PRIMARY KEY,
			conversation_id   TEXT NOT NULL REFERENCES conversations(id),
			seq               INTEGER NOT NULL,
			sender_id         TEXT NOT NULL,
			body              TEXT NOT NULL,
			idempotency_token TEXT NOT NULL DEFAULT '',
			created_at        TEXT NOT NULL,
			status            TEXT NOT NULL DEFAULT 'sent',

			UNIQUE (conversation_id, seq),
			CHECK (status IN ('sent', 'delivered', 'read'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_token
			ON messages(conversation_id, idempotency_token)
			WHERE idempotency_token <> '';

		CREATE TABLE IF NOT EXISTS watermarks (
			user_id         TEXT NOT NULL,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			seq             INTEGER NOT NULL DEFAULT 0,
			updated_at      TEXT NOT NULL,

			PRIMARY KEY (user_id, conversation_id)
		);

		CREATE TABLE IF NOT EXISTS otp_codes (
			phone      TEXT PRIMARY KEY,
			code_hash  TEXT NOT NULL,
			attempts   INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "users",
			column: "avatar_ref",
			apply:  `ALTER TABLE users ADD COLUMN avatar_ref TEXT NOT NULL DEFAULT ''`,
		},
		{
			table:  "messages",
			column: "idempotency_token",
			apply:  `ALTER TABLE messages ADD COLUMN idempotency_token TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Ping checks that the database answers.
func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		// rows written by older builds used RFC3339
		return time.Parse(time.RFC3339Nano, v)
	}
	return t, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
