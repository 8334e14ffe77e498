// Package store provides persistent storage for pairchat using SQLite.
//
// # Architecture
//
// The store package is interface driven:
//
//   - MessageStore: append-only message log with per-conversation sequences
//   - ConversationStore: conversations keyed by participant pair, watermarks
//   - UserStore: the profile directory (phone, name, avatar reference)
//   - OTPStore: pending one-time login codes
//
// SQLiteStore implements all of them in a single struct. MockStore is an
// in-memory implementation with the same semantics for unit tests.
//
// # Sequencing
//
// Append is the only operation that assigns sequence numbers. It runs in one
// write transaction that reads the conversation's last_seq, inserts the
// message at last_seq+1 and bumps the conversation row. Appends to the same
// conversation are additionally serialized in-process by a keyed lock, so
// sequences are gapless and never duplicated:
//
//	seq(n+1) = seq(n) + 1, starting at 1
//
// A non-empty idempotency token is unique per conversation. Replaying a token
// returns the stored message instead of appending a second one.
//
// # Delivery Status
//
// Message status only moves forward: sent -> delivered -> read. MarkStatus
// rejects anything else with ErrInvalidTransition.
//
// # SQLite Configuration
//
// The DSN enables WAL, foreign keys, a busy timeout and immediate write
// transactions for every pooled connection:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// # Error Handling
//
//   - ErrNotFound / ErrConversationNotFound: entity does not exist
//   - ErrForbidden: user is not a participant
//   - ErrDuplicate: unique key already taken
//   - ErrInvalidTransition: status would regress
//   - ErrUnavailable: transient lock or connection failure, safe to retry
//
// All methods accept context.Context for cancellation support.
package store
