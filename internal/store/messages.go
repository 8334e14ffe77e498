// ABOUTME: Message persistence for SQLiteStore: append with sequence assignment, range reads, status
// ABOUTME: Append is the single place where per-conversation sequence numbers are assigned

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type messageRow struct {
	ID               string `db:"id"`
	ConversationID   string `db:"conversation_id"`
	Seq              int64  `db:"seq"`
	SenderID         string `db:"sender_id"`
	Body             string `db:"body"`
	IdempotencyToken string `db:"idempotency_token"`
	CreatedAt        string `db:"created_at"`
	Status           string `db:"status"`
}

func (r *messageRow) toMessage() (*Message, error) {
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &Message{
		ID:               r.ID,
		ConversationID:   r.ConversationID,
		Seq:              r.Seq,
		SenderID:         r.SenderID,
		Body:             r.Body,
		IdempotencyToken: r.IdempotencyToken,
		CreatedAt:        created,
		Status:           Status(r.Status),
	}, nil
}

const messageColumns = `id, conversation_id, seq, sender_id, body, idempotency_token, created_at, status`

// Append stores a message at the conversation's next sequence number.
// Everything happens in one transaction: on any failure nothing is written.
func (s *SQLiteStore) Append(ctx context.Context, conversationID, senderID, body, idempotencyToken string) (*Message, error) {
	release := s.locks.Lock(conversationID)
	defer release()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, wrap("beginning append", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var conv conversationRow
	err = tx.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, wrap("loading conversation", err)
	}
	if senderID != conv.UserLow && senderID != conv.UserHigh {
		return nil, ErrForbidden
	}

	if idempotencyToken != "" {
		existing, err := s.messageByToken(ctx, tx, conversationID, idempotencyToken)
		if err == nil {
			s.logger.Debug("idempotent append replayed", "conversation_id", conversationID, "seq", existing.Seq)
			existing.Replayed = true
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	now := time.Now().UTC()
	msg := &Message{
		ID:               uuid.New().String(),
		ConversationID:   conversationID,
		Seq:              conv.LastSeq + 1,
		SenderID:         senderID,
		Body:             body,
		IdempotencyToken: idempotencyToken,
		CreatedAt:        now,
		Status:           StatusSent,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.Seq, msg.SenderID, msg.Body, msg.IdempotencyToken,
		formatTime(msg.CreatedAt), string(msg.Status))
	if err != nil {
		return nil, wrap("inserting message", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE conversations SET last_seq = ?, last_message_at = ?
		WHERE id = ? AND last_seq = ?
	`, msg.Seq, formatTime(now), conversationID, conv.LastSeq)
	if err != nil {
		return nil, wrap("updating conversation", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		// another writer bypassed the keyed lock; the caller may retry
		return nil, fmt.Errorf("updating conversation: %w: sequence moved", ErrUnavailable)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrap("committing append", err)
	}

	s.logger.Debug("appended message", "conversation_id", conversationID, "seq", msg.Seq, "sender", senderID)
	return msg, nil
}

func (s *SQLiteStore) messageByToken(ctx context.Context, tx *sqlx.Tx, conversationID, token string) (*Message, error) {
	var row messageRow
	err := tx.GetContext(ctx, &row, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND idempotency_token = ?
	`, conversationID, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("querying idempotency token", err)
	}
	return row.toMessage()
}

// ReadRange returns up to limit messages with seq > fromSeq, oldest first.
// Calling again with the last returned seq continues where this left off.
func (s *SQLiteStore) ReadRange(ctx context.Context, conversationID string, fromSeq int64, limit int) ([]*Message, error) {
	var exists int
	err := s.db.GetContext(ctx, &exists, `SELECT 1 FROM conversations WHERE id = ?`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, wrap("checking conversation", err)
	}

	var rows []messageRow
	err = s.db.SelectContext(ctx, &rows, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, conversationID, fromSeq, clampLimit(limit))
	if err != nil {
		return nil, wrap("reading messages", err)
	}

	msgs := make([]*Message, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toMessage()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("querying message", err)
	}
	return row.toMessage()
}

// statusRank mirrors Status.Rank for use inside SQL.
const statusRank = `(CASE status WHEN 'sent' THEN 0 WHEN 'delivered' THEN 1 WHEN 'read' THEN 2 ELSE -1 END)`

// MarkStatus moves a message to status. The change must strictly advance
// the current status or ErrInvalidTransition is returned.
func (s *SQLiteStore) MarkStatus(ctx context.Context, messageID string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ? WHERE id = ? AND `+statusRank+` < ?`,
		string(status), messageID, status.Rank())
	if err != nil {
		return wrap("updating message status", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	current, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
}

// MarkReadThrough marks the messages readerID received with seq <= seq as
// read. Messages already read are left alone. Returns how many changed.
func (s *SQLiteStore) MarkReadThrough(ctx context.Context, conversationID, readerID string, seq int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = 'read'
		WHERE conversation_id = ? AND sender_id <> ? AND seq <= ? AND status <> 'read'
	`, conversationID, readerID, seq)
	if err != nil {
		return 0, wrap("marking messages read", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("marking messages read", err)
	}
	return n, nil
}
