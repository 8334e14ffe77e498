// ABOUTME: Conversation and watermark persistence for SQLiteStore
// ABOUTME: Conversations are unique per canonical participant pair

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type conversationRow struct {
	ID            string         `db:"id"`
	PairKey       string         `db:"pair_key"`
	UserLow       string         `db:"user_low"`
	UserHigh      string         `db:"user_high"`
	CreatedAt     string         `db:"created_at"`
	LastMessageAt sql.NullString `db:"last_message_at"`
	LastSeq       int64          `db:"last_seq"`
}

func (r *conversationRow) toConversation() (*Conversation, error) {
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv := &Conversation{
		ID:           r.ID,
		PairKey:      r.PairKey,
		Participants: [2]string{r.UserLow, r.UserHigh},
		CreatedAt:    created,
		LastSeq:      r.LastSeq,
	}
	if r.LastMessageAt.Valid {
		t, err := parseTime(r.LastMessageAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_message_at: %w", err)
		}
		conv.LastMessageAt = &t
	}
	return conv, nil
}

const conversationColumns = `id, pair_key, user_low, user_high, created_at, last_message_at, last_seq`

// CreateConversation inserts a new conversation. If the pair already has a
// conversation it returns ErrDuplicate.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	key, pair := PairKey(conv.Participants[0], conv.Participants[1])
	if pair[0] == "" || pair[0] == pair[1] {
		return fmt.Errorf("%w: a conversation needs two distinct participants", ErrInvalidArgument)
	}
	conv.PairKey = key
	conv.Participants = pair
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, pair_key, user_low, user_high, created_at, last_seq)
		VALUES (?, ?, ?, ?, ?, 0)
	`, conv.ID, conv.PairKey, pair[0], pair[1], formatTime(conv.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return wrap("inserting conversation", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "pair", conv.PairKey)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrConversationNotFound if it doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var row conversationRow
	err := s.db.GetContext(ctx, &row, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, wrap("querying conversation", err)
	}
	return row.toConversation()
}

// GetConversationByPair retrieves a conversation by its canonical pair key.
func (s *SQLiteStore) GetConversationByPair(ctx context.Context, pairKey string) (*Conversation, error) {
	var row conversationRow
	err := s.db.GetContext(ctx, &row, `SELECT `+conversationColumns+` FROM conversations WHERE pair_key = ?`, pairKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, wrap("querying conversation by pair", err)
	}
	return row.toConversation()
}

type conversationViewRow struct {
	conversationRow
	Watermark    int64          `db:"watermark"`
	MsgID        sql.NullString `db:"msg_id"`
	MsgSender    sql.NullString `db:"msg_sender"`
	MsgBody      sql.NullString `db:"msg_body"`
	MsgCreatedAt sql.NullString `db:"msg_created_at"`
	MsgStatus    sql.NullString `db:"msg_status"`
}

// ListConversationsForUser returns the user's conversations with their
// watermark and latest message, most recently active first.
func (s *SQLiteStore) ListConversationsForUser(ctx context.Context, userID string, limit int) ([]*ConversationView, error) {
	query := `
		SELECT c.id, c.pair_key, c.user_low, c.user_high, c.created_at, c.last_message_at, c.last_seq,
			COALESCE(w.seq, 0) AS watermark,
			m.id AS msg_id, m.sender_id AS msg_sender, m.body AS msg_body,
			m.created_at AS msg_created_at, m.status AS msg_status
		FROM conversations c
		LEFT JOIN watermarks w ON w.conversation_id = c.id AND w.user_id = ?
		LEFT JOIN messages m ON m.conversation_id = c.id AND m.seq = c.last_seq
		WHERE c.user_low = ? OR c.user_high = ?
		ORDER BY c.last_message_at IS NULL, c.last_message_at DESC, c.created_at DESC
		LIMIT ?
	`

	var rows []conversationViewRow
	if err := s.db.SelectContext(ctx, &rows, query, userID, userID, userID, clampLimit(limit)); err != nil {
		return nil, wrap("listing conversations", err)
	}

	views := make([]*ConversationView, 0, len(rows))
	for i := range rows {
		r := &rows[i]
		conv, err := r.toConversation()
		if err != nil {
			return nil, err
		}
		view := &ConversationView{Conversation: conv, Watermark: r.Watermark}
		if r.MsgID.Valid {
			created, err := parseTime(r.MsgCreatedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing message created_at: %w", err)
			}
			view.LastMessage = &Message{
				ID:             r.MsgID.String,
				ConversationID: conv.ID,
				Seq:            conv.LastSeq,
				SenderID:       r.MsgSender.String,
				Body:           r.MsgBody.String,
				CreatedAt:      created,
				Status:         Status(r.MsgStatus.String),
			}
		}
		views = append(views, view)
	}
	return views, nil
}

// AdvanceWatermark raises the user's watermark for the conversation to seq.
// A lower seq leaves the stored watermark untouched. Returns the watermark
// after the update.
func (s *SQLiteStore) AdvanceWatermark(ctx context.Context, userID, conversationID string, seq int64) (int64, error) {
	if seq < 0 {
		seq = 0
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watermarks (user_id, conversation_id, seq, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, conversation_id) DO UPDATE
			SET seq = excluded.seq, updated_at = excluded.updated_at
			WHERE excluded.seq > watermarks.seq
	`, userID, conversationID, seq, formatTime(time.Now()))
	if err != nil {
		if isForeignKeyViolation(err) {
			return 0, ErrConversationNotFound
		}
		return 0, wrap("advancing watermark", err)
	}
	return s.GetWatermark(ctx, userID, conversationID)
}

// GetWatermark returns the user's watermark, zero if none was recorded.
func (s *SQLiteStore) GetWatermark(ctx context.Context, userID, conversationID string) (int64, error) {
	var seq int64
	err := s.db.GetContext(ctx, &seq,
		`SELECT seq FROM watermarks WHERE user_id = ? AND conversation_id = ?`, userID, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrap("querying watermark", err)
	}
	return seq, nil
}
