// ABOUTME: Store interfaces and data types for pairchat persistence
// ABOUTME: Defines Conversation, Message, Watermark, User and OTP records plus the store contracts

package store

import (
	"context"
	"strings"
	"time"
)

// Status is the delivery status of a message. It only ever moves forward.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Rank orders statuses; an unknown status ranks below sent.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 0
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool { return s.Rank() >= 0 }

// Advances reports whether moving from s to next is a forward transition.
func (s Status) Advances(next Status) bool {
	return next.Valid() && next.Rank() > s.Rank()
}

// Conversation is the thread between exactly two users.
// Participants is always sorted so that PairKey is derived deterministically.
type Conversation struct {
	ID            string     `json:"id"`
	PairKey       string     `json:"-"`
	Participants  [2]string  `json:"participants"`
	CreatedAt     time.Time  `json:"created_at"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	LastSeq       int64      `json:"last_seq"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.Participants[0] == userID || c.Participants[1] == userID)
}

// Peer returns the participant that is not userID.
func (c *Conversation) Peer(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// PairKey returns the canonical, order-independent key for a pair of users
// along with the sorted pair.
func PairKey(a, b string) (string, [2]string) {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b, [2]string{a, b}
}

// Message is a single accepted message. Seq is the ordering key within its
// conversation; CreatedAt is informational only.
type Message struct {
	ID               string    `json:"id"`
	ConversationID   string    `json:"conversation_id"`
	Seq              int64     `json:"seq"`
	SenderID         string    `json:"sender_id"`
	Body             string    `json:"body"`
	IdempotencyToken string    `json:"idempotency_token,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	Status           Status    `json:"status"`

	// Replayed is set by Append when the idempotency token matched an
	// existing message instead of creating a new one.
	Replayed bool `json:"-"`
}

// Preview returns a single-line excerpt of the body suitable for chat lists
// and notifications.
func (m *Message) Preview(max int) string {
	text := strings.Join(strings.Fields(m.Body), " ")
	if max <= 0 || len([]rune(text)) <= max {
		return text
	}
	r := []rune(text)
	return string(r[:max-1]) + "…"
}

// ConversationView is a conversation as seen by one of its participants:
// the user's watermark and the latest message, if any.
type ConversationView struct {
	Conversation *Conversation
	Watermark    int64
	LastMessage  *Message
}

// User is a registered account in the profile directory.
type User struct {
	ID        string
	Phone     string
	Name      string
	AvatarRef string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OTPCode is a pending one-time login code for a phone number.
// Only the hash of the code is stored.
type OTPCode struct {
	Phone     string
	CodeHash  string
	Attempts  int
	CreatedAt time.Time
	ExpiresAt time.Time
}

// MessageStore owns message durability and sequence assignment.
type MessageStore interface {
	// Append assigns the next sequence number and stores the message. A token
	// already accepted for the conversation returns the original message with
	// Replayed set.
	Append(ctx context.Context, conversationID, senderID, body, idempotencyToken string) (*Message, error)

	// ReadRange returns messages with seq > fromSeq in ascending order.
	ReadRange(ctx context.Context, conversationID string, fromSeq int64, limit int) ([]*Message, error)

	// MarkStatus moves a message strictly forward through sent, delivered, read.
	MarkStatus(ctx context.Context, messageID string, status Status) error

	// MarkReadThrough marks every message not sent by readerID with seq <= seq as read.
	MarkReadThrough(ctx context.Context, conversationID, readerID string, seq int64) (int64, error)

	GetMessage(ctx context.Context, id string) (*Message, error)
}

// ConversationStore persists conversations and per-user watermarks.
type ConversationStore interface {
	// CreateConversation returns ErrDuplicate if the pair already has a conversation.
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationByPair(ctx context.Context, pairKey string) (*Conversation, error)
	ListConversationsForUser(ctx context.Context, userID string, limit int) ([]*ConversationView, error)

	// AdvanceWatermark raises the watermark to seq if it is higher and
	// returns the stored value.
	AdvanceWatermark(ctx context.Context, userID, conversationID string, seq int64) (int64, error)
	GetWatermark(ctx context.Context, userID, conversationID string) (int64, error)
}

// UserStore persists profile directory entries.
type UserStore interface {
	// CreateUser returns ErrDuplicate if the phone number is taken.
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByPhone(ctx context.Context, phone string) (*User, error)
	UpdateUser(ctx context.Context, user *User) error
}

// OTPStore persists pending login codes.
type OTPStore interface {
	SaveOTP(ctx context.Context, code *OTPCode) error
	GetOTP(ctx context.Context, phone string) (*OTPCode, error)
	IncrementOTPAttempts(ctx context.Context, phone string) error
	DeleteOTP(ctx context.Context, phone string) error
}

// Store is everything the server persists.
type Store interface {
	MessageStore
	ConversationStore
	UserStore
	OTPStore
	Close() error
}
