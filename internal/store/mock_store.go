// ABOUTME: Mock Store implementation for testing
// ABOUTME: In-memory, same semantics as SQLiteStore, with injectable transient failures

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	pairs         map[string]string        // pair key -> conversation ID
	messages      map[string][]*Message    // keyed by conversation ID, index = seq-1
	byID          map[string]*Message      // keyed by message ID
	watermarks    map[string]int64         // keyed by "userID|conversationID"
	users         map[string]*User         // keyed by user ID
	phones        map[string]string        // phone -> user ID
	otps          map[string]*OTPCode      // keyed by phone

	appendFailures int
	appendErr      error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		pairs:         make(map[string]string),
		messages:      make(map[string][]*Message),
		byID:          make(map[string]*Message),
		watermarks:    make(map[string]int64),
		users:         make(map[string]*User),
		phones:        make(map[string]string),
		otps:          make(map[string]*OTPCode),
	}
}

// FailAppends makes the next n calls to Append return err.
func (m *MockStore) FailAppends(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendFailures = n
	m.appendErr = err
}

func copyConversation(c *Conversation) *Conversation {
	out := *c
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		out.LastMessageAt = &t
	}
	return &out
}

func copyMessage(msg *Message) *Message {
	out := *msg
	return &out
}

// Append stores a message at the next sequence number.
func (m *MockStore) Append(ctx context.Context, conversationID, senderID, body, idempotencyToken string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.appendFailures > 0 {
		m.appendFailures--
		return nil, m.appendErr
	}

	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	if !conv.HasParticipant(senderID) {
		return nil, ErrForbidden
	}

	if idempotencyToken != "" {
		for _, existing := range m.messages[conversationID] {
			if existing.IdempotencyToken == idempotencyToken {
				out := copyMessage(existing)
				out.Replayed = true
				return out, nil
			}
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
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	m.byID[msg.ID] = msg
	conv.LastSeq = msg.Seq
	conv.LastMessageAt = &now

	return copyMessage(msg), nil
}

// ReadRange returns messages with seq > fromSeq, oldest first.
func (m *MockStore) ReadRange(ctx context.Context, conversationID string, fromSeq int64, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return nil, ErrConversationNotFound
	}
	limit = clampLimit(limit)
	if fromSeq < 0 {
		fromSeq = 0
	}

	all := m.messages[conversationID]
	var result []*Message
	for i := int(fromSeq); i < len(all) && len(result) < limit; i++ {
		result = append(result, copyMessage(all[i]))
	}
	return result, nil
}

// MarkStatus advances a message's status.
func (m *MockStore) MarkStatus(ctx context.Context, messageID string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.byID[messageID]
	if !ok {
		return ErrNotFound
	}
	if !msg.Status.Advances(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, msg.Status, status)
	}
	msg.Status = status
	return nil
}

// MarkReadThrough marks received messages up to seq as read.
func (m *MockStore) MarkReadThrough(ctx context.Context, conversationID, readerID string, seq int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, msg := range m.messages[conversationID] {
		if msg.Seq > seq {
			break
		}
		if msg.SenderID != readerID && msg.Status != StatusRead {
			msg.Status = StatusRead
			n++
		}
	}
	return n, nil
}

// GetMessage retrieves a message by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMessage(msg), nil
}

// CreateConversation stores a conversation unless the pair already has one.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	key, pair := PairKey(conv.Participants[0], conv.Participants[1])
	if pair[0] == "" || pair[0] == pair[1] {
		return fmt.Errorf("%w: a conversation needs two distinct participants", ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pairs[key]; exists {
		return ErrDuplicate
	}
	conv.PairKey = key
	conv.Participants = pair
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	m.conversations[conv.ID] = copyConversation(conv)
	m.pairs[key] = conv.ID
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return copyConversation(c), nil
}

// GetConversationByPair retrieves a conversation by pair key.
func (m *MockStore) GetConversationByPair(ctx context.Context, pairKey string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.pairs[pairKey]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return copyConversation(m.conversations[id]), nil
}

// ListConversationsForUser returns the user's conversations, most recent first.
func (m *MockStore) ListConversationsForUser(ctx context.Context, userID string, limit int) ([]*ConversationView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var views []*ConversationView
	for _, c := range m.conversations {
		if !c.HasParticipant(userID) {
			continue
		}
		view := &ConversationView{
			Conversation: copyConversation(c),
			Watermark:    m.watermarks[userID+"|"+c.ID],
		}
		if msgs := m.messages[c.ID]; len(msgs) > 0 {
			view.LastMessage = copyMessage(msgs[len(msgs)-1])
		}
		views = append(views, view)
	}

	sort.SliceStable(views, func(i, j int) bool {
		a, b := views[i].Conversation, views[j].Conversation
		switch {
		case a.LastMessageAt != nil && b.LastMessageAt != nil:
			return a.LastMessageAt.After(*b.LastMessageAt)
		case a.LastMessageAt != nil:
			return true
		case b.LastMessageAt != nil:
			return false
		default:
			return a.CreatedAt.After(b.CreatedAt)
		}
	})

	if limit = clampLimit(limit); len(views) > limit {
		views = views[:limit]
	}
	return views, nil
}

// AdvanceWatermark raises the watermark if seq is higher.
func (m *MockStore) AdvanceWatermark(ctx context.Context, userID, conversationID string, seq int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return 0, ErrConversationNotFound
	}
	key := userID + "|" + conversationID
	if seq > m.watermarks[key] {
		m.watermarks[key] = seq
	}
	return m.watermarks[key], nil
}

// GetWatermark returns the stored watermark.
func (m *MockStore) GetWatermark(ctx context.Context, userID, conversationID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watermarks[userID+"|"+conversationID], nil
}

// CreateUser stores a user unless the phone is taken.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.phones[user.Phone]; exists {
		return ErrDuplicate
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.UpdatedAt = user.CreatedAt
	u := *user
	m.users[u.ID] = &u
	m.phones[u.Phone] = u.ID
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *u
	return &out, nil
}

// GetUserByPhone retrieves a user by phone.
func (m *MockStore) GetUserByPhone(ctx context.Context, phone string) (*User, error) {
	m.mu.RLock()
	id, ok := m.phones[phone]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetUser(ctx, id)
}

// UpdateUser saves name and avatar.
func (m *MockStore) UpdateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[user.ID]
	if !ok {
		return ErrNotFound
	}
	user.UpdatedAt = time.Now().UTC()
	u.Name = user.Name
	u.AvatarRef = user.AvatarRef
	u.UpdatedAt = user.UpdatedAt
	return nil
}

// SaveOTP replaces the phone's code.
func (m *MockStore) SaveOTP(ctx context.Context, code *OTPCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *code
	c.Attempts = 0
	m.otps[c.Phone] = &c
	return nil
}

// GetOTP returns the phone's code.
func (m *MockStore) GetOTP(ctx context.Context, phone string) (*OTPCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.otps[phone]
	if !ok {
		return nil, ErrNotFound
	}
	out := *c
	return &out, nil
}

// IncrementOTPAttempts records a failed verification.
func (m *MockStore) IncrementOTPAttempts(ctx context.Context, phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.otps[phone]
	if !ok {
		return ErrNotFound
	}
	c.Attempts++
	return nil
}

// DeleteOTP removes the phone's code.
func (m *MockStore) DeleteOTP(ctx context.Context, phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.otps, phone)
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
