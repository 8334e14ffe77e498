// ABOUTME: Registry implements get-or-create by pair, watermark advancement and the chat list
// ABOUTME: Peer profiles come from a ProfileGetter and degrade to the bare user ID on failure

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/pairchat/internal/profile"
	"github.com/2389/pairchat/internal/store"
)

// PreviewLength is how much of the last message the chat list shows.
const PreviewLength = 80

// Store is what the registry needs from persistence.
type Store interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetConversationByPair(ctx context.Context, pairKey string) (*store.Conversation, error)
	ListConversationsForUser(ctx context.Context, userID string, limit int) ([]*store.ConversationView, error)
	AdvanceWatermark(ctx context.Context, userID, conversationID string, seq int64) (int64, error)
	GetWatermark(ctx context.Context, userID, conversationID string) (int64, error)
}

// ProfileGetter resolves a user ID to a displayable profile.
type ProfileGetter interface {
	GetProfile(ctx context.Context, userID string) (profile.Profile, error)
}

// LastMessage is the chat list's preview of a conversation's newest message.
type LastMessage struct {
	Text      string    `json:"text"`
	Seq       int64     `json:"seq"`
	SenderID  string    `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary is one row of a user's conversation list.
type Summary struct {
	Conversation *store.Conversation `json:"conversation"`
	Peer         profile.Profile     `json:"peer"`
	LastMessage  *LastMessage        `json:"last_message,omitempty"`
	UnreadCount  int64               `json:"unread_count"`
}

// Registry is the conversation registry.
type Registry struct {
	store    Store
	profiles ProfileGetter
	logger   *slog.Logger

	mu           sync.RWMutex
	participants map[string][2]string
}

// New creates a Registry. profiles may be nil, in which case peers are
// rendered with their ID only. Pass nil logger for default.
func New(s Store, profiles ProfileGetter, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:        s,
		profiles:     profiles,
		logger:       logger.With("component", "registry"),
		participants: make(map[string][2]string),
	}
}

func unread(lastSeq, watermark int64) int64 {
	return max(0, lastSeq-watermark)
}

// GetOrCreate returns the conversation between userA and userB, creating it
// on first contact. The argument order does not matter.
func (r *Registry) GetOrCreate(ctx context.Context, userA, userB string) (*store.Conversation, error) {
	if userA == "" || userB == "" {
		return nil, fmt.Errorf("%w: both participants are required", store.ErrInvalidArgument)
	}
	if userA == userB {
		return nil, fmt.Errorf("%w: cannot start a conversation with yourself", store.ErrInvalidArgument)
	}

	key, pair := store.PairKey(userA, userB)

	conv, err := r.store.GetConversationByPair(ctx, key)
	if err == nil {
		r.rememberParticipants(conv)
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up conversation: %w", err)
	}

	conv = &store.Conversation{
		ID:           uuid.New().String(),
		Participants: pair,
	}
	if err := r.store.CreateConversation(ctx, conv); err != nil {
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("creating conversation: %w", err)
		}
		// lost the race; the winner's row is authoritative
		conv, err = r.store.GetConversationByPair(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("re-reading conversation after race: %w", err)
		}
		r.rememberParticipants(conv)
		return conv, nil
	}

	r.logger.Info("conversation started", "conversation_id", conv.ID)
	r.rememberParticipants(conv)
	return conv, nil
}

func (r *Registry) rememberParticipants(conv *store.Conversation) {
	r.mu.Lock()
	r.participants[conv.ID] = conv.Participants
	r.mu.Unlock()
}

// Participants returns the two users of a conversation.
func (r *Registry) Participants(ctx context.Context, conversationID string) ([2]string, error) {
	r.mu.RLock()
	pair, ok := r.participants[conversationID]
	r.mu.RUnlock()
	if ok {
		return pair, nil
	}

	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return [2]string{}, err
	}
	r.rememberParticipants(conv)
	return conv.Participants, nil
}

// IsParticipant reports whether userID belongs to the conversation.
func (r *Registry) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	pair, err := r.Participants(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return userID != "" && (pair[0] == userID || pair[1] == userID), nil
}

func (r *Registry) participantConversation(ctx context.Context, userID, conversationID string) (*store.Conversation, error) {
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, store.ErrForbidden
	}
	r.rememberParticipants(conv)
	return conv, nil
}

// AdvanceWatermark records that userID has read the conversation through
// seq and returns the resulting unread count. seq beyond the latest message
// is clamped; a seq below the stored watermark changes nothing.
func (r *Registry) AdvanceWatermark(ctx context.Context, userID, conversationID string, seq int64) (int64, error) {
	conv, err := r.participantConversation(ctx, userID, conversationID)
	if err != nil {
		return 0, err
	}
	seq = min(max(seq, 0), conv.LastSeq)

	watermark, err := r.store.AdvanceWatermark(ctx, userID, conversationID, seq)
	if err != nil {
		return 0, fmt.Errorf("advancing watermark: %w", err)
	}
	return unread(conv.LastSeq, watermark), nil
}

// Unread returns userID's unread count for one conversation.
func (r *Registry) Unread(ctx context.Context, userID, conversationID string) (int64, error) {
	conv, err := r.participantConversation(ctx, userID, conversationID)
	if err != nil {
		return 0, err
	}
	watermark, err := r.store.GetWatermark(ctx, userID, conversationID)
	if err != nil {
		return 0, fmt.Errorf("reading watermark: %w", err)
	}
	return unread(conv.LastSeq, watermark), nil
}

// Cursors returns userID's watermark for each of their conversations.
func (r *Registry) Cursors(ctx context.Context, userID string) (map[string]int64, error) {
	views, err := r.store.ListConversationsForUser(ctx, userID, 0)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	cursors := make(map[string]int64, len(views))
	for _, v := range views {
		r.rememberParticipants(v.Conversation)
		cursors[v.Conversation.ID] = v.Watermark
	}
	return cursors, nil
}

// ListForUser returns userID's conversations, most recently active first;
// conversations without messages come last, newest first.
func (r *Registry) ListForUser(ctx context.Context, userID string) ([]Summary, error) {
	views, err := r.store.ListConversationsForUser(ctx, userID, 0)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	summaries := make([]Summary, 0, len(views))
	for _, v := range views {
		conv := v.Conversation
		r.rememberParticipants(conv)

		s := Summary{
			Conversation: conv,
			Peer:         r.peerProfile(ctx, conv.Peer(userID)),
			UnreadCount:  unread(conv.LastSeq, v.Watermark),
		}
		if m := v.LastMessage; m != nil {
			s.LastMessage = &LastMessage{
				Text:      m.Preview(PreviewLength),
				Seq:       m.Seq,
				SenderID:  m.SenderID,
				CreatedAt: m.CreatedAt,
			}
		}
		summaries = append(summaries, s)
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return lessRecent(summaries[i].Conversation, summaries[j].Conversation)
	})
	return summaries, nil
}

// lessRecent orders by last activity descending, idle conversations last.
func lessRecent(a, b *store.Conversation) bool {
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
}

func (r *Registry) peerProfile(ctx context.Context, peerID string) profile.Profile {
	fallback := profile.Profile{UserID: peerID}
	if r.profiles == nil {
		return fallback
	}
	p, err := r.profiles.GetProfile(ctx, peerID)
	if err != nil {
		r.logger.Warn("peer profile unavailable", "user_id", peerID, "error", err)
		return fallback
	}
	if p.UserID == "" {
		p.UserID = peerID
	}
	return p
}
