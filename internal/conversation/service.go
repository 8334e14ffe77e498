// ABOUTME: Service is the conversation facade: send, load thread, acknowledge and list
// ABOUTME: Every message is durable with a sequence number before fanout is scheduled

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/pairchat/internal/dedupe"
	"github.com/2389/pairchat/internal/metrics"
	"github.com/2389/pairchat/internal/registry"
	"github.com/2389/pairchat/internal/retry"
	"github.com/2389/pairchat/internal/store"
)

const (
	// MaxBodyBytes bounds a message body.
	MaxBodyBytes = 4096
	// MaxTokenLength bounds an idempotency token.
	MaxTokenLength = 100
)

// Registry is what the service needs from the conversation registry.
type Registry interface {
	GetOrCreate(ctx context.Context, userA, userB string) (*store.Conversation, error)
	IsParticipant(ctx context.Context, userID, conversationID string) (bool, error)
	AdvanceWatermark(ctx context.Context, userID, conversationID string, seq int64) (int64, error)
	Unread(ctx context.Context, userID, conversationID string) (int64, error)
	ListForUser(ctx context.Context, userID string) ([]registry.Summary, error)
	Cursors(ctx context.Context, userID string) (map[string]int64, error)
}

// Messages is what the service needs from the message store.
type Messages interface {
	Append(ctx context.Context, conversationID, senderID, body, idempotencyToken string) (*store.Message, error)
	ReadRange(ctx context.Context, conversationID string, fromSeq int64, limit int) ([]*store.Message, error)
	MarkReadThrough(ctx context.Context, conversationID, readerID string, seq int64) (int64, error)
	GetMessage(ctx context.Context, id string) (*store.Message, error)
}

// Dispatcher schedules fanout of an accepted message.
type Dispatcher interface {
	Dispatch(msg *store.Message)
}

// Service is the conversation facade.
type Service struct {
	registry   Registry
	messages   Messages
	dispatcher Dispatcher
	tokens     *dedupe.Cache
	policy     retry.Policy
	logger     *slog.Logger

	// ordering serializes append and dispatch per conversation so fanout
	// sees each conversation in sequence order.
	orderMu  sync.Mutex
	ordering map[string]*orderLock
}

type orderLock struct {
	sync.Mutex
	refs int
}

// New creates a Service. tokens may be nil to rely on the store alone for
// idempotency. Pass nil logger for default.
func New(reg Registry, messages Messages, dispatcher Dispatcher, tokens *dedupe.Cache, policy retry.Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry:   reg,
		messages:   messages,
		dispatcher: dispatcher,
		tokens:     tokens,
		policy:     policy,
		logger:     logger.With("component", "conversation"),
		ordering:   make(map[string]*orderLock),
	}
}

func validateSend(senderID, recipientID, body, token string) error {
	if senderID == "" || recipientID == "" {
		return fmt.Errorf("%w: sender and recipient are required", store.ErrInvalidArgument)
	}
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("%w: message body is empty", store.ErrInvalidArgument)
	}
	if len(body) > MaxBodyBytes {
		return fmt.Errorf("%w: message body exceeds %d bytes", store.ErrInvalidArgument, MaxBodyBytes)
	}
	if len(token) > MaxTokenLength {
		return fmt.Errorf("%w: idempotency token exceeds %d characters", store.ErrInvalidArgument, MaxTokenLength)
	}
	return nil
}

// Send accepts a message from senderID to recipientID. A non-empty token
// makes the call idempotent: resending it returns the stored message.
func (s *Service) Send(ctx context.Context, senderID, recipientID, body, token string) (*store.Message, error) {
	start := time.Now()
	if err := validateSend(senderID, recipientID, body, token); err != nil {
		return nil, err
	}

	conv, err := s.registry.GetOrCreate(ctx, senderID, recipientID)
	if err != nil {
		return nil, fmt.Errorf("resolving conversation: %w", err)
	}

	if msg := s.cachedSend(ctx, conv.ID, token); msg != nil {
		metrics.MessageAccepted(true, time.Since(start))
		return msg, nil
	}

	msg, err := s.appendAndDispatch(ctx, conv.ID, senderID, body, token)
	if err != nil {
		return nil, err
	}

	if token != "" && s.tokens != nil {
		s.tokens.Remember(dedupe.Key(conv.ID, token), msg.ID)
	}

	if msg.Replayed {
		s.logger.Debug("idempotent send replayed", "conversation_id", conv.ID, "seq", msg.Seq)
		metrics.MessageAccepted(true, time.Since(start))
		return msg, nil
	}

	if _, err := s.registry.AdvanceWatermark(ctx, senderID, conv.ID, msg.Seq); err != nil {
		s.logger.Warn("advancing sender watermark", "conversation_id", conv.ID, "seq", msg.Seq, "error", err)
	}

	s.logger.Debug("message accepted",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"seq", msg.Seq,
		"sender", senderID)
	metrics.MessageAccepted(false, time.Since(start))
	return msg, nil
}

// appendAndDispatch stores the message and hands it to the dispatcher under
// the conversation's ordering lock. Dispatch must not block.
func (s *Service) appendAndDispatch(ctx context.Context, conversationID, senderID, body, token string) (*store.Message, error) {
	release := s.lockConversation(conversationID)
	defer release()

	msg, err := retry.DoValue(ctx, s.policy, func(ctx context.Context) (*store.Message, error) {
		return s.messages.Append(ctx, conversationID, senderID, body, token)
	})
	if err != nil {
		return nil, fmt.Errorf("appending message: %w", err)
	}
	if !msg.Replayed {
		s.dispatcher.Dispatch(msg)
	}
	return msg, nil
}

func (s *Service) lockConversation(conversationID string) func() {
	s.orderMu.Lock()
	l, ok := s.ordering[conversationID]
	if !ok {
		l = &orderLock{}
		s.ordering[conversationID] = l
	}
	l.refs++
	s.orderMu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.orderMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.ordering, conversationID)
		}
		s.orderMu.Unlock()
	}
}

func (s *Service) cachedSend(ctx context.Context, conversationID, token string) *store.Message {
	if token == "" || s.tokens == nil {
		return nil
	}
	key := dedupe.Key(conversationID, token)
	id, ok := s.tokens.Lookup(key)
	if !ok {
		return nil
	}
	msg, err := s.messages.GetMessage(ctx, id)
	if err != nil {
		s.tokens.Forget(key)
		return nil
	}
	return msg
}

func (s *Service) authorize(ctx context.Context, userID, conversationID string) error {
	ok, err := s.registry.IsParticipant(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrForbidden
	}
	return nil
}

// LoadThread returns up to limit messages after cursor, oldest first.
func (s *Service) LoadThread(ctx context.Context, userID, conversationID string, cursor int64, limit int) ([]*store.Message, error) {
	if err := s.authorize(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	if cursor < 0 {
		cursor = 0
	}
	return retry.DoValue(ctx, s.policy, func(ctx context.Context) ([]*store.Message, error) {
		return s.messages.ReadRange(ctx, conversationID, cursor, limit)
	})
}

// Ack records that userID has read the conversation through seq and returns
// the remaining unread count.
func (s *Service) Ack(ctx context.Context, userID, conversationID string, seq int64) (int64, error) {
	unread, err := s.registry.AdvanceWatermark(ctx, userID, conversationID, seq)
	if err != nil {
		return 0, err
	}

	err = retry.Do(ctx, s.policy, func(ctx context.Context) error {
		_, err := s.messages.MarkReadThrough(ctx, conversationID, userID, seq)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("marking messages read: %w", err)
	}
	return unread, nil
}

// Unread returns userID's unread count for one conversation.
func (s *Service) Unread(ctx context.Context, userID, conversationID string) (int64, error) {
	return s.registry.Unread(ctx, userID, conversationID)
}

// ListConversations returns userID's chat list.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]registry.Summary, error) {
	return s.registry.ListForUser(ctx, userID)
}

// Cursors returns userID's watermark per conversation, for reconnect sync.
func (s *Service) Cursors(ctx context.Context, userID string) (map[string]int64, error) {
	return s.registry.Cursors(ctx, userID)
}
