// ABOUTME: Router implements Fanout and asynchronous Dispatch of accepted messages
// ABOUTME: Delivered status is recorded with retry; offline recipients get a push notification

package delivery

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/pairchat/internal/metrics"
	"github.com/2389/pairchat/internal/push"
	"github.com/2389/pairchat/internal/retry"
	"github.com/2389/pairchat/internal/store"
)

// Outcome is what happened to a message for one recipient.
type Outcome string

const (
	// OutcomeDelivered means at least one live session accepted the message.
	OutcomeDelivered Outcome = "delivered"
	// OutcomeQueued means the message waits in the store for the next connect.
	OutcomeQueued Outcome = "queued"
)

// PreviewLength bounds the message text carried in a push notification.
const PreviewLength = 120

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
	fanoutTimeout    = 30 * time.Second
)

// LiveDeliverer pushes a message into a user's live sessions.
type LiveDeliverer interface {
	Deliver(userID string, msg *store.Message) bool
}

// StatusMarker records delivery status.
type StatusMarker interface {
	MarkStatus(ctx context.Context, messageID string, status store.Status) error
}

// ParticipantResolver returns the two users of a conversation.
type ParticipantResolver interface {
	Participants(ctx context.Context, conversationID string) ([2]string, error)
}

// Config sizes the dispatch pool.
type Config struct {
	Workers   int
	QueueSize int
	Retry     retry.Policy
}

// Router fans messages out to recipients.
type Router struct {
	live         LiveDeliverer
	status       StatusMarker
	participants ParticipantResolver
	notifier     push.Notifier
	policy       retry.Policy
	logger       *slog.Logger

	mu     sync.RWMutex
	closed bool
	queues []chan *store.Message
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRouter creates a Router and starts its workers. notifier may be nil.
// Pass nil logger for default.
func NewRouter(cfg Config, live LiveDeliverer, status StatusMarker, participants ParticipantResolver, notifier push.Notifier, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		live:         live,
		status:       status,
		participants: participants,
		notifier:     notifier,
		policy:       cfg.Retry,
		logger:       logger.With("component", "delivery"),
		queues:       make([]chan *store.Message, cfg.Workers),
		ctx:          ctx,
		cancel:       cancel,
	}
	for i := range r.queues {
		q := make(chan *store.Message, cfg.QueueSize)
		r.queues[i] = q
		r.wg.Go(func() { r.worker(q) })
	}
	return r
}

func (r *Router) worker(q <-chan *store.Message) {
	for msg := range q {
		r.fanoutDetached(msg)
	}
}

func (r *Router) fanoutDetached(msg *store.Message) {
	ctx, cancel := context.WithTimeout(r.ctx, fanoutTimeout)
	defer cancel()
	r.Fanout(ctx, msg)
}

func (r *Router) shard(conversationID string) chan *store.Message {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	return r.queues[h.Sum32()%uint32(len(r.queues))]
}

// Dispatch schedules msg for fanout and returns immediately. Messages of one
// conversation fan out in dispatch order. When the conversation's queue is
// full the message is counted as queued and left in the store for the
// recipient's next sync.
func (r *Router) Dispatch(msg *store.Message) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.logger.Warn("router closed, message left for replay",
			"conversation_id", msg.ConversationID, "seq", msg.Seq)
		return
	}

	select {
	case r.shard(msg.ConversationID) <- msg:
	default:
		metrics.FanoutOutcome(string(OutcomeQueued))
		r.logger.Warn("dispatch queue full, message left for replay",
			"conversation_id", msg.ConversationID, "seq", msg.Seq)
	}
}

// Fanout delivers msg to every participant except its sender and reports
// the outcome per recipient.
func (r *Router) Fanout(ctx context.Context, msg *store.Message) map[string]Outcome {
	pair, err := r.participants.Participants(ctx, msg.ConversationID)
	if err != nil {
		r.logger.Error("resolving recipients", "conversation_id", msg.ConversationID, "error", err)
		return nil
	}

	outcomes := make(map[string]Outcome, 1)
	for _, userID := range pair {
		if userID == msg.SenderID {
			continue
		}
		if r.live.Deliver(userID, msg) {
			outcomes[userID] = OutcomeDelivered
			r.markDelivered(ctx, msg)
		} else {
			outcomes[userID] = OutcomeQueued
			r.notify(ctx, userID, msg)
		}
		metrics.FanoutOutcome(string(outcomes[userID]))
	}
	return outcomes
}

func (r *Router) markDelivered(ctx context.Context, msg *store.Message) {
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		return r.status.MarkStatus(ctx, msg.ID, store.StatusDelivered)
	})
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		r.logger.Warn("recording delivered status",
			"message_id", msg.ID, "conversation_id", msg.ConversationID, "error", err)
	}
}

func (r *Router) notify(ctx context.Context, userID string, msg *store.Message) {
	if r.notifier == nil {
		return
	}
	policy := r.policy
	policy.Retryable = func(err error) bool { return ctx.Err() == nil }

	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		return r.notifier.Notify(ctx, userID, msg.Preview(PreviewLength))
	})
	if err != nil {
		metrics.PushFailed()
		r.logger.Warn("push notification failed",
			"user_id", userID, "conversation_id", msg.ConversationID, "error", err)
	}
}

// Close stops accepting dispatches and waits for queued fanouts to finish.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, q := range r.queues {
		close(q)
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.cancel()
	r.logger.Debug("router closed")
}
