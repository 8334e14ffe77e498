// ABOUTME: Manager opens, activates and tracks sessions and delivers live messages to them
// ABOUTME: Activation replays each declared conversation from its cursor before going live

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/pairchat/internal/metrics"
	"github.com/2389/pairchat/internal/retry"
	"github.com/2389/pairchat/internal/store"
)

const (
	defaultQueueSize      = 64
	defaultReplayPageSize = 100
	defaultIdleTimeout    = 5 * time.Minute
)

// Authenticator turns a client credential into a user ID.
type Authenticator interface {
	Validate(credential string) (string, error)
}

// History is the message log replay reads from.
type History interface {
	ReadRange(ctx context.Context, conversationID string, fromSeq int64, limit int) ([]*store.Message, error)
	MarkStatus(ctx context.Context, messageID string, status store.Status) error
}

// Membership answers whether a user belongs to a conversation.
type Membership interface {
	IsParticipant(ctx context.Context, userID, conversationID string) (bool, error)
}

// Config tunes session behaviour.
type Config struct {
	QueueSize      int
	ReplayPageSize int
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	Retry          retry.Policy
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.ReplayPageSize <= 0 {
		c.ReplayPageSize = defaultReplayPageSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.IdleTimeout / 2
	}
	return c
}

// Manager owns every live session.
type Manager struct {
	cfg        Config
	auth       Authenticator
	history    History
	membership Membership
	logger     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]map[string]*Session // userID -> sessionID -> session

	ctx       context.Context
	cancel    context.CancelFunc
	sweepDone chan struct{}
}

// NewManager creates a Manager and starts its idle sweep. Pass nil logger
// for default.
func NewManager(cfg Config, auth Authenticator, history History, membership Membership, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg.withDefaults(),
		auth:       auth,
		history:    history,
		membership: membership,
		logger:     logger.With("component", "session"),
		sessions:   make(map[string]map[string]*Session),
		ctx:        ctx,
		cancel:     cancel,
		sweepDone:  make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

func (m *Manager) newSession() *Session {
	ctx, cancel := context.WithCancel(m.ctx)
	s := &Session{
		ID:         uuid.New().String(),
		manager:    m,
		out:        make(chan Frame, m.cfg.QueueSize),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		delivered:  make(map[string]int64),
		contiguous: make(map[string]int64),
	}
	s.state.Store(int32(StateConnecting))
	s.Touch()
	return s
}

// Open starts a session and authenticates it. On failure the session is
// closed and ErrAuthFailed is returned.
func (m *Manager) Open(ctx context.Context, credential string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := m.newSession()

	userID, err := m.auth.Validate(credential)
	if err != nil || userID == "" {
		s.Close("auth_failed")
		metrics.SessionEvent("auth_failed")
		m.logger.Debug("session authentication failed", "session_id", s.ID, "error", err)
		if err == nil {
			err = errors.New("empty subject")
		}
		return nil, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	s.userID = userID
	if err := s.transition(StateConnecting, StateAuthenticated); err != nil {
		return nil, err
	}
	m.logger.Debug("session authenticated", "session_id", s.ID, "user_id", userID)
	return s, nil
}

// Activate registers s for live delivery, replays every declared
// conversation after its cursor, sends a ready frame and makes the session
// Active. Conversations the user is not part of are skipped.
func (m *Manager) Activate(ctx context.Context, s *Session, cursors map[string]int64) error {
	if s.State() != StateAuthenticated || !s.activating.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: activate from %s", ErrInvalidState, s.State())
	}

	replayCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	s.mu.Lock()
	s.replaying = true
	s.mu.Unlock()
	if err := m.register(s); err != nil {
		return err
	}

	replayed, err := m.replay(replayCtx, s, cursors)
	if err != nil {
		s.Close("replay_failed")
		return fmt.Errorf("replaying backlog: %w", err)
	}
	metrics.Replayed(replayed)

	if err := s.Reply(replayCtx, Frame{Type: FrameReady, Replayed: replayed}); err != nil {
		s.Close("replay_failed")
		return err
	}
	if err := s.drainPending(replayCtx); err != nil {
		s.Close("replay_failed")
		return fmt.Errorf("flushing live messages: %w", err)
	}

	if err := s.transition(StateAuthenticated, StateActive); err != nil {
		return err
	}
	m.logger.Info("session active", "session_id", s.ID, "user_id", s.userID, "replayed", replayed)
	return nil
}

func (m *Manager) replay(ctx context.Context, s *Session, cursors map[string]int64) (int, error) {
	// sorted for deterministic frame order across conversations
	ids := make([]string, 0, len(cursors))
	for id := range cursors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	total := 0
	for _, convID := range ids {
		ok, err := m.membership.IsParticipant(ctx, s.userID, convID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && !ok) {
			m.logger.Debug("skipping replay for foreign conversation", "session_id", s.ID, "conversation_id", convID)
			continue
		}
		if err != nil {
			return total, err
		}

		n, err := m.replayConversation(ctx, s, convID, max(cursors[convID], 0))
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (m *Manager) replayConversation(ctx context.Context, s *Session, convID string, cursor int64) (int, error) {
	s.seed(convID, cursor)
	sent := 0
	for {
		page, err := retry.DoValue(ctx, m.cfg.Retry, func(ctx context.Context) ([]*store.Message, error) {
			return m.history.ReadRange(ctx, convID, cursor, m.cfg.ReplayPageSize)
		})
		if err != nil {
			return sent, err
		}
		if len(page) == 0 {
			return sent, nil
		}

		for _, msg := range page {
			emitted, err := s.emit(ctx, msg)
			if err != nil {
				return sent, err
			}
			if emitted {
				sent++
				m.markDelivered(ctx, s.userID, msg)
			}
			cursor = msg.Seq
		}
		if len(page) < m.cfg.ReplayPageSize {
			return sent, nil
		}
	}
}

func (m *Manager) markDelivered(ctx context.Context, userID string, msg *store.Message) {
	if msg.SenderID == userID || msg.Status != store.StatusSent {
		return
	}
	err := retry.Do(ctx, m.cfg.Retry, func(ctx context.Context) error {
		return m.history.MarkStatus(ctx, msg.ID, store.StatusDelivered)
	})
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		m.logger.Warn("recording delivered status on replay", "message_id", msg.ID, "error", err)
	}
}

func (m *Manager) register(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Close marks the state before unregistering; checking under s.mu means
	// either Close sees registered or we see StateClosed.
	s.mu.Lock()
	if s.State() == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.registered = true
	s.mu.Unlock()

	byID, ok := m.sessions[s.userID]
	if !ok {
		byID = make(map[string]*Session)
		m.sessions[s.userID] = byID
	}
	byID[s.ID] = s

	metrics.SessionOpened()
	return nil
}

func (m *Manager) unregister(s *Session, reason string) {
	s.mu.Lock()
	registered := s.registered
	s.registered = false
	s.pending = nil
	s.mu.Unlock()
	if !registered {
		return
	}

	m.mu.Lock()
	if byID, ok := m.sessions[s.userID]; ok {
		delete(byID, s.ID)
		if len(byID) == 0 {
			delete(m.sessions, s.userID)
		}
	}
	m.mu.Unlock()

	metrics.SessionClosed(reason)
	m.logger.Info("session closed", "session_id", s.ID, "user_id", s.userID, "reason", reason)
}

// Deliver offers msg to every session of userID without blocking. It
// reports whether at least one session took it.
func (m *Manager) Deliver(userID string, msg *store.Message) bool {
	m.mu.RLock()
	targets := make([]*Session, 0, len(m.sessions[userID]))
	for _, s := range m.sessions[userID] {
		targets = append(targets, s)
	}
	m.mu.RUnlock()

	accepted := false
	for _, s := range targets {
		if s.offer(msg) {
			accepted = true
			continue
		}
		metrics.SessionEvent("dropped")
		m.logger.Debug("session queue full, message dropped",
			"session_id", s.ID, "conversation_id", msg.ConversationID, "seq", msg.Seq)
	}
	return accepted
}

// Online reports whether userID has a registered session.
func (m *Manager) Online(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions[userID]) > 0
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, byID := range m.sessions {
		n += len(byID)
	}
	return n
}

func (m *Manager) snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*Session
	for _, byID := range m.sessions {
		for _, s := range byID {
			all = append(all, s)
		}
	}
	return all
}

func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.sweepIdle(now)
		}
	}
}

func (m *Manager) sweepIdle(now time.Time) int {
	closed := 0
	for _, s := range m.snapshot() {
		if now.Sub(s.LastSeen()) > m.cfg.IdleTimeout {
			s.Close("idle")
			closed++
		}
	}
	if closed > 0 {
		m.logger.Debug("closed idle sessions", "count", closed)
	}
	return closed
}

// Close closes every session and stops the idle sweep.
func (m *Manager) Close() {
	for _, s := range m.snapshot() {
		s.Close("shutdown")
	}
	m.cancel()
	<-m.sweepDone
}
