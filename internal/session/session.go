// ABOUTME: Session is one client connection: state machine, outbound queue and replay bookkeeping
// ABOUTME: Frame is the server-to-client envelope shared with the WebSocket surface

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/pairchat/internal/store"
)

var (
	// ErrInvalidState is returned for an operation the session's state forbids.
	ErrInvalidState = errors.New("invalid session state")
	// ErrAuthFailed is returned when the credential does not validate.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrClosed is returned when writing to a closed session.
	ErrClosed = errors.New("session closed")
)

// State is a session lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Frame types sent to clients.
const (
	FrameMessage = "message"
	FrameReady   = "ready"
	FrameSent    = "sent"
	FrameAcked   = "acked"
	FrameError   = "error"
)

// Frame is one server-to-client event.
type Frame struct {
	Type           string         `json:"type"`
	RequestID      string         `json:"request_id,omitempty"`
	Message        *store.Message `json:"message,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Seq            int64          `json:"seq,omitempty"`
	Unread         *int64         `json:"unread,omitempty"`
	Replayed       int            `json:"replayed,omitempty"`
	Code           string         `json:"code,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Session is a single client connection.
type Session struct {
	ID string

	userID   string
	manager  *Manager
	state    atomic.Int32
	lastSeen atomic.Int64
	out      chan Frame
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc

	activating atomic.Bool
	closeOnce  sync.Once
	reason     atomic.Value

	mu         sync.Mutex
	registered bool
	replaying  bool
	pending    []*store.Message
	// delivered is the highest seq pushed per conversation; contiguous is
	// the highest seq through which the client holds every message.
	delivered  map[string]int64
	contiguous map[string]int64
}

// UserID returns the authenticated user, empty before authentication.
func (s *Session) UserID() string { return s.userID }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Outbound is the stream of frames to write to the client.
func (s *Session) Outbound() <-chan Frame { return s.out }

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.done }

// CloseReason returns why the session closed, empty while it is open.
func (s *Session) CloseReason() string {
	r, _ := s.reason.Load().(string)
	return r
}

// Touch records client activity for the idle sweep.
func (s *Session) Touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last recorded activity.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

func (s *Session) transition(from, to State) error {
	if !s.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: %s -> %s from %s", ErrInvalidState, from, to, s.State())
	}
	return nil
}

// Reply queues a frame for the client, waiting for room if the queue is
// full.
func (s *Session) Reply(ctx context.Context, f Frame) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.out <- f:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the session. It is safe to call more than once; only the first
// reason is kept.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.reason.Store(reason)
		s.state.Store(int32(StateClosed))
		s.cancel()
		close(s.done)
		s.manager.unregister(s, reason)
	})
}

// offer hands a live message to the session without blocking. It returns
// false when the message was not queued for the client.
func (s *Session) offer(msg *store.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateClosed {
		return false
	}
	if s.replaying {
		if len(s.pending) >= cap(s.out) {
			return false
		}
		s.pending = append(s.pending, msg)
		return true
	}
	convID := msg.ConversationID
	if msg.Seq <= s.contiguous[convID] {
		return true
	}
	if msg.Seq <= s.delivered[convID] {
		// arrived after a later seq was pushed; left in the store for sync
		return false
	}

	select {
	case s.out <- Frame{Type: FrameMessage, Message: msg}:
		s.advance(convID, msg.Seq)
		return true
	default:
		return false
	}
}

// advance records seq as pushed. Caller holds s.mu.
func (s *Session) advance(convID string, seq int64) {
	if seq > s.delivered[convID] {
		s.delivered[convID] = seq
	}
	if seq == s.contiguous[convID]+1 {
		s.contiguous[convID] = seq
	}
}

// seed marks everything through cursor as already held by the client.
func (s *Session) seed(convID string, cursor int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered[convID] = max(s.delivered[convID], cursor)
	s.contiguous[convID] = max(s.contiguous[convID], cursor)
}

// emit sends a message frame during replay or flush, skipping anything the
// client already got for that conversation.
func (s *Session) emit(ctx context.Context, msg *store.Message) (bool, error) {
	s.mu.Lock()
	seen := msg.Seq <= s.delivered[msg.ConversationID]
	s.mu.Unlock()
	if seen {
		return false, nil
	}

	if err := s.Reply(ctx, Frame{Type: FrameMessage, Message: msg}); err != nil {
		return false, err
	}

	s.mu.Lock()
	s.advance(msg.ConversationID, msg.Seq)
	s.mu.Unlock()
	return true, nil
}

// drainPending flushes messages that arrived during replay. The session
// leaves replay mode only once the buffer is observed empty under the lock,
// so nothing can slip in between.
func (s *Session) drainPending(ctx context.Context) error {
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		if len(batch) == 0 {
			s.replaying = false
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		for _, msg := range batch {
			if _, err := s.emit(ctx, msg); err != nil {
				return err
			}
		}
	}
}
