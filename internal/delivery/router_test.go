// ABOUTME: Tests for the delivery router
// ABOUTME: Uses MockStore for status, a recording live deliverer and a testify mock notifier

package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/2389/pairchat/internal/retry"
	"github.com/2389/pairchat/internal/store"
)

type recordingLive struct {
	mu      sync.Mutex
	online  map[string]bool
	got     map[string][]int64
	entered chan struct{}
	release chan struct{}
}

func newRecordingLive(online ...string) *recordingLive {
	l := &recordingLive{online: make(map[string]bool), got: make(map[string][]int64)}
	for _, u := range online {
		l.online[u] = true
	}
	return l
}

func (l *recordingLive) Deliver(userID string, msg *store.Message) bool {
	if l.entered != nil {
		select {
		case l.entered <- struct{}{}:
		default:
		}
	}
	if l.release != nil {
		<-l.release
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.online[userID] {
		return false
	}
	l.got[msg.ConversationID] = append(l.got[msg.ConversationID], msg.Seq)
	return true
}

func (l *recordingLive) seqs(conversationID string) []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int64(nil), l.got[conversationID]...)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, userID, preview string) error {
	return m.Called(userID, preview).Error(0)
}

type staticParticipants map[string][2]string

func (s staticParticipants) Participants(_ context.Context, id string) ([2]string, error) {
	p, ok := s[id]
	if !ok {
		return [2]string{}, store.ErrConversationNotFound
	}
	return p, nil
}

var fastRetry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func newConversation(t *testing.T, s *store.MockStore, a, b string) *store.Conversation {
	t.Helper()
	conv := &store.Conversation{ID: a + "-" + b, Participants: [2]string{a, b}}
	require.NoError(t, s.CreateConversation(t.Context(), conv))
	return conv
}

func TestFanout_LiveRecipientMarkedDelivered(t *testing.T) {
	ctx := t.Context()
	s := store.NewMockStore()
	conv := newConversation(t, s, "alice", "bob")
	msg, err := s.Append(ctx, conv.ID, "alice", "hello", "")
	require.NoError(t, err)

	notifier := &mockNotifier{}
	r := NewRouter(Config{Retry: fastRetry}, newRecordingLive("bob"), s, staticParticipants{conv.ID: conv.Participants}, notifier, nil)
	defer r.Close()

	outcomes := r.Fanout(ctx, msg)
	assert.Equal(t, map[string]Outcome{"bob": OutcomeDelivered}, outcomes)

	stored, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDelivered, stored.Status)
	notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestFanout_AlreadyReadIsNotAnError(t *testing.T) {
	ctx := t.Context()
	s := store.NewMockStore()
	conv := newConversation(t, s, "alice", "bob")
	msg, err := s.Append(ctx, conv.ID, "alice", "hello", "")
	require.NoError(t, err)
	require.NoError(t, s.MarkStatus(ctx, msg.ID, store.StatusRead))

	r := NewRouter(Config{Retry: fastRetry}, newRecordingLive("bob"), s, staticParticipants{conv.ID: conv.Participants}, nil, nil)
	defer r.Close()

	assert.Equal(t, OutcomeDelivered, r.Fanout(ctx, msg)["bob"])
	stored, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRead, stored.Status, "status never regresses")
}

func TestFanout_OfflineRecipientQueuedAndPushed(t *testing.T) {
	ctx := t.Context()
	s := store.NewMockStore()
	conv := newConversation(t, s, "alice", "bob")
	msg, err := s.Append(ctx, conv.ID, "bob", "are you\nthere?", "")
	require.NoError(t, err)

	notifier := &mockNotifier{}
	notifier.On("Notify", "alice", "are you there?").Return(errors.New("broker down")).Twice()
	notifier.On("Notify", "alice", "are you there?").Return(nil).Once()

	r := NewRouter(Config{Retry: fastRetry}, newRecordingLive(), s, staticParticipants{conv.ID: conv.Participants}, notifier, nil)
	defer r.Close()

	assert.Equal(t, map[string]Outcome{"alice": OutcomeQueued}, r.Fanout(ctx, msg))
	notifier.AssertNumberOfCalls(t, "Notify", 3)

	stored, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSent, stored.Status)
}

func TestFanout_UnknownConversation(t *testing.T) {
	r := NewRouter(Config{}, newRecordingLive(), store.NewMockStore(), staticParticipants{}, nil, nil)
	defer r.Close()
	assert.Empty(t, r.Fanout(t.Context(), &store.Message{ConversationID: "ghost", SenderID: "a"}))
}

func TestDispatch_PreservesPerConversationOrder(t *testing.T) {
	ctx := t.Context()
	s := store.NewMockStore()
	c1 := newConversation(t, s, "alice", "bob")
	c2 := newConversation(t, s, "alice", "carol")

	live := newRecordingLive("bob", "carol")
	r := NewRouter(Config{Workers: 3, QueueSize: 128, Retry: fastRetry}, live, s,
		staticParticipants{c1.ID: c1.Participants, c2.ID: c2.Participants}, nil, nil)

	for range 40 {
		for _, conv := range []*store.Conversation{c1, c2} {
			msg, err := s.Append(ctx, conv.ID, "alice", "x", "")
			require.NoError(t, err)
			r.Dispatch(msg)
		}
	}
	r.Close()

	for _, conv := range []*store.Conversation{c1, c2} {
		got := live.seqs(conv.ID)
		require.Len(t, got, 40)
		for i, seq := range got {
			assert.Equal(t, int64(i+1), seq)
		}
	}
}

func TestDispatch_FullQueueLeavesMessageQueued(t *testing.T) {
	ctx := t.Context()
	s := store.NewMockStore()
	conv := newConversation(t, s, "alice", "bob")

	live := newRecordingLive("bob")
	live.entered = make(chan struct{}, 8)
	live.release = make(chan struct{})
	r := NewRouter(Config{Workers: 1, QueueSize: 1, Retry: fastRetry}, live, s,
		staticParticipants{conv.ID: conv.Participants}, nil, nil)

	var msgs []*store.Message
	for range 5 {
		msg, err := s.Append(ctx, conv.ID, "alice", "x", "")
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}

	r.Dispatch(msgs[0])
	select {
	case <-live.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first message")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, msg := range msgs[1:] {
			r.Dispatch(msg)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch blocked on a full queue")
	}

	close(live.release)
	r.Close()

	// the worker held seq 1 and the queue had room for seq 2 only
	assert.Equal(t, []int64{1, 2}, live.seqs(conv.ID))
	for _, msg := range msgs {
		stored, err := s.GetMessage(ctx, msg.ID)
		require.NoError(t, err)
		want := store.StatusSent
		if msg.Seq <= 2 {
			want = store.StatusDelivered
		}
		assert.Equal(t, want, stored.Status, "seq %d", msg.Seq)
	}
}

func TestRouter_DispatchAfterClose(t *testing.T) {
	r := NewRouter(Config{}, newRecordingLive(), store.NewMockStore(), staticParticipants{}, nil, nil)
	r.Close()
	r.Close()
	assert.NotPanics(t, func() {
		r.Dispatch(&store.Message{ConversationID: "c", Seq: 1})
	})
}
