// ABOUTME: Tests for the conversation service facade
// ABOUTME: Wires the real registry, router and session manager over MockStore

package conversation

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pairchat/internal/dedupe"
	"github.com/2389/pairchat/internal/delivery"
	"github.com/2389/pairchat/internal/registry"
	"github.com/2389/pairchat/internal/retry"
	"github.com/2389/pairchat/internal/session"
	"github.com/2389/pairchat/internal/store"
)

var fastRetry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

type recordingDispatcher struct {
	mu   sync.Mutex
	msgs []*store.Message
}

func (d *recordingDispatcher) Dispatch(msg *store.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.msgs)
}

type fixture struct {
	store    *store.MockStore
	registry *registry.Registry
	dispatch *recordingDispatcher
	tokens   *dedupe.Cache
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMockStore()
	reg := registry.New(s, nil, nil)
	d := &recordingDispatcher{}
	tokens := dedupe.New(time.Minute, 100)
	t.Cleanup(tokens.Close)
	return &fixture{
		store:    s,
		registry: reg,
		dispatch: d,
		tokens:   tokens,
		svc:      New(reg, s, d, tokens, fastRetry, nil),
	}
}

func TestSend_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name              string
		sender, recipient string
		body, token       string
		wantErr           error
	}{
		{"empty body", "alice", "bob", "   \n", "", store.ErrInvalidArgument},
		{"body too large", "alice", "bob", strings.Repeat("x", MaxBodyBytes+1), "", store.ErrInvalidArgument},
		{"token too long", "alice", "bob", "hi", strings.Repeat("t", MaxTokenLength+1), store.ErrInvalidArgument},
		{"missing recipient", "alice", "", "hi", "", store.ErrInvalidArgument},
		{"self", "alice", "alice", "hi", "", store.ErrInvalidArgument},
		{"max body", "alice", "bob", strings.Repeat("x", MaxBodyBytes), "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Send(t.Context(), tt.sender, tt.recipient, tt.body, tt.token)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSend_OfflineRecipientGetsReplayOnConnect(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	sessions := session.NewManager(session.Config{QueueSize: 16, Retry: fastRetry},
		authAsUser{}, f.store, f.registry, nil)
	t.Cleanup(sessions.Close)
	router := delivery.NewRouter(delivery.Config{Retry: fastRetry}, sessions, f.store, f.registry, nil, nil)
	t.Cleanup(router.Close)

	msg, err := f.svc.Send(ctx, "alice", "bob", "hi", "T1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.Seq)
	assert.Equal(t, store.StatusSent, msg.Status)

	require.Equal(t, 1, f.dispatch.count())
	assert.Equal(t, map[string]delivery.Outcome{"bob": delivery.OutcomeQueued}, router.Fanout(ctx, f.dispatch.msgs[0]))

	bob, err := sessions.Open(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, sessions.Activate(ctx, bob, map[string]int64{msg.ConversationID: 0}))

	frame := <-bob.Outbound()
	require.Equal(t, session.FrameMessage, frame.Type)
	assert.Equal(t, msg.ID, frame.Message.ID)
	assert.Equal(t, session.FrameReady, (<-bob.Outbound()).Type)

	stored, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDelivered, stored.Status)
}

func TestSend_LiveRecipient(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	sessions := session.NewManager(session.Config{QueueSize: 16, Retry: fastRetry},
		authAsUser{}, f.store, f.registry, nil)
	t.Cleanup(sessions.Close)
	router := delivery.NewRouter(delivery.Config{Retry: fastRetry}, sessions, f.store, f.registry, nil, nil)
	svc := New(f.registry, f.store, router, f.tokens, fastRetry, nil)

	bob, err := sessions.Open(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, sessions.Activate(ctx, bob, nil))
	<-bob.Outbound() // ready

	msg, err := svc.Send(ctx, "alice", "bob", "hello", "")
	require.NoError(t, err)

	select {
	case frame := <-bob.Outbound():
		assert.Equal(t, msg.ID, frame.Message.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("live message not delivered")
	}

	router.Close()
	stored, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDelivered, stored.Status)
}

func TestSend_IdempotentToken(t *testing.T) {
	for _, withCache := range []bool{true, false} {
		t.Run(fmt.Sprintf("cache=%v", withCache), func(t *testing.T) {
			ctx := t.Context()
			f := newFixture(t)
			svc := f.svc
			if !withCache {
				svc = New(f.registry, f.store, f.dispatch, nil, fastRetry, nil)
			}

			first, err := svc.Send(ctx, "alice", "bob", "hi", "T1")
			require.NoError(t, err)
			second, err := svc.Send(ctx, "alice", "bob", "hi", "T1")
			require.NoError(t, err)

			assert.Equal(t, first.ID, second.ID)
			assert.Equal(t, first.Seq, second.Seq)
			assert.Equal(t, 1, f.dispatch.count(), "a replayed send does not fan out again")

			msgs, err := f.store.ReadRange(ctx, first.ConversationID, 0, 0)
			require.NoError(t, err)
			assert.Len(t, msgs, 1)
		})
	}
}

func TestSend_SimultaneousFirstContact(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	var wg sync.WaitGroup
	results := make([]*store.Message, 2)
	for i, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		wg.Go(func() {
			msg, err := f.svc.Send(ctx, pair[0], pair[1], "hey", "")
			assert.NoError(t, err)
			results[i] = msg
		})
	}
	wg.Wait()

	require.NotNil(t, results[0])
	require.NotNil(t, results[1])
	assert.Equal(t, results[0].ConversationID, results[1].ConversationID)
	assert.ElementsMatch(t, []int64{1, 2}, []int64{results[0].Seq, results[1].Seq})
}

func TestSend_ConcurrentSequencesAreGapless(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	var wg sync.WaitGroup
	for _, sender := range []string{"alice", "bob"} {
		for i := range 20 {
			wg.Go(func() {
				peer := "bob"
				if sender == "bob" {
					peer = "alice"
				}
				_, err := f.svc.Send(ctx, sender, peer, "x", fmt.Sprintf("%s-%d", sender, i))
				assert.NoError(t, err)
			})
		}
	}
	wg.Wait()

	list, err := f.svc.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)

	msgs, err := f.svc.LoadThread(ctx, "alice", list[0].Conversation.ID, 0, 100)
	require.NoError(t, err)
	require.Len(t, msgs, 40)
	for i, m := range msgs {
		assert.Equal(t, int64(i+1), m.Seq)
	}
}

func TestSend_ConcurrentSameTokenDispatchesOnce(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	svc := New(f.registry, f.store, f.dispatch, nil, fastRetry, nil)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Go(func() {
			msg, err := svc.Send(ctx, "alice", "bob", "hi", "T1")
			if assert.NoError(t, err) {
				ids[i] = msg.ID
			}
		})
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, f.dispatch.count())
}

func TestSend_ConcurrentLiveDeliveryInOrder(t *testing.T) {
	const senders, perSender = 8, 50
	ctx := t.Context()
	f := newFixture(t)
	sessions := session.NewManager(session.Config{QueueSize: 1024, Retry: fastRetry},
		authAsUser{}, f.store, f.registry, nil)
	t.Cleanup(sessions.Close)
	router := delivery.NewRouter(delivery.Config{Workers: 4, QueueSize: 1024, Retry: fastRetry},
		sessions, f.store, f.registry, nil, nil)
	svc := New(f.registry, f.store, router, f.tokens, fastRetry, nil)

	bob, err := sessions.Open(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, sessions.Activate(ctx, bob, nil))
	<-bob.Outbound() // ready

	var wg sync.WaitGroup
	for range senders {
		wg.Go(func() {
			for range perSender {
				_, err := svc.Send(ctx, "alice", "bob", "x", "")
				assert.NoError(t, err)
			}
		})
	}
	wg.Wait()

	var got []*store.Message
	for len(got) < senders*perSender {
		select {
		case frame := <-bob.Outbound():
			require.Equal(t, session.FrameMessage, frame.Type)
			got = append(got, frame.Message)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d live messages", len(got), senders*perSender)
		}
	}
	for i, msg := range got {
		require.Equal(t, int64(i+1), msg.Seq)
	}

	router.Close()
	stored, err := f.store.ReadRange(ctx, got[0].ConversationID, 0, senders*perSender)
	require.NoError(t, err)
	require.Len(t, stored, senders*perSender)
	for _, msg := range stored {
		assert.Equal(t, store.StatusDelivered, msg.Status, "seq %d", msg.Seq)
	}
}

func TestSend_AdvancesSenderWatermark(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	_, err := f.svc.Send(ctx, "bob", "alice", "one", "")
	require.NoError(t, err)
	msg, err := f.svc.Send(ctx, "alice", "bob", "two", "")
	require.NoError(t, err)

	n, err := f.svc.Unread(ctx, "alice", msg.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "replying implies having read the thread")

	n, err = f.svc.Unread(ctx, "bob", msg.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSend_RetriesTransientAppend(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	f.store.FailAppends(2, fmt.Errorf("database is locked: %w", store.ErrUnavailable))
	msg, err := f.svc.Send(ctx, "alice", "bob", "hi", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.Seq)

	f.store.FailAppends(10, fmt.Errorf("database is locked: %w", store.ErrUnavailable))
	_, err = f.svc.Send(ctx, "alice", "bob", "again", "")
	assert.ErrorIs(t, err, store.ErrUnavailable)

	f.store.FailAppends(1, errors.New("disk full"))
	_, err = f.svc.Send(ctx, "alice", "bob", "again", "")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrUnavailable)
}

func TestLoadThread_Authorization(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	msg, err := f.svc.Send(ctx, "alice", "bob", "hi", "")
	require.NoError(t, err)

	_, err = f.svc.LoadThread(ctx, "mallory", msg.ConversationID, 0, 10)
	assert.ErrorIs(t, err, store.ErrForbidden)

	_, err = f.svc.LoadThread(ctx, "alice", "missing", 0, 10)
	assert.ErrorIs(t, err, store.ErrNotFound)

	msgs, err := f.svc.LoadThread(ctx, "bob", msg.ConversationID, -5, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestAck_ClearsUnreadAndMarksRead(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	var last *store.Message
	for i := range 3 {
		msg, err := f.svc.Send(ctx, "alice", "bob", fmt.Sprintf("m%d", i), "")
		require.NoError(t, err)
		last = msg
	}

	unread, err := f.svc.Ack(ctx, "bob", last.ConversationID, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), unread)

	unread, err = f.svc.Ack(ctx, "bob", last.ConversationID, last.Seq)
	require.NoError(t, err)
	assert.Equal(t, int64(0), unread)

	msgs, err := f.store.ReadRange(ctx, last.ConversationID, 0, 0)
	require.NoError(t, err)
	for _, m := range msgs {
		assert.Equal(t, store.StatusRead, m.Status)
	}

	_, err = f.svc.Ack(ctx, "mallory", last.ConversationID, 1)
	assert.ErrorIs(t, err, store.ErrForbidden)
}

func TestListConversations(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	_, err := f.svc.Send(ctx, "alice", "bob", "hi bob", "")
	require.NoError(t, err)

	list, err := f.svc.ListConversations(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "alice", list[0].Peer.UserID)
	assert.Equal(t, int64(1), list[0].UnreadCount)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, "hi bob", list[0].LastMessage.Text)

	cursors, err := f.svc.Cursors(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{list[0].Conversation.ID: 1}, cursors)
}

type authAsUser struct{}

func (authAsUser) Validate(credential string) (string, error) { return credential, nil }
