// ABOUTME: Tests for the REST surface using httptest and gin test mode
// ABOUTME: Wires the real conversation engine on MockStore behind the router

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/pairchat/internal/auth"
	"github.com/2389/pairchat/internal/conversation"
	"github.com/2389/pairchat/internal/dedupe"
	"github.com/2389/pairchat/internal/delivery"
	"github.com/2389/pairchat/internal/profile"
	"github.com/2389/pairchat/internal/registry"
	"github.com/2389/pairchat/internal/retry"
	"github.com/2389/pairchat/internal/session"
	"github.com/2389/pairchat/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var fastRetry = retry.Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

type fixture struct {
	store    *store.MockStore
	dir      *profile.Directory
	tokens   *auth.JWTVerifier
	sessions *session.Manager
	handler  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMockStore()
	dir := profile.NewDirectory(s, nil)
	reg := registry.New(s, dir, nil)
	jwt := auth.NewJWTVerifier([]byte("0123456789abcdef0123456789abcdef"))

	sessions := session.NewManager(session.Config{QueueSize: 32, Retry: fastRetry}, jwt, s, reg, nil)
	t.Cleanup(sessions.Close)
	router := delivery.NewRouter(delivery.Config{Retry: fastRetry}, sessions, s, reg, nil, nil)
	t.Cleanup(router.Close)

	svc := conversation.New(reg, s, router, dedupe.New(time.Minute, 100), fastRetry, nil)
	codes := auth.NewOTPService(s, auth.OTPConfig{BcryptCost: bcrypt.MinCost}, nil)

	srv := New(Deps{
		Conversations: svc,
		Sessions:      sessions,
		Profiles:      dir,
		Codes:         codes,
		Tokens:        jwt,
		TokenTTL:      time.Hour,
		OTPDevEcho:    true,
	}, nil)

	return &fixture{store: s, dir: dir, tokens: jwt, sessions: sessions, handler: srv.Handler()}
}

// user registers a profile and returns its ID and a bearer token.
func (f *fixture) user(t *testing.T, phone, name string) (string, string) {
	t.Helper()
	u, err := f.dir.Create(t.Context(), phone, name, "")
	require.NoError(t, err)
	token, err := f.tokens.Generate(u.ID, time.Hour)
	require.NoError(t, err)
	return u.ID, token
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLogin_CodeThenAccountSetup(t *testing.T) {
	f := newFixture(t)
	phone := "+1 555 010 2030"

	w := f.do(t, http.MethodPost, "/api/auth/otp", "", CodeRequest{Phone: phone})
	require.Equal(t, http.StatusAccepted, w.Code)
	code := decode[CodeResponse](t, w).Code
	require.Len(t, code, 6)

	w = f.do(t, http.MethodPost, "/api/auth/verify", "", VerifyRequest{Phone: phone, Code: code})
	require.Equal(t, http.StatusOK, w.Code)
	first := decode[LoginResponse](t, w)
	assert.False(t, first.Registered)
	assert.Empty(t, first.Token)

	w = f.do(t, http.MethodPost, "/api/auth/verify", "", VerifyRequest{Phone: phone, Code: code, Name: "Alice"})
	require.Equal(t, http.StatusOK, w.Code)
	login := decode[LoginResponse](t, w)
	assert.True(t, login.Registered)
	require.NotEmpty(t, login.Token)

	w = f.do(t, http.MethodGet, "/api/me", login.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	me := decode[UserResponse](t, w)
	assert.Equal(t, login.UserID, me.ID)
	assert.Equal(t, "Alice", me.Name)
	assert.Equal(t, "+15550102030", me.Phone)

	// the code was consumed by the successful login
	w = f.do(t, http.MethodPost, "/api/auth/verify", "", VerifyRequest{Phone: phone, Code: code})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogin_WrongCode(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/auth/otp", "", CodeRequest{Phone: "+15550000001"})
	require.Equal(t, http.StatusAccepted, w.Code)
	code := decode[CodeResponse](t, w).Code
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	w = f.do(t, http.MethodPost, "/api/auth/verify", "", VerifyRequest{Phone: "+15550000001", Code: wrong})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthenticated", decode[ErrorResponse](t, w).Code)

	w = f.do(t, http.MethodPost, "/api/auth/otp", "", CodeRequest{Phone: "+15550000001"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestCreateUser_DuplicatePhone(t *testing.T) {
	f := newFixture(t)
	f.user(t, "+15550000002", "Existing")

	w := f.do(t, http.MethodPost, "/api/auth/otp", "", CodeRequest{Phone: "+15550000002"})
	require.Equal(t, http.StatusAccepted, w.Code)
	code := decode[CodeResponse](t, w).Code

	w = f.do(t, http.MethodPost, "/api/users", "", VerifyRequest{Phone: "+15550000002", Code: code, Name: "Again"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestUsers_LookupAndUpdate(t *testing.T) {
	f := newFixture(t)
	aliceID, aliceToken := f.user(t, "+15550000003", "Alice")
	bobID, bobToken := f.user(t, "+15550000004", "Bob")

	w := f.do(t, http.MethodGet, "/api/users/+15550000004", aliceToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	p := decode[profile.Profile](t, w)
	assert.Equal(t, bobID, p.UserID)
	assert.Equal(t, "Bob", p.Name)

	name := "Alice B."
	w = f.do(t, http.MethodPut, "/api/users/"+aliceID, aliceToken, profile.Update{Name: &name})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, name, decode[UserResponse](t, w).Name)

	w = f.do(t, http.MethodPut, "/api/users/"+aliceID, bobToken, profile.Update{Name: &name})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodGet, "/api/users/+15559999999", aliceToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMessages_SendListThreadAck(t *testing.T) {
	f := newFixture(t)
	aliceID, aliceToken := f.user(t, "+15550000005", "Alice")
	bobID, bobToken := f.user(t, "+15550000006", "Bob")

	var convID string
	for i, body := range []string{"hi", "are you there?"} {
		w := f.do(t, http.MethodPost, "/api/messages", aliceToken, SendRequest{RecipientID: bobID, Body: body})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		msg := decode[store.Message](t, w)
		assert.Equal(t, int64(i+1), msg.Seq)
		convID = msg.ConversationID
	}

	w := f.do(t, http.MethodGet, "/api/conversations", bobToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[ConversationsResponse](t, w).Conversations
	require.Len(t, list, 1)
	assert.Equal(t, aliceID, list[0].Peer.UserID)
	assert.Equal(t, "Alice", list[0].Peer.Name)
	assert.Equal(t, int64(2), list[0].UnreadCount)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, "are you there?", list[0].LastMessage.Text)

	w = f.do(t, http.MethodGet, "/api/conversations/"+convID+"/messages?after=1", bobToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[ThreadResponse](t, w)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, int64(2), page.Messages[0].Seq)
	assert.Equal(t, int64(2), page.NextCursor)

	w = f.do(t, http.MethodPost, "/api/conversations/"+convID+"/ack", bobToken, AckRequest{Seq: 2})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(0), decode[AckResponse](t, w).Unread)

	stored, err := f.store.ReadRange(t.Context(), convID, 0, 0)
	require.NoError(t, err)
	for _, m := range stored {
		assert.Equal(t, store.StatusRead, m.Status)
	}
}

func TestMessages_Errors(t *testing.T) {
	f := newFixture(t)
	aliceID, aliceToken := f.user(t, "+15550000007", "Alice")
	bobID, _ := f.user(t, "+15550000008", "Bob")
	_, carolToken := f.user(t, "+15550000009", "Carol")

	w := f.do(t, http.MethodPost, "/api/messages", aliceToken, SendRequest{RecipientID: bobID, Body: "hi"})
	require.Equal(t, http.StatusCreated, w.Code)
	convID := decode[store.Message](t, w).ConversationID

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
	}{
		{"no token", http.MethodGet, "/api/conversations", "", nil, http.StatusUnauthorized},
		{"bad token", http.MethodGet, "/api/conversations", "garbage", nil, http.StatusUnauthorized},
		{"send to self", http.MethodPost, "/api/messages", aliceToken, SendRequest{RecipientID: aliceID, Body: "me"}, http.StatusBadRequest},
		{"empty body", http.MethodPost, "/api/messages", aliceToken, SendRequest{RecipientID: bobID}, http.StatusBadRequest},
		{"foreign thread", http.MethodGet, "/api/conversations/" + convID + "/messages", carolToken, nil, http.StatusForbidden},
		{"foreign ack", http.MethodPost, "/api/conversations/" + convID + "/ack", carolToken, AckRequest{Seq: 1}, http.StatusForbidden},
		{"unknown thread", http.MethodGet, "/api/conversations/nope/messages", aliceToken, nil, http.StatusNotFound},
		{"bad cursor", http.MethodGet, "/api/conversations/" + convID + "/messages?after=x", aliceToken, nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}
