// ABOUTME: WebSocket endpoint: authenticate, read the hello frame, replay the backlog, then stream live
// ABOUTME: One writer goroutine per connection drains the session queue; the reader handles send and ack frames

package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/2389/pairchat/internal/auth"
	"github.com/2389/pairchat/internal/session"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	helloTimeout  = 10 * time.Second
	maxFrameBytes = 16 * 1024
)

// Client frame types.
const (
	ClientHello = "hello"
	ClientSend  = "send"
	ClientAck   = "ack"
)

// ClientFrame is one client-to-server event. Which fields apply depends on Type.
type ClientFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`

	// hello
	Cursors map[string]int64 `json:"cursors,omitempty"`
	// Sync replays every conversation the user is in, from the stored
	// watermark unless Cursors names it.
	Sync bool `json:"sync,omitempty"`

	// send
	RecipientID      string `json:"recipient_id,omitempty"`
	Body             string `json:"body,omitempty"`
	IdempotencyToken string `json:"idempotency_token,omitempty"`

	// ack
	ConversationID string `json:"conversation_id,omitempty"`
	Seq            int64  `json:"seq,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients are native apps and the token is the only credential.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleWebSocket(c *gin.Context) {
	credential, errMsg := auth.Credential(c.Request)
	if errMsg != "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: errMsg, Code: "unauthenticated"})
		return
	}
	sess, err := s.deps.Sessions.Open(c.Request.Context(), credential)
	if err != nil {
		s.fail(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sess.Close("upgrade_failed")
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.serveSession(conn, sess)
}

// serveSession runs the connection until either side closes it.
func (s *Server) serveSession(conn *websocket.Conn, sess *session.Session) {
	defer conn.Close()
	logger := s.logger.With("session_id", sess.ID, "user_id", sess.UserID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sess.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	conn.SetReadLimit(maxFrameBytes)
	hello, err := readHello(conn)
	if err != nil {
		logger.Debug("rejecting connection without hello", "error", err)
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(session.Frame{Type: session.FrameError, Code: "invalid_argument", Error: err.Error()})
		sess.Close("bad_hello")
		return
	}
	cursors := s.resolveCursors(ctx, sess.UserID(), hello, logger)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writeLoop(conn, sess, logger)
	}()

	go func() {
		if err := s.deps.Sessions.Activate(ctx, sess, cursors); err != nil {
			logger.Warn("session activation failed", "error", err)
			sess.Close("replay_failed")
		}
	}()

	s.readLoop(ctx, conn, sess, logger)
	sess.Close("client")
	<-writerDone
}

func readHello(conn *websocket.Conn) (ClientFrame, error) {
	var hello ClientFrame
	if err := conn.SetReadDeadline(time.Now().Add(helloTimeout)); err != nil {
		return hello, err
	}
	if err := conn.ReadJSON(&hello); err != nil {
		return hello, err
	}
	if hello.Type != ClientHello {
		return hello, errors.New("first frame must be hello")
	}
	if hello.Cursors == nil {
		hello.Cursors = make(map[string]int64)
	}
	return hello, nil
}

func (s *Server) resolveCursors(ctx context.Context, userID string, hello ClientFrame, logger *slog.Logger) map[string]int64 {
	if !hello.Sync {
		return hello.Cursors
	}
	known, err := s.deps.Conversations.Cursors(ctx, userID)
	if err != nil {
		logger.Warn("loading stored cursors, replaying declared only", "error", err)
		return hello.Cursors
	}
	if known == nil {
		known = make(map[string]int64)
	}
	for id, seq := range hello.Cursors {
		known[id] = seq
	}
	return known
}

func writeLoop(conn *websocket.Conn, sess *session.Session, logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-sess.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				logger.Debug("websocket write failed", "error", err)
				sess.Close("write_failed")
				conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				sess.Close("write_failed")
				conn.Close()
				return
			}
		case <-sess.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, sess.CloseReason())
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			conn.Close()
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, logger *slog.Logger) {
	extend := func() {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		sess.Touch()
	}
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		var f ClientFrame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		extend()

		reply := s.handleFrame(ctx, sess, f)
		if err := sess.Reply(ctx, reply); err != nil {
			return
		}
	}
}

// handleFrame runs one client request and returns the frame answering it.
func (s *Server) handleFrame(ctx context.Context, sess *session.Session, f ClientFrame) session.Frame {
	switch f.Type {
	case ClientSend:
		msg, err := s.deps.Conversations.Send(ctx, sess.UserID(), f.RecipientID, f.Body, f.IdempotencyToken)
		if err != nil {
			return s.errorFrame(f.RequestID, err)
		}
		return session.Frame{Type: session.FrameSent, RequestID: f.RequestID, Message: msg, ConversationID: msg.ConversationID, Seq: msg.Seq}
	case ClientAck:
		unread, err := s.deps.Conversations.Ack(ctx, sess.UserID(), f.ConversationID, f.Seq)
		if err != nil {
			return s.errorFrame(f.RequestID, err)
		}
		return session.Frame{Type: session.FrameAcked, RequestID: f.RequestID, ConversationID: f.ConversationID, Seq: f.Seq, Unread: &unread}
	default:
		return session.Frame{Type: session.FrameError, RequestID: f.RequestID, Code: "invalid_argument", Error: "unknown frame type " + f.Type}
	}
}

func (s *Server) errorFrame(requestID string, err error) session.Frame {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("websocket request failed", "error", err)
	}
	return session.Frame{Type: session.FrameError, RequestID: requestID, Code: code, Error: publicMessage(status, err)}
}
