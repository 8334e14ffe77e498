// ABOUTME: Router construction and dependency wiring for the HTTP and WebSocket surface
// ABOUTME: Health, readiness and metrics endpoints live here alongside the authenticated route groups

package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/2389/pairchat/internal/auth"
	"github.com/2389/pairchat/internal/metrics"
	"github.com/2389/pairchat/internal/profile"
	"github.com/2389/pairchat/internal/registry"
	"github.com/2389/pairchat/internal/session"
	"github.com/2389/pairchat/internal/store"
)

// Conversations is the messaging facade the handlers call.
type Conversations interface {
	Send(ctx context.Context, senderID, recipientID, body, token string) (*store.Message, error)
	LoadThread(ctx context.Context, userID, conversationID string, cursor int64, limit int) ([]*store.Message, error)
	Ack(ctx context.Context, userID, conversationID string, seq int64) (int64, error)
	ListConversations(ctx context.Context, userID string) ([]registry.Summary, error)
	Cursors(ctx context.Context, userID string) (map[string]int64, error)
}

// Sessions opens and activates WebSocket sessions.
type Sessions interface {
	Open(ctx context.Context, credential string) (*session.Session, error)
	Activate(ctx context.Context, s *session.Session, cursors map[string]int64) error
}

// Profiles is the user directory.
type Profiles interface {
	Create(ctx context.Context, phone, name, avatarRef string) (*store.User, error)
	Get(ctx context.Context, id string) (*store.User, error)
	GetByPhone(ctx context.Context, phone string) (*store.User, error)
	Update(ctx context.Context, id string, upd profile.Update) (*store.User, error)
}

// Codes issues and checks phone login codes.
type Codes interface {
	RequestCode(ctx context.Context, phone string) (string, error)
	VerifyCode(ctx context.Context, phone, code string) error
	Consume(ctx context.Context, phone string) error
}

// TokenIssuer validates and mints bearer tokens.
type TokenIssuer interface {
	auth.Authenticator
	Generate(userID string, expiresIn time.Duration) (string, error)
}

// Deps holds everything the router needs.
type Deps struct {
	Conversations Conversations
	Sessions      Sessions
	Profiles      Profiles
	Codes         Codes
	Tokens        TokenIssuer

	// TokenTTL is the lifetime of tokens issued by the login flow.
	TokenTTL time.Duration
	// OTPDevEcho returns issued codes in the response body.
	OTPDevEcho bool
	// Metrics mounts /metrics and the request instrumentation.
	Metrics bool
	// Ready reports whether backing services are reachable. Nil means always ready.
	Ready func(ctx context.Context) error
}

// Server holds the handlers.
type Server struct {
	deps   Deps
	logger *slog.Logger
}

// New creates a Server. Pass nil logger for default.
func New(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.TokenTTL <= 0 {
		deps.TokenTTL = 30 * 24 * time.Hour
	}
	return &Server{deps: deps, logger: logger.With("component", "api")}
}

// Handler builds the gin engine with every route mounted.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	if s.deps.Metrics {
		r.Use(metrics.HTTPMiddleware())
		r.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	r.GET("/health", s.handleHealth)
	r.GET("/health/ready", s.handleReady)
	r.GET("/ws", s.handleWebSocket)

	api := r.Group("/api")
	api.POST("/auth/otp", s.handleRequestCode)
	api.POST("/auth/verify", s.handleVerifyCode)
	api.POST("/users", s.handleCreateUser)

	authed := api.Group("", auth.Middleware(s.deps.Tokens))
	authed.GET("/me", s.handleMe)
	authed.GET("/users/:phone", s.handleLookupUser)
	authed.PUT("/users/:id", s.handleUpdateUser)
	authed.POST("/messages", s.handleSend)
	authed.GET("/conversations", s.handleListConversations)
	authed.GET("/conversations/:id/messages", s.handleThread)
	authed.POST("/conversations/:id/ack", s.handleAck)

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReady(c *gin.Context) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
