// ABOUTME: Server orchestrator that wires the delivery engine and runs the HTTP and gRPC listeners
// ABOUTME: Owns the lifecycle of every component and closes them in reverse dependency order

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/2389/pairchat/internal/api"
	"github.com/2389/pairchat/internal/auth"
	"github.com/2389/pairchat/internal/config"
	"github.com/2389/pairchat/internal/conversation"
	"github.com/2389/pairchat/internal/dedupe"
	"github.com/2389/pairchat/internal/delivery"
	"github.com/2389/pairchat/internal/profile"
	"github.com/2389/pairchat/internal/push"
	"github.com/2389/pairchat/internal/registry"
	"github.com/2389/pairchat/internal/retry"
	"github.com/2389/pairchat/internal/session"
	"github.com/2389/pairchat/internal/store"
)

const (
	tokenCacheTTL  = 10 * time.Minute
	tokenCacheSize = 100_000
	redisDialLimit = 5 * time.Second
)

// Server runs pairchat.
type Server struct {
	config   *config.Config
	store    *store.SQLiteStore
	cache    profile.Cache
	sessions *session.Manager
	router   *delivery.Router
	notifier push.ClosableNotifier
	tokens   *dedupe.Cache

	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	logger     *slog.Logger
}

// initStore opens the SQLite database named by config or $PAIRCHAT_DB_PATH.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("PAIRCHAT_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initProfiles returns the profile directory, wrapped in the Redis cache
// when one is configured and reachable.
func initProfiles(ctx context.Context, cfg *config.Config, s *store.SQLiteStore, logger *slog.Logger) (api.Profiles, registry.ProfileGetter, profile.Cache) {
	dir := profile.NewDirectory(s, logger)
	if cfg.Redis.URL == "" {
		return dir, dir, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, redisDialLimit)
	defer cancel()
	cache, err := profile.NewRedisCache(dialCtx, cfg.Redis.URL)
	if err != nil {
		logger.Warn("redis unavailable, serving profiles uncached", "error", err)
		return dir, dir, nil
	}
	logger.Info("profile cache enabled", "ttl", cfg.Redis.ProfileTTL)
	cached := profile.NewCachedDirectory(dir, cache, cfg.Redis.ProfileTTL, logger)
	return cached, cached, cache
}

func retryPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		Attempts:  cfg.Retry.Attempts,
		BaseDelay: cfg.Retry.BaseDelay,
		MaxDelay:  cfg.Retry.MaxDelay,
	}
}

// New builds a Server from cfg. Nothing listens until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	policy := retryPolicy(cfg)

	users, peers, cache := initProfiles(ctx, cfg, s, logger)
	reg := registry.New(s, peers, logger)
	jwtVerifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))

	sessions := session.NewManager(session.Config{
		QueueSize:      cfg.Delivery.SessionQueueSize,
		ReplayPageSize: cfg.Session.ReplayPageSize,
		IdleTimeout:    cfg.Session.IdleTimeout,
		Retry:          policy,
	}, jwtVerifier, s, reg, logger)

	notifier := push.New(cfg.Push.AMQPURL, cfg.Push.Exchange, logger)
	router := delivery.NewRouter(delivery.Config{
		Workers:   cfg.Delivery.Workers,
		QueueSize: cfg.Delivery.QueueSize,
		Retry:     policy,
	}, sessions, s, reg, notifier, logger)

	tokens := dedupe.New(tokenCacheTTL, tokenCacheSize)
	convService := conversation.New(reg, s, router, tokens, policy, logger)
	codes := auth.NewOTPService(s, auth.OTPConfig{TTL: cfg.Auth.OTPTTL}, logger)

	srv := &Server{
		config:   cfg,
		store:    s,
		cache:    cache,
		sessions: sessions,
		router:   router,
		notifier: notifier,
		tokens:   tokens,
		logger:   logger.With("component", "server"),
	}
	srv.grpcServer, srv.health = newGRPCServer()

	handler := api.New(api.Deps{
		Conversations: convService,
		Sessions:      sessions,
		Profiles:      users,
		Codes:         codes,
		Tokens:        jwtVerifier,
		TokenTTL:      cfg.Auth.TokenTTL,
		OTPDevEcho:    cfg.Auth.OTPDevEcho,
		Metrics:       cfg.Metrics.Enabled,
		Ready:         srv.ready,
	}, logger).Handler()

	srv.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.Auth.OTPDevEcho {
		srv.logger.Warn("otp_dev_echo is on; login codes are returned in API responses")
	}
	return srv, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ready reports whether the store and, if configured, the cache respond.
func (s *Server) ready(ctx context.Context) error {
	if err := s.store.Ping(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Ping(ctx); err != nil {
			return fmt.Errorf("profile cache: %w", err)
		}
	}
	return nil
}

// listen opens the HTTP listener and, when configured, the gRPC one.
func (s *Server) listen() (grpcLn, httpLn net.Listener, err error) {
	s.logger.Info("starting pairchat",
		"http_addr", s.config.Server.HTTPAddr,
		"grpc_addr", s.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if s.config.Server.GRPCAddr == "" {
		return nil, httpLn, nil
	}
	grpcLn, err = net.Listen("tcp", s.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return grpcLn, httpLn, nil
}

func (s *Server) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			s.logger.Info("gRPC health listening", "addr", grpcLn.Addr().String())
			if err := s.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		s.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// Run serves until ctx is canceled or a listener fails, then shuts down.
// It returns nil after a shutdown caused by ctx.
func (s *Server) Run(ctx context.Context) error {
	grpcLn, httpLn, err := s.listen()
	if err != nil {
		return err
	}
	errCh := s.startServers(grpcLn, httpLn)

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	shutdownErr := s.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown stops the listeners, closes every live session, drains pending
// fanouts and closes the store. Errors from each step are joined.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	s.health.Shutdown()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	s.shutdownGRPCServer(ctx)

	// WebSocket connections are hijacked and outlive httpServer.Shutdown.
	s.sessions.Close()
	s.router.Close()

	if err := s.notifier.Close(); err != nil {
		errs = append(errs, fmt.Errorf("push close: %w", err))
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
	}
	s.tokens.Close()
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	return errors.Join(errs...)
}
