// ABOUTME: Tests for server wiring and lifecycle
// ABOUTME: Runs the full stack on a temp SQLite file with real HTTP and gRPC listeners

package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/pairchat/internal/config"
)

// freeAddr reserves a loopback port and releases it for the server to bind.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			HTTPAddr: freeAddr(t),
			GRPCAddr: freeAddr(t),
		},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "pairchat.db")},
		Auth: config.AuthConfig{
			JWTSecret:  "0123456789abcdef0123456789abcdef",
			OTPDevEcho: true,
			TokenTTL:   time.Hour,
			OTPTTL:     time.Minute,
		},
		Delivery: config.DeliveryConfig{Workers: 2, QueueSize: 16, SessionQueueSize: 16},
		Session:  config.SessionConfig{ReplayPageSize: 50, IdleTimeout: time.Minute},
		Retry:    config.RetryConfig{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Push:     config.PushConfig{Exchange: "pairchat.events"},
		Metrics:  config.MetricsConfig{Enabled: true},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_WiresHandler(t *testing.T) {
	srv, err := New(t.Context(), testConfig(t), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/auth/otp", "application/json", strings.NewReader(`{"phone":"+15550100100"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "pairchat_http_requests_total")
}

func TestNew_UnreachableRedisFallsBack(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redis.URL = "redis://" + freeAddr(t)

	srv, err := New(t.Context(), cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	assert.Nil(t, srv.cache)
}

func TestRun_ServesUntilCanceled(t *testing.T) {
	cfg := testConfig(t)
	srv, err := New(t.Context(), cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	check, err := healthpb.NewHealthClient(conn).Check(t.Context(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check.GetStatus())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Server.HTTPAddr = ln.Addr().String()
	srv, err := New(t.Context(), cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	err = srv.Run(t.Context())
	assert.ErrorContains(t, err, "listening on HTTP address")
}
