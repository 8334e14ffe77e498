// ABOUTME: Tests for the metrics helpers and HTTP middleware
// ABOUTME: Reads collector values back with prometheus testutil

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanoutOutcome_Counts(t *testing.T) {
	before := testutil.ToFloat64(fanoutOutcomes.WithLabelValues("queued"))
	FanoutOutcome("queued")
	FanoutOutcome("queued")
	assert.Equal(t, before+2, testutil.ToFloat64(fanoutOutcomes.WithLabelValues("queued")))
}

func TestSessionGauge(t *testing.T) {
	before := testutil.ToFloat64(sessionsActive)
	SessionOpened()
	SessionOpened()
	SessionClosed("logout")
	assert.Equal(t, before+1, testutil.ToFloat64(sessionsActive))
}

func TestMessageAccepted(t *testing.T) {
	before := testutil.ToFloat64(messagesAccepted.WithLabelValues("true"))
	MessageAccepted(true, 3*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(messagesAccepted.WithLabelValues("true")))
}

func TestHTTPMiddleware_RecordsRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(HTTPMiddleware())
	r.GET("/things/:id", func(c *gin.Context) { c.Status(http.StatusTeapot) })

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/things/:id", "418"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/things/42", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/things/:id", "418")))
}

func TestHandler_ExposesCollectors(t *testing.T) {
	Replayed(1)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "pairchat_replayed_messages_total"))
}
