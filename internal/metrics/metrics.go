// ABOUTME: Prometheus collectors for message flow, fanout outcomes, sessions and HTTP traffic
// ABOUTME: Collectors register on the default registry at init and are served at /metrics

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	messagesAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairchat_messages_accepted_total",
			Help: "Messages accepted by Send, split by whether the idempotency token was replayed.",
		},
		[]string{"replayed"},
	)
	sendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pairchat_send_duration_seconds",
			Help:    "Latency of the synchronous accept path.",
			Buckets: prometheus.DefBuckets,
		},
	)
	fanoutOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairchat_fanout_outcomes_total",
			Help: "Per-recipient fanout outcomes.",
		},
		[]string{"outcome"},
	)
	pushErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pairchat_push_errors_total",
			Help: "Push notifications that failed after retries.",
		},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pairchat_sessions_active",
			Help: "Sessions currently registered for live delivery.",
		},
	)
	sessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairchat_session_events_total",
			Help: "Session lifecycle events.",
		},
		[]string{"event"},
	)
	replayedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pairchat_replayed_messages_total",
			Help: "Messages delivered through backlog replay.",
		},
	)
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairchat_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pairchat_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		messagesAccepted,
		sendDuration,
		fanoutOutcomes,
		pushErrors,
		sessionsActive,
		sessionEvents,
		replayedMessages,
		httpRequestsTotal,
		httpRequestDuration,
	)
}

// MessageAccepted counts a successful Send.
func MessageAccepted(replayed bool, took time.Duration) {
	messagesAccepted.WithLabelValues(strconv.FormatBool(replayed)).Inc()
	sendDuration.Observe(took.Seconds())
}

// FanoutOutcome counts one recipient's outcome ("delivered" or "queued").
func FanoutOutcome(outcome string) {
	fanoutOutcomes.WithLabelValues(outcome).Inc()
}

// PushFailed counts a push notification that could not be handed off.
func PushFailed() {
	pushErrors.Inc()
}

// SessionOpened tracks a session entering live delivery.
func SessionOpened() {
	sessionsActive.Inc()
	sessionEvents.WithLabelValues("opened").Inc()
}

// SessionClosed tracks a registered session going away.
func SessionClosed(reason string) {
	sessionsActive.Dec()
	sessionEvents.WithLabelValues("closed_" + reason).Inc()
}

// SessionEvent counts a lifecycle event that does not change the gauge.
func SessionEvent(event string) {
	sessionEvents.WithLabelValues(event).Inc()
}

// Replayed counts messages sent during backlog replay.
func Replayed(n int) {
	replayedMessages.Add(float64(n))
}

// HTTPMiddleware records request counts and latencies per route.
func HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
