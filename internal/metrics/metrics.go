package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinichat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clinichat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// MessagesSent counts appended messages by type.
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinichat_messages_sent_total",
			Help: "Total messages sent",
		},
		[]string{"type"},
	)

	// ConversationsCreated counts new direct conversations.
	ConversationsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clinichat_conversations_created_total",
			Help: "Total direct conversations created",
		},
	)

	// UnreadQueries counts unread-count and check-new polls.
	UnreadQueries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clinichat_unread_queries_total",
			Help: "Total unread-count and check-new queries",
		},
	)

	// RateLimitHits counts rejected requests per endpoint.
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinichat_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)
)

// ObserveHTTPRequest records one served request.
func ObserveHTTPRequest(method, path string, status int, elapsed time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
