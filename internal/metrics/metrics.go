// Package metrics defines the Prometheus collectors for the widget server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beatdown_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beatdown_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5, 30},
		},
		[]string{"method", "path"},
	)

	// Conversation metrics
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beatdown_messages_sent_total",
			Help: "Accepted sends, one credit each",
		},
	)

	SendsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beatdown_sends_rejected_total",
			Help: "Sends rejected by the admission guard",
		},
		[]string{"reason"},
	)

	CreditsRedeemed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beatdown_credits_redeemed_total",
			Help: "Credits granted by redemption codes",
		},
	)

	CheckoutRedirects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beatdown_checkout_redirects_total",
			Help: "Redirects to the checkout endpoint",
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beatdown_active_sessions",
			Help: "Tab sessions currently held in memory",
		},
	)

	// Upstream metrics
	ChatRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beatdown_chat_request_duration_seconds",
			Help:    "Chat endpoint round-trip latency",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"transport"},
	)

	ChatRequestFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beatdown_chat_request_failures_total",
			Help: "Failed chat endpoint round-trips",
		},
		[]string{"transport"},
	)
)

// RecordSend counts one send attempt by its outcome.
func RecordSend(accepted bool, reason string) {
	if accepted {
		MessagesSent.Inc()
		return
	}
	SendsRejected.WithLabelValues(reason).Inc()
}
