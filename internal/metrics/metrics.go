// Package metrics provides Prometheus instrumentation for the messaging
// backend: connection and presence gauges, routed-message counters, and a
// routing latency histogram.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of live WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "neurochat_connections_total",
		Help: "Current number of live WebSocket connections",
	})

	// IdentifiedUsers tracks connections that have completed identify.
	IdentifiedUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "neurochat_identified_users",
		Help: "Current number of identified (presence-bound) connections",
	})

	// MessagesRouted counts routed chat messages, labeled by route:
	// "private", "group", or "public".
	MessagesRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "neurochat_messages_routed_total",
		Help: "Total number of chat messages routed",
	}, []string{"route"})

	// MessagesDropped counts inbound envelopes dropped before routing,
	// labeled by reason: "parse", "pending", "invalid", "rate_limited".
	MessagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "neurochat_messages_dropped_total",
		Help: "Total number of inbound envelopes dropped before routing",
	}, []string{"reason"})

	// StorageErrors counts best-effort persistence failures.
	StorageErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "neurochat_storage_errors_total",
		Help: "Total number of message persistence failures (delivery proceeded)",
	})

	// ExpiredMessages counts ephemeral messages deleted by the scheduler.
	ExpiredMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "neurochat_expired_messages_total",
		Help: "Total number of disappearing messages deleted on expiry",
	})

	// RoutingLatency records the time from envelope receipt to fanout
	// completion, in seconds.
	RoutingLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "neurochat_routing_latency_seconds",
		Help:    "Chat envelope routing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		IdentifiedUsers,
		MessagesRouted,
		MessagesDropped,
		StorageErrors,
		ExpiredMessages,
		RoutingLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
