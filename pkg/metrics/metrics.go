// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// SessionsActive tracks live sessions with an initialized processor.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "live_sessions_active",
			Help: "Number of live conversation sessions",
		},
	)

	// EventsTotal tracks change events processed, by kind and outcome.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_events_total",
			Help: "Change events processed by the live engine",
		},
		[]string{"kind", "outcome"},
	)

	// TargetedFetchTotal tracks gap-filling point reads.
	TargetedFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_targeted_fetch_total",
			Help: "Targeted fetches performed on gap detection",
		},
		[]string{"outcome"},
	)

	// NotificationsTotal tracks notifications handed to the sink.
	NotificationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "live_notifications_total",
			Help: "Notifications delivered to the sink",
		},
	)

	// WorkingSetSize tracks the size of the most recently published working set.
	WorkingSetSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "live_working_set_size",
			Help:    "Working set size after each mutation",
			Buckets: []float64{0, 1, 3, 5, 8, 10, 12, 15},
		},
	)

	// ReconcileTotal tracks periodic reconciliation runs.
	ReconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_reconcile_total",
			Help: "Reconciliation task runs",
		},
		[]string{"task", "outcome"},
	)

	// AccessDecisionsTotal tracks access resolver decisions.
	AccessDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_access_decisions_total",
			Help: "Access resolver decisions",
		},
		[]string{"decision"},
	)

	// BridgeForwardedTotal tracks database notifications republished to the change stream.
	BridgeForwardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_bridge_forwarded_total",
			Help: "Database notifications forwarded to the change stream",
		},
		[]string{"channel", "outcome"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordEvent records one processed change event.
func RecordEvent(kind, outcome string) {
	EventsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordAccess records one access decision.
func RecordAccess(allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	AccessDecisionsTotal.WithLabelValues(decision).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
