// -------------------------------------------------------------------------------
// Metrics - Prometheus Instrumentation
//
// Author: Alex Freidah
//
// Prometheus metric definitions for the filevault service. Tracks request
// counts, backend latencies, circuit breaker state, queue depth, and drain
// results. All metrics are prefixed with 'filevault_' for easy identification
// in dashboards and alerting rules.
// -------------------------------------------------------------------------------

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// -------------------------------------------------------------------------
// METRIC DEFINITIONS
// -------------------------------------------------------------------------

var (
	// --- Request metrics ---

	// RequestsTotal counts all HTTP requests by method and status code.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filevault_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "status_code"},
	)

	// RequestDuration tracks request latency distribution by method.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filevault_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method"},
	)

	// --- Backend metrics ---

	// BackendRequestsTotal counts object store operations by type and status.
	BackendRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filevault_backend_requests_total",
			Help: "Total number of object store operations",
		},
		[]string{"operation", "status"},
	)

	// BackendDuration tracks object store operation latency.
	BackendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filevault_backend_duration_seconds",
			Help:    "Object store operation latency in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"operation"},
	)

	// --- Circuit breaker metrics ---

	// CircuitBreakerState reports the current breaker state
	// (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filevault_circuit_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)

	// CircuitBreakerTransitionsTotal counts breaker state transitions.
	CircuitBreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filevault_circuit_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)

	// --- Service status metrics ---

	// ServiceStatus reports the current service status
	// (0=healthy, 1=degraded, 2=offline).
	ServiceStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filevault_service_status",
			Help: "Service status (0=healthy, 1=degraded, 2=offline)",
		},
	)

	// --- Health check metrics ---

	// HealthChecksTotal counts probe cycles by aggregated result.
	HealthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filevault_health_checks_total",
			Help: "Total number of health probe cycles by result",
		},
		[]string{"status"},
	)

	// HealthProbeDuration tracks full probe cycle latency.
	HealthProbeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "filevault_health_probe_duration_seconds",
			Help:    "Health probe cycle latency in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// --- Queue metrics ---

	// QueueDepth reports the number of entries per queue status.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "filevault_queue_depth",
			Help: "Number of queue entries by status",
		},
		[]string{"status"},
	)

	// QueueEnqueuedTotal counts deferred operations by type.
	QueueEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filevault_queue_enqueued_total",
			Help: "Total number of operations deferred to the queue",
		},
		[]string{"type"},
	)

	// QueueDrainedTotal counts drain outcomes per entry.
	QueueDrainedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filevault_queue_drained_total",
			Help: "Total number of drained queue entries by result",
		},
		[]string{"result"},
	)

	// DrainDuration tracks drain cycle latency.
	DrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "filevault_drain_duration_seconds",
			Help:    "Queue drain cycle latency in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	// --- Alert metrics ---

	// AlertsRaisedTotal counts alerts created by type and severity.
	AlertsRaisedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filevault_alerts_raised_total",
			Help: "Total number of alerts raised",
		},
		[]string{"type", "severity"},
	)

	// --- Notification metrics ---

	// NotificationsTotal counts user notifications by kind.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filevault_notifications_total",
			Help: "Total number of user notifications emitted",
		},
		[]string{"kind"},
	)

	// --- Info metric ---

	// BuildInfo exposes version information.
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "filevault_build_info",
			Help: "Build information for the filevault service",
		},
		[]string{"version", "go_version"},
	)
)
