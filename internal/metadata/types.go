// -------------------------------------------------------------------------------
// Types - Resilience Subsystem Data Model
//
// Author: Alex Freidah
//
// Row types and enumerations persisted by the metadata store: service status,
// queue entries, health check results, alerts, and circuit breaker events.
// -------------------------------------------------------------------------------

package metadata

import "time"

// -------------------------------------------------------------------------
// ENUMERATIONS
// -------------------------------------------------------------------------

// ServiceState is the overall operating state of a logical service.
type ServiceState string

const (
	StateHealthy  ServiceState = "healthy"
	StateDegraded ServiceState = "degraded"
	StateOffline  ServiceState = "offline"
)

// CircuitState is the circuit breaker state for a service.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// OperationType identifies the kind of deferred write in the queue.
type OperationType string

const (
	OpUpload         OperationType = "upload"
	OpDelete         OperationType = "delete"
	OpMetadataUpdate OperationType = "metadata_update"
	OpGet            OperationType = "get"
)

// QueueStatus is the lifecycle state of a queue entry.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	QueueCancelled  QueueStatus = "cancelled"
)

// HealthStatus classifies a single probe cycle.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// AlertType identifies the condition an alert describes.
type AlertType string

const (
	AlertCircuitBreakerOpen AlertType = "circuit_breaker_open"
	AlertHighErrorRate      AlertType = "high_error_rate"
	AlertSlowResponse       AlertType = "slow_response"
	AlertServiceDegraded    AlertType = "service_degraded"
	AlertServiceRecovered   AlertType = "service_recovered"
)

// AlertSeverity grades an alert for operator triage.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// -------------------------------------------------------------------------
// ROW TYPES
// -------------------------------------------------------------------------

// ServiceStatus is the single authoritative record for a logical service.
// Version implements optimistic concurrency: every write must carry the
// version it read, and the store rejects stale writes.
type ServiceStatus struct {
	Service           string
	Status            ServiceState
	CircuitState      CircuitState
	FailureCount      int
	SuccessCount      int
	LastCheckAt       *time.Time
	LastSuccessAt     *time.Time
	LastFailureAt     *time.Time
	DegradationReason string
	Version           int64
	UpdatedAt         time.Time
}

// QueueEntry is a durable deferred write operation. OperationID is the
// caller-supplied idempotency key; re-enqueueing the same id is a no-op.
type QueueEntry struct {
	OperationID  string
	Type         OperationType
	Payload      []byte // operation-specific JSON blob
	Priority     int    // 1=highest .. 10=lowest
	Status       QueueStatus
	RetryCount   int
	MaxRetries   int
	ScheduledAt  time.Time
	CreatedAt    time.Time
	CompletedAt  *time.Time
	ErrorMessage string
}

// HealthCheckResult is one row of the append-only probe log.
type HealthCheckResult struct {
	Service        string
	Operation      string // sub-operations probed, e.g. "put+get+delete"
	Status         HealthStatus
	ResponseTimeMs int64
	ErrorMessage   string
	Timestamp      time.Time
}

// Alert is an operator-visible condition. ResolvedAt is nil while active.
type Alert struct {
	ID         string
	Service    string
	Type       AlertType
	Severity   AlertSeverity
	Message    string
	Details    string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// CircuitEvent is one row of the append-only breaker transition log.
type CircuitEvent struct {
	Service   string
	FromState CircuitState
	ToState   CircuitState
	Reason    string
	CreatedAt time.Time
}
