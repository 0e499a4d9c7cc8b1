// -------------------------------------------------------------------------------
// StateStore - Interface for Resilience State Persistence
//
// Author: Alex Freidah
//
// Defines the contract between the resilience components and the metadata
// store. Implemented by metadata.Store (real PostgreSQL) and by the in-memory
// fake used in tests. Startup-only methods (RunMigrations, EnsureServiceStatus,
// Close) live on the concrete store, not the interface.
// -------------------------------------------------------------------------------

package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/munchlab/filevault/internal/metadata"
)

// -------------------------------------------------------------------------
// SENTINEL ERRORS
// -------------------------------------------------------------------------

var (
	// ErrCircuitOpen is returned when the breaker is open and the call was
	// rejected without touching the backend. The controller uses errors.Is
	// checks to route writes to the queue instead of failing them.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrServiceOffline is returned to write callers when the service is
	// Offline: the breaker is open and the queue is at capacity. Retryable.
	ErrServiceOffline = errors.New("service offline: writes are temporarily rejected")

	// ErrTemporarilyUnavailable is returned to read callers while degraded so
	// they can fall back to cached data instead of waiting on a dead backend.
	ErrTemporarilyUnavailable = errors.New("object store temporarily unavailable")
)

// -------------------------------------------------------------------------
// INTERFACE
// -------------------------------------------------------------------------

// StateStore defines the persistence contract for circuit breaker state, the
// operation queue, health history, and alerts. All methods are short,
// context-bounded transactions.
type StateStore interface {
	// --- Service status (optimistic concurrency) ---
	GetServiceStatus(ctx context.Context, service string) (*metadata.ServiceStatus, error)
	CompareAndSetServiceStatus(ctx context.Context, st *metadata.ServiceStatus) (bool, error)

	// --- Append-only logs ---
	AppendCircuitEvent(ctx context.Context, ev *metadata.CircuitEvent) error
	RecordHealthCheck(ctx context.Context, r *metadata.HealthCheckResult) error

	// --- Alerts ---
	CreateAlert(ctx context.Context, a *metadata.Alert) error
	ResolveAlert(ctx context.Context, id string) error
	ResolveActiveByType(ctx context.Context, service string, t metadata.AlertType) (int64, error)
	ListActiveAlerts(ctx context.Context) ([]metadata.Alert, error)

	// --- Operation queue ---
	Enqueue(ctx context.Context, e *metadata.QueueEntry, maxQueueSize int) (*metadata.QueueEntry, error)
	GetEntry(ctx context.Context, operationID string) (*metadata.QueueEntry, error)
	ListEntries(ctx context.Context, status metadata.QueueStatus, limit int) ([]metadata.QueueEntry, error)
	CountByStatus(ctx context.Context) (map[metadata.QueueStatus]int64, error)
	DequeueBatch(ctx context.Context, limit int, now time.Time) ([]metadata.QueueEntry, error)
	MarkCompleted(ctx context.Context, operationID string) error
	MarkFailed(ctx context.Context, operationID, errorMessage string) error
	Reschedule(ctx context.Context, operationID string, at time.Time, errorMessage string) error
	RequeueProcessing(ctx context.Context, operationIDs []string) error
	Cancel(ctx context.Context, operationID string) error
	RequeueFailed(ctx context.Context, operationID string) error
}

// Compile-time check: the PostgreSQL store satisfies StateStore.
var _ StateStore = (*metadata.Store)(nil)
