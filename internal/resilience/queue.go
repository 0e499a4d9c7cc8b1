// -------------------------------------------------------------------------------
// OperationQueue - Durable Deferred Write Queue
//
// Author: Alex Freidah
//
// Priority-ordered, durable store of write operations deferred while the
// backend is unavailable. Enqueue is idempotent on the caller-supplied
// operation id; dequeue is a single atomic select-and-mark against the
// metadata store so concurrent drainers never pick overlapping entries.
// -------------------------------------------------------------------------------

package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/munchlab/filevault/internal/config"
	"github.com/munchlab/filevault/internal/metadata"
	"github.com/munchlab/filevault/internal/telemetry"
)

// -------------------------------------------------------------------------
// PAYLOAD
// -------------------------------------------------------------------------

// OperationPayload is the operation-specific content of a queue entry. Data
// carries the staged upload body; the metadata store is the durable home for
// deferred bytes until they reach the backend.
type OperationPayload struct {
	Key         string            `json:"key"`
	ContentType string            `json:"content_type,omitempty"`
	Data        []byte            `json:"data,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
	Size        int64             `json:"size,omitempty"`
}

// EncodePayload serializes an operation payload for storage.
func EncodePayload(p *OperationPayload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}

// DecodePayload deserializes a stored operation payload.
func DecodePayload(raw []byte) (*OperationPayload, error) {
	var p OperationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return &p, nil
}

// -------------------------------------------------------------------------
// OPERATION QUEUE
// -------------------------------------------------------------------------

// OperationQueue manages deferred write operations on top of the state store.
type OperationQueue struct {
	store StateStore
	cfg   config.QueueConfig
}

// NewOperationQueue creates a queue with the given capacity and defaults.
func NewOperationQueue(store StateStore, cfg config.QueueConfig) *OperationQueue {
	return &OperationQueue{store: store, cfg: cfg}
}

// Enqueue defers a write operation. Idempotent on OperationID: re-enqueueing
// an id that is already Pending or Processing returns the existing entry
// unchanged, and a Completed or Cancelled id returns the historical record.
// Returns metadata.ErrQueueFull when the queue is at capacity.
func (q *OperationQueue) Enqueue(ctx context.Context, e *metadata.QueueEntry) (*metadata.QueueEntry, error) {
	if e.OperationID == "" {
		return nil, errors.New("operation id is required")
	}
	if e.Type == metadata.OpGet {
		// Reads are never queued — they fail fast so callers can fall back.
		return nil, fmt.Errorf("operation type %s cannot be queued", e.Type)
	}

	if e.Priority == 0 {
		e.Priority = q.cfg.DefaultPriority
	}
	if e.Priority < 1 || e.Priority > 10 {
		return nil, fmt.Errorf("priority %d out of range [1,10]", e.Priority)
	}
	if e.MaxRetries == 0 {
		e.MaxRetries = q.cfg.DefaultRetries
	}
	if e.ScheduledAt.IsZero() {
		e.ScheduledAt = time.Now()
	}

	entry, err := q.store.Enqueue(ctx, e, q.cfg.MaxSize)
	if err != nil {
		return nil, err
	}

	if entry.Status == metadata.QueuePending && entry.RetryCount == 0 {
		telemetry.QueueEnqueuedTotal.WithLabelValues(string(entry.Type)).Inc()
	}
	return entry, nil
}

// DequeueBatch atomically claims up to limit due entries in (priority,
// created_at) order, transitioning them to Processing.
func (q *OperationQueue) DequeueBatch(ctx context.Context, limit int) ([]metadata.QueueEntry, error) {
	return q.store.DequeueBatch(ctx, limit, time.Now())
}

// MarkCompleted finalizes a successfully replayed entry.
func (q *OperationQueue) MarkCompleted(ctx context.Context, operationID string) error {
	return q.store.MarkCompleted(ctx, operationID)
}

// MarkFailed finalizes an entry that exhausted its retry budget.
func (q *OperationQueue) MarkFailed(ctx context.Context, operationID, errorMessage string) error {
	return q.store.MarkFailed(ctx, operationID, errorMessage)
}

// Reschedule returns a Processing entry to Pending for a later attempt.
func (q *OperationQueue) Reschedule(ctx context.Context, operationID string, at time.Time, errorMessage string) error {
	return q.store.Reschedule(ctx, operationID, at, errorMessage)
}

// Requeue returns claimed-but-unattempted entries to Pending after an
// aborted drain. Does not count against the retry budget.
func (q *OperationQueue) Requeue(ctx context.Context, operationIDs []string) error {
	return q.store.RequeueProcessing(ctx, operationIDs)
}

// Cancel cancels a Pending entry. Entries already Processing complete or fail
// on their own and cannot be cancelled mid-flight.
func (q *OperationQueue) Cancel(ctx context.Context, operationID string) error {
	return q.store.Cancel(ctx, operationID)
}

// Get returns a single entry for operator inspection.
func (q *OperationQueue) Get(ctx context.Context, operationID string) (*metadata.QueueEntry, error) {
	return q.store.GetEntry(ctx, operationID)
}

// List returns entries filtered by status for operator inspection.
func (q *OperationQueue) List(ctx context.Context, status metadata.QueueStatus, limit int) ([]metadata.QueueEntry, error) {
	return q.store.ListEntries(ctx, status, limit)
}

// Backlog returns the number of entries awaiting replay (Pending plus
// Processing). The controller compares this against capacity to decide the
// Degraded/Offline boundary.
func (q *OperationQueue) Backlog(ctx context.Context) (int64, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return 0, err
	}
	return counts[metadata.QueuePending] + counts[metadata.QueueProcessing], nil
}

// Capacity returns the configured maximum queue size.
func (q *OperationQueue) Capacity() int {
	return q.cfg.MaxSize
}

// UpdateDepthMetrics refreshes the per-status queue depth gauges.
func (q *OperationQueue) UpdateDepthMetrics(ctx context.Context) error {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to update queue metrics: %w", err)
	}
	for _, status := range []metadata.QueueStatus{
		metadata.QueuePending, metadata.QueueProcessing, metadata.QueueCompleted,
		metadata.QueueFailed, metadata.QueueCancelled,
	} {
		telemetry.QueueDepth.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	return nil
}
