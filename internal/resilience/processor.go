// -------------------------------------------------------------------------------
// QueueProcessor - Deferred Write Replay
//
// Author: Alex Freidah
//
// Drains the operation queue against the backend once the circuit breaker
// allows traffic. Entries replay in priority order, paced by a rate limiter
// so a large backlog ramps up against the recovering backend instead of
// bursting. A failing entry is rescheduled with exponential backoff and
// never blocks the rest of the batch; the breaker opening mid-drain aborts
// the batch and returns unattempted entries to the queue untouched.
// -------------------------------------------------------------------------------

package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/munchlab/filevault/internal/config"
	"github.com/munchlab/filevault/internal/metadata"
	"github.com/munchlab/filevault/internal/storage"
	"github.com/munchlab/filevault/internal/telemetry"
)

// QueueProcessor is the periodic drain worker.
type QueueProcessor struct {
	service string
	queue   *OperationQueue
	backend storage.ObjectStore
	breaker *CircuitBreaker
	store   StateStore
	cfg     config.ProcessorConfig
	limiter *rate.Limiter
	wake    chan struct{}
}

var _ Drainer = (*QueueProcessor)(nil)

// NewQueueProcessor creates a drain worker over the queue and backend.
func NewQueueProcessor(service string, queue *OperationQueue, backend storage.ObjectStore, breaker *CircuitBreaker, store StateStore, cfg config.ProcessorConfig) *QueueProcessor {
	return &QueueProcessor{
		service: service,
		queue:   queue,
		backend: backend,
		breaker: breaker,
		store:   store,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.DrainPerSecond), 1),
		wake:    make(chan struct{}, 1),
	}
}

// DrainNow requests an immediate drain outside the timer. Non-blocking; a
// drain request is already pending when the channel is full.
func (p *QueueProcessor) DrainNow() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run executes the drain loop until ctx is cancelled.
func (p *QueueProcessor) Run(ctx context.Context) {
	slog.Info("Queue processor: started",
		"interval", p.cfg.Interval, "batch_size", p.cfg.BatchSize, "drain_per_second", p.cfg.DrainPerSecond)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Queue processor: stopped")
			return
		case <-ticker.C:
		case <-p.wake:
		}
		p.Drain(ctx)
	}
}

// Drain claims one batch of due entries and replays them. Returns the number
// of entries that completed.
func (p *QueueProcessor) Drain(ctx context.Context) int {
	if p.breaker.State() == metadata.CircuitOpen {
		// Nothing to do until the breaker admits traffic again.
		return 0
	}

	start := time.Now()
	batch, err := p.queue.DequeueBatch(ctx, p.cfg.BatchSize)
	if err != nil {
		slog.Error("Queue processor: dequeue failed", "error", err)
		return 0
	}
	if len(batch) == 0 {
		return 0
	}

	slog.Info("Queue processor: draining batch", "entries", len(batch))
	completed := 0

loop:
	for i := range batch {
		entry := &batch[i]

		if err := p.limiter.Wait(ctx); err != nil {
			// Shutdown mid-drain: hand the rest of the batch back untouched.
			p.requeueFrom(batch, i)
			break
		}

		err := p.breaker.Call(ctx, func(ctx context.Context) error {
			return p.execute(ctx, entry)
		})
		switch {
		case err == nil:
			if merr := p.queue.MarkCompleted(ctx, entry.OperationID); merr != nil {
				slog.Error("Queue processor: failed to mark entry completed",
					"operation_id", entry.OperationID, "error", merr)
				continue
			}
			completed++
			telemetry.QueueDrainedTotal.WithLabelValues("completed").Inc()

		case errors.Is(err, ErrCircuitOpen):
			// Backend degraded again mid-drain. This entry was not attempted;
			// it and everything after it go back to Pending with no retry
			// charged.
			p.requeueFrom(batch, i)
			telemetry.QueueDrainedTotal.WithLabelValues("aborted").Inc()
			slog.Warn("Queue processor: circuit opened mid-drain, batch aborted",
				"requeued", len(batch)-i)
			break loop

		default:
			p.handleFailure(ctx, entry, err)
		}
	}

	telemetry.DrainDuration.Observe(time.Since(start).Seconds())
	if err := p.queue.UpdateDepthMetrics(ctx); err != nil {
		slog.Warn("Queue processor: failed to refresh depth metrics", "error", err)
	}
	slog.Info("Queue processor: batch done",
		"completed", completed, "elapsed", time.Since(start))
	return completed
}

// execute replays one queue entry against the backend.
func (p *QueueProcessor) execute(ctx context.Context, entry *metadata.QueueEntry) error {
	payload, err := DecodePayload(entry.Payload)
	if err != nil {
		return err
	}

	switch entry.Type {
	case metadata.OpUpload:
		_, err := p.backend.Put(ctx, payload.Key, bytes.NewReader(payload.Data), int64(len(payload.Data)), payload.ContentType)
		return err
	case metadata.OpDelete:
		err := p.backend.Delete(ctx, payload.Key)
		if errors.Is(err, storage.ErrObjectNotFound) {
			// Already gone; the delete's intent is satisfied.
			return nil
		}
		return err
	case metadata.OpMetadataUpdate:
		return p.backend.UpdateMetadata(ctx, payload.Key, payload.ContentType, payload.Metadata)
	default:
		return fmt.Errorf("unknown operation type %q", entry.Type)
	}
}

// handleFailure reschedules a failed entry with backoff, or evicts it to
// Failed once the retry budget is spent.
func (p *QueueProcessor) handleFailure(ctx context.Context, entry *metadata.QueueEntry, cause error) {
	if entry.RetryCount >= entry.MaxRetries {
		if err := p.queue.MarkFailed(ctx, entry.OperationID, cause.Error()); err != nil {
			slog.Error("Queue processor: failed to mark entry failed",
				"operation_id", entry.OperationID, "error", err)
			return
		}
		telemetry.QueueDrainedTotal.WithLabelValues("failed").Inc()
		p.raiseExhaustionAlert(ctx, entry, cause)
		slog.Warn("Queue processor: entry exhausted retries",
			"operation_id", entry.OperationID, "type", entry.Type,
			"attempts", entry.RetryCount+1, "error", cause)
		return
	}

	delay := p.backoff(entry.RetryCount + 1)
	if err := p.queue.Reschedule(ctx, entry.OperationID, time.Now().Add(delay), cause.Error()); err != nil {
		slog.Error("Queue processor: failed to reschedule entry",
			"operation_id", entry.OperationID, "error", err)
		return
	}
	telemetry.QueueDrainedTotal.WithLabelValues("rescheduled").Inc()
	slog.Warn("Queue processor: entry rescheduled",
		"operation_id", entry.OperationID, "attempt", entry.RetryCount+1,
		"retry_in", delay, "error", cause)
}

// backoff computes the delay before the given attempt number, doubling per
// attempt and capped by config.
func (p *QueueProcessor) backoff(attempt int) time.Duration {
	delay := p.cfg.BackoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.cfg.BackoffCap {
			return p.cfg.BackoffCap
		}
	}
	return delay
}

// requeueFrom returns batch[from:] to Pending without charging a retry.
func (p *QueueProcessor) requeueFrom(batch []metadata.QueueEntry, from int) {
	ids := make([]string, 0, len(batch)-from)
	for _, e := range batch[from:] {
		ids = append(ids, e.OperationID)
	}
	// The drain context may already be cancelled; the requeue must still land.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.queue.Requeue(ctx, ids); err != nil {
		slog.Error("Queue processor: failed to requeue aborted batch",
			"entries", len(ids), "error", err)
	}
}

// raiseExhaustionAlert flags a permanently failed entry for operators.
func (p *QueueProcessor) raiseExhaustionAlert(ctx context.Context, entry *metadata.QueueEntry, cause error) {
	a := &metadata.Alert{
		ID:       uuid.NewString(),
		Service:  p.service,
		Type:     metadata.AlertHighErrorRate,
		Severity: metadata.SeverityMedium,
		Message:  fmt.Sprintf("queued %s operation %s failed permanently after %d attempts", entry.Type, entry.OperationID, entry.RetryCount+1),
		Details:  cause.Error(),
	}
	if err := p.store.CreateAlert(ctx, a); err != nil {
		slog.Warn("Queue processor: failed to create exhaustion alert", "error", err)
		return
	}
	telemetry.AlertsRaisedTotal.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
}
