// -------------------------------------------------------------------------------
// DegradedModeController - Service Status Orchestration
//
// Author: Alex Freidah
//
// The controller is the single authority over the service status row. Every
// write consults it for a disposition: execute directly, defer to the queue,
// or reject. The circuit breaker marks the row Degraded when it opens; the
// controller announces that degradation (alert + notification), escalates to
// Offline when the queue fills, and walks the service back to Healthy only
// after the breaker has stayed closed for the confirmation window.
// -------------------------------------------------------------------------------

package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/munchlab/filevault/internal/config"
	"github.com/munchlab/filevault/internal/metadata"
	"github.com/munchlab/filevault/internal/storage"
	"github.com/munchlab/filevault/internal/telemetry"
)

// reconcileInterval bounds how stale the controller's view of the status row
// and queue backlog can get between write requests.
const reconcileInterval = 5 * time.Second

// Disposition tells the write path what happened to an accepted operation.
type Disposition string

const (
	// DispositionDirect means the operation ran against the backend.
	DispositionDirect Disposition = "direct"
	// DispositionDeferred means the operation was queued for later replay.
	DispositionDeferred Disposition = "deferred"
	// DispositionRejected means the operation was refused outright.
	DispositionRejected Disposition = "rejected"
)

// Drainer is the controller's hook into the queue processor: signal an
// immediate drain instead of waiting for the next tick.
type Drainer interface {
	DrainNow()
}

// DegradedModeController orchestrates Healthy/Degraded/Offline transitions.
type DegradedModeController struct {
	service  string
	store    StateStore
	breaker  *CircuitBreaker
	queue    *OperationQueue
	notifier *Notifier
	cfg      config.CircuitBreakerConfig

	mu        sync.Mutex
	state     metadata.ServiceState
	forced    bool // operator forced degraded mode; reconcile must not exit it
	announced bool // degradation alert/notification already emitted
	drainer   Drainer
}

// NewDegradedModeController loads the current service state and returns the
// controller. SetDrainer must be called before Run once the processor exists.
func NewDegradedModeController(ctx context.Context, service string, store StateStore, breaker *CircuitBreaker, queue *OperationQueue, notifier *Notifier, cfg config.CircuitBreakerConfig) (*DegradedModeController, error) {
	st, err := store.GetServiceStatus(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("failed to load service status: %w", err)
	}
	c := &DegradedModeController{
		service:  service,
		store:    store,
		breaker:  breaker,
		queue:    queue,
		notifier: notifier,
		cfg:      cfg,
		state:    st.Status,
		// A process restarting into Degraded/Offline should not re-announce.
		announced: st.Status != metadata.StateHealthy,
	}
	setServiceMetric(st.Status)
	return c, nil
}

// SetDrainer wires the queue processor's drain-now signal.
func (c *DegradedModeController) SetDrainer(d Drainer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainer = d
}

// State returns the controller's current view of the service state.
func (c *DegradedModeController) State() metadata.ServiceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// -------------------------------------------------------------------------
// WRITE / READ DISPOSITION
// -------------------------------------------------------------------------

// AcceptWrite decides the fate of a write operation. entry describes the
// operation for queueing; direct executes it against the backend. In Healthy
// state the write runs through the breaker, falling back to the queue when
// the backend fails. In Degraded state it is queued immediately. In Offline
// state it is rejected with a retryable error.
func (c *DegradedModeController) AcceptWrite(ctx context.Context, entry *metadata.QueueEntry, direct func(ctx context.Context) error) (Disposition, error) {
	switch c.State() {
	case metadata.StateOffline:
		return DispositionRejected, ErrServiceOffline

	case metadata.StateDegraded:
		return c.deferWrite(ctx, entry)

	default: // Healthy
		err := c.breaker.Call(ctx, direct)
		if err == nil {
			return DispositionDirect, nil
		}
		if errors.Is(err, storage.ErrObjectNotFound) {
			return DispositionDirect, err
		}
		// Backend unreachable or breaker already open: this write still
		// succeeds from the caller's point of view, deferred.
		if errors.Is(err, ErrCircuitOpen) || isBackendFailure(err) {
			c.noteDegraded(ctx, "backend failure: "+err.Error())
			return c.deferWrite(ctx, entry)
		}
		return DispositionDirect, err
	}
}

// AcceptRead gates a read operation. Reads are never queued: when the
// breaker rejects the call the caller gets a temporarily-unavailable error
// and can fall back to cached data.
func (c *DegradedModeController) AcceptRead(ctx context.Context, direct func(ctx context.Context) error) error {
	if c.State() == metadata.StateOffline {
		return ErrTemporarilyUnavailable
	}
	err := c.breaker.Call(ctx, direct)
	if errors.Is(err, ErrCircuitOpen) {
		return ErrTemporarilyUnavailable
	}
	return err
}

// deferWrite enqueues a write, escalating to Offline when the queue is full.
func (c *DegradedModeController) deferWrite(ctx context.Context, entry *metadata.QueueEntry) (Disposition, error) {
	if _, err := c.queue.Enqueue(ctx, entry); err != nil {
		if errors.Is(err, metadata.ErrQueueFull) {
			c.enterOffline(ctx, "operation queue at capacity")
			return DispositionRejected, ErrServiceOffline
		}
		return DispositionRejected, err
	}
	return DispositionDeferred, nil
}

// -------------------------------------------------------------------------
// STATE TRANSITIONS
// -------------------------------------------------------------------------

// noteDegraded records that the service is degraded after a direct-path
// failure. The breaker may already have set the row; this makes sure the
// controller's view, the alert, and the notification catch up.
func (c *DegradedModeController) noteDegraded(ctx context.Context, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enterDegradedLocked(ctx, reason)
}

// ForceDegraded is the operator override: enter degraded mode regardless of
// breaker state and hold it there until ForceExit.
func (c *DegradedModeController) ForceDegraded(ctx context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forced = true
	return c.enterDegradedLocked(ctx, reason)
}

// ForceExit clears a forced degraded hold and returns the service to Healthy
// immediately, skipping the confirmation window. It refuses while the circuit
// is open: an open circuit always implies a degraded or offline service, and
// the operator must reset the breaker first.
func (c *DegradedModeController) ForceExit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.breaker.State() == metadata.CircuitOpen {
		return fmt.Errorf("cannot exit degraded mode while the backend circuit is open: %w", ErrCircuitOpen)
	}
	c.forced = false
	return c.exitDegradedLocked(ctx)
}

func (c *DegradedModeController) enterDegradedLocked(ctx context.Context, reason string) error {
	if c.state == metadata.StateDegraded && c.announced {
		return nil
	}
	if c.state != metadata.StateDegraded {
		if err := c.setStatusLocked(ctx, metadata.StateDegraded, reason); err != nil {
			return err
		}
	}
	if !c.announced {
		c.announced = true
		c.announceLocked(ctx, metadata.AlertServiceDegraded, metadata.SeverityHigh,
			"service degraded, writes are being queued", reason)
	}
	slog.Warn("Degraded mode: entered", "service", c.service, "reason", reason)
	return nil
}

func (c *DegradedModeController) enterOffline(ctx context.Context, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == metadata.StateOffline {
		return
	}
	if err := c.setStatusLocked(ctx, metadata.StateOffline, reason); err != nil {
		slog.Error("Degraded mode: failed to persist offline transition", "error", err)
		return
	}
	c.announceLocked(ctx, metadata.AlertServiceDegraded, metadata.SeverityCritical,
		"service offline, writes are being rejected", reason)
	slog.Error("Degraded mode: service offline", "service", c.service, "reason", reason)
}

func (c *DegradedModeController) exitDegradedLocked(ctx context.Context) error {
	if c.state == metadata.StateHealthy {
		return nil
	}
	if err := c.setStatusLocked(ctx, metadata.StateHealthy, ""); err != nil {
		return err
	}
	c.announced = false

	if _, err := c.store.ResolveActiveByType(ctx, c.service, metadata.AlertServiceDegraded); err != nil {
		slog.Warn("Degraded mode: failed to resolve degraded alerts", "error", err)
	}
	recovered := &metadata.Alert{
		ID:       uuid.NewString(),
		Service:  c.service,
		Type:     metadata.AlertServiceRecovered,
		Severity: metadata.SeverityLow,
		Message:  "service recovered, resuming direct writes",
	}
	if err := c.store.CreateAlert(ctx, recovered); err != nil {
		slog.Warn("Degraded mode: failed to create recovery alert", "error", err)
	} else {
		telemetry.AlertsRaisedTotal.WithLabelValues(string(recovered.Type), string(recovered.Severity)).Inc()
		// The recovery notice closes out the degradation episode, so sinks
		// render it as a resolution.
		c.notifier.PublishResolved(recovered)
	}

	if c.drainer != nil {
		c.drainer.DrainNow()
	}
	slog.Info("Degraded mode: exited, service healthy", "service", c.service)
	return nil
}

// setStatusLocked persists a status change with a compare-and-set, retrying
// once on version conflict with a fresh read. The whole subsystem depends on
// a consistent view of this row, so a persistence failure means the old
// state stands.
func (c *DegradedModeController) setStatusLocked(ctx context.Context, to metadata.ServiceState, reason string) error {
	for attempt := 0; attempt < 2; attempt++ {
		st, err := c.store.GetServiceStatus(ctx, c.service)
		if err != nil {
			return fmt.Errorf("failed to read service status: %w", err)
		}
		st.Status = to
		st.DegradationReason = reason
		ok, err := c.store.CompareAndSetServiceStatus(ctx, st)
		if err != nil {
			return fmt.Errorf("failed to persist service status: %w", err)
		}
		if ok {
			c.state = to
			setServiceMetric(to)
			return nil
		}
	}
	return fmt.Errorf("service status transition to %s lost the version race twice", to)
}

// announceLocked raises an alert and pushes it to the notification sinks.
func (c *DegradedModeController) announceLocked(ctx context.Context, typ metadata.AlertType, sev metadata.AlertSeverity, message, details string) {
	a := &metadata.Alert{
		ID:       uuid.NewString(),
		Service:  c.service,
		Type:     typ,
		Severity: sev,
		Message:  message,
		Details:  details,
	}
	if err := c.store.CreateAlert(ctx, a); err != nil {
		slog.Warn("Degraded mode: failed to create alert", "type", typ, "error", err)
		return
	}
	telemetry.AlertsRaisedTotal.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
	c.notifier.Publish(a)
}

// -------------------------------------------------------------------------
// RECONCILE LOOP
// -------------------------------------------------------------------------

// Run reconciles the controller's state against the breaker and queue until
// ctx is cancelled.
func (c *DegradedModeController) Run(ctx context.Context) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Reconcile(ctx)
		}
	}
}

// Reconcile walks the service state machine one step:
//   - Degraded is announced if the breaker opened the circuit and marked the
//     row without going through the controller.
//   - Offline relaxes to Degraded once the queue is below capacity and the
//     breaker is no longer open, so writes queue again instead of bouncing.
//   - Degraded exits to Healthy once the breaker has stayed closed for the
//     full confirmation window, unless an operator is holding degraded mode.
func (c *DegradedModeController) Reconcile(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, err := c.store.GetServiceStatus(ctx, c.service)
	if err != nil {
		slog.Warn("Degraded mode: reconcile failed to read status", "error", err)
		return
	}
	c.state = st.Status
	setServiceMetric(st.Status)

	switch c.state {
	case metadata.StateHealthy:
		c.announced = false
		return

	case metadata.StateOffline:
		backlog, err := c.queue.Backlog(ctx)
		if err != nil {
			slog.Warn("Degraded mode: reconcile failed to read backlog", "error", err)
			return
		}
		if backlog < int64(c.queue.Capacity()) && c.breaker.State() != metadata.CircuitOpen {
			if err := c.setStatusLocked(ctx, metadata.StateDegraded, "queue below capacity, accepting deferred writes"); err != nil {
				slog.Warn("Degraded mode: failed to leave offline", "error", err)
			}
		}
		return

	case metadata.StateDegraded:
		if !c.announced {
			c.announced = true
			c.announceLocked(ctx, metadata.AlertServiceDegraded, metadata.SeverityHigh,
				"service degraded, writes are being queued", st.DegradationReason)
		}
		if c.forced {
			return
		}
		closedSince := c.breaker.ClosedSince()
		if closedSince.IsZero() || time.Since(closedSince) < c.cfg.RecoveryConfirmation {
			return
		}
		if err := c.exitDegradedLocked(ctx); err != nil {
			slog.Warn("Degraded mode: failed to exit", "error", err)
		}
	}
}

func setServiceMetric(s metadata.ServiceState) {
	var v float64
	switch s {
	case metadata.StateHealthy:
		v = 0
	case metadata.StateDegraded:
		v = 1
	case metadata.StateOffline:
		v = 2
	}
	telemetry.ServiceStatus.Set(v)
}
