// -------------------------------------------------------------------------------
// CircuitBreaker - Persistent Three-State Backend Guard
//
// Author: Alex Freidah
//
// Guards calls to the object store with a three-state circuit breaker. Unlike
// an in-process breaker, state lives in the service_status row with optimistic
// versioning so concurrent handlers and instances converge on one authoritative
// state, and every transition is appended to an immutable event log. A
// transition that cannot be persisted is treated as not having happened.
//
// States: closed (healthy) → open (backend down) → half-open (probing) → closed.
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

// -------------------------------------------------------------------------
// CIRCUIT BREAKER
// -------------------------------------------------------------------------

// CircuitBreaker guards object store calls for a single logical service.
type CircuitBreaker struct {
	service string
	store   StateStore
	cfg     config.CircuitBreakerConfig

	mu       sync.Mutex
	cached   *metadata.ServiceStatus // last confirmed copy of the status row
	stale    bool                    // cached row must be re-read before acting
	openedAt time.Time               // when the circuit last opened
	closedAt time.Time               // when the circuit last closed
	probing  bool                    // a half-open probe call is in flight
}

// NewCircuitBreaker loads the authoritative state for the service and returns
// a breaker around it. The service row must already be provisioned.
func NewCircuitBreaker(ctx context.Context, service string, store StateStore, cfg config.CircuitBreakerConfig) (*CircuitBreaker, error) {
	st, err := store.GetServiceStatus(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("failed to load circuit state: %w", err)
	}

	cb := &CircuitBreaker{
		service: service,
		store:   store,
		cfg:     cfg,
		cached:  st,
	}

	// Resume timers from the stored row after a restart.
	switch st.CircuitState {
	case metadata.CircuitOpen, metadata.CircuitHalfOpen:
		cb.openedAt = st.UpdatedAt
	default:
		cb.closedAt = st.UpdatedAt
	}
	setStateMetric(st.CircuitState)

	return cb, nil
}

// -------------------------------------------------------------------------
// PUBLIC API
// -------------------------------------------------------------------------

// Call executes the wrapped operation through the breaker. Returns
// ErrCircuitOpen without invoking op when the circuit is open. Backend
// failures are recorded; application-level outcomes (object not found) count
// as successes for breaker purposes.
func (cb *CircuitBreaker) Call(ctx context.Context, op func(ctx context.Context) error) error {
	if err := cb.Allow(ctx); err != nil {
		return err
	}

	err := op(ctx)
	if isBackendFailure(err) {
		cb.RecordFailure(ctx, err.Error())
		return err
	}
	cb.RecordSuccess(ctx)
	return err
}

// Allow reports whether a call may proceed. In Open state it transitions to
// HalfOpen once the recovery timeout has elapsed and admits the caller as the
// single probe; concurrent calls during the probe are rejected.
func (cb *CircuitBreaker) Allow(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err := cb.refreshLocked(ctx); err != nil {
		return err
	}

	switch cb.cached.CircuitState {
	case metadata.CircuitClosed:
		return nil

	case metadata.CircuitOpen:
		if time.Since(cb.openedAt) < cb.cfg.RecoveryTimeout {
			return ErrCircuitOpen
		}
		if err := cb.transitionLocked(ctx, metadata.CircuitHalfOpen, "recovery timeout elapsed"); err != nil {
			// Transition not persisted — still open as far as anyone knows.
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil // this caller is the probe

	case metadata.CircuitHalfOpen:
		if cb.probing {
			// Only one probe at a time.
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil
	}
	return nil
}

// RecordSuccess notes a successful backend call or probe. Resets the failure
// counter and closes the circuit when half-open.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false
	now := time.Now()
	cb.cached.FailureCount = 0
	cb.cached.SuccessCount++
	cb.cached.LastCheckAt = &now
	cb.cached.LastSuccessAt = &now

	if cb.cached.CircuitState == metadata.CircuitHalfOpen {
		if err := cb.transitionLocked(ctx, metadata.CircuitClosed, "probe succeeded"); err != nil {
			slog.Warn("Circuit breaker: failed to persist close transition", "error", err)
		}
		return
	}
	cb.persistCountersLocked(ctx)
}

// RecordFailure notes a failed backend call or probe. Opens the circuit when
// the threshold is reached in Closed, or immediately when half-open.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false
	now := time.Now()
	cb.cached.FailureCount++
	cb.cached.LastCheckAt = &now
	cb.cached.LastFailureAt = &now

	switch cb.cached.CircuitState {
	case metadata.CircuitHalfOpen:
		if err := cb.transitionLocked(ctx, metadata.CircuitOpen, "probe failed: "+reason); err != nil {
			slog.Warn("Circuit breaker: failed to persist reopen transition", "error", err)
		}
	case metadata.CircuitClosed:
		if cb.cached.FailureCount >= cb.cfg.FailureThreshold {
			if err := cb.transitionLocked(ctx, metadata.CircuitOpen,
				fmt.Sprintf("failure threshold reached (%d consecutive failures): %s", cb.cached.FailureCount, reason)); err != nil {
				slog.Warn("Circuit breaker: failed to persist open transition", "error", err)
			}
			return
		}
		cb.persistCountersLocked(ctx)
	}
}

// State returns the last confirmed circuit state.
func (cb *CircuitBreaker) State() metadata.CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.cached.CircuitState
}

// ClosedSince returns when the circuit last closed, or the zero time if the
// circuit is not closed. Used by the controller's recovery confirmation window.
func (cb *CircuitBreaker) ClosedSince() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.cached.CircuitState != metadata.CircuitClosed {
		return time.Time{}
	}
	return cb.closedAt
}

// ForceReset transitions the breaker to Closed regardless of current state.
// Operator action for when the backend is known to be healthy again.
func (cb *CircuitBreaker) ForceReset(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err := cb.refreshLocked(ctx); err != nil {
		return err
	}
	if cb.cached.CircuitState == metadata.CircuitClosed {
		return nil
	}
	cb.cached.FailureCount = 0
	return cb.transitionLocked(ctx, metadata.CircuitClosed, "operator reset")
}

// -------------------------------------------------------------------------
// STATE MACHINE INTERNALS
// -------------------------------------------------------------------------

// refreshLocked re-reads the authoritative row after a lost CAS race or a
// persistence failure. No-op while the cache is trusted. Caller holds cb.mu.
func (cb *CircuitBreaker) refreshLocked(ctx context.Context) error {
	if !cb.stale {
		return nil
	}
	st, err := cb.store.GetServiceStatus(ctx, cb.service)
	if err != nil {
		// Cannot see authoritative state — fail safe, reject the call.
		return ErrCircuitOpen
	}
	if st.CircuitState != cb.cached.CircuitState {
		switch st.CircuitState {
		case metadata.CircuitOpen, metadata.CircuitHalfOpen:
			cb.openedAt = st.UpdatedAt
		case metadata.CircuitClosed:
			cb.closedAt = st.UpdatedAt
		}
		setStateMetric(st.CircuitState)
	}
	cb.cached = st
	cb.stale = false
	return nil
}

// transitionLocked persists a state change via compare-and-set, appends the
// event log entry, and updates metrics. On a CAS conflict the authoritative
// row is re-read: if another writer already made the same transition the race
// collapses to one state-log entry; otherwise the transition did not happen.
// Caller holds cb.mu.
func (cb *CircuitBreaker) transitionLocked(ctx context.Context, to metadata.CircuitState, reason string) error {
	from := cb.cached.CircuitState

	candidate := *cb.cached
	candidate.CircuitState = to
	candidate.FailureCount = 0
	candidate.SuccessCount = 0

	// Opening the circuit forces the service out of Healthy so the status
	// invariant (open circuit implies degraded or offline) holds atomically.
	if to == metadata.CircuitOpen && candidate.Status == metadata.StateHealthy {
		candidate.Status = metadata.StateDegraded
		candidate.DegradationReason = reason
	}

	ok, err := cb.store.CompareAndSetServiceStatus(ctx, &candidate)
	if err != nil {
		cb.stale = true
		return fmt.Errorf("failed to persist transition to %s: %w", to, err)
	}
	if !ok {
		// Lost the race. Adopt whatever won.
		cb.stale = true
		if rerr := cb.refreshLocked(ctx); rerr != nil {
			return fmt.Errorf("transition to %s conflicted and re-read failed", to)
		}
		if cb.cached.CircuitState == to {
			return nil // concurrent identical transition, already effective
		}
		return fmt.Errorf("transition to %s conflicted with concurrent update", to)
	}
	cb.cached = &candidate

	// Transition is effective; the audit trail and alerts follow.
	if err := cb.store.AppendCircuitEvent(ctx, &metadata.CircuitEvent{
		Service:   cb.service,
		FromState: from,
		ToState:   to,
		Reason:    reason,
	}); err != nil {
		slog.Warn("Circuit breaker: failed to append transition event", "error", err)
	}

	now := time.Now()
	switch to {
	case metadata.CircuitOpen:
		cb.openedAt = now
		cb.raiseOpenAlert(ctx, reason)
		slog.Warn("Circuit breaker: backend unreachable, circuit opened",
			"service", cb.service, "reason", reason)
	case metadata.CircuitClosed:
		cb.closedAt = now
		cb.resolveOpenAlert(ctx)
		slog.Info("Circuit breaker: backend recovered, circuit closed",
			"service", cb.service)
	case metadata.CircuitHalfOpen:
		slog.Warn("Circuit breaker: probing backend", "service", cb.service)
	}

	setStateMetric(to)
	telemetry.CircuitBreakerTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	return nil
}

// persistCountersLocked writes counter/timestamp updates via CAS. Counter
// bookkeeping losing a race is harmless — the row is marked stale and the
// winner's view is adopted on the next call. Caller holds cb.mu.
func (cb *CircuitBreaker) persistCountersLocked(ctx context.Context) {
	ok, err := cb.store.CompareAndSetServiceStatus(ctx, cb.cached)
	if err != nil {
		slog.Warn("Circuit breaker: failed to persist counters", "error", err)
		cb.stale = true
		return
	}
	if !ok {
		cb.stale = true
	}
}

// raiseOpenAlert creates the high-severity alert for an open circuit.
func (cb *CircuitBreaker) raiseOpenAlert(ctx context.Context, reason string) {
	a := &metadata.Alert{
		ID:       uuid.NewString(),
		Service:  cb.service,
		Type:     metadata.AlertCircuitBreakerOpen,
		Severity: metadata.SeverityHigh,
		Message:  "circuit breaker opened for " + cb.service,
		Details:  reason,
	}
	if err := cb.store.CreateAlert(ctx, a); err != nil {
		slog.Warn("Circuit breaker: failed to create open alert", "error", err)
		return
	}
	telemetry.AlertsRaisedTotal.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
}

// resolveOpenAlert resolves any active circuit-open alerts on close.
func (cb *CircuitBreaker) resolveOpenAlert(ctx context.Context) {
	if _, err := cb.store.ResolveActiveByType(ctx, cb.service, metadata.AlertCircuitBreakerOpen); err != nil {
		slog.Warn("Circuit breaker: failed to resolve open alert", "error", err)
	}
}

// -------------------------------------------------------------------------
// HELPERS
// -------------------------------------------------------------------------

// isBackendFailure reports whether an error counts as a backend failure for
// breaker purposes. Missing objects are an application-level outcome; context
// deadline expiry on a backend call is a failure like any other.
func isBackendFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, storage.ErrObjectNotFound) {
		return false
	}
	return true
}

// setStateMetric updates the breaker state gauge.
func setStateMetric(s metadata.CircuitState) {
	var v float64
	switch s {
	case metadata.CircuitClosed:
		v = 0
	case metadata.CircuitOpen:
		v = 1
	case metadata.CircuitHalfOpen:
		v = 2
	}
	telemetry.CircuitBreakerState.Set(v)
}
