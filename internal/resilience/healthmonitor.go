// -------------------------------------------------------------------------------
// HealthMonitor - Synthetic Backend Probes
//
// Author: Alex Freidah
//
// Periodically exercises the backend with a put/get/delete round trip against
// a reserved key namespace, records the outcome in the health check log, and
// feeds the result into the circuit breaker so a quiet service still detects
// backend failure and recovery. A probe slower than the configured threshold
// counts as degraded but still healthy for breaker purposes; only a failed
// probe counts as a breaker failure.
// -------------------------------------------------------------------------------

package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/munchlab/filevault/internal/config"
	"github.com/munchlab/filevault/internal/metadata"
	"github.com/munchlab/filevault/internal/storage"
	"github.com/munchlab/filevault/internal/telemetry"
)

// consecutive slow/unhealthy probes before a service_degraded alert fires.
const degradedProbeThreshold = 3

// HealthMonitor runs the periodic synthetic probe loop.
type HealthMonitor struct {
	service string
	backend storage.ObjectStore
	breaker *CircuitBreaker
	store   StateStore
	cfg     config.HealthCheckConfig

	// mu guards the degradation tracking state; CheckNow runs from the probe
	// loop and from the admin surface concurrently.
	mu             sync.Mutex
	consecutiveBad int
	alertActive    bool
}

// NewHealthMonitor creates a monitor wired to the backend and breaker.
func NewHealthMonitor(service string, backend storage.ObjectStore, breaker *CircuitBreaker, store StateStore, cfg config.HealthCheckConfig) *HealthMonitor {
	return &HealthMonitor{
		service: service,
		backend: backend,
		breaker: breaker,
		store:   store,
		cfg:     cfg,
	}
}

// Run executes the probe loop until ctx is cancelled. One probe fires
// immediately so a fresh process learns backend health without waiting a
// full interval.
func (hm *HealthMonitor) Run(ctx context.Context) {
	slog.Info("Health monitor: started",
		"service", hm.service, "interval", hm.cfg.Interval, "probe_timeout", hm.cfg.ProbeTimeout)

	hm.CheckNow(ctx)

	ticker := time.NewTicker(hm.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Health monitor: stopped", "service", hm.service)
			return
		case <-ticker.C:
			hm.CheckNow(ctx)
		}
	}
}

// CheckNow runs a single probe cycle and returns its result. Exposed for the
// admin surface so operators can force a probe outside the timer.
func (hm *HealthMonitor) CheckNow(ctx context.Context) *metadata.HealthCheckResult {
	probeCtx, cancel := context.WithTimeout(ctx, hm.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := hm.probe(probeCtx)
	elapsed := time.Since(start)

	result := &metadata.HealthCheckResult{
		Service:        hm.service,
		Operation:      "put+get+delete",
		ResponseTimeMs: elapsed.Milliseconds(),
		Timestamp:      start,
	}

	switch {
	case err != nil:
		result.Status = metadata.HealthUnhealthy
		result.ErrorMessage = err.Error()
		hm.breaker.RecordFailure(ctx, "health probe failed: "+err.Error())
		slog.Warn("Health monitor: probe failed",
			"service", hm.service, "elapsed", elapsed, "error", err)
	case elapsed > hm.cfg.SlowThreshold:
		result.Status = metadata.HealthDegraded
		hm.breaker.RecordSuccess(ctx)
		slog.Warn("Health monitor: probe slow",
			"service", hm.service, "elapsed", elapsed, "threshold", hm.cfg.SlowThreshold)
	default:
		result.Status = metadata.HealthHealthy
		hm.breaker.RecordSuccess(ctx)
	}

	telemetry.HealthChecksTotal.WithLabelValues(string(result.Status)).Inc()
	telemetry.HealthProbeDuration.Observe(elapsed.Seconds())

	if rerr := hm.store.RecordHealthCheck(ctx, result); rerr != nil {
		slog.Warn("Health monitor: failed to record probe result", "error", rerr)
	}

	hm.trackDegradation(ctx, result)
	return result
}

// probe performs the synthetic round trip: write a marker object, read it
// back, verify the body, then delete it. Each leg failing fails the probe.
func (hm *HealthMonitor) probe(ctx context.Context) error {
	key := hm.cfg.KeyPrefix + uuid.NewString()
	body := []byte("filevault-health-" + time.Now().UTC().Format(time.RFC3339Nano))

	if _, err := hm.backend.Put(ctx, key, bytes.NewReader(body), int64(len(body)), "text/plain"); err != nil {
		return fmt.Errorf("probe put: %w", err)
	}

	res, err := hm.backend.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("probe get: %w", err)
	}
	got, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return fmt.Errorf("probe read: %w", err)
	}
	if !bytes.Equal(got, body) {
		return errors.New("probe read: body mismatch")
	}

	if err := hm.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("probe delete: %w", err)
	}
	return nil
}

// trackDegradation raises a service_degraded alert after a run of bad probes
// and auto-resolves it with a service_recovered event once probes are clean.
func (hm *HealthMonitor) trackDegradation(ctx context.Context, result *metadata.HealthCheckResult) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if result.Status == metadata.HealthHealthy {
		hm.consecutiveBad = 0
		if hm.alertActive {
			hm.alertActive = false
			if _, err := hm.store.ResolveActiveByType(ctx, hm.service, metadata.AlertServiceDegraded); err != nil {
				slog.Warn("Health monitor: failed to resolve degraded alert", "error", err)
			}
			recovered := &metadata.Alert{
				ID:       uuid.NewString(),
				Service:  hm.service,
				Type:     metadata.AlertServiceRecovered,
				Severity: metadata.SeverityLow,
				Message:  "backend probes healthy again for " + hm.service,
			}
			if err := hm.store.CreateAlert(ctx, recovered); err != nil {
				slog.Warn("Health monitor: failed to create recovery alert", "error", err)
			} else {
				telemetry.AlertsRaisedTotal.WithLabelValues(string(recovered.Type), string(recovered.Severity)).Inc()
			}
		}
		return
	}

	hm.consecutiveBad++
	if hm.consecutiveBad < degradedProbeThreshold || hm.alertActive {
		return
	}

	hm.alertActive = true
	a := &metadata.Alert{
		ID:       uuid.NewString(),
		Service:  hm.service,
		Type:     metadata.AlertServiceDegraded,
		Severity: metadata.SeverityMedium,
		Message:  fmt.Sprintf("%d consecutive degraded probes for %s", hm.consecutiveBad, hm.service),
		Details:  result.ErrorMessage,
	}
	if err := hm.store.CreateAlert(ctx, a); err != nil {
		slog.Warn("Health monitor: failed to create degraded alert", "error", err)
		hm.alertActive = false
		return
	}
	telemetry.AlertsRaisedTotal.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
}
