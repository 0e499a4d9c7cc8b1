package server

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/munchlab/filevault/internal/config"
	"github.com/munchlab/filevault/internal/metadata"
	"github.com/munchlab/filevault/internal/resilience"
	"github.com/munchlab/filevault/internal/storage"
)

// memStore is a minimal in-memory StateStore for handler tests. It keeps the
// semantics the handlers depend on (version-checked status updates, idempotent
// enqueue, pending-only cancel) and nothing more.
type memStore struct {
	mu      sync.Mutex
	status  *metadata.ServiceStatus
	entries map[string]*metadata.QueueEntry
	order   []string
	alerts  map[string]*metadata.Alert
}

var _ resilience.StateStore = (*memStore)(nil)

func newMemStore(service string) *memStore {
	return &memStore{
		status: &metadata.ServiceStatus{
			Service:      service,
			Status:       metadata.StateHealthy,
			CircuitState: metadata.CircuitClosed,
			Version:      1,
			UpdatedAt:    time.Now(),
		},
		entries: make(map[string]*metadata.QueueEntry),
		alerts:  make(map[string]*metadata.Alert),
	}
}

func (m *memStore) GetServiceStatus(_ context.Context, service string) (*metadata.ServiceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Service != service {
		return nil, metadata.ErrEntryNotFound
	}
	cp := *m.status
	return &cp, nil
}

func (m *memStore) CompareAndSetServiceStatus(_ context.Context, st *metadata.ServiceStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Version != st.Version {
		return false, nil
	}
	cp := *st
	cp.Version++
	cp.UpdatedAt = time.Now()
	m.status = &cp
	st.Version = cp.Version
	return true, nil
}

func (m *memStore) AppendCircuitEvent(context.Context, *metadata.CircuitEvent) error { return nil }

func (m *memStore) RecordHealthCheck(context.Context, *metadata.HealthCheckResult) error { return nil }

func (m *memStore) CreateAlert(_ context.Context, a *metadata.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.alerts[a.ID] = &cp
	return nil
}

func (m *memStore) ResolveAlert(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok || a.ResolvedAt != nil {
		return metadata.ErrEntryNotFound
	}
	now := time.Now()
	a.ResolvedAt = &now
	return nil
}

func (m *memStore) ResolveActiveByType(_ context.Context, service string, t metadata.AlertType) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := time.Now()
	for _, a := range m.alerts {
		if a.Service == service && a.Type == t && a.ResolvedAt == nil {
			a.ResolvedAt = &now
			n++
		}
	}
	return n, nil
}

func (m *memStore) ListActiveAlerts(context.Context) ([]metadata.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []metadata.Alert
	for _, a := range m.alerts {
		if a.ResolvedAt == nil {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *memStore) Enqueue(_ context.Context, e *metadata.QueueEntry, maxQueueSize int) (*metadata.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[e.OperationID]; ok {
		cp := *existing
		return &cp, nil
	}
	active := 0
	for _, entry := range m.entries {
		if entry.Status == metadata.QueuePending || entry.Status == metadata.QueueProcessing {
			active++
		}
	}
	if active >= maxQueueSize {
		return nil, metadata.ErrQueueFull
	}
	cp := *e
	cp.Status = metadata.QueuePending
	cp.CreatedAt = time.Now()
	m.entries[e.OperationID] = &cp
	m.order = append(m.order, e.OperationID)
	out := cp
	return &out, nil
}

func (m *memStore) GetEntry(_ context.Context, operationID string) (*metadata.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[operationID]
	if !ok {
		return nil, metadata.ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) ListEntries(_ context.Context, status metadata.QueueStatus, limit int) ([]metadata.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []metadata.QueueEntry
	for _, id := range m.order {
		if e := m.entries[id]; e.Status == status {
			out = append(out, *e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) CountByStatus(context.Context) (map[metadata.QueueStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[metadata.QueueStatus]int64)
	for _, e := range m.entries {
		counts[e.Status]++
	}
	return counts, nil
}

func (m *memStore) DequeueBatch(_ context.Context, limit int, now time.Time) ([]metadata.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []metadata.QueueEntry
	for _, id := range m.order {
		if len(out) >= limit {
			break
		}
		e := m.entries[id]
		if e.Status == metadata.QueuePending && !e.ScheduledAt.After(now) {
			e.Status = metadata.QueueProcessing
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *memStore) MarkCompleted(_ context.Context, operationID string) error {
	return m.transition(operationID, metadata.QueueProcessing, metadata.QueueCompleted)
}

func (m *memStore) MarkFailed(_ context.Context, operationID, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[operationID]
	if !ok || e.Status != metadata.QueueProcessing {
		return metadata.ErrEntryNotFound
	}
	e.Status = metadata.QueueFailed
	e.RetryCount++
	e.ErrorMessage = errorMessage
	return nil
}

func (m *memStore) Reschedule(_ context.Context, operationID string, at time.Time, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[operationID]
	if !ok || e.Status != metadata.QueueProcessing {
		return metadata.ErrEntryNotFound
	}
	e.Status = metadata.QueuePending
	e.ScheduledAt = at
	e.RetryCount++
	e.ErrorMessage = errorMessage
	return nil
}

func (m *memStore) RequeueProcessing(_ context.Context, operationIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range operationIDs {
		if e, ok := m.entries[id]; ok && e.Status == metadata.QueueProcessing {
			e.Status = metadata.QueuePending
		}
	}
	return nil
}

func (m *memStore) Cancel(_ context.Context, operationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[operationID]
	if !ok {
		return metadata.ErrEntryNotFound
	}
	if e.Status != metadata.QueuePending {
		return metadata.ErrEntryNotPending
	}
	e.Status = metadata.QueueCancelled
	return nil
}

func (m *memStore) RequeueFailed(_ context.Context, operationID string) error {
	return m.transition(operationID, metadata.QueueFailed, metadata.QueuePending)
}

func (m *memStore) transition(operationID string, from, to metadata.QueueStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[operationID]
	if !ok || e.Status != from {
		return metadata.ErrEntryNotFound
	}
	e.Status = to
	return nil
}

// setEntryStatus forces an entry into a status for conflict-path tests.
func (m *memStore) setEntryStatus(operationID string, status metadata.QueueStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[operationID].Status = status
}

// memBackend is an in-memory ObjectStore with an on/off failure switch.
type memBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	failErr error
}

var _ storage.ObjectStore = (*memBackend)(nil)

func newMemBackend() *memBackend {
	return &memBackend{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

func (b *memBackend) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failErr = err
}

func (b *memBackend) Put(_ context.Context, key string, body io.Reader, _ int64, contentType string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failErr != nil {
		return "", b.failErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	b.objects[key] = data
	b.types[key] = contentType
	return `"test-etag"`, nil
}

func (b *memBackend) Get(_ context.Context, key string) (*storage.GetResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failErr != nil {
		return nil, b.failErr
	}
	data, ok := b.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return &storage.GetResult{
		Body:        io.NopCloser(bytes.NewReader(data)),
		Size:        int64(len(data)),
		ContentType: b.types[key],
		ETag:        `"test-etag"`,
	}, nil
}

func (b *memBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failErr != nil {
		return b.failErr
	}
	delete(b.objects, key)
	delete(b.types, key)
	return nil
}

func (b *memBackend) UpdateMetadata(_ context.Context, key, contentType string, _ map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failErr != nil {
		return b.failErr
	}
	if _, ok := b.objects[key]; !ok {
		return storage.ErrObjectNotFound
	}
	if contentType != "" {
		b.types[key] = contentType
	}
	return nil
}

// fixture wires a Server over the in-memory store and backend.
type fixture struct {
	srv     *Server
	store   *memStore
	backend *memBackend
}

const testService = "object-store"

func newFixture(t *testing.T, queueSize int) *fixture {
	t.Helper()
	ctx := context.Background()
	store := newMemStore(testService)
	backend := newMemBackend()

	cbCfg := config.CircuitBreakerConfig{
		FailureThreshold:     1,
		RecoveryTimeout:      time.Minute,
		RecoveryConfirmation: time.Minute,
	}
	breaker, err := resilience.NewCircuitBreaker(ctx, testService, store, cbCfg)
	if err != nil {
		t.Fatalf("NewCircuitBreaker: %v", err)
	}

	queue := resilience.NewOperationQueue(store, config.QueueConfig{
		MaxSize:         queueSize,
		DefaultRetries:  3,
		DefaultPriority: 5,
	})
	notifier := resilience.NewNotifier(config.NotificationsConfig{})

	controller, err := resilience.NewDegradedModeController(ctx, testService, store, breaker, queue, notifier, cbCfg)
	if err != nil {
		t.Fatalf("NewDegradedModeController: %v", err)
	}

	monitor := resilience.NewHealthMonitor(testService, backend, breaker, store, config.HealthCheckConfig{
		Interval:      time.Minute,
		ProbeTimeout:  10 * time.Second,
		SlowThreshold: 10 * time.Second,
		KeyPrefix:     ".health/",
	})

	return &fixture{
		srv: &Server{
			Service:       testService,
			Backend:       backend,
			Controller:    controller,
			Breaker:       breaker,
			Queue:         queue,
			Monitor:       monitor,
			Status:        store,
			MaxObjectSize: 1 << 20,
		},
		store:   store,
		backend: backend,
	}
}
