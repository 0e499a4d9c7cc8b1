package resilience

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/munchlab/filevault/internal/metadata"
	"github.com/munchlab/filevault/internal/storage"
)

// fakeStore is an in-memory StateStore for unit testing the resilience
// components. It honors the same semantics as the PostgreSQL store:
// version-checked status updates, idempotent enqueue, priority-ordered
// atomic dequeue, status-conditional transitions.
type fakeStore struct {
	mu sync.Mutex

	statuses map[string]*metadata.ServiceStatus
	entries  map[string]*metadata.QueueEntry
	alerts   map[string]*metadata.Alert
	events   []metadata.CircuitEvent
	checks   []metadata.HealthCheckResult

	// seq orders entries with identical creation instants.
	seq     map[string]int
	nextSeq int

	// --- Error injection ---
	statusErr  error // GetServiceStatus / CompareAndSetServiceStatus
	enqueueErr error
	dequeueErr error
}

var _ StateStore = (*fakeStore)(nil)

func newFakeStore(service string) *fakeStore {
	return &fakeStore{
		statuses: map[string]*metadata.ServiceStatus{
			service: {
				Service:      service,
				Status:       metadata.StateHealthy,
				CircuitState: metadata.CircuitClosed,
				Version:      1,
				UpdatedAt:    time.Now(),
			},
		},
		entries: make(map[string]*metadata.QueueEntry),
		alerts:  make(map[string]*metadata.Alert),
		seq:     make(map[string]int),
	}
}

func (f *fakeStore) GetServiceStatus(_ context.Context, service string) (*metadata.ServiceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	st, ok := f.statuses[service]
	if !ok {
		return nil, metadata.ErrEntryNotFound
	}
	cp := *st
	return &cp, nil
}

func (f *fakeStore) CompareAndSetServiceStatus(_ context.Context, st *metadata.ServiceStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return false, f.statusErr
	}
	cur, ok := f.statuses[st.Service]
	if !ok || cur.Version != st.Version {
		return false, nil
	}
	cp := *st
	cp.Version++
	cp.UpdatedAt = time.Now()
	f.statuses[st.Service] = &cp
	st.Version = cp.Version
	return true, nil
}

func (f *fakeStore) AppendCircuitEvent(_ context.Context, ev *metadata.CircuitEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *ev)
	return nil
}

func (f *fakeStore) RecordHealthCheck(_ context.Context, r *metadata.HealthCheckResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks = append(f.checks, *r)
	return nil
}

func (f *fakeStore) CreateAlert(_ context.Context, a *metadata.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	cp.CreatedAt = time.Now()
	f.alerts[a.ID] = &cp
	return nil
}

func (f *fakeStore) ResolveAlert(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.alerts[id]
	if !ok || a.ResolvedAt != nil {
		return metadata.ErrEntryNotFound
	}
	now := time.Now()
	a.ResolvedAt = &now
	return nil
}

func (f *fakeStore) ResolveActiveByType(_ context.Context, service string, t metadata.AlertType) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	now := time.Now()
	for _, a := range f.alerts {
		if a.Service == service && a.Type == t && a.ResolvedAt == nil {
			a.ResolvedAt = &now
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ListActiveAlerts(_ context.Context) ([]metadata.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []metadata.Alert
	for _, a := range f.alerts {
		if a.ResolvedAt == nil {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeStore) Enqueue(_ context.Context, e *metadata.QueueEntry, maxQueueSize int) (*metadata.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return nil, f.enqueueErr
	}
	if existing, ok := f.entries[e.OperationID]; ok {
		cp := *existing
		return &cp, nil
	}
	active := 0
	for _, entry := range f.entries {
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
	f.entries[e.OperationID] = &cp
	f.seq[e.OperationID] = f.nextSeq
	f.nextSeq++
	out := cp
	return &out, nil
}

func (f *fakeStore) GetEntry(_ context.Context, operationID string) (*metadata.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[operationID]
	if !ok {
		return nil, metadata.ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeStore) ListEntries(_ context.Context, status metadata.QueueStatus, limit int) ([]metadata.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []metadata.QueueEntry
	for _, e := range f.entries {
		if e.Status == status {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return f.seq[out[i].OperationID] < f.seq[out[j].OperationID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) CountByStatus(_ context.Context) (map[metadata.QueueStatus]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[metadata.QueueStatus]int64)
	for _, e := range f.entries {
		counts[e.Status]++
	}
	return counts, nil
}

func (f *fakeStore) DequeueBatch(_ context.Context, limit int, now time.Time) ([]metadata.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dequeueErr != nil {
		return nil, f.dequeueErr
	}
	var due []*metadata.QueueEntry
	for _, e := range f.entries {
		if e.Status == metadata.QueuePending && !e.ScheduledAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		return f.seq[due[i].OperationID] < f.seq[due[j].OperationID]
	})
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]metadata.QueueEntry, 0, len(due))
	for _, e := range due {
		e.Status = metadata.QueueProcessing
		out = append(out, *e)
	}
	return out, nil
}

func (f *fakeStore) MarkCompleted(_ context.Context, operationID string) error {
	return f.conditional(operationID, metadata.QueueProcessing, func(e *metadata.QueueEntry) {
		now := time.Now()
		e.Status = metadata.QueueCompleted
		e.CompletedAt = &now
		e.ErrorMessage = ""
	})
}

func (f *fakeStore) MarkFailed(_ context.Context, operationID, errorMessage string) error {
	return f.conditional(operationID, metadata.QueueProcessing, func(e *metadata.QueueEntry) {
		now := time.Now()
		e.Status = metadata.QueueFailed
		e.CompletedAt = &now
		e.RetryCount++
		e.ErrorMessage = errorMessage
	})
}

func (f *fakeStore) Reschedule(_ context.Context, operationID string, at time.Time, errorMessage string) error {
	return f.conditional(operationID, metadata.QueueProcessing, func(e *metadata.QueueEntry) {
		e.Status = metadata.QueuePending
		e.ScheduledAt = at
		e.RetryCount++
		e.ErrorMessage = errorMessage
	})
}

func (f *fakeStore) RequeueProcessing(_ context.Context, operationIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range operationIDs {
		if e, ok := f.entries[id]; ok && e.Status == metadata.QueueProcessing {
			e.Status = metadata.QueuePending
		}
	}
	return nil
}

func (f *fakeStore) Cancel(_ context.Context, operationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[operationID]
	if !ok {
		return metadata.ErrEntryNotFound
	}
	if e.Status != metadata.QueuePending {
		return metadata.ErrEntryNotPending
	}
	now := time.Now()
	e.Status = metadata.QueueCancelled
	e.CompletedAt = &now
	return nil
}

func (f *fakeStore) RequeueFailed(_ context.Context, operationID string) error {
	return f.conditional(operationID, metadata.QueueFailed, func(e *metadata.QueueEntry) {
		e.Status = metadata.QueuePending
		e.RetryCount = 0
		e.ScheduledAt = time.Now()
		e.CompletedAt = nil
		e.ErrorMessage = ""
	})
}

func (f *fakeStore) conditional(operationID string, want metadata.QueueStatus, apply func(*metadata.QueueEntry)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[operationID]
	if !ok || e.Status != want {
		return metadata.ErrEntryNotFound
	}
	apply(e)
	return nil
}

// --- Test helpers ---

func (f *fakeStore) status(service string) metadata.ServiceStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.statuses[service]
}

func (f *fakeStore) entryStatus(operationID string) metadata.QueueStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[operationID].Status
}

func (f *fakeStore) activeAlerts(t metadata.AlertType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.alerts {
		if a.Type == t && a.ResolvedAt == nil {
			n++
		}
	}
	return n
}

// fakeBackend is a failure-injectable ObjectStore. Objects live in a map;
// setting failing makes every operation return the injected error.
type fakeBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string

	failing bool
	failErr error

	putCalls    int
	getCalls    int
	deleteCalls int
}

var _ storage.ObjectStore = (*fakeBackend)(nil)

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

func (b *fakeBackend) setFailing(failing bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing = failing
	b.failErr = err
}

func (b *fakeBackend) Put(_ context.Context, key string, body io.Reader, _ int64, contentType string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.putCalls++
	if b.failing {
		return "", b.failErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	b.objects[key] = data
	b.types[key] = contentType
	return `"fake-etag"`, nil
}

func (b *fakeBackend) Get(_ context.Context, key string) (*storage.GetResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.getCalls++
	if b.failing {
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
		ETag:        `"fake-etag"`,
	}, nil
}

func (b *fakeBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleteCalls++
	if b.failing {
		return b.failErr
	}
	delete(b.objects, key)
	delete(b.types, key)
	return nil
}

func (b *fakeBackend) UpdateMetadata(_ context.Context, key string, contentType string, _ map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
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

func (b *fakeBackend) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok
}
