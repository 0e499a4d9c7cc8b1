package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/munchlab/filevault/internal/metadata"
)

func TestAdminStatus(t *testing.T) {
	f := newFixture(t, 100)

	req := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var body statusResponse
	doJSON(t, rec, &body)
	if body.Service != testService {
		t.Errorf("service = %q, want %q", body.Service, testService)
	}
	if body.Status != string(metadata.StateHealthy) {
		t.Errorf("status = %q, want healthy", body.Status)
	}
	if body.QueueCapacity != 100 {
		t.Errorf("queue capacity = %d, want 100", body.QueueCapacity)
	}
}

func TestAdminCircuit(t *testing.T) {
	f := newFixture(t, 100)

	req := httptest.NewRequest(http.MethodGet, "/admin/circuit", nil)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	doJSON(t, rec, &body)
	if body["state"] != string(metadata.CircuitClosed) {
		t.Errorf("state = %v, want closed", body["state"])
	}
}

func TestAdminCircuitReset(t *testing.T) {
	f := newFixture(t, 100)
	f.backend.fail(errors.New("connection refused"))

	// Open the breaker via a failed write.
	put := httptest.NewRequest(http.MethodPut, "/files/a.txt", strings.NewReader("x"))
	f.srv.ServeHTTP(httptest.NewRecorder(), put)
	if got := f.srv.Breaker.State(); got != metadata.CircuitOpen {
		t.Fatalf("breaker state = %s, want open", got)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/circuit/reset", nil)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if got := f.srv.Breaker.State(); got != metadata.CircuitClosed {
		t.Errorf("breaker state = %s, want closed after reset", got)
	}
}

func TestAdminAlerts_ListAndResolve(t *testing.T) {
	f := newFixture(t, 100)
	if err := f.store.CreateAlert(context.Background(), &metadata.Alert{
		ID:       "alert-1",
		Service:  testService,
		Type:     metadata.AlertSlowResponse,
		Severity: metadata.SeverityLow,
		Message:  "probe latency above threshold",
	}); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/alerts", nil)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)

	var list struct {
		Count int `json:"count"`
	}
	doJSON(t, rec, &list)
	if list.Count != 1 {
		t.Fatalf("active alerts = %d, want 1", list.Count)
	}

	resolve := httptest.NewRequest(http.MethodPost, "/admin/alerts/alert-1/resolve", nil)
	rec = httptest.NewRecorder()
	f.srv.ServeHTTP(rec, resolve)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve status = %d, want 200", rec.Code)
	}

	// Resolving again is a 404.
	rec = httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/alerts/alert-1/resolve", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("second resolve status = %d, want 404", rec.Code)
	}
}

func TestAdminQueue_ListAndInspect(t *testing.T) {
	f := newFixture(t, 100)
	f.backend.fail(errors.New("connection refused"))

	put := httptest.NewRequest(http.MethodPut, "/files/a.txt", strings.NewReader("staged-bytes"))
	put.Header.Set("X-Operation-Id", "op-1")
	f.srv.ServeHTTP(httptest.NewRecorder(), put)

	req := httptest.NewRequest(http.MethodGet, "/admin/queue?status=pending", nil)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)

	var list struct {
		Count   int         `json:"count"`
		Entries []entryView `json:"entries"`
	}
	doJSON(t, rec, &list)
	if list.Count != 1 || list.Entries[0].OperationID != "op-1" {
		t.Fatalf("unexpected list: %+v", list)
	}

	rec = httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/queue/op-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get entry status = %d, want 200", rec.Code)
	}
	var view entryView
	doJSON(t, rec, &view)
	if view.PayloadBytes == 0 {
		t.Error("payload_bytes should report the staged payload size")
	}
	// The raw payload must not leak to the operator surface.
	if strings.Contains(rec.Body.String(), "staged-bytes") {
		t.Error("response leaked raw payload contents")
	}
}

func TestAdminQueue_InvalidLimit(t *testing.T) {
	f := newFixture(t, 100)

	req := httptest.NewRequest(http.MethodGet, "/admin/queue?limit=zero", nil)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAdminQueue_Cancel(t *testing.T) {
	f := newFixture(t, 100)
	f.backend.fail(errors.New("connection refused"))

	put := httptest.NewRequest(http.MethodPut, "/files/a.txt", strings.NewReader("x"))
	put.Header.Set("X-Operation-Id", "op-1")
	f.srv.ServeHTTP(httptest.NewRecorder(), put)

	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/queue/op-1/cancel", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	entry, _ := f.store.GetEntry(context.Background(), "op-1")
	if entry.Status != metadata.QueueCancelled {
		t.Errorf("entry status = %s, want cancelled", entry.Status)
	}
}

func TestAdminQueue_CancelNonPendingConflicts(t *testing.T) {
	f := newFixture(t, 100)
	f.backend.fail(errors.New("connection refused"))

	put := httptest.NewRequest(http.MethodPut, "/files/a.txt", strings.NewReader("x"))
	put.Header.Set("X-Operation-Id", "op-1")
	f.srv.ServeHTTP(httptest.NewRecorder(), put)
	f.store.setEntryStatus("op-1", metadata.QueueProcessing)

	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/queue/op-1/cancel", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestAdminQueue_EntryNotFound(t *testing.T) {
	f := newFixture(t, 100)

	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/queue/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestAdminForceDegraded(t *testing.T) {
	f := newFixture(t, 100)

	body := strings.NewReader(`{"reason":"planned maintenance"}`)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/degraded", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	st, _ := f.store.GetServiceStatus(context.Background(), testService)
	if st.Status != metadata.StateDegraded {
		t.Errorf("service status = %s, want degraded", st.Status)
	}
	if !strings.Contains(st.DegradationReason, "planned maintenance") {
		t.Errorf("reason = %q, want it to carry the operator note", st.DegradationReason)
	}

	// Writes now defer instead of touching the backend.
	put := httptest.NewRequest(http.MethodPut, "/files/a.txt", strings.NewReader("x"))
	putRec := httptest.NewRecorder()
	f.srv.ServeHTTP(putRec, put)
	if putRec.Code != http.StatusAccepted {
		t.Errorf("put status = %d, want 202 while degraded", putRec.Code)
	}

	// Exit restores direct writes.
	rec = httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/admin/degraded", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("exit status = %d, want 200", rec.Code)
	}
	st, _ = f.store.GetServiceStatus(context.Background(), testService)
	if st.Status != metadata.StateHealthy {
		t.Errorf("service status = %s, want healthy after exit", st.Status)
	}
}

func TestAdminForceExit_ConflictsWhileCircuitOpen(t *testing.T) {
	f := newFixture(t, 100)
	f.backend.fail(errors.New("connection refused"))

	// Trip the breaker; the service degrades with the circuit open.
	put := httptest.NewRequest(http.MethodPut, "/files/a.txt", strings.NewReader("x"))
	f.srv.ServeHTTP(httptest.NewRecorder(), put)
	if got := f.srv.Breaker.State(); got != metadata.CircuitOpen {
		t.Fatalf("breaker state = %s, want open", got)
	}

	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/admin/degraded", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
	st, _ := f.store.GetServiceStatus(context.Background(), testService)
	if st.Status != metadata.StateDegraded {
		t.Errorf("service status = %s, must stay degraded while the circuit is open", st.Status)
	}

	// Resetting the breaker unblocks the exit.
	f.srv.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/admin/circuit/reset", nil))
	rec = httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/admin/degraded", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("exit after reset status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestAdminForceDegraded_RequiresReason(t *testing.T) {
	f := newFixture(t, 100)

	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/degraded", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAdminHealthCheck(t *testing.T) {
	f := newFixture(t, 100)

	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/health/check", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	doJSON(t, rec, &body)
	if body["status"] != string(metadata.HealthHealthy) {
		t.Errorf("probe status = %v, want healthy", body["status"])
	}
}

func TestAdminUnknownPath(t *testing.T) {
	f := newFixture(t, 100)

	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
