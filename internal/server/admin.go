// -------------------------------------------------------------------------------
// Admin Handlers - Operator Surface
//
// Author: Alex Freidah
//
// Read-only status endpoints plus control actions under /admin. These are
// consumed by dashboards and operators; none of them participate in the
// resilience subsystem's own logic.
// -------------------------------------------------------------------------------

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/munchlab/filevault/internal/metadata"
	"github.com/munchlab/filevault/internal/resilience"
)

// routeAdmin dispatches /admin/... paths.
func (s *Server) routeAdmin(ctx context.Context, w http.ResponseWriter, r *http.Request) (int, error) {
	parts := adminParts(r.URL.Path)
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "NotFound", "Unknown admin path")
		return http.StatusNotFound, fmt.Errorf("empty admin path")
	}

	switch {
	case parts[0] == "status" && len(parts) == 1 && r.Method == http.MethodGet:
		return s.handleStatus(ctx, w)
	case parts[0] == "circuit" && len(parts) == 1 && r.Method == http.MethodGet:
		return s.handleCircuit(ctx, w)
	case parts[0] == "circuit" && len(parts) == 2 && parts[1] == "reset" && r.Method == http.MethodPost:
		return s.handleCircuitReset(ctx, w)
	case parts[0] == "alerts" && len(parts) == 1 && r.Method == http.MethodGet:
		return s.handleListAlerts(ctx, w)
	case parts[0] == "alerts" && len(parts) == 3 && parts[2] == "resolve" && r.Method == http.MethodPost:
		return s.handleResolveAlert(ctx, w, parts[1])
	case parts[0] == "queue" && len(parts) == 1 && r.Method == http.MethodGet:
		return s.handleListQueue(ctx, w, r)
	case parts[0] == "queue" && len(parts) == 2 && r.Method == http.MethodGet:
		return s.handleGetQueueEntry(ctx, w, parts[1])
	case parts[0] == "queue" && len(parts) == 3 && parts[2] == "cancel" && r.Method == http.MethodPost:
		return s.handleCancelQueueEntry(ctx, w, parts[1])
	case parts[0] == "degraded" && len(parts) == 1 && r.Method == http.MethodPost:
		return s.handleForceDegraded(ctx, w, r)
	case parts[0] == "degraded" && len(parts) == 1 && r.Method == http.MethodDelete:
		return s.handleForceExit(ctx, w)
	case parts[0] == "health" && len(parts) == 2 && parts[1] == "check" && r.Method == http.MethodPost:
		return s.handleHealthCheck(ctx, w)
	default:
		writeError(w, http.StatusNotFound, "NotFound", "Unknown admin path")
		return http.StatusNotFound, fmt.Errorf("unknown admin path %s %s", r.Method, r.URL.Path)
	}
}

// statusResponse is the /admin/status envelope.
type statusResponse struct {
	Service           string    `json:"service"`
	Status            string    `json:"status"`
	CircuitState      string    `json:"circuit_state"`
	FailureCount      int       `json:"failure_count"`
	SuccessCount      int       `json:"success_count"`
	DegradationReason string    `json:"degradation_reason,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
	QueueBacklog      int64     `json:"queue_backlog"`
	QueueCapacity     int       `json:"queue_capacity"`
}

func (s *Server) handleStatus(ctx context.Context, w http.ResponseWriter) (int, error) {
	st, err := s.Status.GetServiceStatus(ctx, s.Service)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", "Failed to read service status")
		return http.StatusInternalServerError, err
	}
	backlog, err := s.Queue.Backlog(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", "Failed to read queue backlog")
		return http.StatusInternalServerError, err
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Service:           st.Service,
		Status:            string(st.Status),
		CircuitState:      string(st.CircuitState),
		FailureCount:      st.FailureCount,
		SuccessCount:      st.SuccessCount,
		DegradationReason: st.DegradationReason,
		UpdatedAt:         st.UpdatedAt,
		QueueBacklog:      backlog,
		QueueCapacity:     s.Queue.Capacity(),
	})
	return http.StatusOK, nil
}

func (s *Server) handleCircuit(ctx context.Context, w http.ResponseWriter) (int, error) {
	st, err := s.Status.GetServiceStatus(ctx, s.Service)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", "Failed to read circuit state")
		return http.StatusInternalServerError, err
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service":         st.Service,
		"state":           string(st.CircuitState),
		"failure_count":   st.FailureCount,
		"success_count":   st.SuccessCount,
		"last_success_at": st.LastSuccessAt,
		"last_failure_at": st.LastFailureAt,
	})
	return http.StatusOK, nil
}

func (s *Server) handleCircuitReset(ctx context.Context, w http.ResponseWriter) (int, error) {
	if err := s.Breaker.ForceReset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", "Failed to reset circuit breaker")
		return http.StatusInternalServerError, err
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(s.Breaker.State())})
	return http.StatusOK, nil
}

func (s *Server) handleListAlerts(ctx context.Context, w http.ResponseWriter) (int, error) {
	alerts, err := s.Status.ListActiveAlerts(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", "Failed to list alerts")
		return http.StatusInternalServerError, err
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
	return http.StatusOK, nil
}

func (s *Server) handleResolveAlert(ctx context.Context, w http.ResponseWriter, id string) (int, error) {
	if err := s.Status.ResolveAlert(ctx, id); err != nil {
		writeError(w, http.StatusNotFound, "NotFound", "Alert not found or already resolved")
		return http.StatusNotFound, err
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "resolved"})
	return http.StatusOK, nil
}

func (s *Server) handleListQueue(ctx context.Context, w http.ResponseWriter, r *http.Request) (int, error) {
	status := metadata.QueueStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = metadata.QueuePending
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "Invalid limit")
			return http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw)
		}
		limit = n
	}

	entries, err := s.Queue.List(ctx, status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", "Failed to list queue entries")
		return http.StatusInternalServerError, err
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  string(status),
		"entries": queueEntriesView(entries),
		"count":   len(entries),
	})
	return http.StatusOK, nil
}

func (s *Server) handleGetQueueEntry(ctx context.Context, w http.ResponseWriter, id string) (int, error) {
	entry, err := s.Queue.Get(ctx, id)
	if err != nil {
		if errors.Is(err, metadata.ErrEntryNotFound) {
			writeError(w, http.StatusNotFound, "NotFound", "Queue entry not found")
			return http.StatusNotFound, err
		}
		writeError(w, http.StatusInternalServerError, "InternalError", "Failed to read queue entry")
		return http.StatusInternalServerError, err
	}
	writeJSON(w, http.StatusOK, queueEntryView(entry))
	return http.StatusOK, nil
}

func (s *Server) handleCancelQueueEntry(ctx context.Context, w http.ResponseWriter, id string) (int, error) {
	if err := s.Queue.Cancel(ctx, id); err != nil {
		switch {
		case errors.Is(err, metadata.ErrEntryNotFound):
			writeError(w, http.StatusNotFound, "NotFound", "Queue entry not found")
			return http.StatusNotFound, err
		case errors.Is(err, metadata.ErrEntryNotPending):
			writeError(w, http.StatusConflict, "Conflict", "Only pending entries can be cancelled")
			return http.StatusConflict, err
		default:
			writeError(w, http.StatusInternalServerError, "InternalError", "Failed to cancel queue entry")
			return http.StatusInternalServerError, err
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"operation_id": id, "status": "cancelled"})
	return http.StatusOK, nil
}

func (s *Server) handleForceDegraded(ctx context.Context, w http.ResponseWriter, r *http.Request) (int, error) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "A reason is required")
		return http.StatusBadRequest, fmt.Errorf("missing degradation reason")
	}
	if err := s.Controller.ForceDegraded(ctx, "operator: "+req.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", "Failed to enter degraded mode")
		return http.StatusInternalServerError, err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(s.Controller.State())})
	return http.StatusOK, nil
}

func (s *Server) handleForceExit(ctx context.Context, w http.ResponseWriter) (int, error) {
	if err := s.Controller.ForceExit(ctx); err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			writeError(w, http.StatusConflict, "Conflict", "Circuit breaker is open; reset it before exiting degraded mode")
			return http.StatusConflict, err
		}
		writeError(w, http.StatusInternalServerError, "InternalError", "Failed to exit degraded mode")
		return http.StatusInternalServerError, err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(s.Controller.State())})
	return http.StatusOK, nil
}

func (s *Server) handleHealthCheck(ctx context.Context, w http.ResponseWriter) (int, error) {
	result := s.Monitor.CheckNow(ctx)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           string(result.Status),
		"operation":        result.Operation,
		"response_time_ms": result.ResponseTimeMs,
		"error":            result.ErrorMessage,
		"timestamp":        result.Timestamp,
	})
	return http.StatusOK, nil
}

// queueEntryView hides the raw payload blob, which can carry staged upload
// bytes, from the operator surface.
type entryView struct {
	OperationID  string     `json:"operation_id"`
	Type         string     `json:"type"`
	Priority     int        `json:"priority"`
	Status       string     `json:"status"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	ScheduledAt  time.Time  `json:"scheduled_at"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	PayloadBytes int        `json:"payload_bytes"`
}

func queueEntryView(e *metadata.QueueEntry) entryView {
	return entryView{
		OperationID:  e.OperationID,
		Type:         string(e.Type),
		Priority:     e.Priority,
		Status:       string(e.Status),
		RetryCount:   e.RetryCount,
		MaxRetries:   e.MaxRetries,
		ScheduledAt:  e.ScheduledAt,
		CreatedAt:    e.CreatedAt,
		CompletedAt:  e.CompletedAt,
		ErrorMessage: e.ErrorMessage,
		PayloadBytes: len(e.Payload),
	}
}

func queueEntriesView(entries []metadata.QueueEntry) []entryView {
	views := make([]entryView, 0, len(entries))
	for i := range entries {
		views = append(views, queueEntryView(&entries[i]))
	}
	return views
}
