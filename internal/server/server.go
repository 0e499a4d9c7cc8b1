// -------------------------------------------------------------------------------
// HTTP Server - Request Routing
//
// Author: Alex Freidah
//
// HTTP server and request router for the file surface and the operator
// surface. /files/{key} carries uploads, downloads, deletes, and metadata
// updates through the degraded-mode controller; /admin exposes service
// status, circuit breaker control, alerts, and queue inspection.
// -------------------------------------------------------------------------------

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/munchlab/filevault/internal/resilience"
	"github.com/munchlab/filevault/internal/storage"
	"github.com/munchlab/filevault/internal/telemetry"
)

// -------------------------------------------------------------------------
// SERVER
// -------------------------------------------------------------------------

// Server handles HTTP requests for the file and operator surfaces.
type Server struct {
	Service       string
	Backend       storage.ObjectStore
	Controller    *resilience.DegradedModeController
	Breaker       *resilience.CircuitBreaker
	Queue         *resilience.OperationQueue
	Monitor       *resilience.HealthMonitor
	Status        resilience.StateStore
	MaxObjectSize int64 // max upload body size in bytes
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	method := r.Method

	ctx, span := telemetry.StartSpan(r.Context(), fmt.Sprintf("HTTP %s", method),
		telemetry.RequestAttributes(method, r.URL.Path, "", r.RemoteAddr)...,
	)
	defer span.End()

	var status int
	var err error

	switch {
	case strings.HasPrefix(r.URL.Path, "/files/"):
		status, err = s.routeFiles(ctx, w, r)
	case r.URL.Path == "/admin" || strings.HasPrefix(r.URL.Path, "/admin/"):
		status, err = s.routeAdmin(ctx, w, r)
	default:
		writeError(w, http.StatusNotFound, "NotFound", "Unknown path")
		status = http.StatusNotFound
	}

	s.recordRequest(method, status, start)

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}
	span.SetAttributes(
		attribute.Int("http.status_code", status),
		telemetry.AttrServiceState.String(string(s.Controller.State())),
	)

	elapsed := time.Since(start)
	logAttrs := []any{"method", method, "path", r.URL.Path, "remote", r.RemoteAddr, "status", status, "duration", elapsed}
	if err != nil && status >= 500 {
		slog.Error("Request failed", append(logAttrs, "error", err)...)
	} else if err != nil {
		slog.Warn("Request rejected", append(logAttrs, "error", err)...)
	} else {
		slog.Info("Request completed", logAttrs...)
	}
}

// routeFiles dispatches /files/{key...} by method.
func (s *Server) routeFiles(ctx context.Context, w http.ResponseWriter, r *http.Request) (int, error) {
	key, ok := fileKey(r.URL.Path)
	if !ok {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "Object key is required")
		return http.StatusBadRequest, fmt.Errorf("missing object key")
	}

	switch r.Method {
	case http.MethodPut:
		return s.handlePut(ctx, w, r, key)
	case http.MethodGet:
		return s.handleGet(ctx, w, r, key)
	case http.MethodDelete:
		return s.handleDelete(ctx, w, r, key)
	case http.MethodPatch:
		return s.handleUpdateMetadata(ctx, w, r, key)
	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "Method not supported")
		return http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method)
	}
}

// recordRequest updates Prometheus metrics for a completed request.
func (s *Server) recordRequest(method string, status int, start time.Time) {
	telemetry.RequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	telemetry.RequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}
