// -------------------------------------------------------------------------------
// File Handlers - PUT, GET, DELETE, PATCH
//
// Author: Alex Freidah
//
// Handlers for the file surface. Writes go through the degraded-mode
// controller and may run directly against the backend or be deferred to the
// operation queue; a deferred write returns 202 with the operation id so the
// caller can poll its fate. Reads never queue and fail fast when the backend
// is unreachable.
// -------------------------------------------------------------------------------

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/munchlab/filevault/internal/metadata"
	"github.com/munchlab/filevault/internal/resilience"
	"github.com/munchlab/filevault/internal/storage"
	"github.com/munchlab/filevault/internal/telemetry"
)

// operationID returns the caller-supplied idempotency key, or mints one.
func operationID(r *http.Request) string {
	if id := r.Header.Get("X-Operation-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

// priority parses the optional X-Priority header (1=highest .. 10=lowest).
// Zero means "use the configured default".
func priority(r *http.Request) (int, error) {
	raw := r.Header.Get("X-Priority")
	if raw == "" {
		return 0, nil
	}
	p, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid X-Priority %q", raw)
	}
	return p, nil
}

// handlePut processes uploads. The body is buffered so a deferred upload can
// stage its bytes in the queue; MaxObjectSize bounds the buffer.
func (s *Server) handlePut(ctx context.Context, w http.ResponseWriter, r *http.Request, key string) (int, error) {
	if r.ContentLength < 0 {
		writeError(w, http.StatusLengthRequired, "MissingContentLength", "Content-Length header is required")
		return http.StatusLengthRequired, fmt.Errorf("missing Content-Length")
	}
	if s.MaxObjectSize > 0 && r.ContentLength > s.MaxObjectSize {
		writeError(w, http.StatusRequestEntityTooLarge, "EntityTooLarge", "Object exceeds maximum size")
		return http.StatusRequestEntityTooLarge, fmt.Errorf("object size %d exceeds limit", r.ContentLength)
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.MaxObjectSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "Failed to read request body")
		return http.StatusBadRequest, fmt.Errorf("failed to read body: %w", err)
	}

	prio, err := priority(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return http.StatusBadRequest, err
	}

	opID := operationID(r)
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		telemetry.AttrObjectKey.String(key),
		telemetry.AttrContentType.String(contentType),
		telemetry.AttrObjectSize.Int64(int64(len(body))),
		telemetry.AttrOperationID.String(opID),
		telemetry.AttrQueuePriority.Int(prio),
	)

	payload, err := resilience.EncodePayload(&resilience.OperationPayload{
		Key:         key,
		ContentType: contentType,
		Data:        body,
		Size:        int64(len(body)),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", "Failed to stage upload")
		return http.StatusInternalServerError, err
	}

	var etag string
	disposition, err := s.Controller.AcceptWrite(ctx, &metadata.QueueEntry{
		OperationID: opID,
		Type:        metadata.OpUpload,
		Payload:     payload,
		Priority:    prio,
	}, func(ctx context.Context) error {
		var perr error
		etag, perr = s.Backend.Put(ctx, key, bytes.NewReader(body), int64(len(body)), contentType)
		return perr
	})
	return s.writeDisposition(w, disposition, err, opID, func() {
		if etag != "" {
			w.Header().Set("ETag", etag)
		}
		writeJSON(w, http.StatusOK, map[string]string{"key": key, "status": "stored"})
	})
}

// handleGet streams an object. Reads are never deferred.
func (s *Server) handleGet(ctx context.Context, w http.ResponseWriter, r *http.Request, key string) (int, error) {
	var res *storage.GetResult
	err := s.Controller.AcceptRead(ctx, func(ctx context.Context) error {
		var gerr error
		res, gerr = s.Backend.Get(ctx, key)
		return gerr
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrObjectNotFound):
			writeError(w, http.StatusNotFound, "NoSuchKey", "Object not found")
			return http.StatusNotFound, err
		case errors.Is(err, resilience.ErrTemporarilyUnavailable):
			writeUnavailable(w, "Object store temporarily unavailable")
			return http.StatusServiceUnavailable, err
		default:
			writeError(w, http.StatusBadGateway, "InternalError", "Failed to retrieve object")
			return http.StatusBadGateway, err
		}
	}
	defer res.Body.Close()

	w.Header().Set("Content-Type", res.ContentType)
	if res.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(res.Size, 10))
	}
	if res.ETag != "" {
		w.Header().Set("ETag", res.ETag)
	}
	if _, cerr := io.Copy(w, res.Body); cerr != nil {
		return http.StatusOK, fmt.Errorf("error streaming body: %w", cerr)
	}
	return http.StatusOK, nil
}

// handleDelete removes an object, deferring when the backend is down.
func (s *Server) handleDelete(ctx context.Context, w http.ResponseWriter, r *http.Request, key string) (int, error) {
	opID := operationID(r)
	trace.SpanFromContext(ctx).SetAttributes(
		telemetry.AttrObjectKey.String(key),
		telemetry.AttrOperationID.String(opID),
	)
	payload, err := resilience.EncodePayload(&resilience.OperationPayload{Key: key})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", "Failed to stage delete")
		return http.StatusInternalServerError, err
	}

	disposition, err := s.Controller.AcceptWrite(ctx, &metadata.QueueEntry{
		OperationID: opID,
		Type:        metadata.OpDelete,
		Payload:     payload,
	}, func(ctx context.Context) error {
		return s.Backend.Delete(ctx, key)
	})
	if errors.Is(err, storage.ErrObjectNotFound) {
		writeError(w, http.StatusNotFound, "NoSuchKey", "Object not found")
		return http.StatusNotFound, err
	}
	return s.writeDisposition(w, disposition, err, opID, func() {
		w.WriteHeader(http.StatusNoContent)
	})
}

// metadataUpdateRequest is the PATCH body.
type metadataUpdateRequest struct {
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// handleUpdateMetadata rewrites an object's content type and user metadata.
func (s *Server) handleUpdateMetadata(ctx context.Context, w http.ResponseWriter, r *http.Request, key string) (int, error) {
	var req metadataUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "Invalid JSON body")
		return http.StatusBadRequest, fmt.Errorf("invalid metadata body: %w", err)
	}
	if req.ContentType == "" && len(req.Metadata) == 0 {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "Nothing to update")
		return http.StatusBadRequest, fmt.Errorf("empty metadata update")
	}

	opID := operationID(r)
	trace.SpanFromContext(ctx).SetAttributes(
		telemetry.AttrObjectKey.String(key),
		telemetry.AttrOperationID.String(opID),
	)
	payload, err := resilience.EncodePayload(&resilience.OperationPayload{
		Key:         key,
		ContentType: req.ContentType,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", "Failed to stage update")
		return http.StatusInternalServerError, err
	}

	disposition, err := s.Controller.AcceptWrite(ctx, &metadata.QueueEntry{
		OperationID: opID,
		Type:        metadata.OpMetadataUpdate,
		Payload:     payload,
	}, func(ctx context.Context) error {
		return s.Backend.UpdateMetadata(ctx, key, req.ContentType, req.Metadata)
	})
	if errors.Is(err, storage.ErrObjectNotFound) {
		writeError(w, http.StatusNotFound, "NoSuchKey", "Object not found")
		return http.StatusNotFound, err
	}
	return s.writeDisposition(w, disposition, err, opID, func() {
		writeJSON(w, http.StatusOK, map[string]string{"key": key, "status": "updated"})
	})
}

// writeDisposition translates a controller verdict into the HTTP response.
// onDirect renders the success response for a write that ran immediately.
func (s *Server) writeDisposition(w http.ResponseWriter, d resilience.Disposition, err error, opID string, onDirect func()) (int, error) {
	switch {
	case err == nil && d == resilience.DispositionDirect:
		onDirect()
		return http.StatusOK, nil

	case err == nil && d == resilience.DispositionDeferred:
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":       "queued",
			"operation_id": opID,
		})
		return http.StatusAccepted, nil

	case errors.Is(err, resilience.ErrServiceOffline):
		writeUnavailable(w, "Service offline, retry later")
		return http.StatusServiceUnavailable, err

	default:
		writeError(w, http.StatusBadGateway, "InternalError", "Operation failed")
		return http.StatusBadGateway, err
	}
}
