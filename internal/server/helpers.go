// -------------------------------------------------------------------------------
// Helpers - Path Parsing and JSON Responses
//
// Author: Alex Freidah
//
// Utility functions for the server package. Handles URL path parsing for the
// /files/ and /admin/ surfaces and JSON response/error formatting.
// -------------------------------------------------------------------------------

package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// fileKey extracts the object key from a /files/{key...} path. The key may
// contain slashes.
func fileKey(path string) (string, bool) {
	key := strings.TrimPrefix(path, "/files/")
	if key == path || key == "" {
		return "", false
	}
	return key, true
}

// adminParts splits an /admin/... path into its segments.
// "/admin/queue/abc" yields ["queue", "abc"].
func adminParts(path string) []string {
	trimmed := strings.TrimPrefix(strings.TrimSuffix(path, "/"), "/admin")
	trimmed = strings.TrimPrefix(trimmed, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError sends a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

// writeUnavailable sends the retryable 503 used when the service is offline
// or the backend is temporarily unreachable.
func writeUnavailable(w http.ResponseWriter, message string) {
	w.Header().Set("Retry-After", "30")
	writeError(w, http.StatusServiceUnavailable, "ServiceUnavailable", message)
}
