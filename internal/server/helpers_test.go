package server

import (
	"encoding/json"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestFileKey(t *testing.T) {
	tests := []struct {
		path string
		key  string
		ok   bool
	}{
		{"/files/report.pdf", "report.pdf", true},
		{"/files/a/b/c.txt", "a/b/c.txt", true},
		{"/files/", "", false},
		{"/other/report.pdf", "", false},
		{"/files", "", false},
	}
	for _, tt := range tests {
		key, ok := fileKey(tt.path)
		if key != tt.key || ok != tt.ok {
			t.Errorf("fileKey(%q) = (%q, %v), want (%q, %v)", tt.path, key, ok, tt.key, tt.ok)
		}
	}
}

func TestAdminParts(t *testing.T) {
	tests := []struct {
		path string
		want []string
	}{
		{"/admin/status", []string{"status"}},
		{"/admin/queue/op-1/cancel", []string{"queue", "op-1", "cancel"}},
		{"/admin/queue/", []string{"queue"}},
		{"/admin", nil},
		{"/admin/", nil},
	}
	for _, tt := range tests {
		if got := adminParts(tt.path); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("adminParts(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestWriteError_Envelope(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, 404, "NoSuchKey", "Object not found")

	if rec.Code != 404 {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q, want application/json", ct)
	}

	var body map[string]errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["error"].Code != "NoSuchKey" {
		t.Errorf("code = %q, want NoSuchKey", body["error"].Code)
	}
}

func TestWriteUnavailable_SetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	writeUnavailable(rec, "down")

	if rec.Code != 503 {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "30" {
		t.Errorf("Retry-After = %q, want 30", rec.Header().Get("Retry-After"))
	}
}
