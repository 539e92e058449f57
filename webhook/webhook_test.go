package webhook

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type captured struct {
	body      []byte
	signature string
	userAgent string
	contentTy string
}

func captureServer(t *testing.T, status int) (*httptest.Server, *captured) {
	t.Helper()
	var mu sync.Mutex
	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got.body = body
		got.signature = r.Header.Get("X-Glean-Signature")
		got.userAgent = r.Header.Get("User-Agent")
		got.contentTy = r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestDeliver_SignsPayload(t *testing.T) {
	srv, got := captureServer(t, http.StatusOK)

	event := &Event{
		Type:      EventJobCompleted,
		JobID:     "job-1",
		Timestamp: 1700000000,
		Data:      map[string]any{"fields": 3},
	}
	if err := Deliver(context.Background(), srv.URL, "s3cret", event); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}

	want := "sha256=" + Sign("s3cret", got.body)
	if !hmac.Equal([]byte(got.signature), []byte(want)) {
		t.Errorf("signature = %q, want %q", got.signature, want)
	}
	if got.userAgent != "Glean-Webhook/1.0" {
		t.Errorf("user agent = %q", got.userAgent)
	}
	if got.contentTy != "application/json" {
		t.Errorf("content type = %q", got.contentTy)
	}

	var decoded Event
	if err := json.Unmarshal(got.body, &decoded); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if decoded.Type != EventJobCompleted || decoded.JobID != "job-1" {
		t.Errorf("payload = %+v", decoded)
	}
}

func TestDeliver_NoSecretNoSignature(t *testing.T) {
	srv, got := captureServer(t, http.StatusOK)

	err := Deliver(context.Background(), srv.URL, "", &Event{Type: EventJobFailed, JobID: "job-2"})
	if err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if got.signature != "" {
		t.Errorf("unexpected signature header %q without a secret", got.signature)
	}
}

func TestDeliver_ErrorStatusFails(t *testing.T) {
	srv, _ := captureServer(t, http.StatusInternalServerError)

	err := Deliver(context.Background(), srv.URL, "s3cret", &Event{Type: EventJobFailed, JobID: "job-3"})
	if err == nil {
		t.Fatal("expected an error for a 500 response")
	}
}

func TestDeliver_UnreachableEndpointFails(t *testing.T) {
	err := Deliver(context.Background(), "http://127.0.0.1:1", "s3cret", &Event{Type: EventJobCancelled})
	if err == nil {
		t.Fatal("expected an error for an unreachable endpoint")
	}
}

func TestSign_Deterministic(t *testing.T) {
	body := []byte(`{"type":"job.completed"}`)
	a := Sign("secret", body)
	b := Sign("secret", body)
	if a != b {
		t.Error("same secret and body must sign identically")
	}
	if a == Sign("other", body) {
		t.Error("different secrets must sign differently")
	}
	if len(a) != 64 {
		t.Errorf("signature length = %d, want 64 hex chars", len(a))
	}
}
