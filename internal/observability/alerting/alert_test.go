package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	xerrors "ExtensionHost/internal/errors"
	"ExtensionHost/internal/messages"
)

type captureServer struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (c *captureServer) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func TestSinkFiltersBySeverity(t *testing.T) {
	capture := &captureServer{}
	srv := httptest.NewServer(capture.handler(http.StatusNoContent))
	defer srv.Close()

	sink := NewSink(Config{WebhookURL: srv.URL})
	ctx := context.Background()

	warn := messages.Message{ID: "1", Severity: xerrors.SeverityWarning, Code: "CAPABILITY_DENIED", Text: "denied"}
	if err := sink.Notify(ctx, warn); err != nil {
		t.Fatalf("notify warning: %v", err)
	}
	loop := messages.Message{ID: "2", Severity: xerrors.SeverityError, Code: "DEPENDENCY_LOOP", ExtensionID: "a", Text: "loop"}
	if err := sink.Notify(ctx, loop); err != nil {
		t.Fatalf("notify error: %v", err)
	}

	if len(capture.bodies) != 1 {
		t.Fatalf("expected one webhook call, got %d", len(capture.bodies))
	}
	if got := capture.bodies[0]["code"]; got != "DEPENDENCY_LOOP" {
		t.Fatalf("unexpected payload code %v", got)
	}
	if got := capture.bodies[0]["extension_id"]; got != "a" {
		t.Fatalf("unexpected payload extension %v", got)
	}
}

func TestWebhookFailureIsReported(t *testing.T) {
	srv := httptest.NewServer((&captureServer{}).handler(http.StatusBadGateway))
	defer srv.Close()

	sink := NewSink(Config{SlackURL: srv.URL, MinSeverity: xerrors.SeverityInfo})
	msg := messages.Message{Severity: xerrors.SeverityInfo, Code: "UNKNOWN_EXTENSION", Text: "x"}
	if err := sink.Notify(context.Background(), msg); err == nil {
		t.Fatalf("expected error for non-2xx response")
	}
}

func TestEmptySinkIsNoop(t *testing.T) {
	msg := messages.Message{Severity: xerrors.SeverityCritical}
	if err := NewSink(Config{}).Notify(context.Background(), msg); err != nil {
		t.Fatalf("empty sink should ignore messages, got %v", err)
	}
}
