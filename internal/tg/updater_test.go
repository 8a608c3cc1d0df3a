package tg

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"rpg-stars-bot/internal/logging"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := New(Config{Token: "test-token", BaseURL: srv.URL}, logging.NewLogger("error"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func writeEnvelope(w http.ResponseWriter, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func TestEditMessageFirstAttemptIsImmediate(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeEnvelope(w, map[string]any{"ok": true, "result": true})
	})

	start := time.Now()
	if err := client.EditMessage(context.Background(), 1, 2, "updated"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= editRetryDelay {
		t.Fatalf("successful edit must not wait before the first attempt, took %s", elapsed)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected one request, got %d", n)
	}
}

func TestEditMessageRetriesTransientFailures(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			writeEnvelope(w, map[string]any{"ok": false, "error_code": 500, "description": "internal"})
			return
		}
		writeEnvelope(w, map[string]any{"ok": true, "result": true})
	})

	if err := client.EditMessage(context.Background(), 1, 2, "updated"); err != nil {
		t.Fatalf("edit should succeed on the third attempt: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("expected three requests, got %d", n)
	}
}

func TestEditMessageRateLimitWaitKeepsRetryBudget(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			writeEnvelope(w, map[string]any{
				"ok":         false,
				"error_code": 429,
				"parameters": map[string]any{"retry_after": 0},
			})
			return
		}
		writeEnvelope(w, map[string]any{"ok": false, "error_code": 500, "description": "internal"})
	})

	if err := client.EditMessage(context.Background(), 1, 2, "updated"); err == nil {
		t.Fatal("expected error once the retry budget is exhausted")
	}
	// One rate-limited attempt that does not consume the budget, then the
	// initial attempt plus maxEditRetries retries.
	if n := atomic.LoadInt32(&calls); n != int32(maxEditRetries)+2 {
		t.Fatalf("expected %d requests, got %d", maxEditRetries+2, n)
	}
}
