package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"rpg-stars-bot/internal/logging"
	"rpg-stars-bot/internal/metrics"
	"rpg-stars-bot/internal/repo"
)

func newTestServer(t *testing.T) (*Server, *repo.MemoryStore) {
	t.Helper()
	store := repo.NewMemory()
	srv := New(":0", logging.NewLogger("error"), metrics.Registry("test"))
	srv.SetDependencies(Dependencies{Store: store})
	return srv, store
}

func (s *Server) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := srv.serve(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := srv.serve(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAdminBalance(t *testing.T) {
	srv, store := newTestServer(t)
	if err := store.CreateUserIfAbsent(context.Background(), 42, 7); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	rec := srv.serve(httptest.NewRequest(http.MethodGet, "/admin/balance?user_id=42", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		UserID  int64 `json:"user_id"`
		Balance int64 `json:"balance"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.UserID != 42 || body.Balance != 7 {
		t.Fatalf("expected user 42 with balance 7, got %+v", body)
	}
}

func TestAdminBalanceUnknownUser(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := srv.serve(httptest.NewRequest(http.MethodGet, "/admin/balance?user_id=404", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing account must yield 404, got %d", rec.Code)
	}
}

func TestAdminBalanceBadUserID(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := srv.serve(httptest.NewRequest(http.MethodGet, "/admin/balance?user_id=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed user_id must yield 400, got %d", rec.Code)
	}
}
