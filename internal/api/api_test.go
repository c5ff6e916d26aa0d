package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/antigravity-dev/remedy/internal/config"
	"github.com/antigravity-dev/remedy/internal/store"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return NewServer(config.API{Bind: "127.0.0.1:0"}, st, logger)
}

func seedSession(t *testing.T, srv *Server, outcome string) int64 {
	t.Helper()
	id, err := srv.store.BeginSession("/repo", "ci.yml", "42", "lint", "pytest", false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := srv.store.RecordAttempt(id, store.Attempt{
		AttemptNo:    1,
		CheckPassed:  false,
		ExitCode:     1,
		ErrorType:    "import_error",
		ErrorMessage: "app.py:1:1: F401 'os' imported but unused",
		SuggestedFix: "fix_imports",
		FixApplied:   true,
		CommitSHA:    "abc123",
	}); err != nil {
		t.Fatal(err)
	}
	if outcome != "running" {
		if err := srv.store.FinishSession(id, outcome, 1); err != nil {
			t.Fatal(err)
		}
	}
	return id
}

func TestHandleStatus(t *testing.T) {
	srv := setupTestServer(t)
	seedSession(t, srv, "succeeded")

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.handleStatus(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json, got %s", ct)
	}

	var resp map[string]any
	json.NewDecoder(w.Body).Decode(&resp)
	if _, ok := resp["uptime_s"]; !ok {
		t.Fatal("missing uptime_s")
	}
	outcomes, ok := resp["outcomes_24h"].(map[string]any)
	if !ok {
		t.Fatalf("missing outcomes_24h: %v", resp)
	}
	if outcomes["succeeded"] != float64(1) {
		t.Fatalf("expected 1 succeeded session, got %v", outcomes["succeeded"])
	}
}

func TestHandleSessions(t *testing.T) {
	srv := setupTestServer(t)
	seedSession(t, srv, "succeeded")
	seedSession(t, srv, "failed_exhausted")

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	w := httptest.NewRecorder()
	srv.handleSessions(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp []map[string]any
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(resp))
	}
	if resp[0]["check_command"] != "pytest" {
		t.Fatalf("expected check_command pytest, got %v", resp[0]["check_command"])
	}
}

func TestHandleSessionsBadLimit(t *testing.T) {
	srv := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/sessions?limit=banana", nil)
	w := httptest.NewRecorder()
	srv.handleSessions(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleSessionDetail(t *testing.T) {
	srv := setupTestServer(t)
	id := seedSession(t, srv, "succeeded")

	req := httptest.NewRequest(http.MethodGet, "/sessions/1", nil)
	w := httptest.NewRecorder()
	srv.handleSessionDetail(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (session id %d)", w.Code, id)
	}

	var resp struct {
		Session  map[string]any   `json:"session"`
		Attempts []map[string]any `json:"attempts"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Session["outcome"] != "succeeded" {
		t.Fatalf("expected outcome succeeded, got %v", resp.Session["outcome"])
	}
	if len(resp.Attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(resp.Attempts))
	}
	if resp.Attempts[0]["suggested_fix"] != "fix_imports" {
		t.Fatalf("expected fix_imports, got %v", resp.Attempts[0]["suggested_fix"])
	}
	if resp.Attempts[0]["commit_sha"] != "abc123" {
		t.Fatalf("expected commit sha, got %v", resp.Attempts[0]["commit_sha"])
	}

	// Missing session
	req = httptest.NewRequest(http.MethodGet, "/sessions/999", nil)
	w = httptest.NewRecorder()
	srv.handleSessionDetail(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	// Non-numeric id
	req = httptest.NewRequest(http.MethodGet, "/sessions/banana", nil)
	w = httptest.NewRecorder()
	srv.handleSessionDetail(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleEvents(t *testing.T) {
	srv := setupTestServer(t)
	id := seedSession(t, srv, "succeeded")
	if err := srv.store.RecordEvent(id, "fix_failed", "could not parse file"); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	w := httptest.NewRecorder()
	srv.handleEvents(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp []map[string]any
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp) != 1 {
		t.Fatalf("expected 1 event, got %d", len(resp))
	}
	if resp[0]["event_type"] != "fix_failed" {
		t.Fatalf("expected fix_failed, got %v", resp[0]["event_type"])
	}
}

func TestHandleHealth(t *testing.T) {
	srv := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]any
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["healthy"] != true {
		t.Fatal("expected healthy=true")
	}
}

func TestServerStartStop(t *testing.T) {
	srv := setupTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	// Give server a moment to start
	cancel()

	err := <-errCh
	if err != nil {
		t.Fatalf("server error: %v", err)
	}
}
