// Package api provides a lightweight HTTP API for querying remedy state.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/antigravity-dev/remedy/internal/config"
	"github.com/antigravity-dev/remedy/internal/store"
)

// Server is the HTTP API server. All endpoints are read-only.
type Server struct {
	cfg        config.API
	store      *store.Store
	logger     *slog.Logger
	startTime  time.Time
	httpServer *http.Server
	auth       *authMiddleware
}

// NewServer creates a new API server.
func NewServer(cfg config.API, s *store.Store, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		store:     s,
		logger:    logger,
		startTime: time.Now(),
		auth:      newAuthMiddleware(cfg.Token, logger),
	}
}

// Start begins listening on the configured bind address. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", s.auth.requireAuth(s.handleStatus))
	mux.HandleFunc("/sessions", s.auth.requireAuth(s.handleSessions))
	mux.HandleFunc("/sessions/", s.auth.requireAuth(s.handleSessionDetail))
	mux.HandleFunc("/events", s.auth.requireAuth(s.handleEvents))
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:        s.cfg.Bind,
		Handler:     mux,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "bind", s.cfg.Bind)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

type sessionInfo struct {
	ID           int64  `json:"id"`
	RepoRoot     string `json:"repo_root"`
	WorkflowID   string `json:"workflow_id,omitempty"`
	RunID        string `json:"run_id,omitempty"`
	JobName      string `json:"job_name,omitempty"`
	CheckCommand string `json:"check_command"`
	DryRun       bool   `json:"dry_run"`
	StartedAt    string `json:"started_at"`
	FinishedAt   string `json:"finished_at,omitempty"`
	Outcome      string `json:"outcome"`
	AttemptsUsed int    `json:"attempts_used"`
}

func toSessionInfo(sess store.Session) sessionInfo {
	info := sessionInfo{
		ID:           sess.ID,
		RepoRoot:     sess.RepoRoot,
		WorkflowID:   sess.WorkflowID,
		RunID:        sess.RunID,
		JobName:      sess.JobName,
		CheckCommand: sess.CheckCommand,
		DryRun:       sess.DryRun,
		StartedAt:    sess.StartedAt.Format(time.RFC3339),
		Outcome:      sess.Outcome,
		AttemptsUsed: sess.AttemptsUsed,
	}
	if sess.FinishedAt.Valid {
		info.FinishedAt = sess.FinishedAt.Time.Format(time.RFC3339)
	}
	return info
}

// GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	running, err := s.store.RunningSessions()
	if err != nil {
		s.logger.Warn("status: listing running sessions", "error", err)
	}

	counts, err := s.store.OutcomeCounts(24 * time.Hour)
	if err != nil {
		s.logger.Warn("status: outcome counts", "error", err)
		counts = map[string]int{}
	}

	resp := map[string]any{
		"uptime_s":      time.Since(s.startTime).Seconds(),
		"running_count": len(running),
		"outcomes_24h":  counts,
	}
	writeJSON(w, resp)
}

// GET /sessions?limit=N
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	sessions, err := s.store.RecentSessions(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing sessions failed")
		return
	}

	infos := make([]sessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, toSessionInfo(sess))
	}
	writeJSON(w, infos)
}

// GET /sessions/{id}
func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if raw == "" {
		s.handleSessions(w, r)
		return
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "session id must be an integer")
		return
	}

	sess, err := s.store.GetSession(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	attempts, err := s.store.AttemptsForSession(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing attempts failed")
		return
	}

	type attemptInfo struct {
		AttemptNo    int     `json:"attempt_no"`
		StartedAt    string  `json:"started_at"`
		CheckPassed  bool    `json:"check_passed"`
		ExitCode     int     `json:"exit_code"`
		ErrorType    string  `json:"error_type,omitempty"`
		ErrorMessage string  `json:"error_message,omitempty"`
		Confidence   float64 `json:"confidence,omitempty"`
		SuggestedFix string  `json:"suggested_fix,omitempty"`
		FixApplied   bool    `json:"fix_applied"`
		FixError     string  `json:"fix_error,omitempty"`
		CommitSHA    string  `json:"commit_sha,omitempty"`
	}
	attemptInfos := make([]attemptInfo, 0, len(attempts))
	for _, a := range attempts {
		attemptInfos = append(attemptInfos, attemptInfo{
			AttemptNo:    a.AttemptNo,
			StartedAt:    a.StartedAt.Format(time.RFC3339),
			CheckPassed:  a.CheckPassed,
			ExitCode:     a.ExitCode,
			ErrorType:    a.ErrorType,
			ErrorMessage: a.ErrorMessage,
			Confidence:   a.Confidence,
			SuggestedFix: a.SuggestedFix,
			FixApplied:   a.FixApplied,
			FixError:     a.FixError,
			CommitSHA:    a.CommitSHA,
		})
	}

	resp := map[string]any{
		"session":  toSessionInfo(*sess),
		"attempts": attemptInfos,
	}
	writeJSON(w, resp)
}

// GET /events?hours=N
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = n
	}

	events, err := s.store.RecentEvents(hours)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing events failed")
		return
	}

	type eventInfo struct {
		SessionID int64  `json:"session_id,omitempty"`
		EventType string `json:"event_type"`
		Details   string `json:"details,omitempty"`
		CreatedAt string `json:"created_at"`
	}
	infos := make([]eventInfo, 0, len(events))
	for _, e := range events {
		infos = append(infos, eventInfo{
			SessionID: e.SessionID,
			EventType: e.EventType,
			Details:   e.Details,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, infos)
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := true
	if err := s.store.DB().Ping(); err != nil {
		healthy = false
	}

	running, err := s.store.RunningSessions()
	if err != nil {
		healthy = false
	}

	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	writeJSON(w, map[string]any{
		"healthy":          healthy,
		"sessions_running": len(running),
	})
}
