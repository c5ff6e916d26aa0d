// Package store provides SQLite-backed persistence for remediation history.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store journals remediation sessions, per-iteration attempts, and loose
// operational events.
type Store struct {
	db *sql.DB
}

// Session is one full run of the recovery loop against a repository.
type Session struct {
	ID           int64
	RepoRoot     string
	WorkflowID   string
	RunID        string
	JobName      string
	CheckCommand string
	DryRun       bool
	StartedAt    time.Time
	FinishedAt   sql.NullTime
	Outcome      string // running, succeeded, failed_unanalyzable, failed_exhausted, error, interrupted
	AttemptsUsed int
}

// Attempt is one check-classify-fix iteration inside a session.
type Attempt struct {
	ID           int64
	SessionID    int64
	AttemptNo    int
	StartedAt    time.Time
	CheckPassed  bool
	ExitCode     int
	ErrorType    string
	ErrorMessage string
	Confidence   float64
	SuggestedFix string
	FixApplied   bool
	FixError     string
	CommitSHA    string
	LogTail      string
}

// Event is a loose operational record correlated to a session.
type Event struct {
	ID        int64
	SessionID int64
	EventType string
	Details   string
	CreatedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repo_root TEXT NOT NULL,
	workflow_id TEXT NOT NULL DEFAULT '',
	run_id TEXT NOT NULL DEFAULT '',
	job_name TEXT NOT NULL DEFAULT '',
	check_command TEXT NOT NULL DEFAULT '',
	dry_run BOOLEAN NOT NULL DEFAULT 0,
	started_at DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at DATETIME,
	outcome TEXT NOT NULL DEFAULT 'running',
	attempts_used INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id),
	attempt_no INTEGER NOT NULL,
	started_at DATETIME NOT NULL DEFAULT (datetime('now')),
	check_passed BOOLEAN NOT NULL DEFAULT 0,
	exit_code INTEGER NOT NULL DEFAULT 0,
	error_type TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0,
	suggested_fix TEXT NOT NULL DEFAULT '',
	fix_applied BOOLEAN NOT NULL DEFAULT 0,
	fix_error TEXT NOT NULL DEFAULT '',
	commit_sha TEXT NOT NULL DEFAULT '',
	log_tail TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL DEFAULT 0,
	event_type TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_sessions_outcome ON sessions(outcome);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
CREATE INDEX IF NOT EXISTS idx_attempts_session ON attempts(session_id);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
`

// Open creates or opens a SQLite database at the given path and ensures the
// schema exists.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// migrate applies incremental schema migrations for existing databases.
func migrate(db *sql.DB) error {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('attempts') WHERE name = 'commit_sha'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("check commit_sha column: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`ALTER TABLE attempts ADD COLUMN commit_sha TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("add commit_sha column: %w", err)
		}
	}

	err = db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('attempts') WHERE name = 'log_tail'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("check log_tail column: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`ALTER TABLE attempts ADD COLUMN log_tail TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("add log_tail column: %w", err)
		}
	}

	err = db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('sessions') WHERE name = 'dry_run'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("check dry_run column: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`ALTER TABLE sessions ADD COLUMN dry_run BOOLEAN NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("add dry_run column: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// BeginSession inserts a new session row in the running state and returns
// its ID.
func (s *Store) BeginSession(repoRoot, workflowID, runID, jobName, checkCommand string, dryRun bool) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO sessions (repo_root, workflow_id, run_id, job_name, check_command, dry_run) VALUES (?, ?, ?, ?, ?, ?)`,
		repoRoot, workflowID, runID, jobName, checkCommand, dryRun,
	)
	if err != nil {
		return 0, fmt.Errorf("store: begin session: %w", err)
	}
	return res.LastInsertId()
}

// FinishSession records the terminal outcome of a session.
func (s *Store) FinishSession(id int64, outcome string, attemptsUsed int) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET outcome = ?, attempts_used = ?, finished_at = datetime('now') WHERE id = ?`,
		outcome, attemptsUsed, id,
	)
	if err != nil {
		return fmt.Errorf("store: finish session: %w", err)
	}
	return nil
}

// RecordAttempt inserts one completed loop iteration and returns its ID.
// The log tail is bounded to the last 100 lines.
func (s *Store) RecordAttempt(sessionID int64, a Attempt) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO attempts (session_id, attempt_no, check_passed, exit_code, error_type, error_message, confidence, suggested_fix, fix_applied, fix_error, commit_sha, log_tail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, a.AttemptNo, a.CheckPassed, a.ExitCode, a.ErrorType, a.ErrorMessage,
		a.Confidence, a.SuggestedFix, a.FixApplied, a.FixError, a.CommitSHA, extractTail(a.LogTail, 100),
	)
	if err != nil {
		return 0, fmt.Errorf("store: record attempt: %w", err)
	}
	return res.LastInsertId()
}

// RecordEvent records an operational event, optionally tied to a session.
func (s *Store) RecordEvent(sessionID int64, eventType, details string) error {
	if sessionID < 0 {
		sessionID = 0
	}
	_, err := s.db.Exec(
		`INSERT INTO events (session_id, event_type, details) VALUES (?, ?, ?)`,
		sessionID, eventType, details,
	)
	if err != nil {
		return fmt.Errorf("store: record event: %w", err)
	}
	return nil
}

const sessionCols = `id, repo_root, workflow_id, run_id, job_name, check_command, dry_run, started_at, finished_at, outcome, attempts_used`

// GetSession returns a session by ID.
func (s *Store) GetSession(id int64) (*Session, error) {
	sessions, err := s.querySessions(`SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("store: session not found: %d", id)
	}
	return &sessions[0], nil
}

// RecentSessions returns the most recent sessions, newest first.
func (s *Store) RecentSessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.querySessions(`SELECT `+sessionCols+` FROM sessions ORDER BY id DESC LIMIT ?`, limit)
}

// RunningSessions returns sessions that have not reached a terminal outcome.
func (s *Store) RunningSessions() ([]Session, error) {
	return s.querySessions(`SELECT ` + sessionCols + ` FROM sessions WHERE outcome = 'running' ORDER BY id ASC`)
}

// InterruptRunningSessions marks all running sessions as interrupted.
// Called on startup so a crash does not leave phantom running rows.
func (s *Store) InterruptRunningSessions() (int, error) {
	res, err := s.db.Exec(
		`UPDATE sessions SET outcome = 'interrupted', finished_at = datetime('now') WHERE outcome = 'running'`,
	)
	if err != nil {
		return 0, fmt.Errorf("store: interrupt running sessions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: get rows affected: %w", err)
	}
	return int(affected), nil
}

// AttemptsForSession returns a session's attempts in order.
func (s *Store) AttemptsForSession(sessionID int64) ([]Attempt, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, attempt_no, started_at, check_passed, exit_code, error_type, error_message, confidence, suggested_fix, fix_applied, fix_error, commit_sha, log_tail
		 FROM attempts WHERE session_id = ? ORDER BY attempt_no ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(
			&a.ID, &a.SessionID, &a.AttemptNo, &a.StartedAt, &a.CheckPassed, &a.ExitCode,
			&a.ErrorType, &a.ErrorMessage, &a.Confidence, &a.SuggestedFix,
			&a.FixApplied, &a.FixError, &a.CommitSHA, &a.LogTail,
		); err != nil {
			return nil, fmt.Errorf("store: scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// OutcomeCounts returns session counts grouped by outcome within the window.
func (s *Store) OutcomeCounts(window time.Duration) (map[string]int, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	cutoff := time.Now().Add(-window).UTC().Format(time.DateTime)

	rows, err := s.db.Query(
		`SELECT outcome, COUNT(*) FROM sessions WHERE started_at >= ? GROUP BY outcome`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query outcome counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, fmt.Errorf("store: scan outcome count: %w", err)
		}
		counts[outcome] = count
	}
	return counts, rows.Err()
}

// RecentEvents returns events from the last N hours, newest first.
func (s *Store) RecentEvents(hours int) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, event_type, details, created_at FROM events WHERE created_at >= datetime('now', ? || ' hours') ORDER BY created_at DESC`,
		fmt.Sprintf("-%d", hours),
	)
	if err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EventType, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) querySessions(query string, args ...any) ([]Session, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(
			&sess.ID, &sess.RepoRoot, &sess.WorkflowID, &sess.RunID, &sess.JobName,
			&sess.CheckCommand, &sess.DryRun, &sess.StartedAt, &sess.FinishedAt,
			&sess.Outcome, &sess.AttemptsUsed,
		); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// extractTail returns the last N lines from text.
func extractTail(text string, lines int) string {
	if text == "" {
		return ""
	}

	allLines := strings.Split(text, "\n")
	if len(allLines) <= lines {
		return text
	}
	return strings.Join(allLines[len(allLines)-lines:], "\n")
}
