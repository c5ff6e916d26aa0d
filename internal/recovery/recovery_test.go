package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/antigravity-dev/remedy/internal/check"
	"github.com/antigravity-dev/remedy/internal/classify"
	"github.com/antigravity-dev/remedy/internal/fix"
	"github.com/antigravity-dev/remedy/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeRunner returns scripted results in order, repeating the last one.
type fakeRunner struct {
	results []check.Result
	err     error
	calls   int
}

func (r *fakeRunner) Run(ctx context.Context) (check.Result, error) {
	r.calls++
	if r.err != nil {
		return check.Result{}, r.err
	}
	i := r.calls - 1
	if i >= len(r.results) {
		i = len(r.results) - 1
	}
	return r.results[i], nil
}

func passResult() check.Result {
	return check.Result{Passed: true, ExitCode: 0, Output: "ok", Duration: time.Millisecond}
}

func failResult(output string) check.Result {
	return check.Result{Passed: false, ExitCode: 1, Output: output, Duration: time.Millisecond}
}

// fakeFixer records calls and returns scripted errors in order.
type fakeFixer struct {
	errs     []error
	calls    int
	failures []classify.Failure
}

func (f *fakeFixer) Apply(ctx context.Context, failure classify.Failure, repoRoot string) error {
	f.calls++
	f.failures = append(f.failures, failure)
	if f.calls <= len(f.errs) {
		return f.errs[f.calls-1]
	}
	return nil
}

// fakePublisher records calls and optionally fails.
type fakePublisher struct {
	calls int
	sha   string
	err   error
}

func (p *fakePublisher) PublishFix(ctx context.Context, f classify.Failure) (string, error) {
	p.calls++
	return p.sha, p.err
}

const importFailureLog = "app.py:2:1: F401 'os' imported but unused\n"

func testParams(runner check.Runner, fixer Fixer) Params {
	return Params{
		Runner:     runner,
		Classifier: classify.NewClassifier(classify.DefaultRules()),
		Fixer:      fixer,
		RepoRoot:   "/workspace",
		RunInfo:    classify.RunInfo{WorkflowID: "ci.yml", RunID: "1", JobName: "lint"},
		MaxRetries: 3,
		RetryDelay: 0,
		Logger:     testLogger(),
	}
}

func mustSession(t *testing.T, p Params) *Session {
	t.Helper()
	s, err := NewSession(p)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	return s
}

func TestRunPassesFirstTry(t *testing.T) {
	runner := &fakeRunner{results: []check.Result{passResult()}}
	fixer := &fakeFixer{}
	s := mustSession(t, testParams(runner, fixer))

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Outcome != OutcomeSucceeded {
		t.Errorf("Outcome = %q, want %q", result.Outcome, OutcomeSucceeded)
	}
	if result.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", result.Attempts)
	}
	if result.FixesApplied != 0 {
		t.Errorf("FixesApplied = %d, want 0", result.FixesApplied)
	}
	if fixer.calls != 0 {
		t.Errorf("fixer called %d times, want 0", fixer.calls)
	}
}

func TestRunFixThenPass(t *testing.T) {
	runner := &fakeRunner{results: []check.Result{failResult(importFailureLog), passResult()}}
	fixer := &fakeFixer{}
	publisher := &fakePublisher{sha: "abc123"}

	p := testParams(runner, fixer)
	p.Publisher = publisher
	s := mustSession(t, p)

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Outcome != OutcomeSucceeded {
		t.Errorf("Outcome = %q, want %q", result.Outcome, OutcomeSucceeded)
	}
	if result.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", result.Attempts)
	}
	if result.FixesApplied != 1 {
		t.Errorf("FixesApplied = %d, want 1", result.FixesApplied)
	}
	if fixer.calls != 1 {
		t.Fatalf("fixer called %d times, want 1", fixer.calls)
	}
	if publisher.calls != 1 {
		t.Errorf("publisher called %d times, want 1", publisher.calls)
	}

	applied := fixer.failures[0]
	if applied.Type != classify.ErrorImport {
		t.Errorf("fixer got error type %q, want %q", applied.Type, classify.ErrorImport)
	}
	if applied.SuggestedFix != classify.FixImports {
		t.Errorf("fixer got fix %q, want %q", applied.SuggestedFix, classify.FixImports)
	}
	if applied.WorkflowID != "ci.yml" || applied.JobName != "lint" {
		t.Errorf("run coordinates not propagated: %+v", applied)
	}
}

func TestRunUnanalyzable(t *testing.T) {
	runner := &fakeRunner{results: []check.Result{failResult("Unknown error: something weird happened\n")}}
	fixer := &fakeFixer{}
	s := mustSession(t, testParams(runner, fixer))

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Outcome != OutcomeFailedUnanalyzable {
		t.Errorf("Outcome = %q, want %q", result.Outcome, OutcomeFailedUnanalyzable)
	}
	if result.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", result.Attempts)
	}
	if fixer.calls != 0 {
		t.Errorf("fixer called %d times, want 0 for unanalyzable output", fixer.calls)
	}
	if result.LastFailure != nil {
		t.Errorf("LastFailure = %+v, want nil", result.LastFailure)
	}
}

func TestRunExhaustsRetries(t *testing.T) {
	runner := &fakeRunner{results: []check.Result{failResult(importFailureLog)}}
	fixer := &fakeFixer{}

	p := testParams(runner, fixer)
	p.MaxRetries = 2
	s := mustSession(t, p)

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Outcome != OutcomeFailedExhausted {
		t.Errorf("Outcome = %q, want %q", result.Outcome, OutcomeFailedExhausted)
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3 (initial check plus two retries)", result.Attempts)
	}
	if fixer.calls != 3 {
		t.Errorf("fixer called %d times, want 3", fixer.calls)
	}
	if result.LastFailure == nil || result.LastFailure.Type != classify.ErrorImport {
		t.Errorf("LastFailure = %+v, want the import failure", result.LastFailure)
	}
}

func TestRunZeroRetriesSingleAttempt(t *testing.T) {
	runner := &fakeRunner{results: []check.Result{failResult(importFailureLog)}}
	fixer := &fakeFixer{}

	p := testParams(runner, fixer)
	p.MaxRetries = 0
	s := mustSession(t, p)

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Outcome != OutcomeFailedExhausted {
		t.Errorf("Outcome = %q, want %q", result.Outcome, OutcomeFailedExhausted)
	}
	if result.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", result.Attempts)
	}
	if fixer.calls != 1 {
		t.Errorf("fixer called %d times, want 1 (fix applied even with no retry left)", fixer.calls)
	}
}

func TestRunFixFailureConsumesRetry(t *testing.T) {
	runner := &fakeRunner{results: []check.Result{failResult(importFailureLog)}}
	fixer := &fakeFixer{errs: []error{errors.New("file vanished"), errors.New("file vanished")}}
	publisher := &fakePublisher{}

	p := testParams(runner, fixer)
	p.MaxRetries = 1
	p.Publisher = publisher
	s := mustSession(t, p)

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v (a fix failure must not abort the session)", err)
	}
	if result.Outcome != OutcomeFailedExhausted {
		t.Errorf("Outcome = %q, want %q", result.Outcome, OutcomeFailedExhausted)
	}
	if result.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", result.Attempts)
	}
	if result.FixesApplied != 0 {
		t.Errorf("FixesApplied = %d, want 0", result.FixesApplied)
	}
	// A failed fix may still have mutated the tree, so both attempts
	// publish; a clean tree is the publisher's no-op to make.
	if publisher.calls != 2 {
		t.Errorf("publisher called %d times, want 2", publisher.calls)
	}
}

func TestRunUnknownFixAborts(t *testing.T) {
	runner := &fakeRunner{results: []check.Result{failResult(importFailureLog)}}
	fixer := &fakeFixer{errs: []error{fmt.Errorf("%w: %q", fix.ErrUnknownFix, "bogus")}}
	s := mustSession(t, testParams(runner, fixer))

	result, err := s.Run(context.Background())
	if err == nil {
		t.Fatal("expected an unregistered fix id to abort the session")
	}
	if !errors.Is(err, fix.ErrUnknownFix) {
		t.Fatalf("error = %v, want ErrUnknownFix", err)
	}
	if result.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", result.Attempts)
	}
}

func TestRunRunnerHardErrorAborts(t *testing.T) {
	runner := &fakeRunner{err: errors.New("sh: pytest: command not found")}
	fixer := &fakeFixer{}
	s := mustSession(t, testParams(runner, fixer))

	result, err := s.Run(context.Background())
	if err == nil {
		t.Fatal("expected a check that cannot run to abort the session")
	}
	if result.Outcome != "" {
		t.Errorf("Outcome = %q, want empty on hard error", result.Outcome)
	}
	if fixer.calls != 0 {
		t.Errorf("fixer called %d times, want 0", fixer.calls)
	}
}

func TestRunPublisherFailureNonFatal(t *testing.T) {
	runner := &fakeRunner{results: []check.Result{failResult(importFailureLog), passResult()}}
	fixer := &fakeFixer{}
	publisher := &fakePublisher{err: errors.New("remote hung up")}

	p := testParams(runner, fixer)
	p.Publisher = publisher
	s := mustSession(t, p)

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v (publish failures must not abort)", err)
	}
	if result.Outcome != OutcomeSucceeded {
		t.Errorf("Outcome = %q, want %q", result.Outcome, OutcomeSucceeded)
	}
	if publisher.calls != 1 {
		t.Errorf("publisher called %d times, want 1", publisher.calls)
	}
}

func TestRunDryRunStopsAfterClassify(t *testing.T) {
	runner := &fakeRunner{results: []check.Result{failResult(importFailureLog)}}
	fixer := &fakeFixer{}
	publisher := &fakePublisher{}

	p := testParams(runner, fixer)
	p.DryRun = true
	p.Publisher = publisher
	s := mustSession(t, p)

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Outcome != OutcomeDryRun {
		t.Errorf("Outcome = %q, want %q", result.Outcome, OutcomeDryRun)
	}
	if result.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", result.Attempts)
	}
	if fixer.calls != 0 {
		t.Errorf("fixer called %d times, want 0 in a dry run", fixer.calls)
	}
	if publisher.calls != 0 {
		t.Errorf("publisher called %d times, want 0 in a dry run", publisher.calls)
	}
	if result.LastFailure == nil {
		t.Error("dry run should still report the classified failure")
	}
}

func TestRunDryRunPassingCheck(t *testing.T) {
	runner := &fakeRunner{results: []check.Result{passResult()}}
	fixer := &fakeFixer{}

	p := testParams(runner, fixer)
	p.DryRun = true
	s := mustSession(t, p)

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Outcome != OutcomeSucceeded {
		t.Errorf("Outcome = %q, want %q", result.Outcome, OutcomeSucceeded)
	}
}

func TestRunContextCancelledDuringDelay(t *testing.T) {
	runner := &fakeRunner{results: []check.Result{failResult(importFailureLog)}}
	fixer := &fakeFixer{}

	p := testParams(runner, fixer)
	p.MaxRetries = 5
	p.RetryDelay = 10 * time.Second
	s := mustSession(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := s.Run(ctx)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run took %s, cancellation did not interrupt the delay", elapsed)
	}
}

func TestRunRepairsMissingFileEndToEnd(t *testing.T) {
	root := t.TempDir()
	const failLog = "python: can't open file 'missing.py': [Errno 2] No such file or directory\n"

	runner := &fakeRunner{results: []check.Result{failResult(failLog), passResult()}}
	publisher := &fakePublisher{sha: "abc123"}

	p := testParams(runner, fix.NewDispatcher(nil, testLogger()))
	p.RepoRoot = root
	p.Publisher = publisher
	s := mustSession(t, p)

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Outcome != OutcomeSucceeded {
		t.Errorf("Outcome = %q, want %q", result.Outcome, OutcomeSucceeded)
	}
	if result.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", result.Attempts)
	}
	if result.FixesApplied != 1 {
		t.Errorf("FixesApplied = %d, want 1", result.FixesApplied)
	}
	if publisher.calls != 1 {
		t.Errorf("publisher called %d times, want 1", publisher.calls)
	}

	created, statErr := os.ReadFile(filepath.Join(root, "missing.py"))
	if statErr != nil {
		t.Fatalf("missing.py was not created: %v", statErr)
	}
	if len(created) == 0 {
		t.Error("created missing.py is empty")
	}
}

func TestRunJournalsSessionAndAttempts(t *testing.T) {
	journal, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer journal.Close()

	runner := &fakeRunner{results: []check.Result{failResult(importFailureLog), passResult()}}
	fixer := &fakeFixer{}
	publisher := &fakePublisher{sha: "deadbeef"}

	p := testParams(runner, fixer)
	p.Journal = journal
	p.Publisher = publisher
	p.CheckCommand = "python -m pytest"
	s := mustSession(t, p)

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	sessions, err := journal.RecentSessions(1)
	if err != nil {
		t.Fatalf("RecentSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	sess := sessions[0]
	if sess.Outcome != "succeeded" {
		t.Errorf("journaled outcome = %q, want succeeded", sess.Outcome)
	}
	if sess.AttemptsUsed != 2 {
		t.Errorf("journaled attempts = %d, want 2", sess.AttemptsUsed)
	}
	if sess.CheckCommand != "python -m pytest" {
		t.Errorf("journaled check command = %q", sess.CheckCommand)
	}

	attempts, err := journal.AttemptsForSession(sess.ID)
	if err != nil {
		t.Fatalf("AttemptsForSession: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("got %d attempts, want 2", len(attempts))
	}
	if attempts[0].CheckPassed || !attempts[1].CheckPassed {
		t.Errorf("attempt verdicts wrong: %v, %v", attempts[0].CheckPassed, attempts[1].CheckPassed)
	}
	if attempts[0].SuggestedFix != string(classify.FixImports) {
		t.Errorf("attempt fix = %q, want %q", attempts[0].SuggestedFix, classify.FixImports)
	}
	if attempts[0].CommitSHA != "deadbeef" {
		t.Errorf("attempt commit sha = %q, want deadbeef", attempts[0].CommitSHA)
	}
}

func TestRunJournalsHardError(t *testing.T) {
	journal, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer journal.Close()

	runner := &fakeRunner{err: errors.New("sh: pytest: command not found")}
	p := testParams(runner, &fakeFixer{})
	p.Journal = journal
	s := mustSession(t, p)

	if _, err := s.Run(context.Background()); err == nil {
		t.Fatal("expected a check that cannot run to abort the session")
	}

	sessions, err := journal.RecentSessions(1)
	if err != nil {
		t.Fatalf("RecentSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Outcome != "error" {
		t.Fatalf("journaled sessions = %+v, want one with outcome error", sessions)
	}

	events, err := journal.RecentEvents(1)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	found := false
	for _, e := range events {
		if e.EventType == "session_error" && strings.Contains(e.Details, "command not found") {
			found = true
		}
	}
	if !found {
		t.Errorf("no session_error event recorded, events = %+v", events)
	}
}

func TestNewSessionValidation(t *testing.T) {
	runner := &fakeRunner{results: []check.Result{passResult()}}
	fixer := &fakeFixer{}
	classifier := classify.NewClassifier(classify.DefaultRules())

	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{name: "missing runner", mutate: func(p *Params) { p.Runner = nil }},
		{name: "missing classifier", mutate: func(p *Params) { p.Classifier = nil }},
		{name: "missing fixer", mutate: func(p *Params) { p.Fixer = nil }},
		{name: "missing repo root", mutate: func(p *Params) { p.RepoRoot = "" }},
		{name: "negative retries", mutate: func(p *Params) { p.MaxRetries = -1 }},
		{name: "negative delay", mutate: func(p *Params) { p.RetryDelay = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Params{
				Runner:     runner,
				Classifier: classifier,
				Fixer:      fixer,
				RepoRoot:   "/workspace",
				Logger:     testLogger(),
			}
			tt.mutate(&p)
			if _, err := NewSession(p); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
