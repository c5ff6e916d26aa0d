// Package recovery drives the check-classify-fix loop until the quality
// check passes, the failure cannot be analyzed, or the retry budget runs
// out.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/antigravity-dev/remedy/internal/check"
	"github.com/antigravity-dev/remedy/internal/classify"
	"github.com/antigravity-dev/remedy/internal/fix"
	"github.com/antigravity-dev/remedy/internal/store"
)

// Outcome is the terminal state of a recovery session.
type Outcome string

const (
	// OutcomeSucceeded means the quality check passed.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeFailedUnanalyzable means the check failed and no pattern
	// matched its output, so there was nothing to fix.
	OutcomeFailedUnanalyzable Outcome = "failed_unanalyzable"
	// OutcomeFailedExhausted means the retry budget ran out with the check
	// still failing.
	OutcomeFailedExhausted Outcome = "failed_exhausted"
	// OutcomeDryRun means a dry run stopped after classifying, before
	// touching the working tree.
	OutcomeDryRun Outcome = "dry_run"
)

// Result summarizes a finished session.
type Result struct {
	Outcome      Outcome
	Attempts     int // check invocations performed
	FixesApplied int
	LastFailure  *classify.Failure
	Duration     time.Duration
}

// Classifier maps check output to a structured failure, or nil when no
// pattern matches.
type Classifier interface {
	Classify(run classify.RunInfo, logText string) *classify.Failure
}

// Fixer applies the strategy a failure names.
type Fixer interface {
	Apply(ctx context.Context, f classify.Failure, repoRoot string) error
}

// Publisher commits and pushes an applied fix. Publishing is best-effort:
// the loop logs a failure and keeps going.
type Publisher interface {
	PublishFix(ctx context.Context, f classify.Failure) (string, error)
}

// Params wires a session's collaborators. Runner, Classifier, Fixer, and
// RepoRoot are required; Publisher and Journal may be nil to disable
// committing and persistence.
type Params struct {
	Runner     check.Runner
	Classifier Classifier
	Fixer      Fixer
	Publisher  Publisher
	Journal    *store.Store
	RepoRoot   string
	RunInfo    classify.RunInfo
	// CheckCommand is recorded in the journal for later inspection; the
	// Runner already carries the real invocation.
	CheckCommand string
	MaxRetries   int
	RetryDelay   time.Duration
	DryRun       bool
	Logger       *slog.Logger
}

// Session is one recovery run against a repository.
type Session struct {
	runner       check.Runner
	classifier   Classifier
	fixer        Fixer
	publisher    Publisher
	journal      *store.Store
	repoRoot     string
	runInfo      classify.RunInfo
	checkCommand string
	maxRetries   int
	retryDelay   time.Duration
	dryRun       bool
	logger       *slog.Logger
}

// NewSession validates params and builds a session.
func NewSession(p Params) (*Session, error) {
	if p.Runner == nil {
		return nil, fmt.Errorf("recovery: runner is required")
	}
	if p.Classifier == nil {
		return nil, fmt.Errorf("recovery: classifier is required")
	}
	if p.Fixer == nil {
		return nil, fmt.Errorf("recovery: fixer is required")
	}
	if p.RepoRoot == "" {
		return nil, fmt.Errorf("recovery: repo root is required")
	}
	if p.MaxRetries < 0 {
		return nil, fmt.Errorf("recovery: max retries must be >= 0, got %d", p.MaxRetries)
	}
	if p.RetryDelay < 0 {
		return nil, fmt.Errorf("recovery: retry delay must be >= 0, got %s", p.RetryDelay)
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		runner:       p.Runner,
		classifier:   p.Classifier,
		fixer:        p.Fixer,
		publisher:    p.Publisher,
		journal:      p.Journal,
		repoRoot:     p.RepoRoot,
		runInfo:      p.RunInfo,
		checkCommand: p.CheckCommand,
		maxRetries:   p.MaxRetries,
		retryDelay:   p.RetryDelay,
		dryRun:       p.DryRun,
		logger:       logger,
	}, nil
}

// Run executes the loop to completion. A non-nil error means the session
// could not reach a verdict: the check could not run, a failure named an
// unregistered fix, or the context was cancelled. Every other ending is a
// Result with a terminal Outcome and a nil error.
func (s *Session) Run(ctx context.Context) (Result, error) {
	start := time.Now()

	var sessionID int64
	if s.journal != nil {
		id, err := s.journal.BeginSession(s.repoRoot, s.runInfo.WorkflowID, s.runInfo.RunID, s.runInfo.JobName, s.checkCommand, s.dryRun)
		if err != nil {
			s.logger.Warn("could not journal session start", "error", err)
		} else {
			sessionID = id
		}
	}

	result, err := s.loop(ctx, sessionID)
	result.Duration = time.Since(start)

	if s.journal != nil && sessionID != 0 {
		outcome := string(result.Outcome)
		if err != nil {
			outcome = "error"
			s.recordEvent(sessionID, "session_error", err.Error())
		}
		if finishErr := s.journal.FinishSession(sessionID, outcome, result.Attempts); finishErr != nil {
			s.logger.Warn("could not journal session end", "error", finishErr)
		}
	}

	return result, err
}

func (s *Session) loop(ctx context.Context, sessionID int64) (Result, error) {
	var result Result
	retries := 0

	for {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("recovery interrupted: %w", err)
		}

		result.Attempts++
		s.logger.Info("running quality check",
			"attempt", result.Attempts,
			"max_attempts", s.maxRetries+1,
			"repo", s.repoRoot)

		checkResult, err := s.runner.Run(ctx)
		if err != nil {
			return result, fmt.Errorf("quality check could not run: %w", err)
		}

		attempt := store.Attempt{
			AttemptNo:   result.Attempts,
			CheckPassed: checkResult.Passed,
			ExitCode:    checkResult.ExitCode,
			LogTail:     checkResult.Output,
		}

		if checkResult.Passed {
			s.recordAttempt(sessionID, attempt)
			s.logger.Info("quality check passed",
				"attempt", result.Attempts,
				"fixes_applied", result.FixesApplied,
				"duration", checkResult.Duration)
			result.Outcome = OutcomeSucceeded
			return result, nil
		}

		failure := s.classifier.Classify(s.runInfo, checkResult.Output)
		if failure == nil {
			s.recordAttempt(sessionID, attempt)
			s.logger.Error("check output matched no known failure pattern",
				"attempt", result.Attempts,
				"exit_code", checkResult.ExitCode)
			result.Outcome = OutcomeFailedUnanalyzable
			return result, nil
		}

		result.LastFailure = failure
		attempt.ErrorType = string(failure.Type)
		attempt.ErrorMessage = failure.Message
		attempt.Confidence = failure.Confidence
		attempt.SuggestedFix = string(failure.SuggestedFix)

		s.logger.Info("classified failure",
			"error_type", failure.Type,
			"fix", failure.SuggestedFix,
			"confidence", failure.Confidence,
			"message", failure.Message)

		if s.dryRun {
			s.recordAttempt(sessionID, attempt)
			s.logger.Info("dry run, stopping before applying fix", "would_apply", failure.SuggestedFix)
			result.Outcome = OutcomeDryRun
			return result, nil
		}

		fixErr := s.fixer.Apply(ctx, *failure, s.repoRoot)
		switch {
		case errors.Is(fixErr, fix.ErrUnknownFix):
			s.recordAttempt(sessionID, attempt)
			return result, fmt.Errorf("fix dispatch: %w", fixErr)
		case fixErr != nil:
			attempt.FixError = fixErr.Error()
			s.logger.Warn("fix failed",
				"fix", failure.SuggestedFix,
				"error", fixErr)
			s.recordEvent(sessionID, "fix_failed", fixErr.Error())
		default:
			attempt.FixApplied = true
			result.FixesApplied++
			s.logger.Info("fix applied", "fix", failure.SuggestedFix)
		}

		// Published even after a failed fix: a strategy that errored partway
		// may still have mutated the tree, and a clean tree publishes as a
		// no-op.
		if s.publisher != nil {
			sha, pubErr := s.publisher.PublishFix(ctx, *failure)
			attempt.CommitSHA = sha
			if pubErr != nil {
				s.logger.Warn("could not publish fix", "error", pubErr)
				s.recordEvent(sessionID, "publish_failed", pubErr.Error())
			}
		}
		s.recordAttempt(sessionID, attempt)

		if retries >= s.maxRetries {
			s.logger.Error("retry budget exhausted",
				"retries", retries,
				"error_type", failure.Type,
				"last_fix", failure.SuggestedFix)
			result.Outcome = OutcomeFailedExhausted
			return result, nil
		}
		retries++

		s.logger.Info("retrying quality check",
			"retry", retries,
			"max_retries", s.maxRetries,
			"delay", s.retryDelay)
		if s.retryDelay > 0 {
			select {
			case <-ctx.Done():
				return result, fmt.Errorf("recovery interrupted: %w", ctx.Err())
			case <-time.After(s.retryDelay):
			}
		}
	}
}

func (s *Session) recordAttempt(sessionID int64, a store.Attempt) {
	if s.journal == nil || sessionID == 0 {
		return
	}
	if _, err := s.journal.RecordAttempt(sessionID, a); err != nil {
		s.logger.Warn("could not journal attempt", "attempt", a.AttemptNo, "error", err)
	}
}

func (s *Session) recordEvent(sessionID int64, eventType, details string) {
	if s.journal == nil || sessionID == 0 {
		return
	}
	if err := s.journal.RecordEvent(sessionID, eventType, details); err != nil {
		s.logger.Warn("could not journal event", "event", eventType, "error", err)
	}
}
