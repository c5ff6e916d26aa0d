package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/antigravity-dev/remedy/internal/check"
	"github.com/antigravity-dev/remedy/internal/classify"
	"github.com/antigravity-dev/remedy/internal/config"
	"github.com/antigravity-dev/remedy/internal/fix"
	"github.com/antigravity-dev/remedy/internal/gitops"
	"github.com/antigravity-dev/remedy/internal/store"
)

// Activities holds dependencies for Temporal activity methods.
type Activities struct {
	Store        *store.Store
	Classifier   *classify.Classifier
	Dispatcher   *fix.Dispatcher
	Git          config.Git
	CheckTimeout time.Duration
	Logger       *slog.Logger
}

// NewActivities wires the classifier, dispatcher, and git settings from cfg.
// Site rules from the config are compiled ahead of the built-in table.
func NewActivities(cfg *config.Config, st *store.Store, logger *slog.Logger) (*Activities, error) {
	rules := make([]classify.Rule, 0, len(cfg.Rules))
	for _, spec := range cfg.Rules {
		rule, err := classify.CompileRule(spec.Pattern, classify.ErrorType(spec.ErrorType), classify.FixID(spec.Fix), spec.Confidence)
		if err != nil {
			return nil, fmt.Errorf("config rule: %w", err)
		}
		rules = append(rules, rule)
	}
	rules = append(rules, classify.DefaultRules()...)

	linter := &fix.CommandLinter{
		Command: cfg.Lint.Command,
		Timeout: cfg.Lint.Timeout.Duration,
	}

	return &Activities{
		Store:        st,
		Classifier:   classify.NewClassifier(rules),
		Dispatcher:   fix.NewDispatcher(linter, logger),
		Git:          cfg.Git,
		CheckTimeout: cfg.Check.Timeout.Duration,
		Logger:       logger,
	}, nil
}

// RunCheckActivity executes the repository's quality check command. The
// command runs in a goroutine while the activity heartbeats, so long test
// suites do not trip the heartbeat timeout.
func (a *Activities) RunCheckActivity(ctx context.Context, req RemediationRequest) (*CheckOutcome, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("Running quality check", "Command", req.CheckCommand, "Repo", req.RepoRoot)

	runner := &check.CommandRunner{
		Command: req.CheckCommand,
		Dir:     req.RepoRoot,
		Timeout: a.CheckTimeout,
	}

	type runResult struct {
		res check.Result
		err error
	}
	done := make(chan runResult, 1)
	go func() {
		res, err := runner.Run(ctx)
		done <- runResult{res, err}
	}()

	for {
		select {
		case r := <-done:
			if r.err != nil {
				return nil, r.err
			}
			return &CheckOutcome{
				Passed:    r.res.Passed,
				ExitCode:  r.res.ExitCode,
				Output:    r.res.Output,
				DurationS: r.res.Duration.Seconds(),
			}, nil
		case <-time.After(5 * time.Second):
			activity.RecordHeartbeat(ctx)
		}
	}
}

// ClassifyActivity matches the check output against the rule table.
// A nil Failure means no rule matched and the loop must stop.
func (a *Activities) ClassifyActivity(ctx context.Context, req RemediationRequest, output string) (*classify.Failure, error) {
	run := classify.RunInfo{
		WorkflowID: req.WorkflowID,
		RunID:      req.RunID,
		JobName:    req.JobName,
	}
	return a.Classifier.Classify(run, output), nil
}

// ApplyFixActivity dispatches the failure's suggested fix. Repair failures
// come back in FixOutcome.Error; only infrastructure problems return an
// activity error.
func (a *Activities) ApplyFixActivity(ctx context.Context, req RemediationRequest, f classify.Failure) (*FixOutcome, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("Applying fix", "Fix", f.SuggestedFix, "ErrorType", f.Type)

	err := a.Dispatcher.Apply(ctx, f, req.RepoRoot)
	switch {
	case errors.Is(err, fix.ErrUnknownFix):
		return &FixOutcome{UnknownFix: true, Error: err.Error()}, nil
	case err != nil:
		return &FixOutcome{Error: err.Error()}, nil
	}
	return &FixOutcome{Applied: true}, nil
}

// PublishFixActivity commits and pushes whatever the fix changed. Both steps
// are best-effort: failures are reported in the outcome, never as an
// activity error.
func (a *Activities) PublishFixActivity(ctx context.Context, req RemediationRequest, f classify.Failure) (*PublishOutcome, error) {
	if !a.Git.Enabled {
		return &PublishOutcome{}, nil
	}

	client := gitops.NewClient(req.RepoRoot, a.Git.Remote, a.Git.Branch, a.Git.CommitPrefix, a.Git.Push, a.Logger)
	sha, err := client.PublishFix(ctx, f)
	out := &PublishOutcome{CommitSHA: sha}
	if err != nil {
		out.Error = err.Error()
	}
	return out, nil
}

// BeginSessionActivity opens a journal session and returns its id.
func (a *Activities) BeginSessionActivity(ctx context.Context, req RemediationRequest) (int64, error) {
	if a.Store == nil {
		return 0, nil
	}
	return a.Store.BeginSession(req.RepoRoot, req.WorkflowID, req.RunID, req.JobName, req.CheckCommand, req.DryRun)
}

// RecordAttemptActivity persists one loop iteration.
func (a *Activities) RecordAttemptActivity(ctx context.Context, rec AttemptRecord) error {
	if a.Store == nil || rec.SessionID == 0 {
		return nil
	}
	_, err := a.Store.RecordAttempt(rec.SessionID, store.Attempt{
		AttemptNo:    rec.AttemptNo,
		CheckPassed:  rec.CheckPassed,
		ExitCode:     rec.ExitCode,
		ErrorType:    rec.ErrorType,
		ErrorMessage: rec.ErrorMessage,
		Confidence:   rec.Confidence,
		SuggestedFix: rec.SuggestedFix,
		FixApplied:   rec.FixApplied,
		FixError:     rec.FixError,
		CommitSHA:    rec.CommitSHA,
		LogTail:      rec.LogTail,
	})
	return err
}

// FinishSessionActivity closes out a journal session.
func (a *Activities) FinishSessionActivity(ctx context.Context, end SessionEnd) error {
	if a.Store == nil || end.SessionID == 0 {
		return nil
	}
	return a.Store.FinishSession(end.SessionID, end.Outcome, end.Attempts)
}
