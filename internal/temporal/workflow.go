package temporal

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/antigravity-dev/remedy/internal/classify"
	"github.com/antigravity-dev/remedy/internal/recovery"
)

// RemediationWorkflow drives the recovery loop as a durable execution:
//
//  1. CHECK     — run the quality command in the repository
//  2. CLASSIFY  — match the failure log against the rule table
//  3. FIX       — dispatch the matched repair strategy
//  4. PUBLISH   — commit and push the change (best-effort)
//  5. RETRY     — sleep, then re-run the check, up to MaxRetries times
//
// Every iteration is journaled through the store activities so the status
// API shows Temporal-driven sessions alongside local ones. The workflow
// fails only when the check cannot run at all or a failure names a fix
// nobody registered; exhausted retries and unanalyzable logs are ordinary
// results, not errors.
func RemediationWorkflow(ctx workflow.Context, req RemediationRequest) (*RemediationResult, error) {
	startTime := workflow.Now(ctx)
	logger := workflow.GetLogger(ctx)

	checkOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1}, // the loop owns retries
	}
	classifyOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 1 * time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 2},
	}
	fixOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}
	publishOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}
	recordOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	}

	var a *Activities
	result := &RemediationResult{}

	// Journal the session. Best-effort: a broken journal never blocks repair.
	var sessionID int64
	beginCtx := workflow.WithActivityOptions(ctx, recordOpts)
	if err := workflow.ExecuteActivity(beginCtx, a.BeginSessionActivity, req).Get(ctx, &sessionID); err != nil {
		logger.Warn("Could not journal session start", "error", err)
		sessionID = 0
	}

	finish := func(outcome string) {
		result.Outcome = outcome
		result.DurationS = workflow.Now(ctx).Sub(startTime).Seconds()
		finishSession(ctx, recordOpts, a, sessionID, outcome, result.Attempts)
	}

	retries := 0
	for {
		result.Attempts++
		logger.Info("Running quality check", "Attempt", result.Attempts, "MaxAttempts", req.MaxRetries+1)

		checkCtx := workflow.WithActivityOptions(ctx, checkOpts)
		var checkOut CheckOutcome
		if err := workflow.ExecuteActivity(checkCtx, a.RunCheckActivity, req).Get(ctx, &checkOut); err != nil {
			finish("error")
			return result, fmt.Errorf("quality check could not run: %w", err)
		}

		rec := AttemptRecord{
			SessionID:   sessionID,
			AttemptNo:   result.Attempts,
			CheckPassed: checkOut.Passed,
			ExitCode:    checkOut.ExitCode,
			LogTail:     checkOut.Output,
		}

		if checkOut.Passed {
			logger.Info("Check passed", "Attempt", result.Attempts)
			recordAttempt(ctx, recordOpts, a, rec)
			finish(string(recovery.OutcomeSucceeded))
			return result, nil
		}

		classifyCtx := workflow.WithActivityOptions(ctx, classifyOpts)
		var failure *classify.Failure
		if err := workflow.ExecuteActivity(classifyCtx, a.ClassifyActivity, req, checkOut.Output).Get(ctx, &failure); err != nil {
			finish("error")
			return result, fmt.Errorf("classification failed: %w", err)
		}

		if failure == nil {
			logger.Info("Check output matched no rule, stopping")
			recordAttempt(ctx, recordOpts, a, rec)
			finish(string(recovery.OutcomeFailedUnanalyzable))
			return result, nil
		}

		rec.ErrorType = string(failure.Type)
		rec.ErrorMessage = failure.Message
		rec.Confidence = failure.Confidence
		rec.SuggestedFix = string(failure.SuggestedFix)
		result.LastErrorType = string(failure.Type)
		result.LastFix = string(failure.SuggestedFix)

		if req.DryRun {
			logger.Info("Dry run, reporting diagnosis only",
				"ErrorType", failure.Type, "Fix", failure.SuggestedFix)
			recordAttempt(ctx, recordOpts, a, rec)
			finish(string(recovery.OutcomeDryRun))
			return result, nil
		}

		fixCtx := workflow.WithActivityOptions(ctx, fixOpts)
		var fixOut FixOutcome
		if err := workflow.ExecuteActivity(fixCtx, a.ApplyFixActivity, req, *failure).Get(ctx, &fixOut); err != nil {
			// Activity-level failure counts like a failed repair: the retry
			// below gives the check another chance to pass or reclassify.
			fixOut = FixOutcome{Error: err.Error()}
		}

		switch {
		case fixOut.UnknownFix:
			rec.FixError = fixOut.Error
			recordAttempt(ctx, recordOpts, a, rec)
			finish("error")
			return result, fmt.Errorf("fix dispatch: %s", fixOut.Error)
		case !fixOut.Applied:
			rec.FixError = fixOut.Error
			logger.Warn("Fix failed", "Fix", failure.SuggestedFix, "error", fixOut.Error)
		default:
			rec.FixApplied = true
			result.FixesApplied++
		}

		// Published even after a failed fix: a strategy that errored partway
		// may still have mutated the tree, and a clean tree publishes as a
		// no-op.
		publishCtx := workflow.WithActivityOptions(ctx, publishOpts)
		var pub PublishOutcome
		if err := workflow.ExecuteActivity(publishCtx, a.PublishFixActivity, req, *failure).Get(ctx, &pub); err != nil {
			logger.Warn("Publish failed", "error", err)
		} else {
			rec.CommitSHA = pub.CommitSHA
			if pub.Error != "" {
				logger.Warn("Publish failed", "error", pub.Error)
			}
		}

		recordAttempt(ctx, recordOpts, a, rec)

		if retries >= req.MaxRetries {
			logger.Info("Retry budget exhausted", "Attempts", result.Attempts)
			finish(string(recovery.OutcomeFailedExhausted))
			return result, nil
		}
		retries++

		if req.RetryDelay > 0 {
			logger.Info("Waiting before next check", "Delay", req.RetryDelay)
			if err := workflow.Sleep(ctx, req.RetryDelay); err != nil {
				finish("interrupted")
				return result, err
			}
		}
	}
}

// recordAttempt persists one iteration via RecordAttemptActivity, best-effort.
func recordAttempt(ctx workflow.Context, opts workflow.ActivityOptions, a *Activities, rec AttemptRecord) {
	if rec.SessionID == 0 {
		return
	}
	recCtx := workflow.WithActivityOptions(ctx, opts)
	if err := workflow.ExecuteActivity(recCtx, a.RecordAttemptActivity, rec).Get(ctx, nil); err != nil {
		workflow.GetLogger(ctx).Warn("Could not journal attempt", "error", err)
	}
}

// finishSession closes the journal session, best-effort.
func finishSession(ctx workflow.Context, opts workflow.ActivityOptions, a *Activities, sessionID int64, outcome string, attempts int) {
	if sessionID == 0 {
		return
	}
	finCtx := workflow.WithActivityOptions(ctx, opts)
	if err := workflow.ExecuteActivity(finCtx, a.FinishSessionActivity, SessionEnd{
		SessionID: sessionID,
		Outcome:   outcome,
		Attempts:  attempts,
	}).Get(ctx, nil); err != nil {
		workflow.GetLogger(ctx).Warn("Could not journal session end", "error", err)
	}
}
