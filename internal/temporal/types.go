package temporal

import "time"

// RemediationRequest is the input to RemediationWorkflow, describing one
// repository whose quality check should be driven back to green.
type RemediationRequest struct {
	RepoRoot     string        `json:"repo_root"`
	CheckCommand string        `json:"check_command"`
	WorkflowID   string        `json:"workflow_id,omitempty"` // CI coordinates, opaque
	RunID        string        `json:"run_id,omitempty"`
	JobName      string        `json:"job_name,omitempty"`
	MaxRetries   int           `json:"max_retries"`
	RetryDelay   time.Duration `json:"retry_delay"`
	DryRun       bool          `json:"dry_run"`
}

// CheckOutcome is returned by the check activity.
type CheckOutcome struct {
	Passed    bool    `json:"passed"`
	ExitCode  int     `json:"exit_code"`
	Output    string  `json:"output"`
	DurationS float64 `json:"duration_s"`
}

// FixOutcome is returned by the fix activity. A failed repair is reported
// through Error rather than an activity error so the workflow can spend a
// retry on it instead of tripping the activity retry policy.
type FixOutcome struct {
	Applied    bool   `json:"applied"`
	UnknownFix bool   `json:"unknown_fix"`
	Error      string `json:"error,omitempty"`
}

// PublishOutcome is returned by the publish activity. CommitSHA is set
// whenever a commit was created, even if the push afterwards failed.
type PublishOutcome struct {
	CommitSHA string `json:"commit_sha,omitempty"`
	Error     string `json:"error,omitempty"`
}

// AttemptRecord carries one loop iteration to the journal activity.
type AttemptRecord struct {
	SessionID    int64   `json:"session_id"`
	AttemptNo    int     `json:"attempt_no"`
	CheckPassed  bool    `json:"check_passed"`
	ExitCode     int     `json:"exit_code"`
	ErrorType    string  `json:"error_type,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
	SuggestedFix string  `json:"suggested_fix,omitempty"`
	FixApplied   bool    `json:"fix_applied"`
	FixError     string  `json:"fix_error,omitempty"`
	CommitSHA    string  `json:"commit_sha,omitempty"`
	LogTail      string  `json:"log_tail,omitempty"`
}

// SessionEnd closes out a journal session.
type SessionEnd struct {
	SessionID int64  `json:"session_id"`
	Outcome   string `json:"outcome"`
	Attempts  int    `json:"attempts"`
}

// RemediationResult is the output of RemediationWorkflow.
type RemediationResult struct {
	Outcome       string  `json:"outcome"`
	Attempts      int     `json:"attempts"`
	FixesApplied  int     `json:"fixes_applied"`
	DurationS     float64 `json:"duration_s"`
	LastErrorType string  `json:"last_error_type,omitempty"`
	LastFix       string  `json:"last_fix,omitempty"`
}
