// Package check runs the configured quality gate against the repository
// and reports its verdict with the combined output.
package check

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// maxOutputBytes caps how much check output is retained. The tail is kept
// because diagnostics cluster at the end of a failing run.
const maxOutputBytes = 64 * 1024

// Result is the verdict of one check invocation that actually ran.
type Result struct {
	Passed   bool
	Output   string
	ExitCode int
	Duration time.Duration
}

// Runner executes the quality check. A non-nil error means the check could
// not run at all (missing tool, unreachable backend, timeout); a check that
// ran and failed is a Result with Passed false and a nil error.
type Runner interface {
	Run(ctx context.Context) (Result, error)
}

// CommandRunner executes the check command through the shell inside Dir.
type CommandRunner struct {
	Command string
	Dir     string
	Timeout time.Duration
}

func (r *CommandRunner) Run(ctx context.Context) (Result, error) {
	if r.Command == "" {
		return Result{}, fmt.Errorf("no check command configured")
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, "sh", "-c", r.Command)
	cmd.Dir = r.Dir
	output, err := cmd.CombinedOutput()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return Result{}, fmt.Errorf("check timed out after %s", elapsed.Round(time.Millisecond))
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return Result{}, fmt.Errorf("check command could not run: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	// The shell reports a missing or non-executable command as 127/126;
	// that is a broken check configuration, not a failing check.
	if exitCode == 127 || exitCode == 126 {
		return Result{}, fmt.Errorf("check command not runnable (exit %d): %s", exitCode, truncateOutput(output))
	}

	return Result{
		Passed:   exitCode == 0,
		Output:   truncateOutput(output),
		ExitCode: exitCode,
		Duration: elapsed,
	}, nil
}

func truncateOutput(output []byte) string {
	if len(output) <= maxOutputBytes {
		return string(output)
	}
	return "[... output truncated]\n" + string(output[len(output)-maxOutputBytes:])
}
