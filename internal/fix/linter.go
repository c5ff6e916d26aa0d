package fix

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// unusedImportReport matches flake8 output of the form
// "path:line:col: F401 'name' imported but unused".
var unusedImportReport = regexp.MustCompile(`^(.+?):(\d+):\d+:\s+F401\s+'([^']+)' imported but unused`)

// CommandLinter runs the configured lint command through the shell inside
// the repository root and parses its F401 findings. flake8 exits non-zero
// when it has findings, so an exit error with parseable output is the
// normal case; only a command that could not run at all is an error.
type CommandLinter struct {
	Command string
	Timeout time.Duration
}

func (l *CommandLinter) UnusedImports(ctx context.Context, repoRoot string) ([]UnusedImport, error) {
	if l.Command == "" {
		return nil, fmt.Errorf("no lint command configured")
	}

	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", l.Command)
	cmd.Dir = repoRoot
	output, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("lint command failed to run: %w", err)
		}
	}

	var diags []UnusedImport
	for _, line := range strings.Split(string(output), "\n") {
		m := unusedImportReport.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		lineNo, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		diags = append(diags, UnusedImport{File: m[1], Line: lineNo, Name: m[3]})
	}
	return diags, nil
}
