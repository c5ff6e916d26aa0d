// Package gitops commits and pushes remediation changes by running the git
// binary inside the repository working tree.
package gitops

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/antigravity-dev/remedy/internal/classify"
)

// Client publishes working tree changes produced by a fix. Publishing is
// best-effort by contract: callers log a failure and carry on.
type Client struct {
	repoRoot string
	remote   string
	branch   string
	prefix   string
	push     bool
	logger   *slog.Logger
}

// NewClient returns a client rooted at repoRoot. prefix starts every commit
// subject; push controls whether commits are also pushed to remote. branch
// names the push target; empty means whatever branch is checked out.
func NewClient(repoRoot, remote, branch, prefix string, push bool, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		repoRoot: repoRoot,
		remote:   remote,
		branch:   branch,
		prefix:   prefix,
		push:     push,
		logger:   logger,
	}
}

// git runs one git subcommand inside the repo root.
func (c *Client) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.repoRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s failed: %w (%s)", args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// HasChanges reports whether the working tree differs from HEAD.
func (c *Client) HasChanges(ctx context.Context) (bool, error) {
	out, err := c.git(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// CurrentBranch returns the checked out branch name.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	return c.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// HeadSHA returns the full hash of HEAD.
func (c *Client) HeadSHA(ctx context.Context) (string, error) {
	return c.git(ctx, "rev-parse", "HEAD")
}

// PublishFix stages the whole working tree, commits with a message derived
// from the failure, and pushes when pushing is enabled. A clean tree is a
// quiet no-op. The returned hash is set whenever a commit was created, even
// if the push afterwards failed.
func (c *Client) PublishFix(ctx context.Context, f classify.Failure) (string, error) {
	changed, err := c.HasChanges(ctx)
	if err != nil {
		return "", err
	}
	if !changed {
		c.logger.Debug("no working tree changes to commit", "fix", f.SuggestedFix)
		return "", nil
	}

	if err := c.ensureIdentity(ctx); err != nil {
		return "", err
	}

	if _, err := c.git(ctx, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := c.git(ctx, "commit", "-m", commitMessage(c.prefix, f)); err != nil {
		return "", err
	}

	sha, err := c.HeadSHA(ctx)
	if err != nil {
		sha = "unknown"
	}
	c.logger.Info("committed fix", "commit", sha, "fix", f.SuggestedFix, "error_type", f.Type)

	if !c.push {
		return sha, nil
	}

	branch := c.branch
	if branch == "" {
		current, err := c.CurrentBranch(ctx)
		if err != nil {
			return sha, err
		}
		branch = current
	}
	if _, err := c.git(ctx, "push", c.remote, "HEAD:"+branch); err != nil {
		return sha, fmt.Errorf("push to %s: %w", c.remote, err)
	}
	c.logger.Info("pushed fix", "remote", c.remote, "branch", branch)
	return sha, nil
}

// ensureIdentity sets a repo-local committer identity when none is
// configured, which is the common state on CI hosts.
func (c *Client) ensureIdentity(ctx context.Context) error {
	if _, err := c.git(ctx, "config", "user.email"); err == nil {
		return nil
	}
	if _, err := c.git(ctx, "config", "user.email", "remedy@autofix.local"); err != nil {
		return fmt.Errorf("set committer email: %w", err)
	}
	if _, err := c.git(ctx, "config", "user.name", "remedy"); err != nil {
		return fmt.Errorf("set committer name: %w", err)
	}
	return nil
}

// commitMessage builds a subject from the fix and a body carrying the run
// coordinates and the diagnostic for later archaeology.
func commitMessage(prefix string, f classify.Failure) string {
	subject := fmt.Sprintf("%s %s for %s", prefix, f.SuggestedFix, f.Type)
	if f.JobName != "" {
		subject += " in " + f.JobName
	}

	var body []string
	if f.WorkflowID != "" || f.RunID != "" {
		body = append(body, fmt.Sprintf("Workflow: %s run %s", f.WorkflowID, f.RunID))
	}
	if f.Message != "" {
		body = append(body, "Diagnostic: "+f.Message)
	}

	if len(body) == 0 {
		return subject
	}
	return subject + "\n\n" + strings.Join(body, "\n")
}
