// Package fix maps classified failures to bounded remediation strategies
// that mutate the working tree under the repository root.
package fix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/antigravity-dev/remedy/internal/classify"
)

// ErrUnknownFix marks a failure whose SuggestedFix has no registered
// strategy. A correctly configured classifier never produces one; hitting
// this is a programming error, not an ordinary fix failure.
var ErrUnknownFix = errors.New("unknown fix strategy")

// Strategy applies one remediation to the working tree under repoRoot.
// A nil return means the fix was applied or was already in place; a non-nil
// return is a fix failure the loop logs and survives.
type Strategy func(ctx context.Context, f classify.Failure, repoRoot string) error

// Dispatcher resolves a Failure's SuggestedFix through a finite strategy
// table built at construction time.
type Dispatcher struct {
	table  map[classify.FixID]Strategy
	logger *slog.Logger
}

// NewDispatcher builds the strategy table. The linter is the external lint
// collaborator consumed by the unused-import strategy.
func NewDispatcher(linter Linter, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		table: map[classify.FixID]Strategy{
			classify.FixCreateMissingFile: CreateMissingFile,
			classify.FixPythonSyntax:      RepairPythonSyntax,
			classify.FixImports:           RemoveUnusedImports(linter),
			classify.FixDependencies:      EnsureManifest,
		},
		logger: logger,
	}
}

// Apply dispatches the strategy named by f.SuggestedFix.
func (d *Dispatcher) Apply(ctx context.Context, f classify.Failure, repoRoot string) error {
	strategy, ok := d.table[f.SuggestedFix]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFix, f.SuggestedFix)
	}

	d.logger.Debug("applying fix", "fix", f.SuggestedFix, "error_type", f.Type, "repo", repoRoot)
	if err := strategy(ctx, f, repoRoot); err != nil {
		return fmt.Errorf("fix %s: %w", f.SuggestedFix, err)
	}
	return nil
}

// resolveUnderRoot joins a parsed path onto root and rejects anything that
// escapes it. Absolute paths are accepted only when they already sit under
// root.
func resolveUnderRoot(root, path string) (string, error) {
	if filepath.IsAbs(path) {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
			return "", fmt.Errorf("path %q is outside the repository root", path)
		}
		path = rel
	}

	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, "../") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("path %q escapes the repository root", path)
	}
	return filepath.Join(root, clean), nil
}
