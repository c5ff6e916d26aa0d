package fix

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/antigravity-dev/remedy/internal/classify"
)

// UnusedImport is one diagnostic from the lint collaborator: the named
// import on File:Line is never used.
type UnusedImport struct {
	File string
	Line int
	Name string
}

// Linter reports unused-import diagnostics for the repository. File paths
// may be relative to the repository root or absolute beneath it.
type Linter interface {
	UnusedImports(ctx context.Context, repoRoot string) ([]UnusedImport, error)
}

// RemoveUnusedImports builds the strategy that re-runs the lint collaborator
// and deletes each import it reports. Multi-name import lines lose only the
// unused name; single-name lines are removed outright. An empty report is a
// successful no-op.
func RemoveUnusedImports(linter Linter) Strategy {
	return func(ctx context.Context, f classify.Failure, repoRoot string) error {
		if linter == nil {
			return fmt.Errorf("no lint collaborator configured")
		}

		diags, err := linter.UnusedImports(ctx, repoRoot)
		if err != nil {
			return fmt.Errorf("lint: %w", err)
		}
		if len(diags) == 0 {
			return nil
		}

		byFile := make(map[string][]UnusedImport)
		for _, d := range diags {
			byFile[d.File] = append(byFile[d.File], d)
		}

		var problems []string
		for file, fileDiags := range byFile {
			if err := stripImports(repoRoot, file, fileDiags); err != nil {
				problems = append(problems, err.Error())
			}
		}
		if len(problems) > 0 {
			return fmt.Errorf("unused import cleanup: %s", strings.Join(problems, "; "))
		}
		return nil
	}
}

// stripImports rewrites one file, processing diagnostics bottom-up so that
// earlier removals do not shift the line numbers of later ones.
func stripImports(repoRoot, file string, diags []UnusedImport) error {
	abs, err := resolveUnderRoot(repoRoot, file)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}
	lines := strings.Split(string(data), "\n")

	sort.Slice(diags, func(i, j int) bool { return diags[i].Line > diags[j].Line })

	for _, d := range diags {
		if d.Line < 1 || d.Line > len(lines) {
			return fmt.Errorf("%s reports line %d but the file has %d lines", file, d.Line, len(lines))
		}
		replacement, drop := trimImportLine(lines[d.Line-1], d.Name)
		if drop {
			lines = append(lines[:d.Line-1], lines[d.Line:]...)
		} else {
			lines[d.Line-1] = replacement
		}
	}

	mode := os.FileMode(0644)
	if info, err := os.Stat(abs); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(abs, []byte(strings.Join(lines, "\n")), mode); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}
	return nil
}

// trimImportLine removes name from an import line. The second return is
// true when the whole line should be dropped: either the line imports only
// that name, or it cannot be parsed as a multi-name import.
func trimImportLine(line, name string) (string, bool) {
	head, list, ok := splitImportList(line)
	if !ok {
		return "", true
	}

	kept := list[:0]
	for _, entry := range list {
		if !importEntryMatches(entry, name) {
			kept = append(kept, entry)
		}
	}
	if len(kept) == 0 {
		return "", true
	}
	return head + strings.Join(kept, ", "), false
}

// splitImportList separates "from x import a, b" or "import a, b" into the
// prefix up to the name list and the comma-split names.
func splitImportList(line string) (string, []string, bool) {
	trimmed := strings.TrimSpace(line)

	var idx int
	switch {
	case strings.HasPrefix(trimmed, "from "):
		marker := " import "
		pos := strings.Index(line, marker)
		if pos < 0 {
			return "", nil, false
		}
		idx = pos + len(marker)
	case strings.HasPrefix(trimmed, "import "):
		pos := strings.Index(line, "import ")
		idx = pos + len("import ")
	default:
		return "", nil, false
	}

	var names []string
	for _, entry := range strings.Split(line[idx:], ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			names = append(names, entry)
		}
	}
	if len(names) == 0 {
		return "", nil, false
	}
	return line[:idx], names, true
}

// importEntryMatches compares an entry from an import list against the name
// the linter reported. Either side may carry an "as alias" suffix, and
// flake8 reports "from x import y" as the dotted "x.y".
func importEntryMatches(entry, name string) bool {
	if entry == name {
		return true
	}
	base := func(s string) string {
		if i := strings.Index(s, " as "); i >= 0 {
			return strings.TrimSpace(s[:i])
		}
		return strings.TrimSpace(s)
	}
	e, n := base(entry), base(name)
	return e == n || strings.HasSuffix(n, "."+e)
}
