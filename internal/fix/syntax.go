package fix

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/antigravity-dev/remedy/internal/classify"
)

// syntaxLocatorPatterns extract a path and line number from Python
// diagnostics. Traceback form first, then the bare path:line form linters
// print.
var syntaxLocatorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`File "([^"]+)", line (\d+)`),
	regexp.MustCompile(`([^\s:'"]+\.py):(\d+)`),
}

// RepairPythonSyntax fixes the one syntax defect the strategy table claims:
// an unterminated string literal on the line named by the diagnostic. The
// line gains the closing quote it is missing; anything else is reported as
// a fix failure rather than guessed at.
func RepairPythonSyntax(ctx context.Context, f classify.Failure, repoRoot string) error {
	path, lineNo, ok := extractSyntaxLocator(f.Message)
	if !ok {
		path, lineNo, ok = extractSyntaxLocator(f.LogContent)
	}
	if !ok {
		return fmt.Errorf("no path:line locator in diagnostic %q", f.Message)
	}

	abs, err := resolveUnderRoot(repoRoot, path)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("diagnostic names %s but no such file exists", path)
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	lines := strings.Split(string(data), "\n")
	if lineNo < 1 || lineNo > len(lines) {
		return fmt.Errorf("diagnostic names %s line %d but the file has %d lines", path, lineNo, len(lines))
	}

	repaired, ok := closeUnterminatedString(lines[lineNo-1])
	if !ok {
		return fmt.Errorf("line %d of %s does not match a repairable pattern", lineNo, path)
	}
	lines[lineNo-1] = repaired

	mode := os.FileMode(0644)
	if info, err := os.Stat(abs); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(abs, []byte(strings.Join(lines, "\n")), mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func extractSyntaxLocator(text string) (string, int, bool) {
	for _, re := range syntaxLocatorPatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		lineNo, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		return m[1], lineNo, true
	}
	return "", 0, false
}

// closeUnterminatedString appends the quote character that was opened an odd
// number of times. Returns false when the quotes already balance, since the
// defect is then something this strategy cannot repair.
func closeUnterminatedString(line string) (string, bool) {
	if countUnescaped(line, '"')%2 == 1 {
		return line + `"`, true
	}
	if countUnescaped(line, '\'')%2 == 1 {
		return line + "'", true
	}
	return line, false
}

func countUnescaped(line string, quote byte) int {
	count := 0
	for i := 0; i < len(line); i++ {
		if line[i] == '\\' {
			i++
			continue
		}
		if line[i] == quote {
			count++
		}
	}
	return count
}
