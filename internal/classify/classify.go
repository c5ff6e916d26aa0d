// Package classify turns raw quality-check log output into structured,
// confidence-scored failure records by matching an ordered pattern table.
package classify

import (
	"fmt"
	"regexp"
	"strings"
)

// ErrorType categorizes a classified check failure.
type ErrorType string

const (
	ErrorSyntax      ErrorType = "syntax_error"
	ErrorMissingFile ErrorType = "missing_file"
	ErrorImport      ErrorType = "import_error"
	ErrorDependency  ErrorType = "dependency_error"
)

// FixID names exactly one remediation strategy in the dispatcher table.
type FixID string

const (
	FixCreateMissingFile FixID = "create_missing_file"
	FixPythonSyntax      FixID = "fix_python_syntax"
	FixImports           FixID = "fix_imports"
	FixDependencies      FixID = "fix_dependencies"
)

// KnownErrorType reports whether t is one of the defined error categories.
func KnownErrorType(t ErrorType) bool {
	switch t {
	case ErrorSyntax, ErrorMissingFile, ErrorImport, ErrorDependency:
		return true
	}
	return false
}

// KnownFix reports whether id names a defined fix strategy.
func KnownFix(id FixID) bool {
	switch id {
	case FixCreateMissingFile, FixPythonSyntax, FixImports, FixDependencies:
		return true
	}
	return false
}

// RunInfo identifies the CI run being remediated. Fields are opaque and may
// be empty when the invocation is local rather than CI-triggered.
type RunInfo struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
	JobName    string `json:"job_name"`
}

// Failure is the immutable classification of one failing check run.
// A Failure always carries a SuggestedFix that the dispatcher can act on;
// "no usable rule matched" is a nil Failure, never an empty fix.
type Failure struct {
	WorkflowID   string    `json:"workflow_id"`
	RunID        string    `json:"run_id"`
	JobName      string    `json:"job_name"`
	Type         ErrorType `json:"error_type"`
	Message      string    `json:"error_message"`
	LogContent   string    `json:"log_content,omitempty"`
	Confidence   float64   `json:"confidence_score"`
	SuggestedFix FixID     `json:"suggested_fix"`
}

// Rule is one entry in the ordered pattern table. Confidence is a static
// weight attached to the rule, used for observability only.
type Rule struct {
	Pattern    *regexp.Regexp
	Type       ErrorType
	Fix        FixID
	Confidence float64
}

// CompileRule validates and compiles a user-supplied rule. Site rules are
// placed ahead of the built-in table so they win priority.
func CompileRule(pattern string, errType ErrorType, fix FixID, confidence float64) (Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("rule pattern %q: %w", pattern, err)
	}
	if !KnownErrorType(errType) {
		return Rule{}, fmt.Errorf("rule pattern %q: unknown error type %q", pattern, errType)
	}
	if !KnownFix(fix) {
		return Rule{}, fmt.Errorf("rule pattern %q: unknown fix %q", pattern, fix)
	}
	if confidence < 0 || confidence > 1 {
		return Rule{}, fmt.Errorf("rule pattern %q: confidence %v out of range [0,1]", pattern, confidence)
	}
	return Rule{Pattern: re, Type: errType, Fix: fix, Confidence: confidence}, nil
}

// DefaultRules returns the built-in pattern table in priority order.
// More specific patterns precede general ones; the first match wins.
func DefaultRules() []Rule {
	return []Rule{
		{regexp.MustCompile(`EOL while scanning string literal`), ErrorSyntax, FixPythonSyntax, 0.9},
		{regexp.MustCompile(`unterminated string literal`), ErrorSyntax, FixPythonSyntax, 0.9},
		{regexp.MustCompile(`SyntaxError`), ErrorSyntax, FixPythonSyntax, 0.8},
		{regexp.MustCompile(`IndentationError`), ErrorSyntax, FixPythonSyntax, 0.7},
		{regexp.MustCompile(`No such file or directory`), ErrorMissingFile, FixCreateMissingFile, 0.85},
		{regexp.MustCompile(`FileNotFoundError`), ErrorMissingFile, FixCreateMissingFile, 0.8},
		{regexp.MustCompile(`imported but unused`), ErrorImport, FixImports, 0.85},
		{regexp.MustCompile(`\bF401\b`), ErrorImport, FixImports, 0.75},
		{regexp.MustCompile(`Could not find a version that satisfies the requirement`), ErrorDependency, FixDependencies, 0.8},
		{regexp.MustCompile(`No matching distribution found`), ErrorDependency, FixDependencies, 0.75},
		{regexp.MustCompile(`ModuleNotFoundError`), ErrorDependency, FixDependencies, 0.7},
		{regexp.MustCompile(`No module named`), ErrorDependency, FixDependencies, 0.7},
	}
}

// Classifier matches log text against its rule table.
type Classifier struct {
	rules []Rule
}

// NewClassifier builds a classifier over the given table. The table is
// evaluated in slice order; callers prepend site rules before built-ins.
func NewClassifier(rules []Rule) *Classifier {
	return &Classifier{rules: rules}
}

// Classify returns the Failure built from the first rule matching anywhere
// in logText, or nil when no rule matches. A nil result is terminal for the
// recovery loop: unrecognized diagnostics must never be guessed at.
func (c *Classifier) Classify(run RunInfo, logText string) *Failure {
	for _, rule := range c.rules {
		loc := rule.Pattern.FindStringIndex(logText)
		if loc == nil {
			continue
		}
		return &Failure{
			WorkflowID:   run.WorkflowID,
			RunID:        run.RunID,
			JobName:      run.JobName,
			Type:         rule.Type,
			Message:      extractMessage(logText, loc[0]),
			LogContent:   logText,
			Confidence:   rule.Confidence,
			SuggestedFix: rule.Fix,
		}
	}
	return nil
}

// maxMessageLen caps the extracted diagnostic so the message stays a short
// line, not the whole log.
const maxMessageLen = 300

// extractMessage isolates the log line containing the match, trimmed and
// length-capped. Bounded and deterministic: no free-form parsing.
func extractMessage(logText string, matchStart int) string {
	lineStart := strings.LastIndexByte(logText[:matchStart], '\n') + 1
	lineEnd := strings.IndexByte(logText[matchStart:], '\n')
	if lineEnd < 0 {
		lineEnd = len(logText)
	} else {
		lineEnd += matchStart
	}

	msg := strings.TrimSpace(logText[lineStart:lineEnd])
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen] + "..."
	}
	return msg
}
