// Package gate runs the quick and test quality gates for a workspace and
// classifies the outcome.
package gate

import (
	"fmt"
	"strings"
)

type Gate string

const (
	GateQuick Gate = "quick"
	GateTest  Gate = "test"
)

type Status string

const (
	StatusAllPassed   Status = "all_passed"
	StatusQuickFailed Status = "quick_failed"
	StatusTestFailed  Status = "test_failed"
)

func (s Status) Success() bool { return s == StatusAllPassed }

// Result is the outcome of one gate command.
type Result struct {
	Gate     Gate   `json:"gate"`
	Passed   bool   `json:"passed"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Summary  string `json:"summary"`
}

func NewResult(gate Gate, exitCode int, stdout, stderr string) Result {
	return Result{
		Gate:     gate,
		Passed:   exitCode == 0,
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Summary:  ParseSummary(stdout, stderr),
	}
}

// Outcome combines both gates. Test is nil when the quick gate failed and the
// test gate was skipped.
type Outcome struct {
	Status Status  `json:"status"`
	Quick  Result  `json:"quick"`
	Test   *Result `json:"test,omitempty"`
}

// CombineResults derives the overall status with fail-fast semantics.
func CombineResults(quick Result, test *Result) Outcome {
	status := StatusAllPassed
	switch {
	case !quick.Passed:
		status = StatusQuickFailed
	case test != nil && !test.Passed:
		status = StatusTestFailed
	}
	return Outcome{Status: status, Quick: quick, Test: test}
}

// FailureMessage formats the error_message recorded on a failed entry.
func FailureMessage(o Outcome) string {
	switch o.Status {
	case StatusQuickFailed:
		return fmt.Sprintf("Quick gate failed (exit code %d): %s", o.Quick.ExitCode, o.Quick.Summary)
	case StatusTestFailed:
		if o.Test == nil {
			return "Test gate failed"
		}
		return fmt.Sprintf("Test gate failed (exit code %d): %s", o.Test.ExitCode, o.Test.Summary)
	default:
		return "All gates passed"
	}
}

const maxSummaryLen = 100

// ParseSummary picks a one-line, human readable summary out of gate output.
func ParseSummary(stdout, stderr string) string {
	outLines := splitLines(stdout)
	errLines := splitLines(stderr)

	hasPassed := false
	for _, l := range outLines {
		if strings.Contains(l, "passed") || strings.Contains(l, "succeeded") ||
			strings.Contains(l, "completed") || strings.Contains(l, "PASS") {
			hasPassed = true
			break
		}
	}
	hasFailed := false
	for _, l := range append(append([]string{}, outLines...), errLines...) {
		if strings.Contains(l, "failed") || strings.Contains(l, "error") ||
			strings.Contains(l, "FAIL") || strings.Contains(l, "Error:") {
			hasFailed = true
			break
		}
	}

	switch {
	case hasPassed && !hasFailed:
		return "Gate passed"
	case hasFailed && !hasPassed:
		return failureLine(outLines, errLines)
	case hasPassed && hasFailed:
		return "Gate completed with errors"
	}
	if len(outLines) > 0 && strings.TrimSpace(outLines[0]) != "" {
		return outLines[0]
	}
	return "Gate completed"
}

func failureLine(outLines, errLines []string) string {
	for _, l := range append(append([]string{}, outLines...), errLines...) {
		lower := strings.ToLower(l)
		if strings.Contains(lower, "error") || strings.Contains(lower, "failed") || strings.Contains(l, "FAIL") {
			if len(l) > maxSummaryLen {
				return l[:maxSummaryLen-3] + "..."
			}
			return l
		}
	}
	return "Gate failed"
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
