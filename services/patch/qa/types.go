// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package qa

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// TOOLS AND STATUS
// =============================================================================

// Tool identifies one step of the pipeline.
type Tool string

// Pipeline tools in execution order.
const (
	ToolRuff  Tool = "ruff"
	ToolBlack Tool = "black"
	ToolMypy  Tool = "mypy"
)

// Tools lists every tool in execution order.
var Tools = []Tool{ToolRuff, ToolBlack, ToolMypy}

// DisplayName returns the name shown in reports.
func (t Tool) DisplayName() string {
	switch t {
	case ToolRuff:
		return "Ruff"
	case ToolBlack:
		return "Black"
	case ToolMypy:
		return "MyPy"
	default:
		return string(t)
	}
}

// Status is the outcome of one tool. The zero value means the tool did not
// run.
type Status string

// Tool statuses.
const (
	StatusSkipped  Status = ""
	StatusPassed   Status = "passed"
	StatusWarnings Status = "warnings"
	StatusFailed   Status = "failed"
)

// Ran reports whether the tool produced a status.
func (s Status) Ran() bool {
	return s != StatusSkipped
}

// =============================================================================
// COMMANDS
// =============================================================================

// Command is a resolved process invocation.
type Command struct {
	// Path is the executable.
	Path string

	// Args are the arguments after Path.
	Args []string

	// Dir is the working directory; empty means the current one.
	Dir string
}

// String renders the command for humans.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	for _, p := range append([]string{c.Path}, c.Args...) {
		if p == "" || strings.ContainsAny(p, " \t\"'") {
			p = fmt.Sprintf("%q", p)
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, " ")
}

// Output is what a finished process produced.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// =============================================================================
// RESULTS
// =============================================================================

// ToolResult is one tool's outcome.
type ToolResult struct {
	Tool     Tool          `json:"tool"`
	Status   Status        `json:"status"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`

	// Unfixable is set when the linter reported problems it cannot fix.
	Unfixable bool `json:"unfixable,omitempty"`

	// Command is the invocation used, for the manual-fix hint.
	Command Command `json:"-"`
}

// Result is the outcome of one pipeline run. It is created fresh per run.
type Result struct {
	// Performed is false when the file is not a QA language.
	Performed bool `json:"qa_performed"`

	// Tools holds the outcome of every tool that ran, keyed by tool.
	Tools map[Tool]*ToolResult `json:"tools"`

	// Iterations is the number of lint/format passes.
	Iterations int `json:"iterations_used"`

	// Warnings are non-fatal pipeline notes such as timeouts.
	Warnings []string `json:"warnings"`

	// Errors describe tools that failed.
	Errors []string `json:"errors"`

	// MypyStreak is the file's consecutive mypy failure count after this run.
	MypyStreak int `json:"mypy_streak"`

	// MypySuppressed hides mypy from the report.
	MypySuppressed bool `json:"mypy_suppressed"`
}

func newResult() *Result {
	return &Result{
		Performed: true,
		Tools:     make(map[Tool]*ToolResult),
		Warnings:  []string{},
		Errors:    []string{},
	}
}

// Status returns the status of t, StatusSkipped when it did not run.
func (r *Result) Status(t Tool) Status {
	if tr, ok := r.Tools[t]; ok {
		return tr.Status
	}
	return StatusSkipped
}

// HasFailures reports whether any reported tool failed.
func (r *Result) HasFailures() bool {
	for t, tr := range r.Tools {
		if t == ToolMypy && r.MypySuppressed {
			continue
		}
		if tr.Status == StatusFailed {
			return true
		}
	}
	return false
}

// =============================================================================
// ERRORS
// =============================================================================

// Sentinel errors for the QA package.
var (
	// ErrCommandTimeout indicates a tool exceeded its per-command timeout.
	ErrCommandTimeout = errors.New("command timed out")

	// ErrCommandStart indicates a tool could not be started.
	ErrCommandStart = errors.New("command could not be started")

	// ErrNoInterpreter indicates no interpreter was available to run a tool.
	ErrNoInterpreter = errors.New("no interpreter available")
)

// ToolError wraps a process-level failure of one tool.
type ToolError struct {
	Tool    Tool
	Err     error
	Timeout time.Duration
}

// Error implements the error interface. Timeouts read "Command timed out
// after N seconds" since that text is shown verbatim to the caller.
func (e *ToolError) Error() string {
	if errors.Is(e.Err, ErrCommandTimeout) {
		return fmt.Sprintf("Command timed out after %s", formatSeconds(e.Timeout))
	}
	return fmt.Sprintf("%s: %v", e.Tool, e.Err)
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Err
}

func formatSeconds(d time.Duration) string {
	if d%time.Second == 0 {
		n := int(d / time.Second)
		if n == 1 {
			return "1 second"
		}
		return fmt.Sprintf("%d seconds", n)
	}
	return d.String()
}
