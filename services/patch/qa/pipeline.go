// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package qa runs the lint, format and type-check tools over a freshly
// edited file and gathers their results.
//
// The pipeline is a small state machine:
//
//	Start -> Lint -> Format -> (file changed ? Lint : TypeCheck) -> Done
//
// Every step entry is gated by a wall-clock budget. Lint can end the run
// early on unfixable problems, and any step ends it on a process-level
// failure. The pipeline never returns an error: QA problems are reported in
// the Result because the edit itself has already succeeded.
package qa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/AleutianAI/patchmcp/services/patch/failures"
)

// Pipeline defaults.
const (
	DefaultCommandTimeout      = 15 * time.Second
	DefaultWallTime            = 20 * time.Second
	DefaultMaxIterations       = 4
	DefaultMypyStreakThreshold = 3
)

// Options selects tools and bounds the run.
type Options struct {
	RuffEnabled  bool
	BlackEnabled bool
	MypyEnabled  bool

	// MypyOnTests runs mypy on test files too.
	MypyOnTests bool

	// CommandTimeout bounds each tool invocation.
	CommandTimeout time.Duration

	// WallTime bounds the whole run, measured from its start.
	WallTime time.Duration

	// MaxIterations bounds lint/format passes.
	MaxIterations int

	// MypyStreakThreshold is the consecutive mypy failure count from which
	// mypy output is hidden.
	MypyStreakThreshold int
}

// DefaultOptions enables every tool with the stock bounds.
func DefaultOptions() Options {
	return Options{
		RuffEnabled:         true,
		BlackEnabled:        true,
		MypyEnabled:         true,
		CommandTimeout:      DefaultCommandTimeout,
		WallTime:            DefaultWallTime,
		MaxIterations:       DefaultMaxIterations,
		MypyStreakThreshold: DefaultMypyStreakThreshold,
	}
}

// Pipeline runs the QA tools.
//
// Thread Safety: Safe for concurrent use on different files. Runs on the
// same file must be serialized by the caller because the tools rewrite it.
type Pipeline struct {
	opts      Options
	runner    CommandRunner
	resolver  Resolver
	unfixable UnfixablePredicate
	streaks   *failures.Streaks
	now       func() time.Time
	modTime   func(path string) (time.Time, error)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRunner sets the command runner.
func WithRunner(r CommandRunner) Option {
	return func(p *Pipeline) { p.runner = r }
}

// WithResolver sets the tool resolution strategy.
func WithResolver(r Resolver) Option {
	return func(p *Pipeline) { p.resolver = r }
}

// WithUnfixable sets the unfixable-lint predicate.
func WithUnfixable(pred UnfixablePredicate) Option {
	return func(p *Pipeline) { p.unfixable = pred }
}

// WithStreaks shares the mypy streak table.
func WithStreaks(s *failures.Streaks) Option {
	return func(p *Pipeline) { p.streaks = s }
}

// WithClock overrides the time source used for the wall-clock budget.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithModTime overrides how file modification times are read.
func WithModTime(fn func(path string) (time.Time, error)) Option {
	return func(p *Pipeline) { p.modTime = fn }
}

// NewPipeline creates a pipeline.
//
// Description:
//
//	Zero or negative bounds in opts fall back to the defaults. Without
//	options the pipeline executes real processes, resolves tools from the
//	interpreter's environment, and keeps its own mypy streak table.
func NewPipeline(opts Options, options ...Option) *Pipeline {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.WallTime <= 0 {
		opts.WallTime = DefaultWallTime
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.MypyStreakThreshold <= 0 {
		opts.MypyStreakThreshold = DefaultMypyStreakThreshold
	}

	p := &Pipeline{
		opts:      opts,
		runner:    NewExecRunner(),
		resolver:  NewVenvResolver(nil),
		unfixable: DefaultUnfixable,
		now:       time.Now,
		modTime:   statModTime,
	}
	for _, o := range options {
		o(p)
	}
	if p.streaks == nil {
		p.streaks = failures.NewStreaks()
	}
	return p
}

// Options returns the effective options.
func (p *Pipeline) Options() Options {
	return p.opts
}

// =============================================================================
// STATE MACHINE
// =============================================================================

type state int

const (
	stateStart state = iota
	stateLint
	stateFormat
	stateTypeCheck
	stateDone
)

func (s state) String() string {
	return [...]string{"start", "lint", "format", "type_check", "done"}[s]
}

// run is the mutable state of one pipeline execution.
type run struct {
	p       *Pipeline
	ctx     context.Context
	file    string
	interp  Interpreter
	res     *Result
	start   time.Time
	runMypy bool
	iterate bool

	// notes holds each tool's status line from its latest run. A relint
	// pass replaces the previous pass's line instead of repeating it.
	notes map[Tool]toolNote
}

type toolNote struct {
	failed bool
	text   string
}

// Run executes the pipeline on file.
//
// Description:
//
//	Walks the state machine until Done. The lint/format pair repeats while
//	the formatter keeps changing the file and both are enabled, up to
//	MaxIterations passes. Mypy runs once after the loop settles. Mypy is
//	skipped on test files unless MypyOnTests is set. The file's mypy
//	failure streak is updated from the mypy outcome.
//
// Inputs:
//
//	ctx - Cancels the run; per-tool timeouts are applied on top of it.
//	file - Absolute path of the edited file.
//	interp - The environment to resolve tools in.
//
// Outputs:
//
//	*Result - Never nil.
func (p *Pipeline) Run(ctx context.Context, file string, interp Interpreter) *Result {
	ctx, span := startPipelineSpan(ctx, file)
	defer span.End()

	r := &run{
		p:       p,
		ctx:     ctx,
		file:    file,
		interp:  interp,
		res:     newResult(),
		start:   p.now(),
		runMypy: p.opts.MypyEnabled && (p.opts.MypyOnTests || !IsTestPath(file)),
		iterate: p.opts.RuffEnabled && p.opts.BlackEnabled,
		notes:   make(map[Tool]toolNote),
	}
	if p.opts.MypyEnabled && !r.runMypy {
		slog.Debug("Skipping mypy on test file", slog.String("file", file))
	}

	for st := stateStart; st != stateDone; {
		next := r.step(st)
		slog.Debug("QA pipeline transition",
			slog.String("file", file),
			slog.String("from", st.String()),
			slog.String("to", next.String()),
		)
		st = next
	}

	r.flushNotes()
	r.updateMypyStreak()
	setPipelineSpanResult(span, r.res)
	recordPipelineMetrics(ctx, r.res, p.now().Sub(r.start))
	return r.res
}

// step performs the work of one state and returns the next.
func (r *run) step(st state) state {
	switch st {
	case stateStart:
		if !r.withinBudget(st) {
			return stateDone
		}
		switch {
		case r.p.opts.RuffEnabled:
			r.res.Iterations = 1
			return stateLint
		case r.p.opts.BlackEnabled:
			r.res.Iterations = 1
			return stateFormat
		default:
			return stateTypeCheck
		}

	case stateLint:
		if !r.withinBudget(st) {
			return stateDone
		}
		tr, hard := r.exec(ToolRuff)
		if hard {
			return stateDone
		}
		if tr.Unfixable {
			r.res.Warnings = append(r.res.Warnings, "Ruff reported unfixable problems; black and mypy were not run")
			return stateDone
		}
		if r.p.opts.BlackEnabled {
			return stateFormat
		}
		return stateTypeCheck

	case stateFormat:
		if !r.withinBudget(st) {
			return stateDone
		}
		before, errBefore := r.p.modTime(r.file)
		_, hard := r.exec(ToolBlack)
		if hard {
			return stateDone
		}
		after, errAfter := r.p.modTime(r.file)
		changed := errBefore == nil && errAfter == nil && !after.Equal(before)
		if !changed || !r.iterate {
			return stateTypeCheck
		}
		if r.res.Iterations >= r.p.opts.MaxIterations {
			r.res.Warnings = append(r.res.Warnings, fmt.Sprintf(
				"Reached QA iteration limit (%d) while ruff and black kept modifying the file", r.p.opts.MaxIterations))
			return stateTypeCheck
		}
		r.res.Iterations++
		return stateLint

	case stateTypeCheck:
		if !r.runMypy {
			return stateDone
		}
		if !r.withinBudget(st) {
			return stateDone
		}
		r.exec(ToolMypy)
		return stateDone
	}
	return stateDone
}

// withinBudget checks cancellation and the wall-clock budget before entering
// st. When either is exhausted it records a warning naming the tools that
// will not run.
func (r *run) withinBudget(st state) bool {
	if err := r.ctx.Err(); err != nil {
		r.res.Warnings = append(r.res.Warnings, fmt.Sprintf("QA pipeline cancelled: %v", err))
		return false
	}
	elapsed := r.p.now().Sub(r.start)
	if elapsed <= r.p.opts.WallTime {
		return true
	}
	r.res.Warnings = append(r.res.Warnings, fmt.Sprintf(
		"QA pipeline timed out after %s (limit %s); skipped: %s",
		elapsed.Round(time.Millisecond), r.p.opts.WallTime, strings.Join(r.remaining(st), ", ")))
	return false
}

// remaining lists the tools that st and the states after it would run.
func (r *run) remaining(st state) []string {
	var out []string
	if st <= stateLint && r.p.opts.RuffEnabled {
		out = append(out, string(ToolRuff))
	}
	if st <= stateFormat && r.p.opts.BlackEnabled {
		out = append(out, string(ToolBlack))
	}
	if r.runMypy {
		out = append(out, string(ToolMypy))
	}
	if len(out) == 0 {
		out = append(out, "none")
	}
	return out
}

// exec resolves and runs one tool and stores its result. hard is true when
// the process could not produce a result.
func (r *run) exec(tool Tool) (tr *ToolResult, hard bool) {
	ctx, span := startToolSpan(r.ctx, tool)
	defer span.End()

	tr = &ToolResult{Tool: tool}
	r.res.Tools[tool] = tr
	started := r.p.now()

	cmd, err := r.p.resolver.Resolve(tool, r.interp, r.file)
	tr.Command = cmd
	var out Output
	if err == nil {
		out, err = r.p.runner.Run(ctx, cmd, r.p.opts.CommandTimeout)
	}
	tr.Duration = r.p.now().Sub(started)

	if err != nil {
		tr.Status = StatusFailed
		tr.ExitCode = -1
		tr.Stdout = out.Stdout
		tr.Stderr = r.describe(tool, err)
		r.notes[tool] = toolNote{failed: true, text: fmt.Sprintf("%s failed: %s", tool.DisplayName(), tr.Stderr)}
		hard = true
	} else {
		tr.Stdout, tr.Stderr, tr.ExitCode = out.Stdout, out.Stderr, out.ExitCode
		tr.Unfixable = tool == ToolRuff && out.ExitCode != 0 && r.p.unfixable(out)
		tr.Status = classify(tool, out, tr.Unfixable)
		switch tr.Status {
		case StatusWarnings:
			r.notes[tool] = toolNote{text: fmt.Sprintf(
				"%s reported warnings (exit code %d)", tool.DisplayName(), out.ExitCode)}
		case StatusFailed:
			r.notes[tool] = toolNote{failed: true, text: fmt.Sprintf(
				"%s reported errors (exit code %d)", tool.DisplayName(), out.ExitCode)}
		default:
			delete(r.notes, tool)
		}
	}

	setToolSpanResult(span, tr)
	recordToolMetrics(ctx, tr)
	slog.Debug("QA tool finished",
		slog.String("tool", string(tool)),
		slog.String("file", r.file),
		slog.String("status", string(tr.Status)),
		slog.Int("exit_code", tr.ExitCode),
		slog.Duration("duration", tr.Duration),
	)
	return tr, hard
}

// flushNotes appends each tool's latest status line, in pipeline order.
func (r *run) flushNotes() {
	for _, tool := range Tools {
		n, ok := r.notes[tool]
		if !ok {
			continue
		}
		if n.failed {
			r.res.Errors = append(r.res.Errors, n.text)
		} else {
			r.res.Warnings = append(r.res.Warnings, n.text)
		}
	}
}

// describe renders a process-level failure for the tool's stderr slot.
func (r *run) describe(tool Tool, err error) string {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Error()
	}
	return (&ToolError{Tool: tool, Err: err, Timeout: r.p.opts.CommandTimeout}).Error()
}

// updateMypyStreak folds this run's mypy outcome into the file's streak.
// A run without mypy leaves the streak untouched.
func (r *run) updateMypyStreak() {
	switch r.res.Status(ToolMypy) {
	case StatusFailed:
		r.p.streaks.Fail(r.file)
	case StatusPassed, StatusWarnings:
		r.p.streaks.Reset(r.file)
	}
	r.res.MypyStreak = r.p.streaks.Get(r.file)
	r.res.MypySuppressed = r.res.Status(ToolMypy).Ran() && r.res.MypyStreak >= r.p.opts.MypyStreakThreshold
}

func statModTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
