// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package patch is the request orchestrator: it checks the target path,
// parses and applies SEARCH/REPLACE blocks, writes the file, runs QA, and
// commits the result. It also exposes the operation as an MCP tool.
package patch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/patchmcp/services/patch/apply"
	"github.com/AleutianAI/patchmcp/services/patch/blocks"
	"github.com/AleutianAI/patchmcp/services/patch/failures"
	"github.com/AleutianAI/patchmcp/services/patch/filelock"
	"github.com/AleutianAI/patchmcp/services/patch/gitver"
	"github.com/AleutianAI/patchmcp/services/patch/guard"
	"github.com/AleutianAI/patchmcp/services/patch/qa"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// InterpreterFinder locates the Python environment for a file.
type InterpreterFinder interface {
	Find(file string) (qa.Interpreter, bool)
}

// QARunner runs the quality pipeline on a written file.
type QARunner interface {
	Run(ctx context.Context, file string, interp qa.Interpreter) *qa.Result
}

// Committer records a successful edit in version control and returns the
// short commit hash.
type Committer interface {
	Commit(ctx context.Context, file string) (string, error)
}

// GitCommitter commits through the git command line.
type GitCommitter struct {
	Timeout time.Duration
}

// Commit implements Committer.
func (g GitCommitter) Commit(ctx context.Context, file string) (string, error) {
	repo, err := gitver.Open(ctx, file, g.Timeout)
	if err != nil {
		return "", err
	}
	return repo.Commit(ctx, []string{file}, gitver.CommitMessage([]string{file}))
}

// =============================================================================
// SERVICE
// =============================================================================

// DefaultGCEvery is how many requests pass between failure-history sweeps.
const DefaultGCEvery = 100

// Service applies patches to files.
//
// Thread Safety: Safe for concurrent use. Requests for the same file are
// serialized by the lock manager; requests for different files run in
// parallel.
type Service struct {
	allow      *guard.AllowList
	parser     *blocks.Parser
	applicator *apply.Applicator
	tracker    *failures.Tracker
	qa         QARunner
	venvs      InterpreterFinder
	committer  Committer
	locks      *filelock.Manager
	qaExts     []string
	gcEvery    int64
	now        func() time.Time

	calls atomic.Int64
}

// Deps holds the collaborators of a Service. Nil optional fields disable
// the corresponding step.
type Deps struct {
	// Allow is required.
	Allow *guard.AllowList

	// Locks is required.
	Locks *filelock.Manager

	// Parser defaults to blocks.NewParser().
	Parser *blocks.Parser

	// Applicator defaults to apply.New(nil), which gives no hints.
	Applicator *apply.Applicator

	// Tracker defaults to failures.NewTracker().
	Tracker *failures.Tracker

	// QA and Venvs enable the quality pipeline when both are set.
	QA    QARunner
	Venvs InterpreterFinder

	// Committer enables commit-after-edit.
	Committer Committer

	// QAExtensions selects files that get QA. Defaults to ".py".
	QAExtensions []string

	// GCEvery defaults to DefaultGCEvery.
	GCEvery int

	// Now defaults to time.Now.
	Now func() time.Time
}

// NewService creates a Service.
//
// Inputs:
//
//	d - Collaborators. Allow and Locks must be set.
//
// Outputs:
//
//	*Service - Ready to serve requests.
//	error - Non-nil when a required collaborator is missing.
func NewService(d Deps) (*Service, error) {
	if d.Allow == nil {
		return nil, errors.New("patch service: allow-list is required")
	}
	if d.Locks == nil {
		return nil, errors.New("patch service: lock manager is required")
	}
	s := &Service{
		allow:      d.Allow,
		parser:     d.Parser,
		applicator: d.Applicator,
		tracker:    d.Tracker,
		qa:         d.QA,
		venvs:      d.Venvs,
		committer:  d.Committer,
		locks:      d.Locks,
		qaExts:     d.QAExtensions,
		gcEvery:    int64(d.GCEvery),
		now:        d.Now,
	}
	if s.parser == nil {
		s.parser = blocks.NewParser()
	}
	if s.applicator == nil {
		s.applicator = apply.New(nil)
	}
	if s.tracker == nil {
		s.tracker = failures.NewTracker()
	}
	if len(s.qaExts) == 0 {
		s.qaExts = []string{".py"}
	}
	if s.gcEvery <= 0 {
		s.gcEvery = DefaultGCEvery
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Tracker returns the failure tracker.
func (s *Service) Tracker() *failures.Tracker {
	return s.tracker
}

// PatchFile applies the SEARCH/REPLACE blocks in patchContent to filePath.
//
// Description:
//
//	Checks the path against the allow-list, existence and the binary
//	extension table, then under the file lock: reads the file, parses and
//	applies every block in memory, and writes the result only if all of
//	them applied. Supported source files then go through QA and, when
//	enabled, the final content is committed. Every failure is recorded in
//	the failure tracker, which may attach an advisory to the error.
//
// Inputs:
//
//	ctx - Bounds the lock wait, QA and git.
//	filePath - The file as the caller names it.
//	patchContent - One or more SEARCH/REPLACE blocks.
//
// Outputs:
//
//	string - The success report, including QA results when QA ran.
//	error - *PatchError on any failure before or during the write.
func (s *Service) PatchFile(ctx context.Context, filePath, patchContent string) (string, error) {
	start := s.now()
	s.maybeCollect(ctx)

	ctx, span := startPatchSpan(ctx, filePath)
	defer span.End()

	fail := func(key string, stage failures.Stage, err error) error {
		attempt := s.tracker.Record(key, patchContent, stage, err.Error())
		perr := &PatchError{
			Path:     filePath,
			Stage:    stage,
			Err:      err,
			Advisory: failures.Advisory(attempt.Sequence, blocks.CountSearchMarkers(patchContent)),
		}
		var aerr *apply.ApplyError
		hinted := errors.As(err, &aerr) && aerr.Hint != ""

		slog.Warn("Patch failed",
			slog.String("path", filePath),
			slog.String("stage", string(stage)),
			slog.Int("attempt", attempt.Sequence),
			slog.String("fingerprint", attempt.Fingerprint),
			slog.String("error", firstLine(err.Error())),
		)
		setPatchSpanFailure(span, stage, err)
		recordFailure(ctx, perr, s.now().Sub(start), hinted)
		return perr
	}

	path, err := guard.NormalizePath(filePath)
	if err != nil {
		return "", fail(filePath, failures.StageValidation, err)
	}
	if err := s.allow.Check(path, filePath); err != nil {
		return "", fail(path, failures.StageValidation, err)
	}
	if err := guard.CheckRegularFile(path, filePath); err != nil {
		return "", fail(path, failures.StageValidation, err)
	}
	if err := guard.CheckTextFile(path); err != nil {
		return "", fail(path, failures.StageValidation, err)
	}

	var out string
	lockErr := s.locks.WithLock(ctx, path, func() error {
		res, err := s.patchLocked(ctx, path, filePath, patchContent)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if lockErr != nil {
		var staged *stagedError
		if errors.As(lockErr, &staged) {
			return "", fail(path, staged.stage, staged.err)
		}
		return "", fail(path, failures.StageWrite, fmt.Errorf("acquiring file lock: %w", lockErr))
	}

	slog.Info("Patch applied",
		slog.String("path", path),
		slog.Duration("duration", s.now().Sub(start)),
	)
	return out, nil
}

// stagedError carries a failure stage out of the locked section.
type stagedError struct {
	stage failures.Stage
	err   error
}

func (e *stagedError) Error() string { return e.err.Error() }
func (e *stagedError) Unwrap() error { return e.err }

// patchLocked runs read, parse, apply, write, QA and commit. The caller
// holds the file lock.
func (s *Service) patchLocked(ctx context.Context, path, display, patchContent string) (string, error) {
	start := s.now()

	info, err := os.Stat(path)
	if err != nil {
		return "", &stagedError{failures.StageWrite, fmt.Errorf("reading file: %w", err)}
	}
	original, err := os.ReadFile(path)
	if err != nil {
		return "", &stagedError{failures.StageWrite, fmt.Errorf("reading file: %w", err)}
	}

	parsed, err := s.parser.Parse(patchContent)
	if err != nil {
		return "", &stagedError{failures.StageParsing, err}
	}

	result, err := s.applicator.Apply(string(original), parsed)
	if err != nil {
		return "", &stagedError{failures.StageApplication, err}
	}

	if err := verifyAndWrite(path, contentHash(original), []byte(result.Content), info.Mode().Perm()); err != nil {
		return "", &stagedError{failures.StageWrite, err}
	}
	s.tracker.Clear(path)

	change, err := apply.Diff(display, string(original), result.Content)
	if err != nil {
		slog.Debug("Failed to render diff", slog.String("error", err.Error()))
	}
	slog.Debug("Patch diff",
		slog.String("path", path),
		slog.Int("blocks", result.Applied),
		slog.Int("lines_added", change.LinesAdded),
		slog.Int("lines_removed", change.LinesRemoved),
		slog.String("diff", string(change.Unified)),
	)

	var b strings.Builder
	fmt.Fprintf(&b, "Successfully applied %d patch blocks to %s", result.Applied, display)

	qaSection, qaRan := s.runQA(ctx, path)

	if s.committer != nil {
		sha, err := s.committer.Commit(ctx, path)
		switch {
		case err == nil:
			fmt.Fprintf(&b, "\nCommitted as %s", sha)
		case errors.Is(err, gitver.ErrNotRepository), errors.Is(err, gitver.ErrNothingToCommit):
			slog.Debug("Skipped commit", slog.String("path", path), slog.String("reason", err.Error()))
		default:
			slog.Warn("Commit failed", slog.String("path", path), slog.String("error", err.Error()))
		}
	}

	if qaSection != "" {
		b.WriteString("\n\n")
		b.WriteString(qaSection)
	}

	span := trace.SpanFromContext(ctx)
	setPatchSpanSuccess(span, result.Applied, change, qaRan)
	recordSuccess(ctx, result.Applied, change, s.now().Sub(start))
	return b.String(), nil
}

// runQA returns the rendered QA section, or "" when the file is not a QA
// language or QA is not configured.
func (s *Service) runQA(ctx context.Context, path string) (string, bool) {
	if s.qa == nil || s.venvs == nil || !qa.IsQAFile(path, s.qaExts) {
		return "", false
	}
	interp, ok := s.venvs.Find(path)
	if !ok {
		slog.Info("No virtual environment found", slog.String("path", path))
		return qa.NoInterpreterReport, false
	}
	res := s.qa.Run(ctx, path, interp)
	return qa.Render(res), res.Performed
}

// maybeCollect sweeps stale failure history every gcEvery calls.
func (s *Service) maybeCollect(ctx context.Context) {
	if s.calls.Add(1)%s.gcEvery != 0 {
		return
	}
	dropped := s.tracker.GarbageCollect()
	recordGC(ctx, dropped)
	if dropped > 0 {
		slog.Debug("Collected stale failure history", slog.Int("files", dropped))
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
