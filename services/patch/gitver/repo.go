// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gitver records successful edits as git commits.
//
// Only the edited files are staged and committed; unrelated work in the tree
// is left alone. Every failure is reported to the caller, which treats
// versioning as best effort.
package gitver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultTimeout bounds each git invocation.
const DefaultTimeout = 10 * time.Second

// ShortSHALength is the length of the hash returned by Commit.
const ShortSHALength = 7

// Sentinel errors for the gitver package.
var (
	// ErrNotRepository indicates the path is not inside a git work tree.
	ErrNotRepository = errors.New("not inside a git work tree")

	// ErrNothingToCommit indicates the files had no changes after staging.
	ErrNothingToCommit = errors.New("nothing to commit")

	// ErrOutsideRepository indicates a file lies outside the repository root.
	ErrOutsideRepository = errors.New("file is outside the repository")

	// ErrGitUnavailable indicates the git binary could not be found.
	ErrGitUnavailable = errors.New("git executable not found")
)

// Repo is a git work tree.
//
// Thread Safety: Safe for concurrent use, but concurrent commits to the same
// repository race on the index; callers serialize them.
type Repo struct {
	root    string
	git     string
	timeout time.Duration
}

// Open finds the work tree containing path.
//
// Description:
//
//	Runs `git rev-parse --show-toplevel` from path (or its directory when
//	path is a file) and resolves symlinks on the result.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	path - A file or directory inside the work tree.
//	timeout - Per-command limit. Zero uses DefaultTimeout.
//
// Outputs:
//
//	*Repo - The repository.
//	error - ErrGitUnavailable, ErrNotRepository, or a command error.
func Open(ctx context.Context, path string, timeout time.Duration) (*Repo, error) {
	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, ErrGitUnavailable
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	dir := path
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		dir = filepath.Dir(path)
	}

	boot := &Repo{root: dir, git: gitPath, timeout: timeout}
	top, err := boot.run(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotRepository, dir)
	}
	if resolved, err := filepath.EvalSymlinks(top); err == nil {
		top = resolved
	}

	slog.Debug("Found git repository", slog.String("root", top))
	return &Repo{root: top, git: gitPath, timeout: timeout}, nil
}

// Root returns the work tree root.
func (r *Repo) Root() string {
	return r.root
}

// Commit stages files and commits them with message.
//
// Description:
//
//	Each file is staged individually, then committed with a pathspec so
//	that other staged changes stay out of the commit.
//
// Outputs:
//
//	string - The short hash of the new commit.
//	error - ErrOutsideRepository, ErrNothingToCommit, or a command error.
func (r *Repo) Commit(ctx context.Context, files []string, message string) (string, error) {
	if len(files) == 0 {
		return "", ErrNothingToCommit
	}
	if message == "" {
		message = CommitMessage(files)
	}

	rels := make([]string, 0, len(files))
	for _, f := range files {
		rel, err := r.relative(f)
		if err != nil {
			return "", err
		}
		rels = append(rels, rel)
	}

	for _, rel := range rels {
		if _, err := r.run(ctx, "add", "--", rel); err != nil {
			return "", err
		}
	}

	status, err := r.run(ctx, append([]string{"status", "--porcelain", "--"}, rels...)...)
	if err != nil {
		return "", err
	}
	if status == "" {
		return "", ErrNothingToCommit
	}

	args := append([]string{"commit", "--quiet", "--no-verify", "-m", message, "--"}, rels...)
	if _, err := r.run(ctx, args...); err != nil {
		return "", err
	}

	sha, err := r.run(ctx, "rev-parse", fmt.Sprintf("--short=%d", ShortSHALength), "HEAD")
	if err != nil {
		return "", err
	}

	slog.Info("Committed edit",
		slog.String("commit", sha),
		slog.Int("files", len(rels)),
	)
	return sha, nil
}

// CommitMessage builds the default message for files.
func CommitMessage(files []string) string {
	switch len(files) {
	case 0:
		return "Update files"
	case 1:
		return "Update " + filepath.Base(files[0])
	default:
		return fmt.Sprintf("Update %d files", len(files))
	}
}

// relative converts f to a slash-separated path relative to the root.
func (r *Repo) relative(f string) (string, error) {
	abs, err := filepath.Abs(f)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	rel, err := filepath.Rel(r.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRepository, f)
	}
	return filepath.ToSlash(rel), nil
}

// run executes a git command in the repository root and returns stdout.
func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.git, args...)
	cmd.Dir = r.root

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("git %s: timeout after %v", args[0], r.timeout)
		}
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
