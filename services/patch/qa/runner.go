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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// CommandRunner executes one command.
//
// A non-nil error means the process could not produce a result at all:
// it failed to start, timed out, or was cancelled. A process that ran and
// exited non-zero returns a nil error and its exit code in Output.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command, timeout time.Duration) (Output, error)
}

// ExecRunner runs commands as child processes.
//
// Thread Safety: Safe for concurrent use.
type ExecRunner struct{}

// NewExecRunner creates an ExecRunner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run implements CommandRunner.
//
// Description:
//
//	Starts cmd with exec.CommandContext under its own timeout and captures
//	stdout and stderr. The child is killed when the timeout expires.
//
// Outputs:
//
//	Output - Captured streams and exit code.
//	error - ErrCommandTimeout, ErrCommandStart or the context error.
func (r *ExecRunner) Run(ctx context.Context, cmd Command, timeout time.Duration) (Output, error) {
	if cmd.Path == "" {
		return Output{}, fmt.Errorf("%w: empty executable path", ErrCommandStart)
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(cmdCtx, cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	c.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}

	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return out, ErrCommandTimeout
	}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		out.ExitCode = 0
	case errors.As(err, &exitErr):
		out.ExitCode = exitErr.ExitCode()
	default:
		return out, fmt.Errorf("%w: %v", ErrCommandStart, err)
	}
	return out, nil
}
