// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/patchmcp/services/patch/apply"
	"github.com/AleutianAI/patchmcp/services/patch/blocks"
	"github.com/AleutianAI/patchmcp/services/patch/failures"
	"github.com/AleutianAI/patchmcp/services/patch/filelock"
	"github.com/AleutianAI/patchmcp/services/patch/fuzzy"
	"github.com/AleutianAI/patchmcp/services/patch/gitver"
	"github.com/AleutianAI/patchmcp/services/patch/guard"
	"github.com/AleutianAI/patchmcp/services/patch/qa"
)

// =============================================================================
// FAKES
// =============================================================================

type fixedFinder struct {
	interp qa.Interpreter
	ok     bool
}

func (f fixedFinder) Find(string) (qa.Interpreter, bool) { return f.interp, f.ok }

// toolRunner answers "python -m <tool>" commands with per-tool exit codes.
type toolRunner struct {
	mu    sync.Mutex
	exits map[qa.Tool]int
	calls []qa.Tool
}

func (r *toolRunner) Run(_ context.Context, cmd qa.Command, _ time.Duration) (qa.Output, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tool := qa.Tool(cmd.Args[1])
	r.calls = append(r.calls, tool)
	code := r.exits[tool]
	out := qa.Output{ExitCode: code}
	if code != 0 {
		out.Stdout = string(tool) + " error output"
	}
	return out, nil
}

type fakeCommitter struct {
	sha   string
	err   error
	files []string
}

func (c *fakeCommitter) Commit(_ context.Context, file string) (string, error) {
	c.files = append(c.files, file)
	return c.sha, c.err
}

// =============================================================================
// HELPERS
// =============================================================================

type fixture struct {
	dir     string
	svc     *Service
	runner  *toolRunner
	commits *fakeCommitter
}

type fixtureOption func(*Deps, *fixture)

func withVenv(found bool) fixtureOption {
	return func(d *Deps, f *fixture) {
		f.runner = &toolRunner{exits: map[qa.Tool]int{}}
		d.Venvs = fixedFinder{interp: qa.Interpreter{Python: "/venv/bin/python"}, ok: found}
		d.QA = qa.NewPipeline(qa.DefaultOptions(),
			qa.WithRunner(f.runner),
			qa.WithStreaks(d.Tracker.Streaks()),
		)
	}
}

func withCommitter(c *fakeCommitter) fixtureOption {
	return func(d *Deps, f *fixture) {
		f.commits = c
		d.Committer = c
	}
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	allow, err := guard.NewAllowList([]string{dir})
	require.NoError(t, err)
	locks, err := filelock.NewManager(filepath.Join(t.TempDir(), "locks"))
	require.NoError(t, err)

	f := &fixture{dir: dir}
	d := Deps{
		Allow:      allow,
		Locks:      locks,
		Applicator: apply.New(fuzzy.NewFinder(fuzzy.DefaultOptions())),
		Tracker:    failures.NewTracker(),
	}
	for _, opt := range opts {
		opt(&d, f)
	}
	f.svc, err = NewService(d)
	require.NoError(t, err)
	return f
}

func (f *fixture) write(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(f.dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func read(t *testing.T, p string) string {
	t.Helper()
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	return string(b)
}

func block(search, replace string) string {
	return "<<<<<<< SEARCH\n" + search + "\n=======\n" + replace + "\n>>>>>>> REPLACE"
}

// =============================================================================
// END-TO-END SCENARIOS
// =============================================================================

func TestPatchFile_ScenarioA_Success(t *testing.T) {
	f := newFixture(t)
	p := f.write(t, "hello.txt", "def hello():\n    print('Hello')\n")

	out, err := f.svc.PatchFile(context.Background(), p,
		block("    print('Hello')", "    print('Hello, World!')"))
	require.NoError(t, err)

	assert.Equal(t, "Successfully applied 1 patch blocks to "+p, out)
	assert.NotContains(t, out, "QA")
	assert.Equal(t, "def hello():\n    print('Hello, World!')\n", read(t, p))
}

func TestPatchFile_ScenarioB_NotFound(t *testing.T) {
	f := newFixture(t)
	original := "def hello():\n    print('Hello')\n"
	p := f.write(t, "hello.txt", original)

	_, err := f.svc.PatchFile(context.Background(), p, block("print('Hi')", "print('Bye')"))
	require.Error(t, err)

	var perr *PatchError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, failures.StageApplication, perr.Stage)
	assert.ErrorIs(t, err, apply.ErrNoMatch)
	assert.True(t, strings.HasPrefix(err.Error(), "Failed to apply patch to "+p+": "))
	assert.Contains(t, err.Error(), "Could not find the search text")
	assert.NotContains(t, err.Error(), fuzzy.LikelyMatchMarker, "single-line search never gets a hint")
	assert.Equal(t, original, read(t, p))
}

func TestPatchFile_ScenarioB_WithHint(t *testing.T) {
	f := newFixture(t)
	p := f.write(t, "calc.txt", strings.Join([]string{
		"import os",
		"",
		"def add(a, b):",
		"    total = a + b",
		"    return total",
		"",
		"print(add(1, 2))",
	}, "\n")+"\n")

	search := "def add(a, b):\n  total = a + b\n  return total"
	_, err := f.svc.PatchFile(context.Background(), p, block(search, "def add(a, b):\n    return a + b"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), fuzzy.HintHeader)
	assert.Contains(t, err.Error(), fuzzy.LikelyMatchMarker)
	assert.Contains(t, err.Error(), "3: def add(a, b):")
}

func TestPatchFile_ScenarioC_Ambiguous(t *testing.T) {
	f := newFixture(t)
	p := f.write(t, "dup.txt", "print('x')\nprint('x')\n")

	_, err := f.svc.PatchFile(context.Background(), p, block("print('x')", "print('y')"))
	require.Error(t, err)

	var aerr *apply.ApplyError
	require.True(t, errors.As(err, &aerr))
	assert.ErrorIs(t, err, apply.ErrAmbiguousMatch)
	assert.Equal(t, 2, aerr.MatchCount)
	assert.Contains(t, err.Error(), "appears 2 times")
	assert.Equal(t, "print('x')\nprint('x')\n", read(t, p))
}

func TestPatchFile_ScenarioD_Advisory(t *testing.T) {
	f := newFixture(t)
	p := f.write(t, "multi.txt", "alpha\nbeta\n")
	patch := block("gamma", "GAMMA") + "\n" + block("delta", "DELTA")

	_, err := f.svc.PatchFile(context.Background(), p, patch)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "consecutive failed edit attempt")

	_, err = f.svc.PatchFile(context.Background(), p, patch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2nd consecutive failed edit attempt")
	assert.NotContains(t, err.Error(), "consider splitting this edit")

	_, err = f.svc.PatchFile(context.Background(), p, patch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3rd consecutive failed edit attempt")
	assert.Contains(t, err.Error(), "consider splitting this edit")

	_, err = f.svc.PatchFile(context.Background(), p, block("alpha", "ALPHA"))
	require.NoError(t, err)
	assert.Empty(t, f.svc.Tracker().History(p))

	_, err = f.svc.PatchFile(context.Background(), p, patch)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "consecutive failed edit attempt", "success resets the count")
}

// =============================================================================
// VALIDATION AND PARSING
// =============================================================================

func TestPatchFile_MultipleBlocks(t *testing.T) {
	f := newFixture(t)
	p := f.write(t, "funcs.txt", "def one():\n    return 1\n\ndef two():\n    return 2\n")

	out, err := f.svc.PatchFile(context.Background(), p,
		block("    return 1", `    return "one"`)+"\n"+block("    return 2", `    return "two"`))
	require.NoError(t, err)
	assert.Contains(t, out, "Successfully applied 2 patch blocks")
	assert.Equal(t, "def one():\n    return \"one\"\n\ndef two():\n    return \"two\"\n", read(t, p))
}

func TestPatchFile_UnicodeSpaceAfterMarkerAppliesEveryBlock(t *testing.T) {
	f := newFixture(t)
	p := f.write(t, "funcs.txt", "a = 1\nb = 2\n")

	second := "<<<<<<< SEARCH\u00a0\nb = 2\n=======\f\nb = 20\n>>>>>>> REPLACE"
	out, err := f.svc.PatchFile(context.Background(), p, block("a = 1", "a = 10")+"\n"+second)
	require.NoError(t, err)
	assert.Contains(t, out, "Successfully applied 2 patch blocks")
	assert.Equal(t, "a = 10\nb = 20\n", read(t, p))
}

func TestPatchFile_GuardFailures(t *testing.T) {
	f := newFixture(t)
	outside := filepath.Join(t.TempDir(), "outside.txt")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))
	png := f.write(t, "logo.png", "not really a png")

	cases := []struct {
		name string
		path string
		want error
		msg  string
	}{
		{"empty path", "", guard.ErrEmptyPath, "Empty path provided"},
		{"outside allow-list", outside, guard.ErrNotAllowed, "is not in allowed directories"},
		{"missing", filepath.Join(f.dir, "missing.txt"), guard.ErrFileNotFound, "does not exist"},
		{"binary", png, guard.ErrBinaryFile, "Rejected: patch_file tool should only be used to edit text files. .png files are binary."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.PatchFile(context.Background(), tc.path, block("a", "b"))
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.Contains(t, err.Error(), tc.msg)

			var perr *PatchError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, failures.StageValidation, perr.Stage)
		})
	}
}

func TestPatchFile_ParseFailures(t *testing.T) {
	f := newFixture(t)
	p := f.write(t, "a.txt", "content\n")

	for name, patch := range map[string]string{
		"empty":      "",
		"whitespace": "   \n\t  ",
		"unbalanced": "<<<<<<< SEARCH\ncontent\n=======\nmodified\n",
		"no markers": "just some text",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.PatchFile(context.Background(), p, patch)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "Failed to apply patch")

			var verr *blocks.ValidationError
			assert.True(t, errors.As(err, &verr))
			var perr *PatchError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, failures.StageParsing, perr.Stage)
		})
	}
	assert.Equal(t, "content\n", read(t, p))
}

func TestPatchFile_FailsClosedOnReapply(t *testing.T) {
	f := newFixture(t)
	p := f.write(t, "a.txt", "one\ntwo\n")
	patch := block("one", "uno")

	_, err := f.svc.PatchFile(context.Background(), p, patch)
	require.NoError(t, err)
	_, err = f.svc.PatchFile(context.Background(), p, patch)
	assert.ErrorIs(t, err, apply.ErrNoMatch)
	assert.Equal(t, "uno\ntwo\n", read(t, p))
}

func TestPatchFile_PreservesPermissions(t *testing.T) {
	f := newFixture(t)
	p := f.write(t, "run.sh", "echo hi\n")
	require.NoError(t, os.Chmod(p, 0o755))

	_, err := f.svc.PatchFile(context.Background(), p, block("echo hi", "echo bye"))
	require.NoError(t, err)

	info, err := os.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

// =============================================================================
// QA AND GIT
// =============================================================================

func TestPatchFile_QAAllPassed(t *testing.T) {
	f := newFixture(t, withVenv(true))
	p := f.write(t, "app.py", "def hello():\n    print('Hello')\n")

	out, err := f.svc.PatchFile(context.Background(), p, block("print('Hello')", "print('Hello, World!')"))
	require.NoError(t, err)

	assert.Contains(t, out, "Successfully applied 1 patch blocks")
	assert.Contains(t, out, "\n\nQA Results:\n")
	assert.Contains(t, out, "Ruff: ✅")
	assert.Contains(t, out, "Black: ✅")
	assert.Contains(t, out, "MyPy: ✅")
	assert.Equal(t, []qa.Tool{qa.ToolRuff, qa.ToolBlack, qa.ToolMypy}, f.runner.calls)
}

func TestPatchFile_QANoVenv(t *testing.T) {
	f := newFixture(t, withVenv(false))
	p := f.write(t, "app.py", "x = 1\n")

	out, err := f.svc.PatchFile(context.Background(), p, block("x = 1", "x = 2"))
	require.NoError(t, err)
	assert.Contains(t, out, qa.NoInterpreterReport)
	assert.Empty(t, f.runner.calls)
}

func TestPatchFile_QASkippedForOtherLanguages(t *testing.T) {
	f := newFixture(t, withVenv(true))
	p := f.write(t, "notes.md", "Hello Earth\n")

	out, err := f.svc.PatchFile(context.Background(), p, block("Hello Earth", "Hello Universe"))
	require.NoError(t, err)
	assert.NotContains(t, out, "QA")
	assert.Empty(t, f.runner.calls)
}

func TestPatchFile_QAFailureIsNotARequestFailure(t *testing.T) {
	f := newFixture(t, withVenv(true))
	f.runner.exits[qa.ToolRuff] = 2
	p := f.write(t, "app.py", "x = 1\n")

	out, err := f.svc.PatchFile(context.Background(), p, block("x = 1", "x = 2"))
	require.NoError(t, err)
	assert.Contains(t, out, "Ruff: ❌")
	assert.Contains(t, out, "Error Details:")
	assert.Contains(t, out, "Ruff (failed):")
	assert.Equal(t, "x = 2\n", read(t, p))
}

func TestPatchFile_MypyStreakSuppression(t *testing.T) {
	f := newFixture(t, withVenv(true))
	f.runner.exits[qa.ToolMypy] = 1
	p := f.write(t, "app.py", "v = 0\n")

	var out string
	for i := 0; i < 3; i++ {
		var err error
		out, err = f.svc.PatchFile(context.Background(), p, block("v = "+itoa(i), "v = "+itoa(i+1)))
		require.NoError(t, err)
		if i < 2 {
			assert.Contains(t, out, "MyPy: ❌", "attempt %d", i+1)
		}
	}
	assert.NotContains(t, out, "MyPy")
	assert.NotContains(t, out, "mypy error output")

	f.runner.exits[qa.ToolMypy] = 0
	out, err := f.svc.PatchFile(context.Background(), p, block("v = 3", "v = 4"))
	require.NoError(t, err)
	assert.Contains(t, out, "MyPy: ✅")
}

func itoa(i int) string { return string(rune('0' + i)) }

func TestPatchFile_Commit(t *testing.T) {
	c := &fakeCommitter{sha: "abc1234"}
	f := newFixture(t, withCommitter(c))
	p := f.write(t, "a.txt", "one\n")

	out, err := f.svc.PatchFile(context.Background(), p, block("one", "two"))
	require.NoError(t, err)
	assert.Equal(t, "Successfully applied 1 patch blocks to "+p+"\nCommitted as abc1234", out)
	assert.Equal(t, []string{p}, c.files)
}

func TestPatchFile_CommitFailureIsNotFatal(t *testing.T) {
	for _, cerr := range []error{gitver.ErrNotRepository, errors.New("index.lock exists")} {
		c := &fakeCommitter{err: cerr}
		f := newFixture(t, withCommitter(c))
		p := f.write(t, "a.txt", "one\n")

		out, err := f.svc.PatchFile(context.Background(), p, block("one", "two"))
		require.NoError(t, err)
		assert.NotContains(t, out, "Committed")
		assert.Equal(t, "two\n", read(t, p))
	}
}

// =============================================================================
// HOUSEKEEPING
// =============================================================================

func TestPatchFile_GarbageCollectionCadence(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	allow, err := guard.NewAllowList([]string{dir})
	require.NoError(t, err)
	locks, err := filelock.NewManager(filepath.Join(t.TempDir(), "locks"))
	require.NoError(t, err)

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tracker := failures.NewTracker(failures.WithClock(clock))

	svc, err := NewService(Deps{Allow: allow, Locks: locks, Tracker: tracker, GCEvery: 3, Now: clock})
	require.NoError(t, err)

	stale := filepath.Join(dir, "stale.txt")
	require.NoError(t, os.WriteFile(stale, []byte("x\n"), 0o644))
	_, err = svc.PatchFile(context.Background(), stale, block("missing", "y"))
	require.Error(t, err)
	require.Len(t, tracker.History(stale), 1)

	now = now.Add(2 * time.Hour)
	other := filepath.Join(dir, "other.txt")
	require.NoError(t, os.WriteFile(other, []byte("x\n"), 0o644))

	_, _ = svc.PatchFile(context.Background(), other, block("x", "y"))
	assert.Len(t, tracker.History(stale), 1, "second call does not sweep")

	_, _ = svc.PatchFile(context.Background(), other, block("y", "z"))
	assert.Empty(t, tracker.History(stale), "third call sweeps stale history")
}

func TestPatchFile_ConcurrentEditsSerialize(t *testing.T) {
	f := newFixture(t)
	var lines []string
	for i := 0; i < 10; i++ {
		lines = append(lines, "line"+itoa(i))
	}
	p := f.write(t, "shared.txt", strings.Join(lines, "\n")+"\n")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.PatchFile(context.Background(), p, block("line"+itoa(i), "LINE"+itoa(i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got := strings.Split(strings.TrimSpace(read(t, p)), "\n")
	assert.Len(t, got, 10)
	assert.False(t, slices.ContainsFunc(got, func(s string) bool { return strings.HasPrefix(s, "line") }))
}

func TestNewService_RequiresCollaborators(t *testing.T) {
	_, err := NewService(Deps{})
	assert.Error(t, err)
}
