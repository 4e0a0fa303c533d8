// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const replaceBeta = "<<<<<<< SEARCH\nbeta\n=======\ngamma\n>>>>>>> REPLACE\n"

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCheck_Valid(t *testing.T) {
	patch := replaceBeta + "<<<<<<< SEARCH\none\ntwo\n=======\n>>>>>>> REPLACE\n"
	out, err := execute(t, patch, "check")
	require.NoError(t, err)
	assert.Equal(t, "OK: 2 valid blocks\nblock 1\t1 -> 1 lines\nblock 2\t2 -> 0 lines\n", out)
}

func TestCheck_InvalidFromFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "p.txt")
	require.NoError(t, os.WriteFile(file, []byte("<<<<<<< SEARCH\nx\n=======\ny\n"), 0o600))

	out, err := execute(t, "", "check", file)
	assert.ErrorIs(t, err, errReported)
	assert.True(t, strings.HasPrefix(out, "ERROR: "), out)
}

// applyFixture creates an allowed directory holding notes.txt and a config
// file that keeps locks inside the test directory.
func applyFixture(t *testing.T) (dir, target, cfgFile string) {
	t.Helper()
	isolateEnv(t)
	dir = t.TempDir()
	target = filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(target, []byte("alpha\nbeta\n"), 0o644))
	cfgFile = filepath.Join(dir, "patchmcp.yaml")
	require.NoError(t, os.WriteFile(cfgFile,
		[]byte("lock_dir: "+filepath.Join(dir, "locks")+"\ngit:\n  enabled: false\n"), 0o600))
	return dir, target, cfgFile
}

func TestApply_DryRun(t *testing.T) {
	dir, target, cfgFile := applyFixture(t)

	out, err := execute(t, replaceBeta, "apply", "--config", cfgFile, "--allowed-dir", dir,
		"--file", target, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "OK: 1 blocks would apply to "+target+" (+1 -1)")
	assert.Contains(t, out, "-beta\n+gamma\n")

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "alpha\nbeta\n", string(got))
}

func TestApply_Writes(t *testing.T) {
	dir, target, cfgFile := applyFixture(t)
	patchFile := filepath.Join(dir, "change.patch")
	require.NoError(t, os.WriteFile(patchFile, []byte(replaceBeta), 0o600))

	out, err := execute(t, "", "apply", "--config", cfgFile, "--allowed-dir", dir,
		"--file", target, "--patch", patchFile)
	require.NoError(t, err)
	assert.Contains(t, out, "OK: Successfully applied 1 patch blocks to "+target)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "alpha\ngamma\n", string(got))
}

func TestApply_OutsideAllowedDir(t *testing.T) {
	_, target, cfgFile := applyFixture(t)
	other := t.TempDir()

	for _, dry := range []bool{true, false} {
		args := []string{"apply", "--config", cfgFile, "--allowed-dir", other, "--file", target}
		if dry {
			args = append(args, "--dry-run")
		}
		out, err := execute(t, replaceBeta, args...)
		assert.ErrorIs(t, err, errReported)
		assert.Contains(t, out, "is not in allowed directories")
	}
}

func TestApply_NoMatch(t *testing.T) {
	dir, target, cfgFile := applyFixture(t)
	out, err := execute(t, "<<<<<<< SEARCH\nmissing\n=======\nx\n>>>>>>> REPLACE\n",
		"apply", "--config", cfgFile, "--allowed-dir", dir, "--file", target)
	assert.ErrorIs(t, err, errReported)
	assert.Contains(t, out, "ERROR: Failed to apply patch to "+target)
}

func TestApply_RequiresFile(t *testing.T) {
	_, err := execute(t, "", "apply")
	assert.Error(t, err)
}
