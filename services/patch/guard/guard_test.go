// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guard

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		_, err := NormalizePath("  ")
		assert.ErrorIs(t, err, ErrEmptyPath)
		assert.Equal(t, "Empty path provided", err.Error())
	})

	t.Run("absolute forward slashes", func(t *testing.T) {
		dir := t.TempDir()
		want, err := filepath.EvalSymlinks(dir)
		require.NoError(t, err)

		got, err := NormalizePath(dir + "/x.py")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(want, "x.py"), got)
	})

	t.Run("backslashes and escaped backslashes", func(t *testing.T) {
		if filepath.Separator != '/' {
			t.Skip("backslash translation only applies on slash-separated systems")
		}
		got, err := NormalizePath(`\tmp\proj\a.py`)
		require.NoError(t, err)
		assert.Equal(t, "/tmp/proj/a.py", got)

		got, err = NormalizePath(`\\tmp\\proj\\a.py`)
		require.NoError(t, err)
		assert.Equal(t, "/tmp/proj/a.py", got)

		got, err = NormalizePath(`/tmp\proj/a.py`)
		require.NoError(t, err)
		assert.Equal(t, "/tmp/proj/a.py", got)
	})

	t.Run("relative resolves against working directory", func(t *testing.T) {
		wd, err := os.Getwd()
		require.NoError(t, err)
		got, err := NormalizePath("does-not-exist/file.txt")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(wd, "does-not-exist", "file.txt"), got)
	})

	t.Run("symlinks resolve", func(t *testing.T) {
		dir := t.TempDir()
		real := filepath.Join(dir, "real.py")
		require.NoError(t, os.WriteFile(real, []byte("x\n"), 0o644))
		link := filepath.Join(dir, "link.py")
		if err := os.Symlink(real, link); err != nil {
			t.Skipf("symlinks unavailable: %v", err)
		}
		want, err := filepath.EvalSymlinks(real)
		require.NoError(t, err)

		got, err := NormalizePath(link)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})
}

func TestAllowList(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	app := filepath.Join(root, "app")
	require.NoError(t, os.MkdirAll(app, 0o755))

	_, err = NewAllowList(nil)
	assert.ErrorIs(t, err, ErrNoAllowedDirs)

	allow, err := NewAllowList([]string{app})
	require.NoError(t, err)
	assert.Equal(t, []string{app}, allow.Dirs())

	cases := []struct {
		path string
		want bool
	}{
		{app, true},
		{filepath.Join(app, "main.py"), true},
		{filepath.Join(app, "pkg", "deep", "mod.py"), true},
		{filepath.Join(root, "apple", "main.py"), false},
		{filepath.Join(root, "other.py"), false},
		{root, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, allow.Contains(tc.path), tc.path)
	}

	err = allow.Check(filepath.Join(root, "other.py"), "other.py")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotAllowed)
	assert.Equal(t, "File other.py is not in allowed directories", err.Error())
	assert.NoError(t, allow.Check(filepath.Join(app, "ok.py"), "ok.py"))
}

func TestCheckRegularFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("a"), 0o644))

	assert.NoError(t, CheckRegularFile(file, file))

	err := CheckRegularFile(filepath.Join(dir, "missing.txt"), "missing.txt")
	assert.ErrorIs(t, err, ErrFileNotFound)
	assert.Equal(t, "File missing.txt does not exist", err.Error())

	err = CheckRegularFile(dir, "dir")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestIsBinaryExtension(t *testing.T) {
	cases := []struct {
		path   string
		binary bool
		ext    string
	}{
		{"program.exe", true, ".exe"},
		{"PROGRAM.EXE", true, ".exe"},
		{"lib.dll", true, ".dll"},
		{"lib.so", true, ".so"},
		{"report.pdf", true, ".pdf"},
		{"doc.docx", true, ".docx"},
		{"sheet.xlsx", true, ".xlsx"},
		{"slides.pptx", true, ".pptx"},
		{"song.mp3", true, ".mp3"},
		{"clip.mp4", true, ".mp4"},
		{"photo.jpg", true, ".jpg"},
		{"icon.png", true, ".png"},
		{"anim.gif", true, ".gif"},
		{"bundle.zip", true, ".zip"},
		{"bundle.7z", true, ".7z"},
		{"bundle.tar.gz", true, ".gz"},
		{`C:\tools\app.exe`, true, ".exe"},
		{"main.py", false, ""},
		{"README.md", false, ""},
		{"config.yaml", false, ""},
		{"Makefile", false, ""},
		{"trailing.", false, ""},
		{"", true, ""},
	}
	for _, tc := range cases {
		binary, ext := IsBinaryExtension(tc.path)
		assert.Equal(t, tc.binary, binary, tc.path)
		assert.Equal(t, tc.ext, ext, tc.path)
	}
}

func TestCheckTextFile(t *testing.T) {
	assert.NoError(t, CheckTextFile("/srv/app/main.py"))

	err := CheckTextFile("/srv/app/logo.png")
	require.Error(t, err)
	var pe *PathError
	require.True(t, errors.As(err, &pe))
	assert.ErrorIs(t, err, ErrBinaryFile)
	assert.Equal(t,
		"Rejected: patch_file tool should only be used to edit text files. .png files are binary.",
		err.Error())
}
