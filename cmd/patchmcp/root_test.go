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
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/patchmcp/pkg/telemetry"
)

// isolateEnv clears the PATCH_* variables a developer may have exported.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		if k, _, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, "PATCH_") {
			t.Setenv(k, "")
			require.NoError(t, os.Unsetenv(k))
		}
	}
}

func TestLoadConfig_FlagsOverride(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()

	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{
		"--allowed-dir", dir,
		"--allowed-dir", filepath.Join(dir, "other"),
		"--no-mypy",
		"--no-git",
		"--qa-timeout", "3s",
		"--qa-max-iterations", "2",
		"--log-level", "debug",
		"--metrics-addr", "127.0.0.1:9464",
	}))

	cfg, err := loadConfig(cmd, rootOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{dir, filepath.Join(dir, "other")}, cfg.AllowedDirs)
	assert.False(t, cfg.QA.MypyEnabled)
	assert.True(t, cfg.QA.RuffEnabled)
	assert.False(t, cfg.Git.Enabled)
	assert.Equal(t, 3*time.Second, cfg.QA.CommandTimeout)
	assert.Equal(t, 2, cfg.QA.MaxIterations)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:9464", cfg.MetricsAddr)
}

func TestLoadConfig_FlagBeatsEnvAndFile(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "patchmcp.yaml")
	require.NoError(t, os.WriteFile(file, []byte("qa:\n  max_iterations: 7\n"), 0o600))
	t.Setenv("PATCH_QA_MAX_ITERATIONS", "6")

	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--allowed-dir", dir}))
	cfg, err := loadConfig(cmd, rootOptions{configPath: file})
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.QA.MaxIterations)

	cmd = newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--allowed-dir", dir, "--qa-max-iterations", "5"}))
	cfg, err = loadConfig(cmd, rootOptions{configPath: file})
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.QA.MaxIterations)
}

func TestLoadConfig_Invalid(t *testing.T) {
	isolateEnv(t)
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--allowed-dir", t.TempDir(), "--qa-max-iterations", "50"}))

	_, err := loadConfig(cmd, rootOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestBuildService(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()

	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--allowed-dir", dir, "--no-git"}))
	cfg, err := loadConfig(cmd, rootOptions{})
	require.NoError(t, err)
	cfg.LockDir = filepath.Join(dir, "locks")

	svc, cleanup, err := buildService(cfg)
	require.NoError(t, err)
	defer cleanup()

	target := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(target, []byte("alpha\nbeta\n"), 0o644))

	out, err := svc.PatchFile(context.Background(), target,
		"<<<<<<< SEARCH\nbeta\n=======\ngamma\n>>>>>>> REPLACE")
	require.NoError(t, err)
	assert.Equal(t, "Successfully applied 1 patch blocks to "+target, out)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "alpha\ngamma\n", string(got))
}

func TestBuildService_MissingAllowedDir(t *testing.T) {
	isolateEnv(t)
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--allowed-dir", filepath.Join(t.TempDir(), "missing")}))
	cfg, err := loadConfig(cmd, rootOptions{})
	require.NoError(t, err)

	_, _, err = buildService(cfg)
	assert.Error(t, err)
}

func TestBuildService_BadgerFailureStore(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	storeDir := filepath.Join(t.TempDir(), "failures")

	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{
		"--allowed-dir", dir, "--no-git",
		"--failure-store", "badger", "--failure-dir", storeDir,
	}))
	cfg, err := loadConfig(cmd, rootOptions{})
	require.NoError(t, err)
	cfg.LockDir = filepath.Join(dir, "locks")

	target := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(target, []byte("alpha\n"), 0o644))
	miss := "<<<<<<< SEARCH\nmissing\n=======\nx\n>>>>>>> REPLACE"

	for want := 1; want <= 2; want++ {
		svc, cleanup, err := buildService(cfg)
		require.NoError(t, err)
		_, err = svc.PatchFile(context.Background(), target, miss)
		cleanup()
		require.Error(t, err)
		if want == 2 {
			assert.Contains(t, err.Error(), "2nd consecutive failed edit attempt")
		}
	}
}

func TestMetricsRouter(t *testing.T) {
	shutdown, err := telemetry.Init(context.Background(), telemetry.Config{
		TraceExporter:  telemetry.ExporterNone,
		MetricExporter: telemetry.ExporterPrometheus,
	})
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()

	router := newMetricsRouter(nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "patch_file", health["tool"])
	assert.Equal(t, float64(0), health["tracked_files"])

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestMetricsRouter_HealthCountsTrackedFiles(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()

	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--allowed-dir", dir, "--no-git"}))
	cfg, err := loadConfig(cmd, rootOptions{})
	require.NoError(t, err)
	cfg.LockDir = filepath.Join(dir, "locks")

	svc, cleanup, err := buildService(cfg)
	require.NoError(t, err)
	defer cleanup()

	target := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(target, []byte("alpha\n"), 0o644))
	_, err = svc.PatchFile(context.Background(), target,
		"<<<<<<< SEARCH\nmissing\n=======\nx\n>>>>>>> REPLACE")
	require.Error(t, err)

	rec := httptest.NewRecorder()
	newMetricsRouter(svc).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, true, health["ready"])
	assert.Equal(t, float64(1), health["tracked_files"])
}

func TestMetricsServer_ServeAndShutdown(t *testing.T) {
	ms, err := listenMetrics("127.0.0.1:0", nil)
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- ms.serve() }()

	resp, err := http.Get("http://" + ms.addr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)

	ms.shutdown()
	assert.NoError(t, <-served)
}
