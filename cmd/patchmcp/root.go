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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/patchmcp/pkg/logging"
	"github.com/AleutianAI/patchmcp/pkg/telemetry"
	"github.com/AleutianAI/patchmcp/services/patch"
	"github.com/AleutianAI/patchmcp/services/patch/apply"
	"github.com/AleutianAI/patchmcp/services/patch/config"
	"github.com/AleutianAI/patchmcp/services/patch/failures"
	"github.com/AleutianAI/patchmcp/services/patch/filelock"
	"github.com/AleutianAI/patchmcp/services/patch/fuzzy"
	"github.com/AleutianAI/patchmcp/services/patch/guard"
	"github.com/AleutianAI/patchmcp/services/patch/qa"
	storage "github.com/AleutianAI/patchmcp/services/patch/storage/badger"
	"github.com/AleutianAI/patchmcp/services/patch/venv"
)

// rootOptions holds values that only exist on the command line.
type rootOptions struct {
	configPath string
	allowRoot  bool
}

func newRootCmd() *cobra.Command {
	var opts rootOptions

	cmd := &cobra.Command{
		Use:   "patchmcp",
		Short: "MCP server that edits files with SEARCH/REPLACE blocks",
		Long: `patchmcp exposes a single patch_file tool over stdio. Each call applies
SEARCH/REPLACE blocks to one file inside the allowed directories, then runs
ruff, black and mypy on Python files and commits the change when the file is
tracked by git.`,
		Version:       patch.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}

	f := cmd.PersistentFlags()
	f.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	f.BoolVar(&opts.allowRoot, "allow-root", false, "allow running with administrator privileges")
	f.StringArray("allowed-dir", nil, "directory edits may touch (repeatable; replaces the configured list)")
	f.Bool("no-ruff", false, "disable ruff")
	f.Bool("no-black", false, "disable black")
	f.Bool("no-mypy", false, "disable mypy")
	f.Bool("run-mypy-on-tests", false, "run mypy on test files too")
	f.Bool("no-git", false, "do not commit edited files")
	f.Duration("qa-timeout", 0, "per-command QA timeout")
	f.Duration("qa-wall-time", 0, "total QA time budget per edit")
	f.Int("qa-max-iterations", 0, "maximum ruff/black passes per edit")
	f.String("log-level", "", "log level: debug, info, warn, error")
	f.String("log-dir", "", "directory for the rotated log file")
	f.Bool("log-json", false, "force JSON logs on stderr")
	f.String("metrics-addr", "", "serve /metrics and /health on this address")
	f.String("failure-store", "", "failure history backend: memory or badger")
	f.String("failure-dir", "", "directory for the badger failure store")

	cmd.AddCommand(newCheckCmd(), newApplyCmd(&opts))
	return cmd
}

// loadConfig layers the configuration file, environment and flags, then
// validates the result.
func loadConfig(cmd *cobra.Command, opts rootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return cfg, err
	}
	if err := applyFlags(cmd, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyFlags copies explicitly set flags onto cfg.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	var errs []error
	set := func(name string, apply func() error) {
		if f.Changed(name) {
			if err := apply(); err != nil {
				errs = append(errs, fmt.Errorf("--%s: %w", name, err))
			}
		}
	}

	set("allowed-dir", func() (err error) { cfg.AllowedDirs, err = f.GetStringArray("allowed-dir"); return })
	set("no-ruff", func() error { v, err := f.GetBool("no-ruff"); cfg.QA.RuffEnabled = !v; return err })
	set("no-black", func() error { v, err := f.GetBool("no-black"); cfg.QA.BlackEnabled = !v; return err })
	set("no-mypy", func() error { v, err := f.GetBool("no-mypy"); cfg.QA.MypyEnabled = !v; return err })
	set("run-mypy-on-tests", func() (err error) { cfg.QA.MypyOnTests, err = f.GetBool("run-mypy-on-tests"); return })
	set("no-git", func() error { v, err := f.GetBool("no-git"); cfg.Git.Enabled = !v; return err })
	set("qa-timeout", func() (err error) { cfg.QA.CommandTimeout, err = f.GetDuration("qa-timeout"); return })
	set("qa-wall-time", func() (err error) { cfg.QA.WallTime, err = f.GetDuration("qa-wall-time"); return })
	set("qa-max-iterations", func() (err error) { cfg.QA.MaxIterations, err = f.GetInt("qa-max-iterations"); return })
	set("log-level", func() (err error) { cfg.Log.Level, err = f.GetString("log-level"); return })
	set("log-dir", func() (err error) { cfg.Log.Dir, err = f.GetString("log-dir"); return })
	set("log-json", func() (err error) { cfg.Log.JSON, err = f.GetBool("log-json"); return })
	set("metrics-addr", func() (err error) { cfg.MetricsAddr, err = f.GetString("metrics-addr"); return })
	set("failure-store", func() (err error) { cfg.Failures.Store, err = f.GetString("failure-store"); return })
	set("failure-dir", func() (err error) { cfg.Failures.Dir, err = f.GetString("failure-dir"); return })

	return errors.Join(errs...)
}

func run(cmd *cobra.Command, opts rootOptions) error {
	if guard.RunningAsAdmin() && !opts.allowRoot {
		return errors.New("refusing to run with administrator privileges; pass --allow-root to override")
	}

	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Log.Dir,
		Service: "patchmcp",
		JSON:    cfg.Log.JSON,
		Stderr:  cmd.ErrOrStderr(),
	})
	defer logger.Close()
	defer setDefaultLogger(logger)()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg.Telemetry.ServiceVersion = patch.Version
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("Telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	svc, cleanup, err := buildService(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	var metrics *metricsServer
	if cfg.MetricsAddr != "" {
		if metrics, err = listenMetrics(cfg.MetricsAddr, svc); err != nil {
			return err
		}
	}

	slog.Info("Serving patch_file over stdio",
		slog.String("version", patch.Version),
		slog.Any("allowed_dirs", cfg.AllowedDirs),
		slog.Bool("ruff", cfg.QA.RuffEnabled),
		slog.Bool("black", cfg.QA.BlackEnabled),
		slog.Bool("mypy", cfg.QA.MypyEnabled),
		slog.Bool("git", cfg.Git.Enabled),
		slog.String("failure_store", cfg.Failures.Store),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The session ending stops everything else.
		defer stop()
		stdio := server.NewStdioServer(patch.NewMCPServer(svc))
		stdio.SetErrorLogger(slog.NewLogLogger(logger.Slog().Handler(), slog.LevelError))
		err := stdio.Listen(gctx, os.Stdin, os.Stdout)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
			return fmt.Errorf("serve stdio: %w", err)
		}
		slog.Info("Stdio session ended")
		return nil
	})
	if metrics != nil {
		g.Go(metrics.serve)
		g.Go(func() error {
			<-gctx.Done()
			metrics.shutdown()
			return nil
		})
	}
	return g.Wait()
}

// setDefaultLogger installs logger as the slog default and returns a
// function restoring the previous one.
func setDefaultLogger(logger *logging.Logger) func() {
	prev := slog.Default()
	slog.SetDefault(logger.Slog())
	return func() { slog.SetDefault(prev) }
}

// buildService assembles the patch service from cfg. The returned cleanup
// releases the failure store.
func buildService(cfg config.Config) (*patch.Service, func(), error) {
	noop := func() {}

	allow, err := guard.NewAllowList(cfg.AllowedDirs)
	if err != nil {
		return nil, noop, fmt.Errorf("allowed directories: %w", err)
	}

	lockDir := cfg.LockDir
	if lockDir == "" {
		lockDir = filelock.DefaultLockDir()
	}
	locks, err := filelock.NewManager(lockDir)
	if err != nil {
		return nil, noop, fmt.Errorf("lock directory: %w", err)
	}

	store, cleanup, err := openFailureStore(cfg.Failures)
	if err != nil {
		return nil, noop, err
	}
	tracker := failures.NewTracker(
		failures.WithStore(store),
		failures.WithTTL(cfg.Failures.TTL),
	)

	deps := patch.Deps{
		Allow:        allow,
		Locks:        locks,
		Applicator:   apply.New(fuzzy.NewFinder(cfg.FuzzyOptions())),
		Tracker:      tracker,
		QAExtensions: cfg.QA.Extensions,
		GCEvery:      cfg.Failures.GCEvery,
	}
	if cfg.QA.RuffEnabled || cfg.QA.BlackEnabled || cfg.QA.MypyEnabled {
		deps.QA = qa.NewPipeline(cfg.PipelineOptions(),
			qa.WithResolver(qa.NewVenvResolver(cfg.QA.Tools)),
			qa.WithStreaks(tracker.Streaks()),
		)
		deps.Venvs = venv.NewFinder()
	}
	if cfg.Git.Enabled {
		deps.Committer = patch.GitCommitter{Timeout: cfg.Git.Timeout}
	}

	svc, err := patch.NewService(deps)
	if err != nil {
		cleanup()
		return nil, noop, err
	}
	return svc, cleanup, nil
}

// openFailureStore returns the configured failure history backend.
func openFailureStore(fc config.FailureConfig) (failures.Store, func(), error) {
	if fc.Store != "badger" {
		return failures.NewMemoryStore(fc.HistoryLimit), func() {}, nil
	}

	dir := fc.Dir
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			base = os.TempDir()
		}
		dir = filepath.Join(base, "patchmcp", "failures")
	}
	bcfg := storage.DefaultConfig(dir)
	bcfg.Logger = slog.Default().With(slog.String("component", "badger"))
	db, err := storage.OpenDB(bcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failure store: %w", err)
	}
	cleanup := func() {
		if err := db.Close(); err != nil {
			slog.Warn("Closing failure store failed", slog.String("error", err.Error()))
		}
	}
	return failures.NewBadgerStore(db.DB, fc.HistoryLimit), cleanup, nil
}
