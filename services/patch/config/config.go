// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the server configuration.
//
// Values are layered, lowest precedence first: Default, an optional YAML
// file, PATCH_* environment variables, then command-line flags applied by
// the caller. Validate runs last.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/patchmcp/pkg/telemetry"
	"github.com/AleutianAI/patchmcp/services/patch/failures"
	"github.com/AleutianAI/patchmcp/services/patch/fuzzy"
	"github.com/AleutianAI/patchmcp/services/patch/qa"
)

// Environment variable names.
const (
	EnvQATimeout       = "PATCH_QA_TIMEOUT"
	EnvQAWallTime      = "PATCH_QA_WALL_TIME"
	EnvQAMaxIterations = "PATCH_QA_MAX_ITERATIONS"
	EnvNoRuff          = "PATCH_NO_RUFF"
	EnvNoBlack         = "PATCH_NO_BLACK"
	EnvNoMypy          = "PATCH_NO_MYPY"
	EnvMypyOnTests     = "PATCH_RUN_MYPY_ON_TESTS"
	EnvNoGit           = "PATCH_NO_GIT"
	EnvLogLevel        = "PATCH_LOG_LEVEL"
	EnvLogDir          = "PATCH_LOG_DIR"
)

// Config is the complete server configuration.
type Config struct {
	// AllowedDirs lists the directories edits may touch.
	AllowedDirs []string `yaml:"allowed_dirs" validate:"min=1,dive,required"`

	QA       QAConfig      `yaml:"qa"`
	Fuzzy    FuzzyConfig   `yaml:"fuzzy"`
	Failures FailureConfig `yaml:"failures"`
	Git      GitConfig     `yaml:"git"`
	Log      LogConfig     `yaml:"log"`

	// LockDir holds advisory lock files. Empty uses the per-user cache.
	LockDir string `yaml:"lock_dir"`

	Telemetry telemetry.Config `yaml:"telemetry"`

	// MetricsAddr starts the /metrics and /health endpoint when set.
	MetricsAddr string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
}

// QAConfig configures the quality pipeline.
type QAConfig struct {
	RuffEnabled  bool `yaml:"ruff"`
	BlackEnabled bool `yaml:"black"`
	MypyEnabled  bool `yaml:"mypy"`
	MypyOnTests  bool `yaml:"mypy_on_tests"`

	CommandTimeout      time.Duration `yaml:"command_timeout" validate:"gt=0"`
	WallTime            time.Duration `yaml:"wall_time" validate:"gt=0"`
	MaxIterations       int           `yaml:"max_iterations" validate:"min=1,max=20"`
	MypyStreakThreshold int           `yaml:"mypy_streak_threshold" validate:"min=1"`

	// Extensions selects the files QA runs on.
	Extensions []string `yaml:"extensions" validate:"dive,startswith=."`

	// Tools overrides how individual tools are invoked.
	Tools map[qa.Tool]qa.ToolSpec `yaml:"tools"`
}

// FuzzyConfig configures near-miss hints.
type FuzzyConfig struct {
	Similarity   float64 `yaml:"similarity" validate:"gte=0,lte=1"`
	AmbiguityGap float64 `yaml:"ambiguity_gap" validate:"gte=0,lte=1"`

	// MaxDuration bounds the whole hint search; past it no hint is given.
	MaxDuration time.Duration `yaml:"max_duration" validate:"gt=0"`
}

// FailureConfig configures failure tracking.
type FailureConfig struct {
	HistoryLimit int           `yaml:"history_limit" validate:"min=1"`
	TTL          time.Duration `yaml:"ttl" validate:"gt=0"`
	GCEvery      int           `yaml:"gc_every" validate:"min=1"`

	// Store is "memory" or "badger". The badger store keeps history in Dir
	// (default: the per-user cache) across restarts.
	Store string `yaml:"store" validate:"oneof=memory badger"`
	Dir   string `yaml:"dir"`
}

// GitConfig configures commit-after-edit.
type GitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// Default returns the built-in configuration. AllowedDirs is the user's
// home directory when it can be determined.
func Default() Config {
	c := Config{
		QA: QAConfig{
			RuffEnabled:         true,
			BlackEnabled:        true,
			MypyEnabled:         true,
			CommandTimeout:      qa.DefaultCommandTimeout,
			WallTime:            qa.DefaultWallTime,
			MaxIterations:       qa.DefaultMaxIterations,
			MypyStreakThreshold: qa.DefaultMypyStreakThreshold,
			Extensions:          []string{".py"},
		},
		Fuzzy: FuzzyConfig{
			Similarity:   fuzzy.DefaultThreshold,
			AmbiguityGap: fuzzy.DefaultAmbiguityGap,
			MaxDuration:  fuzzy.DefaultMaxDuration,
		},
		Failures: FailureConfig{
			HistoryLimit: failures.DefaultHistoryLimit,
			TTL:          failures.DefaultTTL,
			GCEvery:      100,
			Store:        "memory",
		},
		Git: GitConfig{
			Enabled: true,
			Timeout: 10 * time.Second,
		},
		Log:       LogConfig{Level: "info"},
		Telemetry: telemetry.DefaultConfig(),
	}
	if home, err := os.UserHomeDir(); err == nil {
		c.AllowedDirs = []string{home}
	}
	return c
}

// Load builds a configuration from defaults, the YAML file at path (when
// non-empty) and the environment. It does not validate.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		if err := c.MergeFile(path); err != nil {
			return c, err
		}
	}
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return c, err
	}
	return c, nil
}

// MergeFile overlays the YAML document at path. Keys absent from the file
// keep their current values.
func (c *Config) MergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays PATCH_* environment variables.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	var errs []error

	durationVar := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		d, err := parseSeconds(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
	flagVar := func(key string, dst *bool, value bool) {
		v, ok := lookup(key)
		if ok && truthy(v) {
			*dst = value
		}
	}

	durationVar(EnvQATimeout, &c.QA.CommandTimeout)
	durationVar(EnvQAWallTime, &c.QA.WallTime)
	if v, ok := lookup(EnvQAMaxIterations); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvQAMaxIterations, err))
		} else {
			c.QA.MaxIterations = n
		}
	}
	flagVar(EnvNoRuff, &c.QA.RuffEnabled, false)
	flagVar(EnvNoBlack, &c.QA.BlackEnabled, false)
	flagVar(EnvNoMypy, &c.QA.MypyEnabled, false)
	flagVar(EnvMypyOnTests, &c.QA.MypyOnTests, true)
	flagVar(EnvNoGit, &c.Git.Enabled, false)

	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := lookup(EnvLogDir); ok {
		c.Log.Dir = v
	}

	return errors.Join(errs...)
}

// parseSeconds accepts a Go duration ("15s") or a bare number of seconds.
func parseSeconds(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// PipelineOptions converts the QA section for qa.NewPipeline.
func (c *Config) PipelineOptions() qa.Options {
	return qa.Options{
		RuffEnabled:         c.QA.RuffEnabled,
		BlackEnabled:        c.QA.BlackEnabled,
		MypyEnabled:         c.QA.MypyEnabled,
		MypyOnTests:         c.QA.MypyOnTests,
		CommandTimeout:      c.QA.CommandTimeout,
		WallTime:            c.QA.WallTime,
		MaxIterations:       c.QA.MaxIterations,
		MypyStreakThreshold: c.QA.MypyStreakThreshold,
	}
}

// FuzzyOptions converts the fuzzy section for fuzzy.NewFinder.
func (c *Config) FuzzyOptions() fuzzy.Options {
	o := fuzzy.DefaultOptions()
	o.Threshold = c.Fuzzy.Similarity
	o.AmbiguityGap = c.Fuzzy.AmbiguityGap
	o.MaxDuration = c.Fuzzy.MaxDuration
	return o
}
