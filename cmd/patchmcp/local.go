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
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/patchmcp/pkg/logging"
	"github.com/AleutianAI/patchmcp/pkg/ux"
	"github.com/AleutianAI/patchmcp/services/patch/apply"
	"github.com/AleutianAI/patchmcp/services/patch/blocks"
	"github.com/AleutianAI/patchmcp/services/patch/fuzzy"
	"github.com/AleutianAI/patchmcp/services/patch/guard"
)

// errReported marks an error already printed to the user.
var errReported = errors.New("reported")

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [patch-file]",
		Short: "Validate SEARCH/REPLACE blocks without touching any file",
		Long:  "Reads a patch from patch-file, or from stdin when it is omitted or \"-\", and reports its blocks or the first format error.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := "-"
			if len(args) == 1 {
				src = args[0]
			}
			raw, err := readPatch(cmd.InOrStdin(), src)
			if err != nil {
				return err
			}
			return runCheck(ux.NewPrinter(cmd.OutOrStdout()), raw)
		},
	}
}

func runCheck(p *ux.Printer, raw string) error {
	parsed, err := blocks.Parse(raw)
	if err != nil {
		p.Error(err.Error())
		return errReported
	}
	p.Success(fmt.Sprintf("%d valid blocks", len(parsed)))
	for i, b := range parsed {
		p.Item(fmt.Sprintf("block %d", i+1),
			fmt.Sprintf("%d -> %d lines", lineCount(b.Search), lineCount(b.Replace)))
	}
	return nil
}

type applyOptions struct {
	file   string
	patch  string
	dryRun bool
}

func newApplyCmd(root *rootOptions) *cobra.Command {
	var opts applyOptions
	cmd := &cobra.Command{
		Use:   "apply --file <path> [--patch <patch-file>]",
		Short: "Apply a patch to a file from the command line",
		Long: `Runs the same pipeline as the patch_file tool: allow-list and binary checks,
block application, atomic write, QA and git commit. With --dry-run the patch
is applied in memory and the resulting diff is printed instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := readPatch(cmd.InOrStdin(), opts.patch)
			if err != nil {
				return err
			}
			return runApply(cmd, *root, opts, raw)
		},
	}
	cmd.Flags().StringVar(&opts.file, "file", "", "file to edit")
	cmd.Flags().StringVar(&opts.patch, "patch", "-", "patch file, or - for stdin")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "print the diff without writing")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runApply(cmd *cobra.Command, root rootOptions, opts applyOptions, raw string) error {
	p := ux.NewPrinter(cmd.OutOrStdout())

	cfg, err := loadConfig(cmd, root)
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	if level < logging.LevelWarn {
		level = logging.LevelWarn
	}
	logger := logging.New(logging.Config{Level: level, Stderr: cmd.ErrOrStderr()})
	defer logger.Close()
	restore := setDefaultLogger(logger)
	defer restore()

	if opts.dryRun {
		return dryRun(p, cfg.FuzzyOptions(), cfg.AllowedDirs, opts.file, raw)
	}

	svc, cleanup, err := buildService(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	out, err := svc.PatchFile(cmd.Context(), opts.file, raw)
	if err != nil {
		p.Error(err.Error())
		return errReported
	}
	first, rest, _ := strings.Cut(out, "\n")
	p.Success(first)
	if rest = strings.TrimLeft(rest, "\n"); rest != "" {
		fmt.Fprintln(cmd.OutOrStdout(), rest)
	}
	return nil
}

// dryRun applies raw to a copy of the file and prints the diff.
func dryRun(p *ux.Printer, fo fuzzy.Options, allowed []string, file, raw string) error {
	path, err := guard.NormalizePath(file)
	if err != nil {
		return err
	}
	allow, err := guard.NewAllowList(allowed)
	if err != nil {
		return err
	}
	for _, check := range []func() error{
		func() error { return allow.Check(path, file) },
		func() error { return guard.CheckRegularFile(path, file) },
		func() error { return guard.CheckTextFile(path) },
	} {
		if err := check(); err != nil {
			p.Error(err.Error())
			return errReported
		}
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	parsed, err := blocks.Parse(raw)
	if err != nil {
		p.Error(err.Error())
		return errReported
	}
	res, err := apply.New(fuzzy.NewFinder(fo)).Apply(string(content), parsed)
	if err != nil {
		p.Error(err.Error())
		return errReported
	}
	change, err := apply.Diff(file, string(content), res.Content)
	if err != nil {
		return err
	}

	p.Success(fmt.Sprintf("%d blocks would apply to %s (+%d -%d)",
		res.Applied, file, change.LinesAdded, change.LinesRemoved))
	p.Diff(change.Unified)
	return nil
}

func readPatch(stdin io.Reader, src string) (string, error) {
	var (
		data []byte
		err  error
	)
	if src == "" || src == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(src)
	}
	if err != nil {
		return "", fmt.Errorf("read patch: %w", err)
	}
	return string(data), nil
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}
