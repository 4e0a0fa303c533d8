// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command patchmcp serves the patch_file tool over the MCP stdio transport.
//
// Usage:
//
//	patchmcp --allowed-dir ~/src/project [--config patchmcp.yaml] [--no-mypy]
//
// Stdout carries the protocol. Logs, traces and diagnostics go to stderr or
// to the log directory.
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, "patchmcp:", err)
		}
		os.Exit(1)
	}
}
