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
	"fmt"
	"strings"
)

// maxDetailRunes caps each stream shown in Error Details.
const maxDetailRunes = 4000

// NoInterpreterReport is shown when no virtual environment was found.
const NoInterpreterReport = "QA Results:\n⚠️ No virtual environment found. Please run QA checks manually."

// Symbol returns the report glyph for a status.
func (s Status) Symbol() string {
	switch s {
	case StatusPassed:
		return "✅"
	case StatusWarnings:
		return "⚠️"
	case StatusFailed:
		return "❌"
	default:
		return ""
	}
}

// Render formats a result for the caller.
//
// Description:
//
//	Lists every tool that ran with its status, the number of passes, and
//	any warnings. Tools that did not pass get their raw output under Error
//	Details, and failed tools get the command to rerun by hand. Mypy is left
//	out entirely while its failure streak is suppressed.
func Render(res *Result) string {
	var b strings.Builder
	b.WriteString("QA Results:\n")

	visible := make([]*ToolResult, 0, len(Tools))
	for _, t := range Tools {
		tr, ok := res.Tools[t]
		if !ok || !tr.Status.Ran() || (t == ToolMypy && res.MypySuppressed) {
			continue
		}
		visible = append(visible, tr)
		fmt.Fprintf(&b, "%s: %s\n", t.DisplayName(), tr.Status.Symbol())
	}
	fmt.Fprintf(&b, "Iterations: %d\n", res.Iterations)

	if len(res.Warnings) > 0 {
		b.WriteString("\nWarnings:\n")
		for _, w := range res.Warnings {
			fmt.Fprintf(&b, "- %s\n", w)
		}
	}

	var details, commands []string
	for _, tr := range visible {
		if tr.Status == StatusPassed {
			continue
		}
		var d strings.Builder
		fmt.Fprintf(&d, "%s (%s):\n", tr.Tool.DisplayName(), tr.Status)
		for _, stream := range []string{tr.Stdout, tr.Stderr} {
			if s := strings.TrimSpace(stream); s != "" {
				d.WriteString(truncate(s, maxDetailRunes))
				d.WriteByte('\n')
			}
		}
		details = append(details, d.String())

		if tr.Status == StatusFailed {
			cmd := tr.Command.String()
			if tr.Command.Path == "" {
				cmd = string(tr.Tool)
			}
			commands = append(commands, cmd)
		}
	}

	if len(details) > 0 {
		b.WriteString("\nError Details:\n")
		for _, d := range details {
			b.WriteString("\n")
			b.WriteString(d)
		}
	}
	if len(commands) > 0 {
		b.WriteString("\nPlease fix the issues and run the following commands manually:\n")
		for _, c := range commands {
			fmt.Fprintf(&b, "  %s\n", c)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + fmt.Sprintf("\n... (%d more characters)", len(r)-limit)
}
