// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders command-line output for the local patchmcp
// subcommands.
//
// Output is styled with lipgloss when the destination is a terminal and
// plain, prefix-tagged text otherwise so scripts can parse it.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// =============================================================================
// Styles
// =============================================================================

var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles holds the predefined lipgloss styles.
var Styles = struct {
	Title   lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Added   lipgloss.Style
	Removed lipgloss.Style
	Hunk    lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Added:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Removed: lipgloss.NewStyle().Foreground(ColorError),
	Hunk:    lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconBullet  Icon = "•"
)

// Render returns the icon in its status color.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return string(i)
	}
}

// =============================================================================
// Printer
// =============================================================================

// Printer writes status lines to one destination.
//
// Thread Safety: Not safe for concurrent use.
type Printer struct {
	w      io.Writer
	styled bool
}

// NewPrinter returns a Printer that styles output when w is a terminal.
func NewPrinter(w io.Writer) *Printer {
	styled := false
	if f, ok := w.(*os.File); ok {
		styled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Printer{w: w, styled: styled}
}

// NewPlainPrinter returns a Printer that never styles output.
func NewPlainPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Styled reports whether output carries terminal styling.
func (p *Printer) Styled() bool {
	return p.styled
}

// Title prints a heading. Plain output omits it.
func (p *Printer) Title(text string) {
	if !p.styled {
		return
	}
	fmt.Fprintln(p.w, Styles.Title.Render(text))
}

// Success prints a success line.
func (p *Printer) Success(text string) {
	p.status("OK", IconSuccess, Styles.Success, text)
}

// Warning prints a warning line.
func (p *Printer) Warning(text string) {
	p.status("WARN", IconWarning, Styles.Warning, text)
}

// Error prints an error line. Multi-line text keeps its layout.
func (p *Printer) Error(text string) {
	p.status("ERROR", IconError, Styles.Error, text)
}

func (p *Printer) status(tag string, icon Icon, style lipgloss.Style, text string) {
	if !p.styled {
		fmt.Fprintf(p.w, "%s: %s\n", tag, text)
		return
	}
	first, rest, _ := strings.Cut(text, "\n")
	fmt.Fprintf(p.w, "%s %s\n", icon.Render(), style.Render(first))
	if rest != "" {
		fmt.Fprintln(p.w, rest)
	}
}

// Item prints a bullet line with an optional muted detail.
func (p *Printer) Item(text, detail string) {
	if !p.styled {
		if detail != "" {
			fmt.Fprintf(p.w, "%s\t%s\n", text, detail)
		} else {
			fmt.Fprintln(p.w, text)
		}
		return
	}
	if detail != "" {
		fmt.Fprintf(p.w, "%s %s %s\n", IconBullet, text, Styles.Muted.Render("("+detail+")"))
	} else {
		fmt.Fprintf(p.w, "%s %s\n", IconBullet, text)
	}
}

// Box prints content inside a bordered box, or as "title:\ncontent" when
// plain.
func (p *Printer) Box(title, content string) {
	if !p.styled {
		fmt.Fprintf(p.w, "%s:\n%s\n", title, content)
		return
	}
	fmt.Fprintln(p.w, Styles.Box.Render(Styles.Title.Render(title)+"\n"+content))
}

// Diff prints a unified diff, coloring added and removed lines.
func (p *Printer) Diff(unified []byte) {
	text := strings.TrimSuffix(string(unified), "\n")
	if text == "" {
		return
	}
	if !p.styled {
		fmt.Fprintln(p.w, text)
		return
	}
	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			line = Styles.Muted.Render(line)
		case strings.HasPrefix(line, "@@"):
			line = Styles.Hunk.Render(line)
		case strings.HasPrefix(line, "+"):
			line = Styles.Added.Render(line)
		case strings.HasPrefix(line, "-"):
			line = Styles.Removed.Render(line)
		}
		fmt.Fprintln(p.w, line)
	}
}
