// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the dbnd CLI.
package ux

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// dbnd color palette - graphite and signal colors for pipeline output
var (
	// Primary palette
	ColorIndigo       = lipgloss.Color("#6C7CF0") // Primary accent - titles, highlights
	ColorIndigoBright = lipgloss.Color("#8E9BFF") // Bright accent - interactive elements
	ColorSteel        = lipgloss.Color("#5A6B8C") // Secondary elements, borders
	ColorGraphite     = lipgloss.Color("#3C4458") // Muted text, separators

	// Semantic colors (standard conventions for state rendering)
	ColorSuccess = lipgloss.Color("#3DD68C") // Green for SUCCESS
	ColorWarning = lipgloss.Color("#F4D03F") // Amber for SKIPPED/STALE
	ColorError   = lipgloss.Color("#E74C3C") // Red for FAILED
	ColorRunning = lipgloss.Color("#56B6F0") // Blue for RUNNING
	ColorMuted   = lipgloss.Color("#3C4458") // Graphite for PENDING/muted
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	// Text styles
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Running   lipgloss.Style
	Highlight lipgloss.Style

	// Box styles
	Box      lipgloss.Style
	ErrorBox lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorIndigo),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorIndigoBright),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorGraphite),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Running:   lipgloss.NewStyle().Foreground(ColorRunning),
	Highlight: lipgloss.NewStyle().Foreground(ColorIndigoBright).Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorSteel).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconSkipped Icon = "↷"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconRunning Icon = "▸"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconSkipped, IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconRunning:
		return Styles.Running.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// plain disables styling and icons for machine-readable output.
// Set automatically when stdout is not a terminal.
var plain atomic.Bool

func init() {
	plain.Store(!isatty.IsTerminal(os.Stdout.Fd()) || os.Getenv("NO_COLOR") != "")
}

// SetPlain overrides terminal detection (used by the --plain flag).
func SetPlain(v bool) { plain.Store(v) }

// Plain reports whether plain output mode is active.
func Plain() bool { return plain.Load() }

// Title prints a styled title line.
func Title(text string) {
	if Plain() {
		fmt.Println(text)
		return
	}
	fmt.Println(Styles.Title.Render(text))
}

// Success prints a success message with a checkmark.
func Success(text string) {
	if Plain() {
		fmt.Fprintf(os.Stdout, "OK: %s\n", text)
		return
	}
	fmt.Printf("%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
}

// Warning prints a warning message.
func Warning(text string) {
	if Plain() {
		fmt.Fprintf(os.Stderr, "WARN: %s\n", text)
		return
	}
	fmt.Printf("%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
}

// Error prints an error message.
func Error(text string) {
	if Plain() {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", text)
		return
	}
	fmt.Printf("%s %s\n", IconError.Render(), Styles.Error.Render(text))
}

// Info prints an informational message.
func Info(text string) {
	if Plain() {
		fmt.Println(text)
		return
	}
	fmt.Printf("%s %s\n", Styles.Muted.Render("│"), text)
}

// Muted prints secondary text.
func Muted(text string) {
	if Plain() {
		fmt.Println(text)
		return
	}
	fmt.Println(Styles.Muted.Render(text))
}

// Box prints content in a rounded box with a title.
func Box(title, content string) {
	if Plain() {
		fmt.Printf("%s: %s\n", title, content)
		return
	}
	boxStyle := Styles.Box.Width(64)
	titleLine := Styles.Title.Render(title)
	fmt.Println(boxStyle.Render(titleLine + "\n" + content))
}

// StateBadge renders an instance state name with its semantic color.
func StateBadge(state string) string {
	if Plain() {
		return state
	}
	switch state {
	case "SUCCESS":
		return Styles.Success.Render(state)
	case "SKIPPED_COMPLETE":
		return Styles.Warning.Render(state)
	case "FAILED", "UPSTREAM_FAILED", "ABORTED":
		return Styles.Error.Render(state)
	case "RUNNING":
		return Styles.Running.Render(state)
	default:
		return Styles.Muted.Render(state)
	}
}

// InstanceLine prints one instance row in a run tree.
func InstanceLine(depth int, name, state, detail string) {
	indent := repeatChar(' ', depth*2)
	icon := stateIcon(state)
	if Plain() {
		fmt.Printf("%s%s\t%s\t%s\n", indent, name, state, detail)
		return
	}
	if detail != "" {
		fmt.Printf("%s%s %s %s %s\n", indent, icon.Render(), name, StateBadge(state), Styles.Muted.Render("("+detail+")"))
	} else {
		fmt.Printf("%s%s %s %s\n", indent, icon.Render(), name, StateBadge(state))
	}
}

// RunSummary prints the terminal counts for a finished run.
func RunSummary(succeeded, skipped, failed, total int) {
	if Plain() {
		fmt.Printf("SUMMARY: succeeded=%d skipped=%d failed=%d total=%d\n", succeeded, skipped, failed, total)
		return
	}
	fmt.Printf("\n%s %s  %s %s  %s %s  %s %s\n",
		Styles.Success.Render(fmt.Sprintf("%d", succeeded)), Styles.Muted.Render("succeeded"),
		Styles.Warning.Render(fmt.Sprintf("%d", skipped)), Styles.Muted.Render("skipped"),
		Styles.Error.Render(fmt.Sprintf("%d", failed)), Styles.Muted.Render("failed"),
		Styles.Bold.Render(fmt.Sprintf("%d", total)), Styles.Muted.Render("total"),
	)
}

// ProgressBar renders a simple progress bar.
func ProgressBar(current, total int, width int) string {
	if Plain() || total <= 0 {
		return fmt.Sprintf("%d/%d", current, total)
	}
	pct := float64(current) / float64(total)
	filled := int(pct * float64(width))
	empty := width - filled

	bar := Styles.Success.Render(repeatChar('█', filled)) +
		Styles.Muted.Render(repeatChar('░', empty))

	return fmt.Sprintf("%s %3.0f%%", bar, pct*100)
}

func stateIcon(state string) Icon {
	switch state {
	case "SUCCESS":
		return IconSuccess
	case "SKIPPED_COMPLETE":
		return IconSkipped
	case "FAILED", "UPSTREAM_FAILED", "ABORTED":
		return IconError
	case "RUNNING":
		return IconRunning
	default:
		return IconPending
	}
}

func repeatChar(c rune, n int) string {
	if n <= 0 {
		return ""
	}
	result := make([]rune, n)
	for i := range result {
		result[i] = c
	}
	return string(result)
}
