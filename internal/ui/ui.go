// Package ui styles terminal output for the rowsync CLI.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	ColorPass   = lipgloss.AdaptiveColor{Light: "#1B7F3B", Dark: "#5FD38D"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#9A6700", Dark: "#F4D03F"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#B42318", Dark: "#F97066"}
	ColorAccent = lipgloss.AdaptiveColor{Light: "#175CD3", Dark: "#84CAFF"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#667085", Dark: "#98A2B3"}
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	warnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	failStyle   = lipgloss.NewStyle().Foreground(ColorFail).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
	mutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	labelStyle  = lipgloss.NewStyle().Bold(true)
)

func init() {
	if !IsTerminal() || termenv.EnvNoColor() {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// IsTerminal reports whether stdout is a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// RenderPass styles a success marker or message.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn styles a warning.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail styles an error.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderAccent styles a highlighted value.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderMuted styles secondary text.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// KeyValues renders aligned "label: value" lines indented by three spaces.
func KeyValues(pairs ...[2]string) string {
	width := 0
	for _, p := range pairs {
		if len(p[0]) > width {
			width = len(p[0])
		}
	}
	var b strings.Builder
	for _, p := range pairs {
		label := labelStyle.Render(fmt.Sprintf("%-*s", width+1, p[0]+":"))
		fmt.Fprintf(&b, "   %s %s\n", label, p[1])
	}
	return b.String()
}

// TerminalWidth returns the width of stdout, or fallback when it is not a
// terminal.
func TerminalWidth(fallback int) int {
	if !IsTerminal() {
		return fallback
	}
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return fallback
	}
	return w
}

// Truncate shortens s to width cells, marking the cut with an ellipsis.
func Truncate(s string, width int) string {
	if width <= 0 || lipgloss.Width(s) <= width {
		return s
	}
	runes := []rune(s)
	for len(runes) > 0 && lipgloss.Width(string(runes))+1 > width {
		runes = runes[:len(runes)-1]
	}
	return string(runes) + "…"
}
