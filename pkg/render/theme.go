// Package render formats supervisor state for terminals.
package render

import "github.com/charmbracelet/lipgloss"

const (
	IconHealthy  = "●"
	IconRunning  = "▶"
	IconPending  = "○"
	IconStopped  = "■"
	IconFailed   = "✗"
	IconDegraded = "⚠"
)

// Theme holds the palette used by status output.
type Theme struct {
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
	Text    lipgloss.Color

	Header  lipgloss.Style
	Title   lipgloss.Style
	Dim     lipgloss.Style
	Good    lipgloss.Style
	Warn    lipgloss.Style
	Bad     lipgloss.Style
	Pending lipgloss.Style
}

func DefaultTheme() Theme {
	success := lipgloss.Color("#22C55E")
	warning := lipgloss.Color("#EAB308")
	errorC := lipgloss.Color("#EF4444")
	muted := lipgloss.Color("#6B7280")
	text := lipgloss.Color("#F9FAFB")

	return Theme{
		Success: success,
		Warning: warning,
		Error:   errorC,
		Muted:   muted,
		Text:    text,

		Header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#06B6D4")),
		Title:   lipgloss.NewStyle().Bold(true).Foreground(text),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF")),
		Good:    lipgloss.NewStyle().Foreground(success),
		Warn:    lipgloss.NewStyle().Foreground(warning),
		Bad:     lipgloss.NewStyle().Foreground(errorC),
		Pending: lipgloss.NewStyle().Foreground(muted),
	}
}

// PhaseIcon picks the icon and style for a supervisor phase.
func (t Theme) PhaseIcon(phase string) (string, lipgloss.Style) {
	switch phase {
	case "healthy":
		return IconHealthy, t.Good
	case "running":
		return IconRunning, t.Good
	case "unhealthy", "starting-timeout":
		return IconDegraded, t.Warn
	case "terminal":
		return IconFailed, t.Bad
	case "stopped":
		return IconStopped, t.Pending
	default:
		return IconPending, t.Pending
	}
}
