package main

import (
	"loom/pkg/protocol"

	"github.com/charmbracelet/lipgloss"
)

// Theme defines the colours of the loom dashboard.
type Theme struct {
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Success   lipgloss.Color
	Warning   lipgloss.Color
	Error     lipgloss.Color
	Muted     lipgloss.Color
}

// DefaultTheme returns the default theme for loom dash.
func DefaultTheme() Theme {
	return Theme{
		Primary:   lipgloss.Color("12"),  // Blue
		Secondary: lipgloss.Color("14"),  // Cyan
		Success:   lipgloss.Color("10"),  // Green
		Warning:   lipgloss.Color("11"),  // Yellow
		Error:     lipgloss.Color("9"),   // Red
		Muted:     lipgloss.Color("240"), // Gray
	}
}

// Styles are the lipgloss styles derived from a Theme.
type Styles struct {
	Title   lipgloss.Style
	Header  lipgloss.Style
	Muted   lipgloss.Style
	Error   lipgloss.Style
	Section lipgloss.Style
}

// NewStyles builds the dashboard styles for theme.
func NewStyles(theme Theme) Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(theme.Primary),
		Header:  lipgloss.NewStyle().Bold(true).Foreground(theme.Secondary),
		Muted:   lipgloss.NewStyle().Foreground(theme.Muted),
		Error:   lipgloss.NewStyle().Bold(true).Foreground(theme.Error),
		Section: lipgloss.NewStyle().MarginTop(1),
	}
}

// sessionColor picks the colour of a session status.
func (t Theme) sessionColor(s protocol.SessionStatus) lipgloss.Color {
	switch s {
	case protocol.SessionRunning, protocol.SessionCompleted:
		return t.Success
	case protocol.SessionPaused:
		return t.Warning
	case protocol.SessionFailed:
		return t.Error
	case protocol.SessionCancelled:
		return t.Muted
	default:
		return t.Secondary
	}
}

// workerColor picks the colour of a worker status.
func (t Theme) workerColor(s protocol.WorkerStatus) lipgloss.Color {
	switch s {
	case protocol.WorkerIdle:
		return t.Success
	case protocol.WorkerBusy:
		return t.Primary
	case protocol.WorkerError:
		return t.Error
	default:
		return t.Muted
	}
}
