// Package tui implements the live terminal monitor for a served queue.
package tui

import "github.com/charmbracelet/lipgloss"

// Theme keeps every colour used by the monitor in one place.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusIdle    lipgloss.Style

	Border lipgloss.Style
	Title  lipgloss.Style
	Dim    lipgloss.Style
}

func NewDefaultTheme() Theme {
	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusIdle:    lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD")),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim: lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
}

// stateSymbol renders a worker state as a coloured glyph.
func (t Theme) stateSymbol(state string) string {
	switch state {
	case "free":
		return t.StatusOK.Render("●")
	case "reserved", "working":
		return t.StatusRunning.Render("◉")
	case "exhausted":
		return t.StatusFailed.Render("∅")
	default:
		return t.StatusIdle.Render("○")
	}
}
