package commands

import "github.com/charmbracelet/lipgloss"

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7B68EE")).MarginBottom(1)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00D4FF"))
	okStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7FFF00"))
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF0000"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")).Width(10)
)

// column renders s padded to width cells.
func column(s string, width int) string {
	return lipgloss.NewStyle().Width(width).Render(s)
}
