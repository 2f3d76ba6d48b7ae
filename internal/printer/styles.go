package printer

import "github.com/charmbracelet/lipgloss"

var (
	styleTitle = lipgloss.NewStyle().Bold(true)

	styleGood = lipgloss.NewStyle().
			Foreground(lipgloss.Color("green")).
			Bold(true)

	styleWarn = lipgloss.NewStyle().
			Foreground(lipgloss.Color("yellow")).
			Bold(true)

	styleBad = lipgloss.NewStyle().
			Foreground(lipgloss.Color("red")).
			Bold(true)

	styleMuted = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	styleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)
)

// statusStyle picks the style of a status or outcome word.
func statusStyle(s string) lipgloss.Style {
	switch s {
	case "success", "completed", "accepted", "active", "idle":
		return styleGood
	case "timed_out", "cancelled", "escalated", "stuck", "running":
		return styleWarn
	case "failure", "failed", "rejected", "orphaned", "corrupted":
		return styleBad
	default:
		return styleMuted
	}
}
