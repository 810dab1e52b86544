package tuiapp

import "github.com/charmbracelet/lipgloss"

// Status colors, keyed by session status.
var (
	colorRunning   = lipgloss.Color("#2563eb")
	colorRetrying  = lipgloss.Color("#d97706")
	colorStarting  = lipgloss.Color("#7c3aed")
	colorCompleted = lipgloss.Color("#16a34a")
	colorError     = lipgloss.Color("#dc2626")
	colorStopped   = lipgloss.Color("#6b7280")
	colorFailed    = lipgloss.Color("#991b1b")
	colorDefault   = lipgloss.Color("#9ca3af")

	colorBorder  = lipgloss.Color("#4b5563")
	colorDimmed  = lipgloss.Color("#6b7280")
	colorBright  = lipgloss.Color("#f9fafb")
	colorDanger  = lipgloss.Color("#dc2626")
	colorHealthy = lipgloss.Color("#22c55e")
)

var (
	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(colorBright)
	styleDimmed = lipgloss.NewStyle().Foreground(colorDimmed)
	styleBorder = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(colorBorder)
)

// statusColor returns the Lip Gloss color for a session status string.
func statusColor(status string) lipgloss.Color {
	switch status {
	case "running":
		return colorRunning
	case "retrying":
		return colorRetrying
	case "starting", "created", "queued":
		return colorStarting
	case "completed":
		return colorCompleted
	case "error":
		return colorError
	case "stopped":
		return colorStopped
	case "failed":
		return colorFailed
	default:
		return colorDefault
	}
}

// statusGlyph returns a Unicode glyph for a session status.
func statusGlyph(status string) string {
	switch status {
	case "running":
		return "●>"
	case "retrying":
		return "◌"
	case "starting", "created", "queued":
		return "◎"
	case "completed":
		return "✓"
	case "error":
		return "✗"
	case "stopped":
		return "■"
	case "failed":
		return "✗"
	default:
		return "·"
	}
}
