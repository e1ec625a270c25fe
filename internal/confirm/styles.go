package confirm

import (
	"github.com/charmbracelet/lipgloss"
)

// Color palette
var (
	colorPrimary = lipgloss.Color("86")  // Cyan
	colorError   = lipgloss.Color("196") // Red
	colorWarning = lipgloss.Color("214") // Orange
	colorMuted   = lipgloss.Color("240") // Gray
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true).
			Padding(0, 1)

	sectionHeaderStyle = lipgloss.NewStyle().
				Foreground(colorPrimary).
				Bold(true).
				MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	statementStyle = lipgloss.NewStyle().
			PaddingLeft(2)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	warningBoxStyle = lipgloss.NewStyle().
			Foreground(colorWarning).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorWarning).
			Padding(0, 1).
			MarginTop(1)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(colorMuted).
			Italic(true).
			MarginTop(1)
)

const (
	iconDanger  = "⚠"
	iconArchive = "📦"
	iconError   = "✗"
)

func renderHeader(text string) string {
	return headerStyle.Render(iconDanger + " " + text)
}

func renderSectionHeader(text string) string {
	return sectionHeaderStyle.Render(text)
}

func renderError(text string) string {
	return errorStyle.Render(iconError + " " + text)
}

func renderWarning(text string) string {
	return warningBoxStyle.Render(text)
}

func renderStatusBar(text string) string {
	return statusBarStyle.Render(text)
}
