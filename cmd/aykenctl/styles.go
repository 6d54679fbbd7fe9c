package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#3FB950"))
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F85149"))
	logStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#555555"))
)

func styled(style lipgloss.Style, text string) string {
	if noColor {
		return text
	}
	return style.Render(text)
}

func printHeader(title string) {
	printInfo("\n%s\n", styled(headerStyle, title))
}

// printField prints a labelled value aligned to a fixed column.
func printField(label string, format string, args ...interface{}) {
	printInfo("  %s "+format+"\n", append([]interface{}{styled(labelStyle, fmt.Sprintf("%-18s", label+":"))}, args...)...)
}
