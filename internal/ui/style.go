package ui

import "github.com/charmbracelet/lipgloss"

var TableGray = lipgloss.Color("240")

var TitleStyle = lipgloss.NewStyle().Inline(true).Bold(true).Foreground(lipgloss.Color("252")).Render
var HelpStyle = lipgloss.NewStyle().Inline(true).Foreground(lipgloss.Color("241")).Render
var StatusStyle = lipgloss.NewStyle().Inline(true).Foreground(lipgloss.Color("110")).Render

var tableBorder = lipgloss.NewStyle().
	BorderStyle(lipgloss.NormalBorder()).
	BorderForeground(TableGray)

// TableBase wraps a rendered table in the shared border treatment.
func TableBase(table string) string {
	return tableBorder.Render(table)
}
