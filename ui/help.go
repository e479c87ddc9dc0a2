package ui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

func (a AppView) renderHelpModal(width, height int) string {
	green := lipgloss.NewStyle().
		Bold(true).
		Foreground(successColor)

	title := green.Render("bookchat - Keyboard Shortcuts")

	blue := lipgloss.NewStyle().Foreground(accentColor)

	chatActions := lipgloss.JoinVertical(
		lipgloss.Left,
		blue.Render("## Chat"),
		fmt.Sprintf("• %-13s Send message", "Enter"),
		fmt.Sprintf("• %-13s New line", "Alt+Enter"),
		fmt.Sprintf("• %-13s New chat", "Alt+N"),
		fmt.Sprintf("• %-13s Copy last reply", "Alt+Y"),
		fmt.Sprintf("• %-13s Dismiss error", "Esc"),
		fmt.Sprintf("• %-13s Toggle this help", "F1"),
		fmt.Sprintf("• %-13s Quit", "Ctrl+C"),
	)

	navigation := lipgloss.JoinVertical(
		lipgloss.Left,
		blue.Render("## Scrolling"),
		fmt.Sprintf("• %-13s Half page down", "Alt+J"),
		fmt.Sprintf("• %-13s Half page up", "Alt+K"),
		fmt.Sprintf("• %-13s Full page down", "PgDn"),
		fmt.Sprintf("• %-13s Full page up", "PgUp"),
	)

	dialogs := lipgloss.JoinVertical(
		lipgloss.Left,
		blue.Render("## Dialogs"),
		fmt.Sprintf("• %-13s Move", "j/k"),
		fmt.Sprintf("• %-13s Choose", "Enter"),
		fmt.Sprintf("• %-13s Filter times", "/"),
		fmt.Sprintf("• %-13s Cancel", "Esc"),
	)

	columnStyle := lipgloss.NewStyle().Width(36).PaddingLeft(4)

	twoColumns := lipgloss.JoinHorizontal(
		lipgloss.Top,
		columnStyle.Render(chatActions),
		columnStyle.Render(lipgloss.JoinVertical(lipgloss.Left, navigation, "", dialogs)),
	)

	server := DimStyle.Render(fmt.Sprintf("%s @ %s", a.opts.AppName, a.opts.BaseURL))
	if a.opts.Version != "" {
		server += DimStyle.Render("  " + a.opts.Version)
	}

	footer := lipgloss.NewStyle().
		Foreground(dimColor).
		Render("Press F1 or Esc to close this help")

	content := lipgloss.JoinVertical(
		lipgloss.Center,
		title,
		server,
		"",
		twoColumns,
		"",
		footer,
	)

	helpBox := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("8")).
		Padding(1, 2).
		Width(min(80, max(width-4, 40)))

	return lipgloss.Place(width, height, lipgloss.Center, lipgloss.Center, helpBox.Render(content))
}
