package internal

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	appTitleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	subtitleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).MarginTop(1)
	tableBoxStyle   = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	menuHintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	statusStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle  = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	errorStyle      = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	changeStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	spinnerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
	tableBorder     = lipgloss.NormalBorder()
	selectedColor   = lipgloss.Color("213")
)

func (model WatcherModel) View() string {
	title := appTitleStyle.Render("statusboard")
	who := "watching anonymously"
	if model.token != "" {
		who = "signed in as " + model.username
	}
	subtitle := subtitleStyle.Render(fmt.Sprintf("%s  |  online: %d of %d", who, model.onlineCount(), len(model.users)))

	sections := []string{lipgloss.JoinVertical(lipgloss.Left, title, subtitle)}
	sections = append(sections, model.renderStatus())
	sections = append(sections, tableBoxStyle.Render(model.table.View()))
	if model.lastChange != "" {
		sections = append(sections, changeStyle.Render(model.lastChange))
	}
	sections = append(sections, menuHintStyle.Render("↑/↓ scroll • q quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model WatcherModel) renderStatus() string {
	if model.connected {
		return connectedStyle.Render("Connected to " + model.serverURL)
	}
	line := connectingStyle.Render(model.spinner.View() + " Connecting to " + model.serverURL)
	if model.lastErr != nil {
		line = lipgloss.JoinVertical(lipgloss.Left, line, errorStyle.Render(fmt.Sprintf("Last error (attempt %d): %v", model.attempts, model.lastErr)))
	}
	return line
}
