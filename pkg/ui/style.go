package ui

import (
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/lipgloss"
	"github.com/rescp17/deckrocket/pkg/session"
)

var (
	BaseStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	HighlightFontStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	HelpStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	ErrorStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	TitleStyle         = lipgloss.NewStyle().Bold(true).Underline(true)
	SlideStyle         = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86")).Padding(0, 2)

	stateStyles = map[session.ConnectionState]lipgloss.Style{
		session.NotConnected: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		session.Connecting:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		session.Connected:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	}
)

func NewSpinner() spinner.Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = HighlightFontStyle
	return s
}

func stateBadge(state session.ConnectionState) string {
	style, ok := stateStyles[state]
	if !ok {
		style = HelpStyle
	}
	return style.Render("● " + state.String())
}
