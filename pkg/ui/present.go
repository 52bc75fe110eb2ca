package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rescp17/deckrocket/internal/util"
	"github.com/rescp17/deckrocket/pkg/discovery"
	"github.com/rescp17/deckrocket/pkg/session"
)

const (
	labelWidth = 10
	// shown from the control stream
	maxLogLines = 5
)

// Controller is what the presenter screen drives.
type Controller interface {
	SendText(text string) error
	Reset()
}

type KeyMap struct {
	Next   key.Binding
	Prev   key.Binding
	Accept key.Binding
	Reject key.Binding
	Reset  key.Binding
	Quit   key.Binding
}

// DefaultKeyMap provides sensible default keybindings.
var DefaultKeyMap = KeyMap{
	Next:   key.NewBinding(key.WithKeys("right", "l", " "), key.WithHelp("→", "next slide")),
	Prev:   key.NewBinding(key.WithKeys("left", "h"), key.WithHelp("←", "previous slide")),
	Accept: key.NewBinding(key.WithKeys("y"), key.WithHelp("y", "load")),
	Reject: key.NewBinding(key.WithKeys("n"), key.WithHelp("n", "skip")),
	Reset:  key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "reconnect")),
	Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// Model is the presenter screen: connection status, current slide and the
// documents loaded so far.
type Model struct {
	ctrl    Controller
	bridge  *Bridge
	local   discovery.PeerID
	spinner spinner.Model

	state   session.ConnectionState
	peer    discovery.PeerID
	slide   int
	slides  string
	notes   string
	log     []string
	prompt  *PromptMsg
	lastErr error
	fatal   error
}

func NewModel(ctrl Controller, bridge *Bridge, local discovery.PeerID) Model {
	initial := bridge.current()
	return Model{
		ctrl:    ctrl,
		bridge:  bridge,
		local:   local,
		spinner: NewSpinner(),
		slide:   1,
		slides:  initial.Slides,
		notes:   initial.Notes,
	}
}

// Fatal returns the error that ended the program, if any.
func (m Model) Fatal() error {
	return m.fatal
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.bridge.listen())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case StateMsg:
		m.state = msg.State
		m.peer = msg.Peer
		if msg.State == session.Connected {
			m.lastErr = nil
		}
		return m, m.bridge.listen()
	case DataMsg:
		m.appendLog(fmt.Sprintf("%s: %s", msg.Peer.DisplayName, strings.TrimSpace(string(msg.Payload))))
		return m, m.bridge.listen()
	case PromptMsg:
		m.prompt = &msg
		return m, m.bridge.listen()
	case ReloadMsg:
		m.slides, m.notes = msg.Slides, msg.Notes
		return m, m.bridge.listen()
	case FatalMsg:
		m.fatal = msg.Err
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, DefaultKeyMap.Quit) {
		m.answer(false)
		return m, tea.Quit
	}

	// A pending prompt is modal.
	if m.prompt != nil {
		switch {
		case key.Matches(msg, DefaultKeyMap.Accept):
			m.answer(true)
		case key.Matches(msg, DefaultKeyMap.Reject):
			m.answer(false)
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, DefaultKeyMap.Next):
		m.goTo(m.slide + 1)
	case key.Matches(msg, DefaultKeyMap.Prev):
		if m.slide > 1 {
			m.goTo(m.slide - 1)
		}
	case key.Matches(msg, DefaultKeyMap.Reset):
		m.ctrl.Reset()
	}
	return m, nil
}

func (m *Model) answer(ok bool) {
	if m.prompt == nil {
		return
	}
	m.prompt.Reply <- ok
	m.prompt = nil
}

// goTo sends the new slide index and only moves on when it was delivered.
func (m *Model) goTo(slide int) {
	if err := m.ctrl.SendText(strconv.Itoa(slide)); err != nil {
		m.lastErr = err
		return
	}
	m.lastErr = nil
	m.slide = slide
}

func (m *Model) appendLog(line string) {
	m.log = append(m.log, line)
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render("deckrocket") + "  " + HelpStyle.Render(m.local.DisplayName) + "\n\n")

	status := stateBadge(m.state)
	switch m.state {
	case session.Connecting:
		status = m.spinner.View() + " " + status
	case session.NotConnected:
		if m.peer.IsZero() {
			status = m.spinner.View() + " looking for a presentation host"
		}
	}
	b.WriteString(row("Status", status))
	if !m.peer.IsZero() {
		b.WriteString(row("Peer", HighlightFontStyle.Render(m.peer.DisplayName)))
	}
	b.WriteString(row("Slides", orNone(m.slides)))
	b.WriteString(row("Notes", orNone(m.notes)))
	b.WriteString("\n" + BaseStyle.Render(SlideStyle.Render(fmt.Sprintf("Slide %d", m.slide))) + "\n")

	for _, line := range m.log {
		b.WriteString(HelpStyle.Render(line) + "\n")
	}
	if m.lastErr != nil {
		b.WriteString(ErrorStyle.Render(m.lastErr.Error()) + "\n")
	}

	if m.prompt != nil {
		box := TitleStyle.Render(m.prompt.Title) + "\n" + m.prompt.Message + "\n\n" +
			helpLine(DefaultKeyMap.Accept, DefaultKeyMap.Reject)
		b.WriteString("\n" + BaseStyle.Render(box) + "\n")
		return b.String()
	}

	b.WriteString("\n" + helpLine(DefaultKeyMap.Prev, DefaultKeyMap.Next, DefaultKeyMap.Reset, DefaultKeyMap.Quit))
	return b.String()
}

func row(label, value string) string {
	return util.PadRight(label, labelWidth) + value + "\n"
}

func orNone(name string) string {
	if name == "" {
		return HelpStyle.Render("none")
	}
	return name
}

func helpLine(bindings ...key.Binding) string {
	parts := make([]string, 0, len(bindings))
	for _, b := range bindings {
		parts = append(parts, b.Help().Key+" "+b.Help().Desc)
	}
	return HelpStyle.Render(strings.Join(parts, " • "))
}
