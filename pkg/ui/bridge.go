package ui

import (
	"context"
	"errors"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rescp17/deckrocket/pkg/discovery"
	"github.com/rescp17/deckrocket/pkg/session"
	"github.com/rescp17/deckrocket/pkg/settings"
)

var ErrClosed = errors.New("ui closed")

// StateMsg reports a session state transition.
type StateMsg struct {
	State session.ConnectionState
	Peer  discovery.PeerID
}

// DataMsg carries a control payload from the peer.
type DataMsg struct {
	Peer    discovery.PeerID
	Payload []byte
}

// PromptMsg asks the user a yes/no question. The answer goes to Reply.
type PromptMsg struct {
	Title   string
	Message string
	Reply   chan<- bool
}

// ReloadMsg names the documents currently loaded.
type ReloadMsg struct {
	Slides string
	Notes  string
}

// FatalMsg ends the program with an error.
type FatalMsg struct {
	Err error
}

// Bridge carries events from the application into the bubbletea program.
// It also answers adoption prompts and reloads by asking the user.
type Bridge struct {
	messages chan tea.Msg
	done     chan struct{}
	once     sync.Once
	store    settings.Store
}

func NewBridge(store settings.Store) *Bridge {
	return &Bridge{
		messages: make(chan tea.Msg, 32),
		done:     make(chan struct{}),
		store:    store,
	}
}

// Post delivers msg to the program, or drops it once the bridge is closed.
func (b *Bridge) Post(msg tea.Msg) {
	select {
	case b.messages <- msg:
	case <-b.done:
	}
}

func (b *Bridge) Close() {
	b.once.Do(func() { close(b.done) })
}

// listen is a command that waits for the next application message.
func (b *Bridge) listen() tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-b.messages:
			return msg
		case <-b.done:
			return nil
		}
	}
}

// Observe is a session.StateObserver.
func (b *Bridge) Observe(state session.ConnectionState, peer discovery.PeerID) {
	b.Post(StateMsg{State: state, Peer: peer})
}

func (b *Bridge) Data(peer discovery.PeerID, payload []byte) {
	b.Post(DataMsg{Peer: peer, Payload: payload})
}

func (b *Bridge) Fatal(err error) {
	b.Post(FatalMsg{Err: err})
}

// Confirm implements adoption.Prompter by showing a modal prompt.
func (b *Bridge) Confirm(ctx context.Context, title, message string) (bool, error) {
	reply := make(chan bool, 1)
	select {
	case b.messages <- PromptMsg{Title: title, Message: message, Reply: reply}:
	case <-b.done:
		return false, ErrClosed
	case <-ctx.Done():
		return false, ctx.Err()
	}

	select {
	case ok := <-reply:
		return ok, nil
	case <-b.done:
		return false, ErrClosed
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Reload implements adoption.Reloader by re-reading the loaded document
// names from the settings store.
func (b *Bridge) Reload() {
	b.Post(b.current())
}

func (b *Bridge) current() ReloadMsg {
	var msg ReloadMsg
	if b.store == nil {
		return msg
	}
	// A missing key just means nothing was adopted yet.
	msg.Slides, _ = b.store.Get(settings.SlidesKey)
	msg.Notes, _ = b.store.Get(settings.NotesKey)
	return msg
}
