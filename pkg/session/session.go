package session

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rescp17/deckrocket/pkg/discovery"
)

var (
	// ErrNotConnected is returned when sending without a connected peer.
	ErrNotConnected = errors.New("not connected to any peer")
	// ErrEncoding is returned when text cannot be encoded as UTF-8.
	ErrEncoding = errors.New("text is not valid UTF-8")
)

// Sender delivers payloads reliably and in order to the given peers.
type Sender interface {
	SendData(peers []discovery.PeerID, payload []byte) error
}

// Session tracks the connection to the single remote peer. The global state
// is whatever the transport reported last; per-peer states are kept so that
// the connected set stays correct if more than one peer ever reports.
//
// Apply and Reset are meant to be called from a single goroutine; Snapshot
// and Send may be called from anywhere.
type Session struct {
	id string

	mu        sync.RWMutex
	state     ConnectionState
	peers     map[discovery.PeerID]ConnectionState
	connected []discovery.PeerID
}

func New() *Session {
	return &Session{
		id:    uuid.New().String(),
		peers: make(map[discovery.PeerID]ConnectionState),
	}
}

func (s *Session) ID() string {
	return s.id
}

// Apply records a transport-reported state change for peer and returns the
// state that was previously recorded for it.
func (s *Session) Apply(peer discovery.PeerID, state ConnectionState) ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.peers[peer]
	s.state = state

	if state == NotConnected {
		delete(s.peers, peer)
	} else {
		s.peers[peer] = state
	}

	idx := slices.Index(s.connected, peer)
	switch {
	case state == Connected && idx < 0:
		s.connected = append(s.connected, peer)
	case state != Connected && idx >= 0:
		s.connected = slices.Delete(s.connected, idx, idx+1)
	}
	return previous
}

// Snapshot returns the global state and a copy of the connected peer set,
// read atomically with respect to Apply.
func (s *Session) Snapshot() (ConnectionState, []discovery.PeerID) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, slices.Clone(s.connected)
}

func (s *Session) State() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// PeerState returns the last state reported for peer.
func (s *Session) PeerState(peer discovery.PeerID) ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[peer]
}

// Peers returns every peer that is connecting or connected.
func (s *Session) Peers() []discovery.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peers := make([]discovery.PeerID, 0, len(s.peers))
	for peer := range s.peers {
		peers = append(peers, peer)
	}
	return peers
}

// Busy reports whether any peer is connecting or connected.
func (s *Session) Busy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers) > 0
}

// Reset drops every peer and returns the session to NotConnected.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = NotConnected
	s.peers = make(map[discovery.PeerID]ConnectionState)
	s.connected = nil
}

// Channel is the reliable outbound byte stream of a session.
type Channel struct {
	session *Session
	sender  Sender
}

func NewChannel(s *Session, sender Sender) *Channel {
	return &Channel{session: s, sender: sender}
}

// Send transmits payload to every connected peer. It fails with
// ErrNotConnected, without touching the transport, unless the session is
// Connected with at least one connected peer.
func (c *Channel) Send(payload []byte) error {
	if c == nil || c.session == nil {
		return ErrNotConnected
	}
	state, peers := c.session.Snapshot()
	if state != Connected || len(peers) == 0 {
		return ErrNotConnected
	}
	if err := c.sender.SendData(peers, payload); err != nil {
		return fmt.Errorf("failed to send %d bytes: %w", len(payload), err)
	}
	return nil
}

// SendText sends text encoded as UTF-8.
func (c *Channel) SendText(text string) error {
	if !utf8.ValidString(text) {
		return ErrEncoding
	}
	return c.Send([]byte(text))
}
