package session

import (
	"github.com/rescp17/deckrocket/pkg/discovery"
)

// ConnectionState is the lifecycle state of the active session.
type ConnectionState int

const (
	NotConnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case NotConnected:
		return "not_connected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// StateObserver is told about every state change the transport reports,
// together with the peer that changed. It must not block.
type StateObserver func(state ConnectionState, peer discovery.PeerID)
