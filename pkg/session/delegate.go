package session

import (
	"github.com/rescp17/deckrocket/pkg/discovery"
)

// Delegate receives everything a transport observes about its peers. A
// transport may call it from any goroutine; implementations serialize.
type Delegate interface {
	StateChanged(peer discovery.PeerID, state ConnectionState)
	DataReceived(peer discovery.PeerID, payload []byte)
	ResourceStarted(name string, peer discovery.PeerID)
	ResourceFinished(name string, peer discovery.PeerID, location string, err error)
}
