package client

import (
	"context"

	"github.com/rescp17/deckrocket/pkg/discovery"
	"github.com/rescp17/deckrocket/pkg/session"
	"github.com/sirupsen/logrus"
)

type event interface{}

type peerFoundEvent struct{ peer discovery.Peer }

type peerLostEvent struct{ peer discovery.Peer }

type stateEvent struct {
	peer  discovery.PeerID
	state session.ConnectionState
}

type dataEvent struct {
	peer    discovery.PeerID
	payload []byte
}

type resourceStartedEvent struct {
	name string
	peer discovery.PeerID
}

type resourceFinishedEvent struct {
	name     string
	peer     discovery.PeerID
	location string
	err      error
}

type resetEvent struct{}

// PeerFound implements discovery.Delegate.
func (c *Client) PeerFound(peer discovery.Peer) { c.post(peerFoundEvent{peer: peer}) }

// PeerLost implements discovery.Delegate.
func (c *Client) PeerLost(peer discovery.Peer) { c.post(peerLostEvent{peer: peer}) }

// StateChanged implements session.Delegate.
func (c *Client) StateChanged(peer discovery.PeerID, state session.ConnectionState) {
	c.post(stateEvent{peer: peer, state: state})
}

// DataReceived implements session.Delegate.
func (c *Client) DataReceived(peer discovery.PeerID, payload []byte) {
	c.post(dataEvent{peer: peer, payload: payload})
}

// ResourceStarted implements session.Delegate.
func (c *Client) ResourceStarted(name string, peer discovery.PeerID) {
	c.post(resourceStartedEvent{name: name, peer: peer})
}

// ResourceFinished implements session.Delegate.
func (c *Client) ResourceFinished(name string, peer discovery.PeerID, location string, err error) {
	c.post(resourceFinishedEvent{name: name, peer: peer, location: location, err: err})
}

func (c *Client) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Client) loop(ctx context.Context) error {
	defer close(c.done)
	c.ctx = ctx
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Client) handle(ev event) {
	switch e := ev.(type) {
	case peerFoundEvent:
		c.handlePeerFound(e.peer)
	case peerLostEvent:
		c.logger.WithField("peer", e.peer.ID.String()).Info("Peer lost")
	case stateEvent:
		c.handleStateChange(e.peer, e.state)
	case dataEvent:
		c.handleData(e.peer, e.payload)
	case resourceStartedEvent:
		if c.receiver != nil {
			c.receiver.Started(e.name, e.peer)
		}
	case resourceFinishedEvent:
		c.handleResourceFinished(e)
	case resetEvent:
		c.handleReset()
	default:
		c.logger.Warnf("Received unhandled event %T", ev)
	}
}

// ensureSession creates the session on first use.
func (c *Client) ensureSession() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		c.session = session.New()
		c.channel = session.NewChannel(c.session, c.transport)
		c.sessions++
		c.transport.Attach(c)
		c.logger.WithField("session", c.session.ID()).Info("Created session")
	}
	return c.session
}

func (c *Client) handlePeerFound(peer discovery.Peer) {
	s := c.ensureSession()
	log := c.logger.WithFields(logrus.Fields{"peer": peer.ID.String(), "session": s.ID()})

	if !c.invited.IsZero() || s.Busy() {
		log.WithFields(logrus.Fields{
			"state":   s.State().String(),
			"invited": c.invited.String(),
		}).Info("Already connecting or connected, not inviting another peer")
		return
	}

	c.invited = peer.ID
	log.WithField("timeout", c.inviteTimeout).Info("Inviting peer")
	c.handleStateChange(peer.ID, session.Connecting)
	c.transport.Invite(c.ctx, peer, c.inviteTimeout)
}

func (c *Client) handleStateChange(peer discovery.PeerID, state session.ConnectionState) {
	s := c.ensureSession()
	previous := s.Apply(peer, state)

	if peer == c.invited && state != session.Connecting {
		c.invited = discovery.PeerID{}
	}

	c.logger.WithFields(logrus.Fields{
		"peer": peer.String(),
		"from": previous.String(),
		"to":   state.String(),
	}).Info("Session state changed")

	c.mu.RLock()
	observer := c.observer
	c.mu.RUnlock()
	if observer != nil {
		observer(state, peer)
	}

	if c.reconnect && !s.Busy() {
		c.reconnect = false
		c.rediscover()
	}
}

func (c *Client) handleData(peer discovery.PeerID, payload []byte) {
	c.mu.RLock()
	onData := c.onData
	c.mu.RUnlock()
	if onData == nil {
		c.logger.WithField("peer", peer.String()).Debugf("Dropping %d byte payload, no handler", len(payload))
		return
	}
	onData(peer, payload)
}

func (c *Client) handleResourceFinished(e resourceFinishedEvent) {
	if c.receiver == nil {
		c.logger.WithField("name", e.name).Warn("Received a resource but no receiver is configured")
		return
	}
	c.receiver.Finished(c.ctx, e.name, e.peer, e.location, e.err)
}

func (c *Client) handleReset() {
	c.mu.RLock()
	s := c.session
	c.mu.RUnlock()
	if s == nil {
		return
	}
	c.logger.WithField("session", s.ID()).Info("Resetting session")

	c.invited = discovery.PeerID{}
	c.reconnect = false
	waiting := false
	for _, peer := range s.Peers() {
		if c.transport.Disconnect(peer) {
			waiting = true
			continue
		}
		c.handleStateChange(peer, session.NotConnected)
	}
	if waiting {
		// rediscover once the transport reports the teardown
		c.reconnect = true
		return
	}
	s.Reset()
	c.rediscover()
}

// rediscover invites the first peer still advertised. The browser reports a
// peer only once, so after a reset nothing else would trigger an invitation.
func (c *Client) rediscover() {
	if c.browser == nil {
		return
	}
	if known := c.browser.Known(); len(known) > 0 {
		c.handlePeerFound(known[0])
	}
}
