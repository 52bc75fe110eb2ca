package discovery

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Delegate receives peer discovery results from a Browser.
type Delegate interface {
	PeerFound(peer Peer)
	PeerLost(peer Peer)
}

// Browser continuously browses one service type and reports each peer once
// when it appears and once when it goes away.
type Browser struct {
	adapter  Adapter
	local    PeerID
	service  string
	delegate Delegate
	logger   logrus.FieldLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	known  map[string]Peer
}

// NewBrowser creates a browser for service, e.g. "_deckrocket._tcp.local.".
// Instances named after local are never reported.
func NewBrowser(adapter Adapter, local PeerID, service string, delegate Delegate, logger logrus.FieldLogger) *Browser {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Browser{
		adapter:  adapter,
		local:    local,
		service:  service,
		delegate: delegate,
		logger:   logger.WithField("component", "browser"),
	}
}

// Start begins browsing in the background. Calling Start on a running
// browser does nothing.
func (b *Browser) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.known = make(map[string]Peer)

	events := b.adapter.Browse(ctx, b.service)
	go b.run(events, b.done)

	b.logger.WithField("service", b.service).Info("Started browsing for peers")
	return nil
}

// Stop ends browsing and waits for the background loop to exit. The browser
// may be started again afterwards.
func (b *Browser) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	b.logger.Info("Stopped browsing for peers")
}

func (b *Browser) run(events <-chan Event, done chan struct{}) {
	defer close(done)
	for ev := range events {
		b.handle(ev)
	}
}

func (b *Browser) handle(ev Event) {
	if ev.Err != nil {
		b.logger.WithError(ev.Err).Error("Peer browsing failed")
		return
	}

	peer := ev.Service.Peer()
	if peer.ID.Instance == b.local.Instance {
		return
	}
	log := b.logger.WithFields(logrus.Fields{"peer": peer.ID.String(), "addr": peer.Address()})

	b.mu.Lock()
	_, seen := b.known[peer.ID.Instance]
	switch ev.Kind {
	case ServiceFound:
		b.known[peer.ID.Instance] = peer
	case ServiceLost:
		delete(b.known, peer.ID.Instance)
	}
	b.mu.Unlock()

	switch ev.Kind {
	case ServiceFound:
		if seen {
			log.Debug("Peer already known, ignoring repeat announcement")
			return
		}
		log.Info("Found peer")
		b.delegate.PeerFound(peer)
	case ServiceLost:
		if !seen {
			return
		}
		log.Info("Lost peer")
		b.delegate.PeerLost(peer)
	}
}

// Known returns the peers currently advertised, ordered by instance name.
func (b *Browser) Known() []Peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	peers := make([]Peer, 0, len(b.known))
	for _, p := range b.known {
		peers = append(peers, p)
	}
	slices.SortFunc(peers, func(x, y Peer) int {
		return strings.Compare(x.ID.Instance, y.ID.Instance)
	})
	return peers
}
