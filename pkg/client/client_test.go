package client

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rescp17/deckrocket/internal/logging"
	"github.com/rescp17/deckrocket/pkg/classify"
	"github.com/rescp17/deckrocket/pkg/discovery"
	"github.com/rescp17/deckrocket/pkg/receiver"
	"github.com/rescp17/deckrocket/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type invitation struct {
	peer    discovery.Peer
	timeout time.Duration
}

type fakeTransport struct {
	mu          sync.Mutex
	delegate    session.Delegate
	attaches    int
	invitations []invitation
	sends       [][]byte
	sentTo      [][]discovery.PeerID
	// acceptInvites makes Invite report Connected.
	acceptInvites bool
	// linked makes Disconnect tear down a live link and report NotConnected.
	linked       bool
	disconnected []discovery.PeerID
}

func (f *fakeTransport) Attach(d session.Delegate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delegate = d
	f.attaches++
}

func (f *fakeTransport) Invite(_ context.Context, peer discovery.Peer, timeout time.Duration) {
	f.mu.Lock()
	f.invitations = append(f.invitations, invitation{peer: peer, timeout: timeout})
	accept, d := f.acceptInvites, f.delegate
	f.mu.Unlock()

	if accept {
		go d.StateChanged(peer.ID, session.Connected)
	}
}

func (f *fakeTransport) Disconnect(peer discovery.PeerID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, peer)
	if f.linked {
		go f.delegate.StateChanged(peer, session.NotConnected)
	}
	return f.linked
}

func (f *fakeTransport) disconnects() []discovery.PeerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]discovery.PeerID(nil), f.disconnected...)
}

func (f *fakeTransport) SendData(peers []discovery.PeerID, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, payload)
	f.sentTo = append(f.sentTo, peers)
	return nil
}

func (f *fakeTransport) invites() []invitation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]invitation(nil), f.invitations...)
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func newPeer(name string) discovery.Peer {
	return discovery.Peer{
		ID:   discovery.NewPeerID(name),
		Addr: net.ParseIP("10.0.0.2"),
		Port: 8080,
	}
}

func newTestClient(transport *fakeTransport) *Client {
	return New(Options{
		Local:     discovery.NewPeerID("ipad"),
		Transport: transport,
		Logger:    logging.Discard(),
	})
}

func TestClient_AtMostOneSession(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestClient(transport)

	for i := 0; i < 10; i++ {
		c.handle(peerFoundEvent{peer: newPeer("mac")})
	}
	c.handle(stateEvent{peer: newPeer("other").ID, state: session.NotConnected})

	assert.Equal(t, 1, c.Sessions())
	assert.Equal(t, 1, transport.attaches)
}

func TestClient_InvitesWithTimeout(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestClient(transport)
	mac := newPeer("mac")

	c.handle(peerFoundEvent{peer: mac})

	invites := transport.invites()
	require.Len(t, invites, 1)
	assert.Equal(t, mac.ID, invites[0].peer.ID)
	assert.Equal(t, 30*time.Second, invites[0].timeout)
}

func TestClient_RejectsSecondPeerWhileBusy(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestClient(transport)
	mac, other := newPeer("mac"), newPeer("other")

	c.handle(peerFoundEvent{peer: mac})
	// invitation still pending
	c.handle(peerFoundEvent{peer: other})
	assert.Len(t, transport.invites(), 1)

	c.handle(stateEvent{peer: mac.ID, state: session.Connecting})
	c.handle(peerFoundEvent{peer: other})
	assert.Len(t, transport.invites(), 1)

	c.handle(stateEvent{peer: mac.ID, state: session.Connected})
	c.handle(peerFoundEvent{peer: other})
	assert.Len(t, transport.invites(), 1)
}

func TestClient_ReinvitesAfterFailure(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestClient(transport)
	mac, other := newPeer("mac"), newPeer("other")

	c.handle(peerFoundEvent{peer: mac})
	c.handle(stateEvent{peer: mac.ID, state: session.Connecting})
	c.handle(stateEvent{peer: mac.ID, state: session.NotConnected})

	c.handle(peerFoundEvent{peer: other})
	invites := transport.invites()
	require.Len(t, invites, 2)
	assert.Equal(t, other.ID, invites[1].peer.ID)
	assert.Equal(t, 1, c.Sessions(), "the existing session is reused")
}

func TestClient_SendRequiresConnection(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestClient(transport)
	mac := newPeer("mac")

	// no session yet
	assert.ErrorIs(t, c.Send([]byte("1")), session.ErrNotConnected)
	assert.ErrorIs(t, c.SendText("1"), session.ErrNotConnected)

	c.handle(peerFoundEvent{peer: mac})
	c.handle(stateEvent{peer: mac.ID, state: session.Connecting})
	assert.ErrorIs(t, c.Send([]byte("1")), session.ErrNotConnected)
	assert.Zero(t, transport.sendCount())

	c.handle(stateEvent{peer: mac.ID, state: session.Connected})
	require.NoError(t, c.SendText("12"))
	assert.Equal(t, [][]byte{[]byte("12")}, transport.sends)
	assert.Equal(t, []discovery.PeerID{mac.ID}, transport.sentTo[0])

	assert.ErrorIs(t, c.SendText("\xff"), session.ErrEncoding)
	assert.Equal(t, 1, transport.sendCount())
}

func TestClient_ObserverSeesEveryTransition(t *testing.T) {
	c := newTestClient(&fakeTransport{})
	mac := newPeer("mac").ID

	type change struct {
		state session.ConnectionState
		peer  discovery.PeerID
	}
	var changes []change
	c.OnStateChange(func(state session.ConnectionState, peer discovery.PeerID) {
		changes = append(changes, change{state, peer})
	})

	reported := []session.ConnectionState{
		session.Connecting,
		session.Connected,
		session.Connected,
		session.NotConnected,
		session.Connecting,
	}
	for _, state := range reported {
		c.handle(stateEvent{peer: mac, state: state})
	}

	require.Len(t, changes, len(reported))
	for i, state := range reported {
		assert.Equal(t, change{state, mac}, changes[i])
	}
	assert.Equal(t, session.Connecting, c.State())
}

func TestClient_LastObserverWins(t *testing.T) {
	c := newTestClient(&fakeTransport{})
	first, second := 0, 0
	c.OnStateChange(func(session.ConnectionState, discovery.PeerID) { first++ })
	c.OnStateChange(func(session.ConnectionState, discovery.PeerID) { second++ })

	c.handle(stateEvent{peer: newPeer("mac").ID, state: session.Connecting})
	assert.Zero(t, first)
	assert.Equal(t, 1, second)

	c.OnStateChange(nil)
	assert.NotPanics(t, func() {
		c.handle(stateEvent{peer: newPeer("mac").ID, state: session.Connected})
	})
}

func TestClient_DataHandler(t *testing.T) {
	c := newTestClient(&fakeTransport{})
	mac := newPeer("mac").ID

	assert.NotPanics(t, func() { c.handle(dataEvent{peer: mac, payload: []byte("x")}) })

	var got []byte
	c.OnData(func(peer discovery.PeerID, payload []byte) {
		assert.Equal(t, mac, peer)
		got = payload
	})
	c.handle(dataEvent{peer: mac, payload: []byte("next")})
	assert.Equal(t, []byte("next"), got)
}

type sinkFunc func(receiver.ClassifiedFile)

func (f sinkFunc) Adopt(_ context.Context, file receiver.ClassifiedFile) error {
	f(file)
	return nil
}

type inlineDispatcher struct{}

func (inlineDispatcher) Dispatch(fn func()) { fn() }

func TestClient_ResourcesReachReceiver(t *testing.T) {
	var adopted []receiver.ClassifiedFile
	r := receiver.New(sinkFunc(func(f receiver.ClassifiedFile) { adopted = append(adopted, f) }), inlineDispatcher{}, logging.Discard())
	c := New(Options{
		Local:     discovery.NewPeerID("ipad"),
		Transport: &fakeTransport{},
		Receiver:  r,
		Logger:    logging.Discard(),
	})
	mac := newPeer("mac").ID

	c.handle(resourceStartedEvent{name: "slides.pdf", peer: mac})
	c.handle(resourceFinishedEvent{name: "slides.pdf", peer: mac, location: "/staging/slides.pdf"})
	c.handle(resourceFinishedEvent{name: "image.png", peer: mac, location: ""})

	require.Len(t, adopted, 1)
	assert.Equal(t, classify.Slides, adopted[0].Kind)
	assert.Equal(t, "/staging/slides.pdf", adopted[0].Location)
	assert.Equal(t, receiver.Stats{Started: 1, Delivered: 1, Unrecognized: 1}, r.Stats())
}

func TestClient_ResetWithoutLink(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestClient(transport)
	mac := newPeer("mac")

	var observed []session.ConnectionState
	c.OnStateChange(func(state session.ConnectionState, _ discovery.PeerID) {
		observed = append(observed, state)
	})

	c.handle(peerFoundEvent{peer: mac})
	c.handle(stateEvent{peer: mac.ID, state: session.Connected})
	c.handle(resetEvent{})

	assert.Equal(t, []discovery.PeerID{mac.ID}, transport.disconnects())
	assert.Equal(t, []session.ConnectionState{
		session.Connecting, session.Connected, session.NotConnected,
	}, observed)
	assert.Equal(t, session.NotConnected, c.State())
	assert.ErrorIs(t, c.Send([]byte("x")), session.ErrNotConnected)
	assert.Equal(t, 1, c.Sessions())

	// without a browser nothing is re-invited
	assert.Len(t, transport.invites(), 1)
}

func TestClient_ResetBeforeSession(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestClient(transport)

	assert.NotPanics(t, func() { c.handle(resetEvent{}) })
	assert.Empty(t, transport.disconnects())
	assert.Zero(t, c.Sessions())
}

func TestClient_ResetReconnects(t *testing.T) {
	adapter := &scriptedAdapter{events: make(chan discovery.Event, 4)}
	transport := &fakeTransport{acceptInvites: true, linked: true}
	c := New(Options{
		Local:     discovery.NewPeerID("ipad"),
		Transport: transport,
		Adapter:   adapter,
		Service:   "_deckrocket._tcp.local.",
		Logger:    logging.Discard(),
	})

	states := make(chan session.ConnectionState, 8)
	c.OnStateChange(func(state session.ConnectionState, _ discovery.PeerID) { states <- state })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	adapter.events <- discovery.Event{Kind: discovery.ServiceFound, Service: discovery.ServiceInfo{
		Name: "mac-1234", DisplayName: "mac", Addr: net.ParseIP("10.0.0.2"), Port: 8080,
	}}
	assert.Equal(t, session.Connecting, <-states)
	assert.Equal(t, session.Connected, <-states)

	c.Reset()
	assert.Equal(t, session.NotConnected, <-states)
	assert.Equal(t, session.Connecting, <-states)
	assert.Equal(t, session.Connected, <-states)

	mac := discovery.PeerID{DisplayName: "mac", Instance: "mac-1234"}
	assert.Equal(t, []discovery.PeerID{mac}, transport.disconnects())
	invites := transport.invites()
	require.Len(t, invites, 2)
	assert.Equal(t, mac, invites[1].peer.ID)
	assert.Equal(t, 1, c.Sessions())
	require.NoError(t, c.SendText("1"))

	cancel()
	assert.NoError(t, <-runErr)
}

type scriptedAdapter struct {
	events chan discovery.Event
}

func (a *scriptedAdapter) Announce(ctx context.Context, _ discovery.ServiceInfo) error {
	<-ctx.Done()
	return nil
}

func (a *scriptedAdapter) Browse(ctx context.Context, _ string) <-chan discovery.Event {
	out := make(chan discovery.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-a.events:
				out <- ev
			}
		}
	}()
	return out
}

func TestClient_RunEndToEnd(t *testing.T) {
	adapter := &scriptedAdapter{events: make(chan discovery.Event, 4)}
	transport := &fakeTransport{acceptInvites: true}
	c := New(Options{
		Local:     discovery.NewPeerID("ipad"),
		Transport: transport,
		Adapter:   adapter,
		Service:   "_deckrocket._tcp.local.",
		Logger:    logging.Discard(),
	})

	states := make(chan session.ConnectionState, 4)
	c.OnStateChange(func(state session.ConnectionState, _ discovery.PeerID) { states <- state })

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	adapter.events <- discovery.Event{Kind: discovery.ServiceFound, Service: discovery.ServiceInfo{
		Name: "mac-1234", DisplayName: "mac", Addr: net.ParseIP("10.0.0.2"), Port: 8080,
	}}

	assert.Equal(t, session.Connecting, <-states)
	assert.Equal(t, session.Connected, <-states)
	require.NoError(t, c.SendText("3"))
	assert.Equal(t, 1, transport.sendCount())

	assert.ErrorIs(t, c.Run(ctx), ErrAlreadyRunning)

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// delegates must not block once the loop is gone
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			c.StateChanged(discovery.PeerID{}, session.NotConnected)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delegate call blocked after Run returned")
	}
}

func TestClient_AcceptingSideAttachesOnRun(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestClient(transport)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return transport.delegate != nil
	}, time.Second, 10*time.Millisecond)

	states := make(chan session.ConnectionState, 2)
	c.OnStateChange(func(state session.ConnectionState, _ discovery.PeerID) { states <- state })
	mac := newPeer("mac").ID
	transport.delegate.StateChanged(mac, session.Connected)
	assert.Equal(t, session.Connected, <-states)
	assert.Equal(t, 1, c.Sessions())

	cancel()
	assert.NoError(t, <-runErr)
}
