package transport

import (
	"bytes"
	"context"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rescp17/deckrocket/api"
	"github.com/rescp17/deckrocket/internal/logging"
	"github.com/rescp17/deckrocket/pkg/discovery"
	"github.com/rescp17/deckrocket/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resource struct {
	name     string
	location string
	err      error
}

// recordingDelegate captures every callback on channels.
type recordingDelegate struct {
	states   chan session.ConnectionState
	data     chan []byte
	started  chan string
	finished chan resource
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{
		states:   make(chan session.ConnectionState, 16),
		data:     make(chan []byte, 16),
		started:  make(chan string, 16),
		finished: make(chan resource, 16),
	}
}

func (r *recordingDelegate) StateChanged(_ discovery.PeerID, state session.ConnectionState) {
	r.states <- state
}

func (r *recordingDelegate) DataReceived(_ discovery.PeerID, payload []byte) {
	r.data <- payload
}

func (r *recordingDelegate) ResourceStarted(name string, _ discovery.PeerID) {
	r.started <- name
}

func (r *recordingDelegate) ResourceFinished(name string, _ discovery.PeerID, location string, err error) {
	r.finished <- resource{name: name, location: location, err: err}
}

func (r *recordingDelegate) expectState(t *testing.T, want session.ConnectionState) {
	t.Helper()
	select {
	case got := <-r.states:
		require.Equal(t, want, got)
	case <-time.After(20 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
}

func newTestTransport(t *testing.T, name string) *Transport {
	t.Helper()
	tr, err := New(Options{
		Local:      discovery.NewPeerID(name),
		StagingDir: filepath.Join(t.TempDir(), "staging"),
		Logger:     logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

// serve exposes tr's invitation endpoint and returns the peer others dial.
func serve(t *testing.T, tr *Transport) discovery.Peer {
	t.Helper()
	server := httptest.NewServer(tr.Handler())
	t.Cleanup(server.Close)

	host, port, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return discovery.Peer{ID: tr.local, Addr: net.ParseIP(host), Port: p}
}

func TestNew_RequiresIdentityAndStaging(t *testing.T) {
	_, err := New(Options{StagingDir: t.TempDir()})
	assert.Error(t, err)
	_, err = New(Options{Local: discovery.NewPeerID("ipad")})
	assert.Error(t, err)
}

func TestSendData_UnknownPeer(t *testing.T) {
	tr := newTestTransport(t, "ipad")

	err := tr.SendData([]discovery.PeerID{discovery.NewPeerID("mac")}, []byte("1"))
	assert.ErrorIs(t, err, ErrUnknownPeer)

	_, err = tr.SendResource(context.Background(), discovery.NewPeerID("mac"), "/nope", nil)
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestHandleInvite_RefusesWhileConnected(t *testing.T) {
	tr := newTestTransport(t, "mac")
	other := discovery.NewPeerID("ipad")
	tr.links[other] = &link{peer: other}

	_, err := tr.HandleInvite(context.Background(), discovery.NewPeerID("phone"), createOffer(t))
	assert.ErrorIs(t, err, api.ErrAlreadyConnected)
	delete(tr.links, other)

	// an invitation still negotiating counts too
	tr.pending = 1
	_, err = tr.HandleInvite(context.Background(), discovery.NewPeerID("phone"), createOffer(t))
	assert.ErrorIs(t, err, api.ErrAlreadyConnected)
	assert.Equal(t, 1, tr.pending)
	tr.pending = 0
}

func TestHandleInvite_Declined(t *testing.T) {
	tr := newTestTransport(t, "mac")
	tr.accept = func(discovery.PeerID) bool { return false }
	d := newRecordingDelegate()
	tr.Attach(d)

	_, err := tr.HandleInvite(context.Background(), discovery.NewPeerID("ipad"), createOffer(t))
	assert.ErrorIs(t, err, api.ErrDeclined)
	assert.Empty(t, d.states)
	assert.Zero(t, tr.pending)
}

func TestInvite_UnreachablePeerReportsNotConnected(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ICE gathering in short mode")
	}
	tr := newTestTransport(t, "ipad")
	d := newRecordingDelegate()
	tr.Attach(d)

	tr.Invite(context.Background(), discovery.Peer{ID: discovery.NewPeerID("mac"), Addr: net.ParseIP("127.0.0.1"), Port: 1}, 5*time.Second)

	d.expectState(t, session.NotConnected)
}

func TestInvite_ConnectsAndExchanges(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping WebRTC negotiation in short mode")
	}

	host := newTestTransport(t, "mac")
	hostEvents := newRecordingDelegate()
	host.Attach(hostEvents)
	hostPeer := serve(t, host)

	presenter := newTestTransport(t, "ipad")
	events := newRecordingDelegate()
	presenter.Attach(events)

	presenter.Invite(context.Background(), hostPeer, 20*time.Second)
	events.expectState(t, session.Connected)
	hostEvents.expectState(t, session.Connecting)
	hostEvents.expectState(t, session.Connected)

	assert.Equal(t, []discovery.PeerID{hostPeer.ID}, presenter.Peers())
	require.Len(t, host.Peers(), 1)
	assert.Equal(t, presenter.local, host.Peers()[0])

	// control payload, presenter to host
	require.NoError(t, presenter.SendData(presenter.Peers(), []byte("7")))
	select {
	case payload := <-hostEvents.data:
		assert.Equal(t, []byte("7"), payload)
	case <-time.After(10 * time.Second):
		t.Fatal("control payload never arrived")
	}

	// resource, host to presenter
	content := bytes.Repeat([]byte("%PDF"), 20000)
	path := filepath.Join(t.TempDir(), "deck.pdf")
	require.NoError(t, os.WriteFile(path, content, 0644))
	node, err := host.SendResource(context.Background(), host.Peers()[0], path, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), node.Size)

	assert.Equal(t, "deck.pdf", <-events.started)
	select {
	case res := <-events.finished:
		require.NoError(t, res.err)
		assert.Equal(t, "deck.pdf", res.name)
		staged, err := os.ReadFile(res.location)
		require.NoError(t, err)
		assert.Equal(t, content, staged)
	case <-time.After(20 * time.Second):
		t.Fatal("resource never finished")
	}

	// a third device is turned away while the host is connected
	third := newTestTransport(t, "phone")
	thirdEvents := newRecordingDelegate()
	third.Attach(thirdEvents)
	third.Invite(context.Background(), hostPeer, 10*time.Second)
	thirdEvents.expectState(t, session.NotConnected)

	// dropping the link on one side disconnects both
	require.True(t, presenter.Disconnect(hostPeer.ID))
	events.expectState(t, session.NotConnected)
	hostEvents.expectState(t, session.NotConnected)
	assert.Empty(t, presenter.Peers())
	assert.Empty(t, host.Peers())
	assert.False(t, presenter.Disconnect(hostPeer.ID))
}

func TestInvite_ReportsOnlyFromBackground(t *testing.T) {
	tr := newTestTransport(t, "ipad")
	d := newRecordingDelegate()
	// an unbuffered channel blocks any report made before Invite returns
	d.states = make(chan session.ConnectionState)
	tr.Attach(d)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	returned := make(chan struct{})
	go func() {
		tr.Invite(ctx, discovery.Peer{ID: discovery.NewPeerID("mac"), Addr: net.ParseIP("127.0.0.1"), Port: 1}, time.Second)
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("Invite blocked on the delegate")
	}
	d.expectState(t, session.NotConnected)
}

func TestDisconnect_AbandonsAttempt(t *testing.T) {
	tr := newTestTransport(t, "ipad")
	peer := discovery.NewPeerID("mac")
	assert.False(t, tr.Disconnect(peer))

	ctx, cancel := context.WithCancel(context.Background())
	a := tr.track(peer, cancel)
	assert.True(t, tr.Disconnect(peer))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	tr.untrack(peer, a)
	assert.False(t, tr.Disconnect(peer))
}
