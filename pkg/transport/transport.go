package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rescp17/deckrocket/api"
	"github.com/rescp17/deckrocket/pkg/discovery"
	"github.com/rescp17/deckrocket/pkg/fileInfo"
	"github.com/rescp17/deckrocket/pkg/session"
	"github.com/rescp17/deckrocket/pkg/transfer"
	rtc "github.com/rescp17/deckrocket/pkg/webrtc"
	"github.com/sirupsen/logrus"
)

// DefaultConnectTimeout bounds how long an accepted invitation may take to
// open its data channels.
const DefaultConnectTimeout = 30 * time.Second

var (
	ErrUnknownPeer = errors.New("peer is not connected")
	ErrClosed      = errors.New("transport closed")
)

type Options struct {
	Local      discovery.PeerID
	StagingDir string
	Transfer   transfer.Config

	// Accept decides on inbound invitations. Nil accepts every invitation
	// while no peer is connected.
	Accept func(from discovery.PeerID) bool

	ConnectTimeout time.Duration
	Logger         logrus.FieldLogger
}

// Transport connects to peers over WebRTC data channels, using HTTP for the
// invitation handshake. It reports everything it observes to the attached
// session.Delegate.
type Transport struct {
	local          discovery.PeerID
	rtc            *rtc.API
	client         *api.Client
	sender         *transfer.Sender
	stagingDir     string
	maxFileSize    int64
	accept         func(from discovery.PeerID) bool
	connectTimeout time.Duration
	logger         logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	delegate session.Delegate
	links    map[discovery.PeerID]*link
	dialing  map[discovery.PeerID]*attempt
	pending  int
}

// attempt is a connection to a peer that has not opened its channels yet.
type attempt struct {
	cancel context.CancelFunc
}

// link is one live connection to a peer.
type link struct {
	peer   discovery.PeerID
	conn   *rtc.Connection
	stager *transfer.Stager
}

func New(opts Options) (*Transport, error) {
	if opts.Local.IsZero() {
		return nil, errors.New("local peer id is required")
	}
	if opts.StagingDir == "" {
		return nil, errors.New("staging dir is required")
	}
	if opts.Transfer == (transfer.Config{}) {
		opts.Transfer = transfer.DefaultConfig()
	}
	sender, err := transfer.NewSender(opts.Transfer)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		local:          opts.Local,
		rtc:            rtc.NewAPI(),
		client:         api.NewClient(opts.Local.String(), timeout),
		sender:         sender,
		stagingDir:     opts.StagingDir,
		maxFileSize:    opts.Transfer.MaxFileSize,
		accept:         opts.Accept,
		connectTimeout: timeout,
		logger:         logger.WithField("component", "transport"),
		ctx:            ctx,
		cancel:         cancel,
		links:          make(map[discovery.PeerID]*link),
		dialing:        make(map[discovery.PeerID]*attempt),
	}, nil
}

// Attach sets the delegate receiving connection events.
func (t *Transport) Attach(d session.Delegate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delegate = d
}

// Handler serves the invitation endpoint for this transport.
func (t *Transport) Handler() http.Handler {
	return api.NewAPI(t.local, t, t.logger)
}

// Peers returns the currently connected peers.
func (t *Transport) Peers() []discovery.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	peers := make([]discovery.PeerID, 0, len(t.links))
	for id := range t.links {
		peers = append(peers, id)
	}
	return peers
}

func (t *Transport) notify(fn func(d session.Delegate)) {
	t.mu.Lock()
	d := t.delegate
	t.mu.Unlock()
	if d == nil {
		t.logger.Debug("No delegate attached, dropping event")
		return
	}
	fn(d)
}

func (t *Transport) notifyState(peer discovery.PeerID, state session.ConnectionState) {
	t.notify(func(d session.Delegate) { d.StateChanged(peer, state) })
}

// Invite connects to peer in the background and reports Connected, or
// NotConnected if the invitation fails, times out or is disconnected. The
// caller is expected to have recorded Connecting already; Invite never calls
// the delegate before returning.
func (t *Transport) Invite(ctx context.Context, peer discovery.Peer, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	a := t.track(peer.ID, cancel)
	go func() {
		defer cancel()
		defer t.untrack(peer.ID, a)
		stop := context.AfterFunc(t.ctx, cancel)
		defer stop()

		log := t.logger.WithFields(logrus.Fields{"peer": peer.ID.String(), "address": peer.Address()})
		l, err := t.invite(ctx, peer)
		if err == nil && ctx.Err() != nil {
			l.conn.Close()
			err = ctx.Err()
		}
		if err != nil {
			log.WithError(err).Warn("Invitation failed")
			t.notifyState(peer.ID, session.NotConnected)
			return
		}
		log.Info("Connected")
		t.established(l)
	}()
}

func (t *Transport) invite(ctx context.Context, peer discovery.Peer) (*link, error) {
	l, err := t.newLink(peer.ID)
	if err != nil {
		return nil, err
	}

	offer, err := l.conn.CreateOffer(ctx)
	if err != nil {
		l.conn.Close()
		return nil, err
	}
	resp, err := api.NewSignaler(t.client, peer.Address()).Exchange(ctx, t.local, *offer)
	if err != nil {
		l.conn.Close()
		return nil, err
	}
	if resp.From != peer.ID {
		t.logger.WithFields(logrus.Fields{
			"advertised": peer.ID.String(),
			"answered":   resp.From.String(),
		}).Warn("Peer answered with a different identity")
	}
	if err := l.conn.SetAnswer(resp.Answer); err != nil {
		l.conn.Close()
		return nil, err
	}

	if err := t.awaitReady(ctx, l); err != nil {
		l.conn.Close()
		return nil, err
	}
	return l, nil
}

// HandleInvite implements api.InviteHandler for the accepting side.
func (t *Transport) HandleInvite(ctx context.Context, from discovery.PeerID, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	t.mu.Lock()
	if len(t.links) > 0 || t.pending > 0 {
		t.mu.Unlock()
		return nil, api.ErrAlreadyConnected
	}
	t.pending++
	t.mu.Unlock()

	if t.accept != nil && !t.accept(from) {
		t.donePending()
		return nil, api.ErrDeclined
	}

	t.notifyState(from, session.Connecting)
	l, err := t.newLink(from)
	if err != nil {
		t.donePending()
		t.notifyState(from, session.NotConnected)
		return nil, err
	}
	answer, err := l.conn.Accept(ctx, offer)
	if err != nil {
		l.conn.Close()
		t.donePending()
		t.notifyState(from, session.NotConnected)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(t.ctx, t.connectTimeout)
	a := t.track(from, cancel)
	go func() {
		defer t.donePending()
		defer cancel()
		defer t.untrack(from, a)
		err := t.awaitReady(ctx, l)
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			t.logger.WithError(err).WithField("peer", from.String()).Warn("Invited peer never connected")
			l.conn.Close()
			t.notifyState(from, session.NotConnected)
			return
		}
		t.logger.WithField("peer", from.String()).Info("Connected")
		t.established(l)
	}()
	return answer, nil
}

func (t *Transport) track(peer discovery.PeerID, cancel context.CancelFunc) *attempt {
	a := &attempt{cancel: cancel}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialing[peer] = a
	return a
}

func (t *Transport) untrack(peer discovery.PeerID, a *attempt) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dialing[peer] == a {
		delete(t.dialing, peer)
	}
}

// Disconnect closes the link to peer, or abandons a connection attempt in
// progress. It reports whether there was anything to tear down; if so,
// NotConnected for peer is reported to the delegate once teardown completes.
func (t *Transport) Disconnect(peer discovery.PeerID) bool {
	t.mu.Lock()
	l := t.links[peer]
	a := t.dialing[peer]
	t.mu.Unlock()

	if a != nil {
		a.cancel()
	}
	if l != nil {
		l.conn.Close()
	}
	if a == nil && l == nil {
		return false
	}
	t.logger.WithField("peer", peer.String()).Info("Disconnecting")
	return true
}

func (t *Transport) donePending() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending--
}

func (t *Transport) newLink(peer discovery.PeerID) (*link, error) {
	conn, err := t.rtc.NewConnection(rtc.Config{}, t.logger.WithField("peer", peer.String()))
	if err != nil {
		return nil, err
	}
	l := &link{
		peer:   peer,
		conn:   conn,
		stager: transfer.NewStager(t.stagingDir, t.maxFileSize, t.logger),
	}
	conn.OnMessage(func(label string, data []byte) {
		t.received(l, label, data)
	})
	return l, nil
}

func (t *Transport) awaitReady(ctx context.Context, l *link) error {
	select {
	case <-l.conn.Ready():
		return nil
	case <-l.conn.Done():
		return rtc.ErrClosed
	case <-ctx.Done():
		if errors.Is(t.ctx.Err(), context.Canceled) {
			return ErrClosed
		}
		return ctx.Err()
	}
}

// established publishes l and watches it until the connection ends.
func (t *Transport) established(l *link) {
	t.mu.Lock()
	t.links[l.peer] = l
	t.mu.Unlock()
	t.notifyState(l.peer, session.Connected)

	go func() {
		<-l.conn.Done()
		t.mu.Lock()
		if t.links[l.peer] == l {
			delete(t.links, l.peer)
		}
		t.mu.Unlock()
		l.conn.Close()

		for _, u := range l.stager.AbortAll(fmt.Errorf("%w: %s", ErrUnknownPeer, l.peer)) {
			t.report(l.peer, u)
		}
		t.logger.WithField("peer", l.peer.String()).Info("Disconnected")
		t.notifyState(l.peer, session.NotConnected)
	}()
}

func (t *Transport) received(l *link, label string, data []byte) {
	switch label {
	case rtc.ControlLabel:
		payload := append([]byte(nil), data...)
		t.notify(func(d session.Delegate) { d.DataReceived(l.peer, payload) })
	case rtc.ResourceLabel:
		updates, err := l.stager.Process(data)
		if err != nil {
			t.logger.WithError(err).WithField("peer", l.peer.String()).Warn("Dropping resource frame")
			return
		}
		for _, u := range updates {
			t.report(l.peer, u)
		}
	}
}

func (t *Transport) report(peer discovery.PeerID, u transfer.Update) {
	switch u.Kind {
	case transfer.UpdateStarted:
		t.notify(func(d session.Delegate) { d.ResourceStarted(u.Name, peer) })
	case transfer.UpdateFinished:
		t.notify(func(d session.Delegate) { d.ResourceFinished(u.Name, peer, u.Location, u.Err) })
	}
}

func (t *Transport) lookup(peer discovery.PeerID) (*link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.links[peer]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	return l, nil
}

// SendData implements session.Sender over the control channel.
func (t *Transport) SendData(peers []discovery.PeerID, payload []byte) error {
	for _, peer := range peers {
		l, err := t.lookup(peer)
		if err != nil {
			return err
		}
		if err := l.conn.Send(rtc.ControlLabel, payload); err != nil {
			return err
		}
	}
	return nil
}

// SendResource streams the file at path to peer over the resource channel.
func (t *Transport) SendResource(ctx context.Context, peer discovery.PeerID, path string, progress transfer.ProgressFunc) (*fileInfo.FileNode, error) {
	l, err := t.lookup(peer)
	if err != nil {
		return nil, err
	}
	return t.sender.SendFile(ctx, path, func(frame []byte) error {
		return l.conn.Send(rtc.ResourceLabel, frame)
	}, progress)
}

// Close drops every connection. Pending invitations fail.
func (t *Transport) Close() error {
	t.cancel()
	t.mu.Lock()
	links := make([]*link, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	t.mu.Unlock()

	var errs []error
	for _, l := range links {
		if err := l.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
