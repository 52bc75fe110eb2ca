package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rescp17/deckrocket/pkg/discovery"
	"github.com/rescp17/deckrocket/pkg/receiver"
	"github.com/rescp17/deckrocket/pkg/session"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// InviteTimeout bounds how long an invitation may take to connect.
const InviteTimeout = 30 * time.Second

var ErrAlreadyRunning = errors.New("client is already running")

// Transport is what the client needs from the peer-to-peer layer. Invite
// must not block or call the delegate before returning: the outcome is
// reported through the attached delegate. Disconnect reports whether the
// transport will itself report NotConnected for peer.
type Transport interface {
	session.Sender
	Attach(d session.Delegate)
	Invite(ctx context.Context, peer discovery.Peer, timeout time.Duration)
	Disconnect(peer discovery.PeerID) bool
}

type Options struct {
	Local     discovery.PeerID
	Transport Transport
	Receiver  *receiver.Receiver

	// Adapter and Service enable browsing. Without an adapter the client only
	// reacts to connections the transport reports (the accepting side).
	Adapter discovery.Adapter
	Service string

	InviteTimeout time.Duration
	Logger        logrus.FieldLogger
}

// Client owns the single session with the remote peer. Discovery results and
// transport callbacks are funneled into one event loop, which is the only
// writer of session state.
type Client struct {
	local         discovery.PeerID
	transport     Transport
	receiver      *receiver.Receiver
	browser       *discovery.Browser
	inviteTimeout time.Duration
	logger        logrus.FieldLogger

	events  chan event
	done    chan struct{}
	running atomic.Bool

	// owned by the event loop
	invited   discovery.PeerID
	reconnect bool
	ctx       context.Context

	mu       sync.RWMutex
	session  *session.Session
	channel  *session.Channel
	sessions int
	observer session.StateObserver
	onData   func(peer discovery.PeerID, payload []byte)
}

func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	timeout := opts.InviteTimeout
	if timeout <= 0 {
		timeout = InviteTimeout
	}

	c := &Client{
		local:         opts.Local,
		transport:     opts.Transport,
		receiver:      opts.Receiver,
		inviteTimeout: timeout,
		logger:        logger.WithField("component", "client"),
		events:        make(chan event, 64),
		done:          make(chan struct{}),
		ctx:           context.Background(),
	}
	if opts.Adapter != nil {
		c.browser = discovery.NewBrowser(opts.Adapter, opts.Local, opts.Service, c, logger)
	}
	return c
}

// Local returns this process's peer identity.
func (c *Client) Local() discovery.PeerID {
	return c.local
}

// Run browses for peers (when configured) and processes events until ctx is
// cancelled.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	if c.browser == nil {
		// The accepting side learns of peers only through the transport.
		c.ensureSession()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.loop(ctx)
	})
	if c.browser != nil {
		g.Go(func() error {
			if err := c.browser.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			c.browser.Stop()
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// OnStateChange registers the single state observer. A later registration
// replaces an earlier one; nil unregisters.
func (c *Client) OnStateChange(fn session.StateObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = fn
}

// OnData registers the handler for control payloads received from the peer.
func (c *Client) OnData(fn func(peer discovery.PeerID, payload []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onData = fn
}

// Send transmits payload reliably to the connected peer.
func (c *Client) Send(payload []byte) error {
	c.mu.RLock()
	channel := c.channel
	c.mu.RUnlock()
	return channel.Send(payload)
}

// SendText transmits text, encoded as UTF-8, to the connected peer.
func (c *Client) SendText(text string) error {
	c.mu.RLock()
	channel := c.channel
	c.mu.RUnlock()
	return channel.SendText(text)
}

// State returns the current connection state.
func (c *Client) State() session.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return session.NotConnected
	}
	return c.session.State()
}

// Sessions returns how many sessions have been created.
func (c *Client) Sessions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions
}

// Reset disconnects every peer of the session and then invites an advertised
// peer again. The session object itself is kept.
func (c *Client) Reset() {
	c.post(resetEvent{})
}
