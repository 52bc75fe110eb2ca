package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

const (
	MTU uint = 1400

	// ControlLabel carries small, latency sensitive payloads.
	ControlLabel = "control"
	// ResourceLabel carries file transfer frames.
	ResourceLabel = "resource"

	// Sends on a channel block while more than this much is queued.
	maxBufferedAmount     uint64 = 1 << 20
	lowBufferedAmountMark uint64 = 256 << 10
)

var (
	ErrClosed         = errors.New("connection closed")
	ErrUnknownChannel = errors.New("unknown data channel")
	ErrChannelNotOpen = errors.New("data channel not open")
)

// MessageHandler is called with every message received on a data channel.
type MessageHandler func(label string, data []byte)

type API struct {
	api *webrtc.API
}

// Config holds the configuration for creating a new Connection. On a LAN
// host and mDNS candidates suffice, so no ICE servers are needed.
type Config struct {
	ICEServers []webrtc.ICEServer
}

func NewAPI() *API {
	settings := webrtc.SettingEngine{}
	settings.SetICEMulticastDNSMode(ice.MulticastDNSModeQueryAndGather)
	settings.SetReceiveMTU(MTU)

	// One API shared by every PeerConnection in the process.
	return &API{api: webrtc.NewAPI(webrtc.WithSettingEngine(settings))}
}

// Connection wraps a single WebRTC peer connection carrying the control and
// resource data channels, both ordered and reliable.
type Connection struct {
	pc     *webrtc.PeerConnection
	logger logrus.FieldLogger

	mu       sync.Mutex
	channels map[string]*channel
	onMsg    MessageHandler

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
}

type channel struct {
	dc   *webrtc.DataChannel
	open bool
	// signalled when the send buffer drains below the low mark
	drained chan struct{}
}

func (a *API) NewConnection(config Config, logger logrus.FieldLogger) (*Connection, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	pc, err := a.api.NewPeerConnection(webrtc.Configuration{ICEServers: config.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	c := &Connection{
		pc:       pc,
		logger:   logger.WithField("component", "webrtc"),
		channels: make(map[string]*channel),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.WithField("state", state.String()).Debug("Peer connection state changed")
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			c.finish()
		}
	})
	pc.OnDataChannel(c.register)
	return c, nil
}

// OnMessage sets the handler for inbound messages. It must be set before
// negotiation starts.
func (c *Connection) OnMessage(fn MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMsg = fn
}

// Ready is closed once both data channels are open.
func (c *Connection) Ready() <-chan struct{} {
	return c.ready
}

// Done is closed once the connection has failed or been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// CreateOffer opens the data channels and returns a complete offer, with all
// ICE candidates gathered, ready to be handed to the remote peer.
func (c *Connection) CreateOffer(ctx context.Context) (*webrtc.SessionDescription, error) {
	ordered := true
	for _, label := range []string{ControlLabel, ResourceLabel} {
		dc, err := c.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			return nil, fmt.Errorf("failed to create %s channel: %w", label, err)
		}
		c.register(dc)
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	return c.setLocal(ctx, offer)
}

// SetAnswer applies the remote peer's answer to an offer from CreateOffer.
func (c *Connection) SetAnswer(answer webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

// Accept answers a remote offer. The returned answer carries all gathered
// ICE candidates.
func (c *Connection) Accept(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	return c.setLocal(ctx, answer)
}

func (c *Connection) setLocal(ctx context.Context, desc webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	gathered := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.pc.LocalDescription(), nil
}

func (c *Connection) register(dc *webrtc.DataChannel) {
	label := dc.Label()
	if label != ControlLabel && label != ResourceLabel {
		c.logger.WithField("label", label).Warn("Ignoring unexpected data channel")
		return
	}

	ch := &channel{dc: dc, drained: make(chan struct{}, 1)}
	c.mu.Lock()
	c.channels[label] = ch
	c.mu.Unlock()

	dc.SetBufferedAmountLowThreshold(lowBufferedAmountMark)
	dc.OnBufferedAmountLow(func() {
		select {
		case ch.drained <- struct{}{}:
		default:
		}
	})
	dc.OnOpen(func() {
		c.logger.WithField("label", label).Debug("Data channel open")
		c.mu.Lock()
		ch.open = true
		all := c.allOpen()
		c.mu.Unlock()
		if all {
			c.readyOnce.Do(func() { close(c.ready) })
		}
	})
	dc.OnClose(func() {
		c.logger.WithField("label", label).Debug("Data channel closed")
		c.finish()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.Lock()
		fn := c.onMsg
		c.mu.Unlock()
		if fn != nil {
			fn(label, msg.Data)
		}
	})
}

// allOpen requires c.mu.
func (c *Connection) allOpen() bool {
	for _, label := range []string{ControlLabel, ResourceLabel} {
		ch, ok := c.channels[label]
		if !ok || !ch.open {
			return false
		}
	}
	return true
}

// Send queues data on the named channel, waiting while the channel's send
// buffer is full.
func (c *Connection) Send(label string, data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.mu.Lock()
	ch, ok := c.channels[label]
	open := ok && ch.open
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, label)
	}
	if !open {
		return fmt.Errorf("%w: %s", ErrChannelNotOpen, label)
	}

	for ch.dc.BufferedAmount() > maxBufferedAmount {
		select {
		case <-ch.drained:
		case <-c.done:
			return ErrClosed
		}
	}
	if err := ch.dc.Send(data); err != nil {
		return fmt.Errorf("failed to send on %s channel: %w", label, err)
	}
	return nil
}

func (c *Connection) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Close shuts down the peer connection.
func (c *Connection) Close() error {
	c.finish()
	return c.pc.Close()
}
