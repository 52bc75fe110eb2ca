package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
)

const (
	DefaultServiceType = "_deckrocket._tcp"
	DefaultDomain      = "local"

	// txtPeerKey carries the human readable device name in the TXT record.
	txtPeerKey = "peer"
)

// PeerID identifies one device for the lifetime of its process. Two calls to
// NewPeerID with the same display name yield different identities.
type PeerID struct {
	DisplayName string `json:"display_name"`
	Instance    string `json:"instance"`
}

func NewPeerID(displayName string) PeerID {
	return PeerID{
		DisplayName: displayName,
		Instance:    fmt.Sprintf("%s-%s", displayName, uuid.New().String()[:8]),
	}
}

func (p PeerID) String() string {
	return p.Instance
}

func (p PeerID) IsZero() bool {
	return p.Instance == ""
}

type ServiceInfo struct {
	Name        string // mDNS instance name, equal to PeerID.Instance
	DisplayName string // from the TXT record, falls back to Name
	Type        string // service type, e.g., "_deckrocket._tcp"
	Domain      string // domain, e.g., "local"
	Addr        net.IP
	Port        int
}

// Peer is a discovered, reachable device.
type Peer struct {
	ID   PeerID
	Addr net.IP
	Port int
}

// Address returns host:port suitable for dialing.
func (p Peer) Address() string {
	return net.JoinHostPort(p.Addr.String(), strconv.Itoa(p.Port))
}

func (s ServiceInfo) Peer() Peer {
	display := s.DisplayName
	if display == "" {
		display = s.Name
	}
	return Peer{
		ID:   PeerID{DisplayName: display, Instance: s.Name},
		Addr: s.Addr,
		Port: s.Port,
	}
}

type EventKind int

const (
	ServiceFound EventKind = iota
	ServiceLost
)

func (k EventKind) String() string {
	if k == ServiceLost {
		return "lost"
	}
	return "found"
}

// Event is one browse result. Err is set when browsing failed; the channel is
// closed right after.
type Event struct {
	Kind    EventKind
	Service ServiceInfo
	Err     error
}

type Adapter interface {
	Announce(ctx context.Context, service ServiceInfo) error
	Browse(ctx context.Context, service string) <-chan Event
}
