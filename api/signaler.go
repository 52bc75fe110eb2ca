package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rescp17/deckrocket/pkg/discovery"
)

var (
	// ErrAlreadyConnected is returned when the invitee already has a peer.
	ErrAlreadyConnected = errors.New("invitee is already connected to a peer")
	// ErrDeclined is returned when the invitee refused the invitation.
	ErrDeclined = errors.New("invitation declined")
)

// InvitePayload is the request body of POST /invite.
type InvitePayload struct {
	From  discovery.PeerID          `json:"from"`
	Offer webrtc.SessionDescription `json:"offer"`
}

// InviteResponse is the response body of an accepted invitation.
type InviteResponse struct {
	From   discovery.PeerID          `json:"from"`
	Answer webrtc.SessionDescription `json:"answer"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Signaler exchanges one offer for one answer with a specific invitee. ICE
// candidates travel inside the descriptions, so no trickle is needed.
type Signaler struct {
	client *Client
	url    string
}

// NewSignaler targets the invitee listening on address (host:port).
func NewSignaler(client *Client, address string) *Signaler {
	return &Signaler{client: client, url: "http://" + address + "/invite"}
}

// Exchange sends the offer and waits for the invitee's answer.
func (s *Signaler) Exchange(ctx context.Context, from discovery.PeerID, offer webrtc.SessionDescription) (*InviteResponse, error) {
	if offer.Type != webrtc.SDPTypeOffer {
		return nil, fmt.Errorf("expected an offer, got %s", offer.Type)
	}
	resp, err := s.client.Invite(ctx, s.url, InvitePayload{From: from, Offer: offer})
	if err != nil {
		return nil, err
	}
	if resp.Answer.Type != webrtc.SDPTypeAnswer {
		return nil, fmt.Errorf("invitee replied with %s instead of an answer", resp.Answer.Type)
	}
	return resp, nil
}
