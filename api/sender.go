package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rescp17/deckrocket/pkg/concurrency"
)

const peerIDHeader = "X-Peer-ID"

// peerIDInjector is a custom http.RoundTripper that injects the caller's
// peer identity into each request.
type peerIDInjector struct {
	peerID string
	next   http.RoundTripper
}

func (t *peerIDInjector) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set(peerIDHeader, t.peerID)
	return t.next.RoundTrip(req)
}

// Client is a stateless HTTP client for inviting another peer.
type Client struct {
	HttpClient *http.Client
}

// NewClient creates a new API client that tags every request with peerID.
// timeout bounds a whole invitation, including the invitee's decision.
func NewClient(peerID string, timeout time.Duration) *Client {
	return &Client{
		HttpClient: &http.Client{
			Timeout: timeout,
			Transport: &peerIDInjector{
				peerID: peerID,
				next:   http.DefaultTransport,
			},
		},
	}
}

// Invite POSTs payload to url and decodes the answer.
func (c *Client) Invite(ctx context.Context, url string, payload InvitePayload) (*InviteResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal invite payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create invite request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HttpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send invite: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusServiceUnavailable:
		return nil, concurrency.ErrBusy
	case http.StatusConflict:
		return nil, ErrAlreadyConnected
	case http.StatusForbidden:
		return nil, ErrDeclined
	default:
		return nil, fmt.Errorf("invite responded with %s: %s", resp.Status, readError(resp.Body))
	}

	var answer InviteResponse
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return nil, fmt.Errorf("failed to decode invite response: %w", err)
	}
	return &answer, nil
}

func readError(r io.Reader) string {
	var e errorResponse
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return err.Error()
	}
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	return string(bytes.TrimSpace(data))
}
