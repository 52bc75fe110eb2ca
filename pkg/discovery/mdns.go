package discovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/brutella/dnssd"
)

type MDNSAdapter struct{}

func (m *MDNSAdapter) Announce(ctx context.Context, serviceInfo ServiceInfo) error {
	text := map[string]string{
		"desc":     "deckrocket presentation host",
		txtPeerKey: serviceInfo.DisplayName,
	}

	cfg := dnssd.Config{
		Name:   serviceInfo.Name,
		Type:   serviceInfo.Type,
		Domain: serviceInfo.Domain,
		// mdns will multicast to ip address, so we can leave it nil
		IPs:  nil,
		Text: text,
		Port: serviceInfo.Port,
	}

	service, err := dnssd.NewService(cfg)
	if err != nil {
		return fmt.Errorf("failed to create mDNS service: %w", err)
	}

	rp, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("failed to create mDNS responder: %w", err)
	}

	if _, err = rp.Add(service); err != nil {
		return fmt.Errorf("failed to add mDNS service: %w", err)
	}

	if err = rp.Respond(ctx); err != nil {
		// Context cancellation is not an error in normal operation
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("failed to respond to mDNS service: %w", err)
	}
	return nil
}

// Browse reports every instance of service as it appears and disappears.
// The returned channel is closed once ctx is done or the lookup fails.
func (m *MDNSAdapter) Browse(ctx context.Context, service string) <-chan Event {
	outCh := make(chan Event, 10)

	emit := func(ev Event) {
		select {
		case outCh <- ev:
		case <-ctx.Done():
		}
	}

	toInfo := func(e dnssd.BrowseEntry) ServiceInfo {
		info := ServiceInfo{
			Name:        e.Name,
			DisplayName: e.Text[txtPeerKey],
			Type:        e.Type,
			Domain:      e.Domain,
			Port:        e.Port,
		}
		if len(e.IPs) > 0 {
			info.Addr = e.IPs[0]
		}
		return info
	}

	addFn := func(e dnssd.BrowseEntry) {
		// An entry without an address cannot be invited.
		if len(e.IPs) == 0 {
			return
		}
		emit(Event{Kind: ServiceFound, Service: toInfo(e)})
	}

	rmvFn := func(e dnssd.BrowseEntry) {
		emit(Event{Kind: ServiceLost, Service: toInfo(e)})
	}

	go func() {
		defer close(outCh)
		err := dnssd.LookupType(ctx, service, addFn, rmvFn)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			emit(Event{Err: fmt.Errorf("mDNS lookup failed: %w", err)})
		}
	}()

	return outCh
}
