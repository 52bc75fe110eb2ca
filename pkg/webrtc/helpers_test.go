package webrtc

import (
	"context"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/rescp17/deckrocket/internal/logging"
	"github.com/stretchr/testify/require"
)

// timeoutFor stretches base on CI machines, where ICE gathering is slower.
func timeoutFor(base time.Duration) time.Duration {
	if os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true" {
		if runtime.GOOS == "windows" {
			return base * 3
		}
		return base * 2
	}
	return base
}

// connectedPair negotiates two in-process connections and waits until both
// have their data channels open.
func connectedPair(t *testing.T, onOffererMsg, onAnswererMsg MessageHandler) (*Connection, *Connection) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping WebRTC negotiation in short mode")
	}

	api := NewAPI()
	offerer, err := api.NewConnection(Config{}, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { offerer.Close() })
	answerer, err := api.NewConnection(Config{}, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { answerer.Close() })

	offerer.OnMessage(onOffererMsg)
	answerer.OnMessage(onAnswererMsg)

	ctx, cancel := context.WithTimeout(context.Background(), timeoutFor(15*time.Second))
	defer cancel()

	offer, err := offerer.CreateOffer(ctx)
	require.NoError(t, err)
	answer, err := answerer.Accept(ctx, *offer)
	require.NoError(t, err)
	require.NoError(t, offerer.SetAnswer(*answer))

	for _, c := range []*Connection{offerer, answerer} {
		select {
		case <-c.Ready():
		case <-ctx.Done():
			t.Fatal("data channels did not open in time")
		}
	}
	return offerer, answerer
}
