package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/petal-labs/livepipe/hub"
	"github.com/petal-labs/livepipe/protocol"
)

func TestWebsocketDialer_LiveStreamIntoStore(t *testing.T) {
	reg := hub.NewRegistry(hub.Config{})
	defer reg.Close()
	srv := httptest.NewServer(reg.WebsocketHandler())
	defer srv.Close()

	store := NewStore(StoreConfig{})
	defer store.Close()

	ctrl := NewController(ControllerConfig{
		Dialer:             WebsocketDialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http")},
		OnFrame:            store.HandleFrame,
		OnConnectionChange: store.SetConnected,
	})
	ctrl.Start()
	defer ctrl.Close()

	waitUntil(t, "connected frame", func() bool { return store.Snapshot().Connected })
	waitUntil(t, "registered viewer", func() bool { return reg.Len() == 1 })

	if _, err := reg.Broadcast(context.Background(), protocol.NewStep("u1", "resize", "resizing", 5, 10, protocol.Activation{})); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	waitUntil(t, "step event", func() bool {
		events := store.Snapshot().Events
		return len(events) == 1 && events[0].Description == "resizing"
	})

	if err := ctrl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitUntil(t, "viewer removed", func() bool {
		// The registry notices the closed socket on its next read.
		return reg.Len() == 0
	})
}
