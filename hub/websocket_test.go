package hub

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/petal-labs/livepipe/protocol"
)

func dialWS(t *testing.T, r *Registry) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(r.WebsocketHandler())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, err := websocket.Dial(wsURL, "", srv.URL)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg string
	if err := websocket.Message.Receive(conn, &msg); err != nil {
		t.Fatalf("receive: %v", err)
	}
	return msg
}

func waitLen(t *testing.T, r *Registry, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.Len() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Len = %d, want %d", r.Len(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebsocket_ConnectedThenFrames(t *testing.T) {
	r := NewRegistry(Config{Jobs: fixedJobs(2)})
	conn := dialWS(t, r)

	f, err := protocol.Decode([]byte(readText(t, conn)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	connected, ok := f.(protocol.Connected)
	if !ok || connected.ActiveUploads != 2 {
		t.Fatalf("first frame = %#v", f)
	}

	waitLen(t, r, 1)
	if _, err := r.Broadcast(context.Background(), protocol.NewStep("u1", "resize", "resizing", 5, 1, protocol.Activation{})); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	f, err = protocol.Decode([]byte(readText(t, conn)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if step, ok := f.(protocol.Step); !ok || step.Detail != "resizing" {
		t.Errorf("broadcast frame = %#v", f)
	}
}

func TestWebsocket_PingPong(t *testing.T) {
	r := NewRegistry(Config{})
	conn := dialWS(t, r)
	readText(t, conn) // connected

	if err := websocket.Message.Send(conn, protocol.Ping); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	if got := readText(t, conn); got != protocol.Pong {
		t.Errorf("reply = %q, want pong", got)
	}

	// Other text is ignored and the socket stays usable.
	_ = websocket.Message.Send(conn, `{"type":"hello"}`)
	_ = websocket.Message.Send(conn, protocol.Ping)
	if got := readText(t, conn); got != protocol.Pong {
		t.Errorf("reply = %q, want pong", got)
	}
}

func TestWebsocket_CloseRemoves(t *testing.T) {
	r := NewRegistry(Config{})
	conn := dialWS(t, r)
	readText(t, conn)
	waitLen(t, r, 1)

	_ = conn.Close()
	waitLen(t, r, 0)
}
