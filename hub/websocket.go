package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/petal-labs/livepipe/protocol"
)

// WebsocketHandler returns the /ws endpoint. Each socket is registered for
// its lifetime; the literal text "ping" is answered with "pong" and any other
// inbound message is ignored.
func (r *Registry) WebsocketHandler() http.Handler {
	return websocket.Server{
		// Viewers are not authenticated, so any origin may connect.
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   r.serveWS,
	}
}

func (r *Registry) serveWS(ws *websocket.Conn) {
	c := newWSConn(ws, r.queueSize, r.writeTimeout)
	defer func() {
		_ = c.Close()
	}()

	ctx := context.Background()
	if req := ws.Request(); req != nil {
		ctx = req.Context()
	}
	if err := r.Add(ctx, c); err != nil {
		r.logger.Debug("websocket viewer rejected", "error", err)
		return
	}
	defer r.Remove(c)

	for {
		var msg string
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			return
		}
		if msg != protocol.Ping {
			continue
		}
		if err := c.Send(ctx, []byte(protocol.Pong)); err != nil {
			return
		}
	}
}

// wsConn is the Conn for one websocket. Frames go through an outbox; a write
// that fails or outlasts the write timeout closes the socket, which ends the
// read loop in serveWS and unregisters the viewer.
type wsConn struct {
	*outbox
	ws   *websocket.Conn
	once sync.Once
}

func newWSConn(ws *websocket.Conn, queueSize int, timeout time.Duration) *wsConn {
	c := &wsConn{ws: ws}
	c.outbox = newOutbox(queueSize, func(data []byte) error {
		if err := ws.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		return websocket.Message.Send(ws, string(data))
	}, func(error) {
		_ = c.Close()
	})
	return c
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		c.outbox.close()
		err = c.ws.Close()
	})
	return err
}
