// Package sse streams notification frames to viewers over Server-Sent
// Events, for clients that cannot hold a websocket open.
package sse

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/petal-labs/livepipe/hub"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// DefaultBufferSize is the number of frames queued per stream before the
// viewer is dropped as too slow.
const DefaultBufferSize = hub.DefaultQueueSize

// Registry is the subset of hub.Registry the handler needs.
type Registry interface {
	Add(ctx context.Context, c hub.Conn) error
	Remove(c hub.Conn) bool
}

// Handler serves an SSE stream of frames. Every frame the registry sends to
// the stream is written as one message:
//
//	data: {"type":"...","payload":{...}}
//
// The first message is the connected frame. A heartbeat comment ": ping\n\n"
// is sent every 15 seconds. The stream ends when the client disconnects.
type Handler struct {
	registry  Registry
	heartbeat time.Duration
	bufSize   int
}

// NewHandler creates a Handler that registers each stream with registry.
func NewHandler(registry Registry) *Handler {
	return &Handler{
		registry:  registry,
		heartbeat: HeartbeatInterval,
		bufSize:   DefaultBufferSize,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	c := newStream(h.bufSize)
	defer func() {
		_ = c.Close()
	}()

	if err := h.registry.Add(ctx, c); err != nil {
		return
	}
	defer h.registry.Remove(c)

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-c.done:
			// Closed by the registry after a failed send.
			return

		case data := <-c.frames:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// stream is the hub.Conn for one SSE response. Send queues frames for the
// handler goroutine, which owns the ResponseWriter.
type stream struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func newStream(bufSize int) *stream {
	return &stream{
		frames: make(chan []byte, bufSize),
		done:   make(chan struct{}),
	}
}

// Send queues data without blocking.
func (s *stream) Send(_ context.Context, data []byte) error {
	select {
	case <-s.done:
		return hub.ErrConnClosed
	default:
	}
	select {
	case s.frames <- data:
		return nil
	default:
		return hub.ErrSlowConn
	}
}

func (s *stream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

var _ hub.Conn = (*stream)(nil)
