// Package hub tracks live viewer connections and fans notification frames out
// to them. A slow or broken connection only ever degrades itself.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/livepipe/otel"
	"github.com/petal-labs/livepipe/protocol"
)

// DefaultWriteTimeout bounds one websocket write.
const DefaultWriteTimeout = 5 * time.Second

// Conn is one viewer connection owned by the Registry.
type Conn interface {
	// Send queues one encoded frame for delivery. It must not wait on the
	// network; a viewer that cannot keep up returns an error instead.
	Send(ctx context.Context, data []byte) error
	Close() error
}

// JobsSource reports the number of in-flight uploads.
type JobsSource interface {
	Value(ctx context.Context) (int64, error)
}

// StatsSource reports aggregate pipeline stats.
type StatsSource interface {
	Stats(ctx context.Context) (protocol.Stats, error)
}

// Config configures a Registry.
type Config struct {
	// Jobs and Stats feed the counters in the connected frame. Both are
	// optional; a missing or failing source reports zero.
	Jobs  JobsSource
	Stats StatsSource

	// QueueSize is the outbound queue length of each websocket viewer
	// (default 64). A viewer whose queue is full is dropped.
	QueueSize int

	// WriteTimeout bounds each websocket write (default 5s).
	WriteTimeout time.Duration

	Metrics *otel.Metrics
	Logger  *slog.Logger

	// NewClientID generates connected frame client ids (default: uuid).
	NewClientID func() string
}

// Registry is the set of live viewer connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[Conn]struct{}

	jobs         JobsSource
	stats        StatsSource
	queueSize    int
	writeTimeout time.Duration
	metrics      *otel.Metrics
	logger       *slog.Logger
	newID        func() string
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewClientID == nil {
		cfg.NewClientID = uuid.NewString
	}
	return &Registry{
		conns:        make(map[Conn]struct{}),
		jobs:         cfg.Jobs,
		stats:        cfg.Stats,
		queueSize:    cfg.QueueSize,
		writeTimeout: cfg.WriteTimeout,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		newID:        cfg.NewClientID,
	}
}

// Add sends c a connected frame and then registers it, so the connected
// frame always precedes any broadcast. If that send fails, c is not
// registered and the error is returned.
func (r *Registry) Add(ctx context.Context, c Conn) error {
	if c == nil {
		return errors.New("hub: nil connection")
	}

	active, total := r.counters(ctx)
	data, err := protocol.Encode(protocol.NewConnected(r.newID(), active, total))
	if err != nil {
		return err
	}
	if err := c.Send(ctx, data); err != nil {
		r.metrics.SendFailed(ctx)
		return err
	}

	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
	r.metrics.ConnectionAdded(ctx)
	return nil
}

// Remove unregisters c. It reports whether c was registered.
func (r *Registry) Remove(c Conn) bool {
	r.mu.Lock()
	_, ok := r.conns[c]
	delete(r.conns, c)
	r.mu.Unlock()

	if ok {
		r.metrics.ConnectionRemoved(context.Background())
	}
	return ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast encodes f once and queues it on every connection registered at
// the time of the call. Sends never wait on the network, so one slow viewer
// cannot hold up the caller or the other viewers. A connection whose send
// fails is removed and closed. Broadcast returns the number of connections
// that accepted the frame; only an encoding failure is returned as an error.
func (r *Registry) Broadcast(ctx context.Context, f protocol.Frame) (int, error) {
	data, err := protocol.Encode(f)
	if err != nil {
		return 0, err
	}

	r.mu.RLock()
	snapshot := make([]Conn, 0, len(r.conns))
	for c := range r.conns {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()

	r.metrics.FrameBroadcast(ctx, string(f.Kind()))

	delivered := 0
	for _, c := range snapshot {
		if err := c.Send(ctx, data); err != nil {
			r.logger.Debug("dropping viewer after failed send", "kind", f.Kind(), "error", err)
			r.metrics.SendFailed(ctx)
			if r.Remove(c) {
				_ = c.Close()
			}
			continue
		}
		delivered++
	}
	return delivered, nil
}

// Close unregisters and closes every connection.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[Conn]struct{})
	r.mu.Unlock()

	for c := range conns {
		r.metrics.ConnectionRemoved(context.Background())
		_ = c.Close()
	}
}

func (r *Registry) counters(ctx context.Context) (active, total int64) {
	if r.jobs != nil {
		n, err := r.jobs.Value(ctx)
		if err != nil {
			r.logger.Warn("active job count unavailable", "error", err)
		} else {
			active = n
		}
	}
	if r.stats != nil {
		st, err := r.stats.Stats(ctx)
		if err != nil {
			r.logger.Warn("stats unavailable for connected frame", "error", err)
		} else {
			total = st.TotalProcessed
		}
	}
	return active, total
}
