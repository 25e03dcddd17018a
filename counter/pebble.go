package counter

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

const activeJobsKey = "stats|active_jobs"

var errCounterClosed = errors.New("counter: store is closed")

// PebbleCounter persists the active-job count in a Pebble store so it
// survives restarts of the API process.
type PebbleCounter struct {
	mu     sync.Mutex
	db     *pebble.DB
	closed bool
}

// OpenPebble opens (or creates) the counter store at path.
func OpenPebble(path string) (*PebbleCounter, error) {
	if path == "" {
		return nil, errors.New("counter: pebble path is required")
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("counter: open pebble: %w", err)
	}
	return &PebbleCounter{db: db}, nil
}

func (c *PebbleCounter) Increment(context.Context) (int64, error) {
	return c.update(1)
}

func (c *PebbleCounter) Decrement(context.Context) (int64, error) {
	return c.update(-1)
}

func (c *PebbleCounter) Value(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errCounterClosed
	}
	return c.read()
}

// Close flushes and closes the underlying store.
func (c *PebbleCounter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}

func (c *PebbleCounter) update(delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errCounterClosed
	}

	n, err := c.read()
	if err != nil {
		return 0, err
	}
	n += delta
	if n < 0 {
		n = 0
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n)) // #nosec G115 -- n is clamped non-negative
	if err := c.db.Set([]byte(activeJobsKey), buf[:], pebble.Sync); err != nil {
		return 0, fmt.Errorf("counter: write: %w", err)
	}
	return n, nil
}

func (c *PebbleCounter) read() (int64, error) {
	value, closer, err := c.db.Get([]byte(activeJobsKey))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("counter: read: %w", err)
	}
	defer closer.Close()
	if len(value) != 8 {
		return 0, fmt.Errorf("counter: invalid encoding (%d bytes)", len(value))
	}
	return int64(binary.BigEndian.Uint64(value)), nil // #nosec G115 -- written from a non-negative int64
}

var _ ActiveJobs = (*PebbleCounter)(nil)
