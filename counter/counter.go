// Package counter tracks the number of uploads currently moving through the
// pipeline. The API increments it when an upload is accepted and the bridge
// decrements it once per terminal outcome.
package counter

import (
	"context"
	"sync"
)

// ActiveJobs is a shared gauge of in-flight uploads. Implementations never
// report a negative value; a decrement at zero leaves the count at zero.
type ActiveJobs interface {
	Increment(ctx context.Context) (int64, error)
	Decrement(ctx context.Context) (int64, error)
	Value(ctx context.Context) (int64, error)
}

// MemCounter is an in-process ActiveJobs.
type MemCounter struct {
	mu sync.Mutex
	n  int64
}

// NewMemCounter returns a counter starting at zero.
func NewMemCounter() *MemCounter {
	return &MemCounter{}
}

func (c *MemCounter) Increment(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n, nil
}

func (c *MemCounter) Decrement(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n > 0 {
		c.n--
	}
	return c.n, nil
}

func (c *MemCounter) Value(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n, nil
}

var _ ActiveJobs = (*MemCounter)(nil)
