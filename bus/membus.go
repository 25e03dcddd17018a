package bus

import (
	"context"
	"slices"
	"sync"
)

// MemBusConfig configures an in-memory message bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the queue size per subscriber (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-process message bus. Each subscription has its own
// delivery goroutine, so a slow handler only delays its own subject.
type MemBus struct {
	mu      sync.RWMutex
	subs    map[string][]*memSub // subject -> subscribers
	bufSize int
	closed  bool
}

// NewMemBus creates a new in-memory bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		subs:    make(map[string][]*memSub),
		bufSize: bufSize,
	}
}

// Publish queues data for every subscriber of subject. It blocks while a
// subscriber's queue is full, until ctx is done.
func (b *MemBus) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := slices.Clone(b.subs[subject])
	b.mu.RUnlock()

	msg := Message{Subject: subject, Data: slices.Clone(data)}
	for _, sub := range subs {
		if err := sub.send(ctx, msg); err != nil && err != ErrClosed {
			return err
		}
	}
	return nil
}

// Subscribe registers h for subject.
func (b *MemBus) Subscribe(subject string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	sub := newMemSub(b, subject, h, b.bufSize)
	b.subs[subject] = append(b.subs[subject], sub)
	go sub.run()
	return sub, nil
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	b.closed = true
	var all []*memSub
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[string][]*memSub)
	b.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}
	return nil
}

func (b *MemBus) remove(sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.subject]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.subject] = slices.Delete(subs, i, i+1)
			break
		}
	}
	if len(b.subs[sub.subject]) == 0 {
		delete(b.subs, sub.subject)
	}
}

// memSub is an in-memory subscription with its own delivery goroutine.
type memSub struct {
	bus     *MemBus
	subject string
	handler Handler
	ch      chan Message
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newMemSub(b *MemBus, subject string, h Handler, bufSize int) *memSub {
	return &memSub{
		bus:     b,
		subject: subject,
		handler: h,
		ch:      make(chan Message, bufSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *memSub) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case msg := <-s.ch:
			s.handler(msg)
		}
	}
}

// send queues msg, waiting while the queue is full.
func (s *memSub) send(ctx context.Context, msg Message) error {
	select {
	case <-s.quit:
		return ErrClosed
	default:
	}
	select {
	case s.ch <- msg:
		return nil
	case <-s.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop ends delivery and waits for an in-flight handler to return.
func (s *memSub) stop() {
	s.once.Do(func() { close(s.quit) })
	<-s.done
}

// Unsubscribe removes the subscription from the bus. Queued messages that
// were not yet delivered are discarded.
func (s *memSub) Unsubscribe() error {
	s.bus.remove(s)
	s.stop()
	return nil
}

// Compile-time interface checks.
var _ MessageBus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
