package hub

import (
	"context"
	"errors"
	"sync"
)

// DefaultQueueSize is the number of frames a viewer may have outstanding
// before it is considered too slow and dropped.
const DefaultQueueSize = 64

var (
	// ErrSlowConn is returned by Send when a viewer's outbound queue is full.
	ErrSlowConn = errors.New("hub: viewer queue full")

	// ErrConnClosed is returned by Send after the connection was closed.
	ErrConnClosed = errors.New("hub: connection closed")
)

// outbox queues frames for one connection and writes them from its own
// goroutine, so Send never waits on the network.
type outbox struct {
	frames chan []byte
	write  func([]byte) error
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

// newOutbox starts the writer goroutine. A failed write closes the outbox
// and then calls onFail.
func newOutbox(size int, write func([]byte) error, onFail func(error)) *outbox {
	if size <= 0 {
		size = DefaultQueueSize
	}
	o := &outbox{
		frames: make(chan []byte, size),
		write:  write,
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go o.run(onFail)
	return o
}

func (o *outbox) run(onFail func(error)) {
	defer close(o.exited)
	for {
		select {
		case <-o.done:
			return
		case data := <-o.frames:
			if err := o.write(data); err != nil {
				o.close()
				if onFail != nil {
					onFail(err)
				}
				return
			}
		}
	}
}

// Send queues data without blocking.
func (o *outbox) Send(_ context.Context, data []byte) error {
	select {
	case <-o.done:
		return ErrConnClosed
	default:
	}
	select {
	case o.frames <- data:
		return nil
	default:
		return ErrSlowConn
	}
}

func (o *outbox) close() {
	o.once.Do(func() { close(o.done) })
}
