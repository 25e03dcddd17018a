// Package bus carries pipeline messages between the API, the processing
// worker and the bridge, and keeps the recent event history viewers use to
// catch up after a gap.
package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned when publishing to or subscribing on a closed bus.
var ErrClosed = errors.New("bus: closed")

// Message is a single payload delivered on a subject.
type Message struct {
	Subject string
	Data    []byte
}

// Handler receives messages for one subscription. Calls for the same
// subscription are sequential and follow delivery order.
type Handler func(Message)

// MessageBus is a subject-addressed publish/subscribe transport.
type MessageBus interface {
	// Publish sends data on subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers h for every message on subject.
	Subscribe(subject string, h Handler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription is an active registration on a MessageBus.
type Subscription interface {
	// Unsubscribe stops delivery. It is safe to call more than once.
	Unsubscribe() error
}
