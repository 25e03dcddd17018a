package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records bridge and connection-registry instruments. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	messages     metric.Int64Counter
	failures     metric.Int64Counter
	duration     metric.Float64Histogram
	connections  metric.Int64UpDownCounter
	broadcasts   metric.Int64Counter
	sendFailures metric.Int64Counter
}

// NewMetrics creates the livepipe instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	messages, err := meter.Int64Counter("livepipe.bridge.messages",
		metric.WithDescription("Number of bus messages handled by the bridge"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("livepipe.bridge.failures",
		metric.WithDescription("Number of bus messages the bridge could not handle"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("livepipe.bridge.duration",
		metric.WithDescription("Time spent handling one bus message in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	connections, err := meter.Int64UpDownCounter("livepipe.hub.connections",
		metric.WithDescription("Number of registered viewer connections"),
	)
	if err != nil {
		return nil, err
	}

	broadcasts, err := meter.Int64Counter("livepipe.hub.broadcasts",
		metric.WithDescription("Number of frames broadcast to viewers"),
	)
	if err != nil {
		return nil, err
	}

	sendFailures, err := meter.Int64Counter("livepipe.hub.send_failures",
		metric.WithDescription("Number of failed sends to a viewer connection"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		messages:     messages,
		failures:     failures,
		duration:     duration,
		connections:  connections,
		broadcasts:   broadcasts,
		sendFailures: sendFailures,
	}, nil
}

// MessageHandled records one bridge message for subject.
func (m *Metrics) MessageHandled(ctx context.Context, subject string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("subject", subject))
	m.messages.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
	if err != nil {
		m.failures.Add(ctx, 1, attrs)
	}
}

// ConnectionAdded increments the connection gauge.
func (m *Metrics) ConnectionAdded(ctx context.Context) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, 1)
}

// ConnectionRemoved decrements the connection gauge.
func (m *Metrics) ConnectionRemoved(ctx context.Context) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, -1)
}

// FrameBroadcast records a broadcast of a frame of the given kind.
func (m *Metrics) FrameBroadcast(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.broadcasts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// SendFailed records a failed send to one connection.
func (m *Metrics) SendFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.sendFailures.Add(ctx, 1)
}
