// Package bridge turns pipeline worker messages from the bus into
// notification frames for live viewers and condensed records for the event
// history.
//
// Each subject is consumed by its own goroutine, so order is preserved within
// a subject while subjects proceed independently. For every message the
// broadcast and the history append are independent side effects: a failure
// in one never blocks or undoes the other, and a bad message is logged and
// skipped.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/livepipe/bus"
	"github.com/petal-labs/livepipe/otel"
	"github.com/petal-labs/livepipe/protocol"
	"github.com/petal-labs/livepipe/records"
	"github.com/petal-labs/livepipe/storage"
)

// DefaultQueueSize is the per-subject queue length.
const DefaultQueueSize = 256

// Broadcaster fans a frame out to live viewers.
type Broadcaster interface {
	Broadcast(ctx context.Context, f protocol.Frame) (int, error)
}

// Decrementer lowers the active-job count.
type Decrementer interface {
	Decrement(ctx context.Context) (int64, error)
}

// OutcomeRecorder persists terminal outcomes of uploads.
type OutcomeRecorder interface {
	MarkProcessed(ctx context.Context, o records.Outcome) error
	MarkFailed(ctx context.Context, id, message string) error
}

// Subjects names the bus subjects the bridge consumes.
type Subjects struct {
	Step      string
	Processed string
	Error     string
}

// DefaultSubjects returns the pipeline.* subjects.
func DefaultSubjects() Subjects {
	return Subjects{
		Step:      protocol.SubjectStep,
		Processed: protocol.SubjectProcessed,
		Error:     protocol.SubjectError,
	}
}

// Config wires a Bridge to its collaborators.
type Config struct {
	Bus      bus.MessageBus
	Registry Broadcaster
	Events   bus.EventStore
	Jobs     Decrementer
	URLs     storage.URLResolver

	// Outcomes is optional. When set, processed and failed uploads are
	// recorded so pulled gallery and stats reflect them.
	Outcomes OutcomeRecorder

	// Subjects defaults to DefaultSubjects for any empty field.
	Subjects Subjects

	// QueueSize bounds each subject's queue (default 256). A full queue
	// holds up the bus delivery goroutine feeding it; on MQTT that is shared
	// by every subject.
	QueueSize int

	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// Bridge consumes worker messages and distributes them.
type Bridge struct {
	bus      bus.MessageBus
	registry Broadcaster
	writer   *bus.StoreWriter
	jobs     Decrementer
	urls     storage.URLResolver
	outcomes OutcomeRecorder
	subjects Subjects
	qsize    int
	metrics  *otel.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger

	mu       sync.Mutex
	started  bool
	subs     []bus.Subscription
	stopping chan struct{}
	wg       sync.WaitGroup
}

// New validates cfg and returns a Bridge ready to Start.
func New(cfg Config) (*Bridge, error) {
	switch {
	case cfg.Bus == nil:
		return nil, errors.New("bridge: bus is required")
	case cfg.Registry == nil:
		return nil, errors.New("bridge: registry is required")
	case cfg.Events == nil:
		return nil, errors.New("bridge: event store is required")
	case cfg.Jobs == nil:
		return nil, errors.New("bridge: active job counter is required")
	case cfg.URLs == nil:
		return nil, errors.New("bridge: url resolver is required")
	}

	defaults := DefaultSubjects()
	if cfg.Subjects.Step == "" {
		cfg.Subjects.Step = defaults.Step
	}
	if cfg.Subjects.Processed == "" {
		cfg.Subjects.Processed = defaults.Processed
	}
	if cfg.Subjects.Error == "" {
		cfg.Subjects.Error = defaults.Error
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer()
	}

	return &Bridge{
		bus:      cfg.Bus,
		registry: cfg.Registry,
		writer:   bus.NewStoreWriter(cfg.Events, cfg.Logger),
		jobs:     cfg.Jobs,
		urls:     cfg.URLs,
		outcomes: cfg.Outcomes,
		subjects: cfg.Subjects,
		qsize:    cfg.QueueSize,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		logger:   cfg.Logger,
	}, nil
}

type route struct {
	kind    string
	subject string
	handle  func(context.Context, []byte) error
}

func (b *Bridge) routes() []route {
	return []route{
		{kind: "step", subject: b.subjects.Step, handle: b.handleStep},
		{kind: "processed", subject: b.subjects.Processed, handle: b.handleProcessed},
		{kind: "error", subject: b.subjects.Error, handle: b.handleError},
	}
}

// Start subscribes to all subjects and launches one consumer per subject.
// Message handling runs on a context detached from ctx's cancellation, so
// queued messages are still handled while Stop drains.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.New("bridge: already started")
	}

	runCtx := context.WithoutCancel(ctx)
	stopping := make(chan struct{})

	var subs []bus.Subscription
	for _, rt := range b.routes() {
		queue := make(chan bus.Message, b.qsize)
		sub, err := b.bus.Subscribe(rt.subject, func(m bus.Message) {
			select {
			case queue <- m:
			case <-stopping:
				b.logger.Warn("bridge stopping, message dropped", "subject", m.Subject)
			}
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			close(stopping)
			b.wg.Wait()
			return fmt.Errorf("bridge: subscribe %s: %w", rt.subject, err)
		}
		subs = append(subs, sub)

		b.wg.Add(1)
		go b.consume(runCtx, rt, queue, stopping)
	}

	b.subs = subs
	b.stopping = stopping
	b.started = true
	b.logger.Info("bridge started",
		"step", b.subjects.Step,
		"processed", b.subjects.Processed,
		"error", b.subjects.Error,
	)
	return nil
}

// Stop unsubscribes, handles what is already queued, and waits for the
// consumers to exit or ctx to be done.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	subs := b.subs
	stopping := b.stopping
	b.subs = nil
	b.started = false
	b.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	close(stopping)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

func (b *Bridge) consume(ctx context.Context, rt route, queue <-chan bus.Message, stopping <-chan struct{}) {
	defer b.wg.Done()
	for {
		select {
		case msg := <-queue:
			b.process(ctx, rt, msg)
		case <-stopping:
			for {
				select {
				case msg := <-queue:
					b.process(ctx, rt, msg)
				default:
					return
				}
			}
		}
	}
}

// process handles one message. It never returns an error; failures are
// logged and counted.
func (b *Bridge) process(ctx context.Context, rt route, msg bus.Message) {
	start := time.Now()
	ctx, span := b.tracer.Start(ctx, "bridge."+rt.kind,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("messaging.destination.name", rt.subject)),
	)
	defer span.End()

	err := rt.handle(ctx, msg.Data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.logger.Error("bridge message skipped", "subject", rt.subject, "error", err)
	}
	b.metrics.MessageHandled(ctx, rt.subject, time.Since(start), err)
}
