package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	otelapi "go.opentelemetry.io/otel"

	"github.com/petal-labs/livepipe/bridge"
	"github.com/petal-labs/livepipe/bus"
	"github.com/petal-labs/livepipe/config"
	"github.com/petal-labs/livepipe/counter"
	"github.com/petal-labs/livepipe/hub"
	petalotel "github.com/petal-labs/livepipe/otel"
	"github.com/petal-labs/livepipe/records"
	"github.com/petal-labs/livepipe/server"
	"github.com/petal-labs/livepipe/storage"
)

// errConnect marks failures to reach an external dependency at startup.
var errConnect = errors.New("startup connection failed")

// app is a fully wired livepipe server. Components are stopped in reverse
// construction order by close.
type app struct {
	cfg     config.File
	logger  *slog.Logger
	bus     bus.MessageBus
	events  bus.EventStore
	jobs    counter.ActiveJobs
	records *records.SQLiteStore
	objects *storage.DirStore
	hub     *hub.Registry
	bridge  *bridge.Bridge
	stats   *server.StatsBroadcaster
	server  *server.Server
	handler http.Handler

	closers []func(context.Context) error
}

// openBus connects the configured message bus. Tests replace it.
var openBus = func(cfg config.File, logger *slog.Logger) (bus.MessageBus, error) {
	switch cfg.Bus.Driver {
	case config.DriverMQTT:
		b, err := bus.NewMQTTBus(bus.MQTTConfig{
			Broker:   cfg.Bus.MQTT.Broker,
			ClientID: cfg.Bus.MQTT.ClientID,
			Username: cfg.Bus.MQTT.Username,
			Password: cfg.Bus.MQTT.Password,
			QoS:      cfg.Bus.MQTT.QoS,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errConnect, err)
		}
		return b, nil
	default:
		return bus.NewMemBus(bus.MemBusConfig{}), nil
	}
}

// newApp builds every component described by cfg and starts the background
// consumers. On error, anything already opened is closed.
func newApp(ctx context.Context, cfg config.File, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	shutdownTel, err := petalotel.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	a.closers = append(a.closers, shutdownTel)

	metrics, err := petalotel.NewMetrics(otelapi.GetMeterProvider().Meter(petalotel.InstrumentationName))
	if err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}

	if a.bus, err = openBus(cfg, logger); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return a.bus.Close() })

	switch cfg.Events.Driver {
	case config.DriverSQLite:
		es, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{
			DSN:            cfg.Events.SQLitePath,
			RetentionAge:   cfg.Events.RetentionAge,
			RetentionCount: cfg.Events.RetentionCount,
		})
		if err != nil {
			return nil, fmt.Errorf("opening sqlite event store: %w", err)
		}
		a.events = es
		a.closers = append(a.closers, func(context.Context) error { return es.Close() })
	default:
		a.events = bus.NewMemEventStore(cfg.Events.Capacity)
	}

	switch cfg.Counter.Driver {
	case config.DriverPebble:
		pc, err := counter.OpenPebble(cfg.Counter.PebblePath)
		if err != nil {
			return nil, fmt.Errorf("opening pebble counter: %w", err)
		}
		a.jobs = pc
		a.closers = append(a.closers, func(context.Context) error { return pc.Close() })
	default:
		a.jobs = counter.NewMemCounter()
	}

	a.records, err = records.NewSQLiteStore(records.SQLiteConfig{DSN: cfg.Records.SQLitePath})
	if err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.records.Close() })

	a.objects, err = storage.NewDirStore(cfg.Objects.Dir, storage.PublicURLs{
		Endpoint: cfg.ObjectsPublicURL(),
		Bucket:   cfg.Objects.Bucket,
	})
	if err != nil {
		return nil, fmt.Errorf("opening object store: %w", err)
	}

	a.hub = hub.NewRegistry(hub.Config{
		Jobs:    a.jobs,
		Stats:   a.records,
		Metrics: metrics,
		Logger:  logger,
	})
	a.closers = append(a.closers, func(context.Context) error { a.hub.Close(); return nil })

	a.bridge, err = bridge.New(bridge.Config{
		Bus:      a.bus,
		Registry: a.hub,
		Events:   a.events,
		Jobs:     a.jobs,
		URLs:     a.objects,
		Outcomes: a.records,
		Subjects: bridge.Subjects{
			Step:      cfg.Bus.Subjects.Step,
			Processed: cfg.Bus.Subjects.Processed,
			Error:     cfg.Bus.Subjects.Error,
		},
		Metrics: metrics,
		Tracer:  petalotel.Tracer(),
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	if err := a.bridge.Start(ctx); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.bridge.Stop)

	objectsHandler := a.objects.Handler()
	if bucket := strings.Trim(cfg.Objects.Bucket, "/"); bucket != "" {
		objectsHandler = http.StripPrefix("/"+bucket, objectsHandler)
	}
	a.server = server.NewServer(server.ServerConfig{
		Records:         a.records,
		Events:          a.events,
		Jobs:            a.jobs,
		Objects:         a.objects,
		Bus:             a.bus,
		Hub:             a.hub,
		ObjectsHandler:  objectsHandler,
		UploadedSubject: cfg.Bus.Subjects.Uploaded,
		MaxUploadBytes:  cfg.MaxUpload,
		DemoBurstMax:    cfg.DemoBurstMax,
		SeedDir:         cfg.SeedDir,
		CORSOrigin:      cfg.CORSOrigin,
		Logger:          logger,
	})
	a.handler = a.server.Handler()

	a.stats, err = server.NewStatsBroadcaster(cfg.StatsSchedule, a.hub, a.server.Stats, logger)
	if err != nil {
		return nil, err
	}
	a.stats.Start()
	a.closers = append(a.closers, func(context.Context) error { a.stats.Stop(); return nil })

	return a, nil
}

// close stops the components newest first and reports every failure.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
