// Package config loads livepipe settings from a YAML file and LIVEPIPE_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/petal-labs/livepipe/protocol"
)

const (
	projectConfigName = "livepipe.yaml"
	homeConfigName    = "config.yaml"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "LIVEPIPE_"
)

// Driver names.
const (
	DriverMemory = "memory"
	DriverMQTT   = "mqtt"
	DriverSQLite = "sqlite"
	DriverPebble = "pebble"
	DriverDir    = "dir"
)

// File is the full configuration shape.
type File struct {
	Port          int    `yaml:"port" env:"PORT"`
	PublicURL     string `yaml:"public_url" env:"PUBLIC_URL"`
	CORSOrigin    string `yaml:"cors_origin" env:"CORS_ORIGIN"`
	SeedDir       string `yaml:"seed_dir" env:"SEED_DIR"`
	MaxUpload     int64  `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
	DemoBurstMax  int    `yaml:"demo_burst_max" env:"DEMO_BURST_MAX"`
	StatsSchedule string `yaml:"stats_schedule" env:"STATS_SCHEDULE"`

	Bus       BusConfig       `yaml:"bus"`
	Events    EventsConfig    `yaml:"events" envPrefix:"EVENTS_"`
	Counter   CounterConfig   `yaml:"counter" envPrefix:"COUNTER_"`
	Records   RecordsConfig   `yaml:"records"`
	Objects   ObjectsConfig   `yaml:"objects" envPrefix:"OBJECTS_"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// BusConfig selects the message bus.
type BusConfig struct {
	Driver   string         `yaml:"driver" env:"BUS_DRIVER"`
	MQTT     MQTTConfig     `yaml:"mqtt" envPrefix:"MQTT_"`
	Subjects SubjectsConfig `yaml:"subjects" envPrefix:"SUBJECT_"`
}

// MQTTConfig holds broker settings for the mqtt driver.
type MQTTConfig struct {
	Broker   string `yaml:"broker" env:"BROKER"`
	ClientID string `yaml:"client_id" env:"CLIENT_ID"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
	QoS      byte   `yaml:"qos" env:"QOS"`
}

// SubjectsConfig names the pipeline subjects.
type SubjectsConfig struct {
	Uploaded  string `yaml:"uploaded" env:"UPLOADED"`
	Step      string `yaml:"step" env:"STEP"`
	Processed string `yaml:"processed" env:"PROCESSED"`
	Error     string `yaml:"error" env:"ERROR"`
}

// EventsConfig selects the event history store.
type EventsConfig struct {
	Driver         string        `yaml:"driver" env:"DRIVER"`
	Capacity       int           `yaml:"capacity" env:"CAPACITY"`
	SQLitePath     string        `yaml:"sqlite_path" env:"SQLITE_PATH"`
	RetentionAge   time.Duration `yaml:"retention_age" env:"RETENTION_AGE"`
	RetentionCount int           `yaml:"retention_count" env:"RETENTION_COUNT"`
}

// CounterConfig selects the active job counter.
type CounterConfig struct {
	Driver     string `yaml:"driver" env:"DRIVER"`
	PebblePath string `yaml:"pebble_path" env:"PEBBLE_PATH"`
}

// RecordsConfig locates the upload record database.
type RecordsConfig struct {
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"`
}

// ObjectsConfig configures object storage and public URLs.
type ObjectsConfig struct {
	Dir       string `yaml:"dir" env:"DIR"`
	PublicURL string `yaml:"public_url" env:"PUBLIC_URL"`
	Bucket    string `yaml:"bucket" env:"BUCKET"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string `yaml:"service_name" env:"SERVICE_NAME"`
}

// Default returns the configuration used when nothing is set.
func Default() File {
	return File{
		Port:          3000,
		PublicURL:     "http://localhost:3000",
		CORSOrigin:    "*",
		SeedDir:       "seed",
		MaxUpload:     10 << 20,
		DemoBurstMax:  20,
		StatsSchedule: "@every 10s",
		Bus: BusConfig{
			Driver: DriverMemory,
			MQTT:   MQTTConfig{Broker: "tcp://localhost:1883", QoS: 1},
			Subjects: SubjectsConfig{
				Uploaded:  protocol.SubjectUploaded,
				Step:      protocol.SubjectStep,
				Processed: protocol.SubjectProcessed,
				Error:     protocol.SubjectError,
			},
		},
		Events: EventsConfig{
			Driver:       DriverMemory,
			Capacity:     500,
			SQLitePath:   "livepipe-events.db",
			RetentionAge: 24 * time.Hour,
		},
		Counter:   CounterConfig{Driver: DriverMemory, PebblePath: "livepipe-counter"},
		Records:   RecordsConfig{SQLitePath: "livepipe.db"},
		Objects:   ObjectsConfig{Dir: "objects"},
		Telemetry: TelemetryConfig{ServiceName: "livepipe"},
	}
}

// Discover resolves the config file location with first-match semantics:
// the explicit path, then ./livepipe.yaml, then ~/.livepipe/config.yaml.
func Discover(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverFrom(explicitPath, cwd, homeDir)
}

// DiscoverFrom is a testable variant of Discover.
func DiscoverFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".livepipe", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// If explicit path is set, not found is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load builds the configuration: defaults, then the discovered file (if
// any), then environment overrides. The result is validated.
func Load(explicitPath string) (File, string, error) {
	path, found, err := Discover(explicitPath)
	if err != nil {
		return File{}, "", err
	}
	cfg := Default()
	if found {
		if err := loadFile(path, &cfg); err != nil {
			return File{}, "", err
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return File{}, "", err
	}
	if err := cfg.Validate(); err != nil {
		return File{}, "", err
	}
	return cfg, path, nil
}

func loadFile(path string, cfg *File) error {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config %q: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides cfg with any LIVEPIPE_* variables that are set.
func ApplyEnv(cfg *File) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate reports every invalid setting.
func (f File) Validate() error {
	var errs []error
	if f.Port <= 0 || f.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", f.Port))
	}
	if f.MaxUpload <= 0 {
		errs = append(errs, errors.New("max_upload_bytes must be positive"))
	}
	if f.DemoBurstMax <= 0 {
		errs = append(errs, errors.New("demo_burst_max must be positive"))
	}
	switch f.Bus.Driver {
	case DriverMemory:
	case DriverMQTT:
		if strings.TrimSpace(f.Bus.MQTT.Broker) == "" {
			errs = append(errs, errors.New("bus.mqtt.broker is required for the mqtt driver"))
		}
		if f.Bus.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("bus.mqtt.qos %d must be 0, 1 or 2", f.Bus.MQTT.QoS))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bus driver %q", f.Bus.Driver))
	}
	switch f.Events.Driver {
	case DriverMemory:
		if f.Events.Capacity <= 0 {
			errs = append(errs, errors.New("events.capacity must be positive"))
		}
	case DriverSQLite:
		if strings.TrimSpace(f.Events.SQLitePath) == "" {
			errs = append(errs, errors.New("events.sqlite_path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown events driver %q", f.Events.Driver))
	}
	switch f.Counter.Driver {
	case DriverMemory:
	case DriverPebble:
		if strings.TrimSpace(f.Counter.PebblePath) == "" {
			errs = append(errs, errors.New("counter.pebble_path is required for the pebble driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown counter driver %q", f.Counter.Driver))
	}
	if strings.TrimSpace(f.Records.SQLitePath) == "" {
		errs = append(errs, errors.New("records.sqlite_path is required"))
	}
	if strings.TrimSpace(f.Objects.Dir) == "" {
		errs = append(errs, errors.New("objects.dir is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ObjectsPublicURL is the endpoint object URLs are built on. It defaults to
// the server's own /objects route.
func (f File) ObjectsPublicURL() string {
	if u := strings.TrimSpace(f.Objects.PublicURL); u != "" {
		return u
	}
	return strings.TrimRight(f.PublicURL, "/") + "/objects"
}

// Addr is the listen address for the HTTP server.
func (f File) Addr() string {
	return fmt.Sprintf(":%d", f.Port)
}
