// Package config loads node configuration.
//
// Values are layered, lowest precedence first: built-in defaults, a TOML
// file, a .env file, PROXIMITY_* environment variables, then command-line
// flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"

	perrors "github.com/vinayprograms/proximitykit/errors"
)

// FileName is the config file looked up in the standard paths.
const FileName = "proximity.toml"

// ErrInsecurePermissions is returned when a config file holding secrets is
// readable by group or others.
var ErrInsecurePermissions = fmt.Errorf("config file has insecure permissions")

// Sensor kinds.
const (
	SensorSimulated = "simulated"
	SensorNone      = "none"
)

// Scanner kinds.
const (
	ScannerBLE  = "ble"
	ScannerNone = "none"
)

// Log formats.
const (
	LogHuman = "human"
	LogJSON  = "json"
)

// Config is the full node configuration.
type Config struct {
	SelfID      string `toml:"self_id"`
	DisplayName string `toml:"display_name"`
	Debug       bool   `toml:"debug"`
	LogFormat   string `toml:"log_format"`

	// StatusAddr enables the read-only status API when set.
	StatusAddr string `toml:"status_addr"`

	Discovery DiscoveryConfig `toml:"discovery"`
	Sweep     SweepConfig     `toml:"sweep"`
	HeartRate HeartRateConfig `toml:"heart_rate"`
	Dispatch  DispatchConfig  `toml:"dispatch"`
	Bus       BusConfig       `toml:"bus"`
	Transport TransportConfig `toml:"transport"`
	Tracing   TracingConfig   `toml:"tracing"`
}

// DiscoveryConfig configures peer classification and the radio.
type DiscoveryConfig struct {
	Scanner    string            `toml:"scanner"`
	NamePrefix string            `toml:"name_prefix"`
	AllowList  map[string]string `toml:"allow_list"`
}

// SweepConfig configures the proximity sweep and distance model.
type SweepConfig struct {
	Interval         time.Duration `toml:"interval"`
	TTL              time.Duration `toml:"ttl"`
	DisplayWindow    time.Duration `toml:"display_window"`
	Threshold        float64       `toml:"threshold"`
	ReferenceSignal  int           `toml:"reference_signal"`
	PathLossExponent float64       `toml:"path_loss_exponent"`
}

// HeartRateConfig configures the biometric sampler.
type HeartRateConfig struct {
	Sensor   string        `toml:"sensor"`
	Interval time.Duration `toml:"interval"`
}

// DispatchConfig configures delivery.
type DispatchConfig struct {
	MaxAttempts int           `toml:"max_attempts"`
	BaseDelay   time.Duration `toml:"base_delay"`
	Decoys      DecoyConfig   `toml:"decoys"`
}

// DecoyConfig configures decoy records.
type DecoyConfig struct {
	Enabled bool     `toml:"enabled"`
	Min     int      `toml:"min"`
	Max     int      `toml:"max"`
	Pool    []string `toml:"pool"`
}

// BusConfig selects the event bus. An empty NATSURL uses the in-memory bus.
type BusConfig struct {
	NATSURL string `toml:"nats_url"`
}

// TransportConfig selects and configures the collector transport.
type TransportConfig struct {
	Kind string `toml:"kind"`

	HTTPEndpoint  string        `toml:"http_endpoint"`
	HTTPTimeout   time.Duration `toml:"http_timeout"`
	HTTPJWTSecret string        `toml:"http_jwt_secret"`

	NATSSubject string `toml:"nats_subject"`

	InfluxURL    string `toml:"influx_url"`
	InfluxToken  string `toml:"influx_token"`
	InfluxOrg    string `toml:"influx_org"`
	InfluxBucket string `toml:"influx_bucket"`

	PostgresDSN   string `toml:"postgres_dsn"`
	PostgresTable string `toml:"postgres_table"`

	FilePath   string `toml:"file_path"`
	FileFormat string `toml:"file_format"`
}

// TracingConfig configures OpenTelemetry export. Empty endpoint disables it.
type TracingConfig struct {
	Endpoint    string  `toml:"endpoint"`
	Protocol    string  `toml:"protocol"`
	Insecure    bool    `toml:"insecure"`
	SampleRatio float64 `toml:"sample_ratio"`
}

// DefaultAllowList maps known hardware addresses to peer ids.
func DefaultAllowList() map[string]string {
	return map[string]string{
		"b8:27:eb:6d:16:d0": "001",
		"b8:27:eb:f0:ce:11": "002",
		"b8:27:eb:78:c4:81": "004",
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		SelfID:    "001",
		LogFormat: LogHuman,
		Discovery: DiscoveryConfig{
			Scanner:    ScannerBLE,
			NamePrefix: "SBT_",
			AllowList:  DefaultAllowList(),
		},
		Sweep: SweepConfig{
			Interval:         3 * time.Second,
			TTL:              15 * time.Second,
			DisplayWindow:    5 * time.Second,
			Threshold:        5.0,
			ReferenceSignal:  -59,
			PathLossExponent: 2,
		},
		HeartRate: HeartRateConfig{
			Sensor:   SensorSimulated,
			Interval: 10 * time.Second,
		},
		Dispatch: DispatchConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			Decoys: DecoyConfig{
				Enabled: true,
				Min:     1,
				Max:     2,
				Pool:    []string{"001", "002", "003", "004", "005", "006", "007", "008"},
			},
		},
		Transport: TransportConfig{
			Kind:          "noop",
			HTTPTimeout:   10 * time.Second,
			NATSSubject:   "telemetry.records",
			PostgresTable: "proximity_records",
			FileFormat:    "jsonl",
		},
		Tracing: TracingConfig{
			Protocol:    "grpc",
			SampleRatio: 1,
		},
	}
}

// Name returns the display name, deriving one from the self id when unset.
func (c *Config) Name() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return "Player " + c.SelfID
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return perrors.InvalidConfig(fmt.Sprintf(format, args...))
	}

	if c.SelfID == "" {
		return invalid("self_id is required")
	}
	switch c.LogFormat {
	case LogHuman, LogJSON:
	default:
		return invalid("log_format must be human or json, got %q", c.LogFormat)
	}
	switch c.Discovery.Scanner {
	case ScannerBLE, ScannerNone:
	default:
		return invalid("discovery.scanner must be ble or none, got %q", c.Discovery.Scanner)
	}
	if c.Discovery.NamePrefix == "" {
		return invalid("discovery.name_prefix is required")
	}

	s := c.Sweep
	if s.Interval <= 0 || s.TTL <= 0 || s.DisplayWindow <= 0 {
		return invalid("sweep interval, ttl and display_window must be positive")
	}
	if s.Threshold <= 0 {
		return invalid("sweep.threshold must be positive")
	}
	if s.PathLossExponent <= 0 {
		return invalid("sweep.path_loss_exponent must be positive")
	}

	switch c.HeartRate.Sensor {
	case SensorSimulated, SensorNone:
	default:
		return invalid("heart_rate.sensor must be simulated or none, got %q", c.HeartRate.Sensor)
	}
	if c.HeartRate.Interval <= 0 {
		return invalid("heart_rate.interval must be positive")
	}

	d := c.Dispatch
	if d.MaxAttempts < 1 {
		return invalid("dispatch.max_attempts must be at least 1")
	}
	if d.BaseDelay <= 0 {
		return invalid("dispatch.base_delay must be positive")
	}
	if d.Decoys.Enabled {
		if d.Decoys.Min < 0 || d.Decoys.Max < d.Decoys.Min {
			return invalid("dispatch.decoys min/max range is invalid")
		}
		if len(d.Decoys.Pool) < 2 {
			return invalid("dispatch.decoys.pool needs at least 2 ids")
		}
	}

	t := c.Transport
	switch t.Kind {
	case "http":
		if t.HTTPEndpoint == "" {
			return invalid("transport.http_endpoint is required for the http transport")
		}
	case "nats":
		if c.Bus.NATSURL == "" {
			return invalid("bus.nats_url is required for the nats transport")
		}
	case "influx":
		if t.InfluxURL == "" || t.InfluxOrg == "" || t.InfluxBucket == "" {
			return invalid("transport.influx_url, influx_org and influx_bucket are required")
		}
	case "postgres":
		if t.PostgresDSN == "" {
			return invalid("transport.postgres_dsn is required for the postgres transport")
		}
	case "file":
		if t.FilePath == "" {
			return invalid("transport.file_path is required for the file transport")
		}
		if t.FileFormat != "jsonl" && t.FileFormat != "csv" {
			return invalid("transport.file_format must be jsonl or csv, got %q", t.FileFormat)
		}
	case "noop":
	default:
		return invalid("unknown transport kind %q", t.Kind)
	}

	switch c.Tracing.Protocol {
	case "grpc", "http":
	default:
		return invalid("tracing.protocol must be grpc or http, got %q", c.Tracing.Protocol)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return invalid("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}

// hasSecrets reports whether the file-provided config carries credentials.
func (c *Config) hasSecrets() bool {
	t := c.Transport
	return t.HTTPJWTSecret != "" || t.InfluxToken != "" || t.PostgresDSN != ""
}

// StandardPaths returns the config file locations in order of priority.
func StandardPaths() []string {
	paths := []string{FileName}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "proximity", FileName))
	}
	paths = append(paths, filepath.Join("/etc", "proximity", FileName))
	return paths
}

// FindFile returns the first standard path that exists, or "".
func FindFile() string {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// LoadFile decodes path over c. A file that carries secrets must not be
// readable by group or others.
func (c *Config) LoadFile(path string) error {
	// A file allow-list replaces the default one instead of merging into it.
	allowList := c.Discovery.AllowList
	c.Discovery.AllowList = nil
	if _, err := toml.DecodeFile(path, c); err != nil {
		c.Discovery.AllowList = allowList
		return perrors.InvalidConfig("parse "+path, perrors.WithCause(err))
	}
	if c.Discovery.AllowList == nil {
		c.Discovery.AllowList = allowList
	}

	if runtime.GOOS != "windows" && c.hasSecrets() {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if mode := info.Mode().Perm(); mode&0o077 != 0 {
			return fmt.Errorf("%w: %s has mode %04o and holds secrets (must be 0600 or stricter)",
				ErrInsecurePermissions, path, mode)
		}
	}
	return nil
}
