package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	perrors "github.com/vinayprograms/proximitykit/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PROXIMITY_"

// LookupFunc looks up an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// envBinding applies one environment variable to a config field.
type envBinding struct {
	name  string
	apply func(c *Config, v string) error
}

func str(field func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func boolean(field func(c *Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func duration(field func(c *Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func float(field func(c *Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*field(c) = f
		return nil
	}
}

func integer(field func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		i, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = i
		return nil
	}
}

var envBindings = []envBinding{
	{"SELF_ID", str(func(c *Config) *string { return &c.SelfID })},
	{"DISPLAY_NAME", str(func(c *Config) *string { return &c.DisplayName })},
	{"DEBUG", boolean(func(c *Config) *bool { return &c.Debug })},
	{"LOG_FORMAT", str(func(c *Config) *string { return &c.LogFormat })},
	{"STATUS_ADDR", str(func(c *Config) *string { return &c.StatusAddr })},
	{"SCANNER", str(func(c *Config) *string { return &c.Discovery.Scanner })},
	{"NAME_PREFIX", str(func(c *Config) *string { return &c.Discovery.NamePrefix })},
	{"SWEEP_INTERVAL", duration(func(c *Config) *time.Duration { return &c.Sweep.Interval })},
	{"TTL", duration(func(c *Config) *time.Duration { return &c.Sweep.TTL })},
	{"DISPLAY_WINDOW", duration(func(c *Config) *time.Duration { return &c.Sweep.DisplayWindow })},
	{"THRESHOLD", float(func(c *Config) *float64 { return &c.Sweep.Threshold })},
	{"REFERENCE_SIGNAL", integer(func(c *Config) *int { return &c.Sweep.ReferenceSignal })},
	{"SENSOR", str(func(c *Config) *string { return &c.HeartRate.Sensor })},
	{"SAMPLE_INTERVAL", duration(func(c *Config) *time.Duration { return &c.HeartRate.Interval })},
	{"MAX_ATTEMPTS", integer(func(c *Config) *int { return &c.Dispatch.MaxAttempts })},
	{"BASE_DELAY", duration(func(c *Config) *time.Duration { return &c.Dispatch.BaseDelay })},
	{"DECOYS", boolean(func(c *Config) *bool { return &c.Dispatch.Decoys.Enabled })},
	{"NATS_URL", str(func(c *Config) *string { return &c.Bus.NATSURL })},
	{"TRANSPORT", str(func(c *Config) *string { return &c.Transport.Kind })},
	{"HTTP_ENDPOINT", str(func(c *Config) *string { return &c.Transport.HTTPEndpoint })},
	{"HTTP_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Transport.HTTPTimeout })},
	{"HTTP_JWT_SECRET", str(func(c *Config) *string { return &c.Transport.HTTPJWTSecret })},
	{"NATS_SUBJECT", str(func(c *Config) *string { return &c.Transport.NATSSubject })},
	{"INFLUX_URL", str(func(c *Config) *string { return &c.Transport.InfluxURL })},
	{"INFLUX_TOKEN", str(func(c *Config) *string { return &c.Transport.InfluxToken })},
	{"INFLUX_ORG", str(func(c *Config) *string { return &c.Transport.InfluxOrg })},
	{"INFLUX_BUCKET", str(func(c *Config) *string { return &c.Transport.InfluxBucket })},
	{"POSTGRES_DSN", str(func(c *Config) *string { return &c.Transport.PostgresDSN })},
	{"POSTGRES_TABLE", str(func(c *Config) *string { return &c.Transport.PostgresTable })},
	{"FILE_PATH", str(func(c *Config) *string { return &c.Transport.FilePath })},
	{"FILE_FORMAT", str(func(c *Config) *string { return &c.Transport.FileFormat })},
	{"TRACING_ENDPOINT", str(func(c *Config) *string { return &c.Tracing.Endpoint })},
	{"TRACING_PROTOCOL", str(func(c *Config) *string { return &c.Tracing.Protocol })},
	{"TRACING_SAMPLE_RATIO", float(func(c *Config) *float64 { return &c.Tracing.SampleRatio })},
}

// ApplyEnv applies PROXIMITY_* variables found by lookup.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	for _, b := range envBindings {
		key := EnvPrefix + b.name
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		if err := b.apply(c, v); err != nil {
			return perrors.InvalidConfig(fmt.Sprintf("%s: %v", key, err))
		}
	}
	return nil
}

// ApplyDotEnv applies PROXIMITY_* entries from a .env file. A missing file
// is not an error.
func (c *Config) ApplyDotEnv(path string) error {
	values, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return perrors.InvalidConfig("read "+path, perrors.WithCause(err))
	}
	return c.ApplyEnv(func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	})
}

// Flags holds the command-line flags bound by BindFlags.
type Flags struct {
	fs *pflag.FlagSet

	ConfigPath string
	EnvFile    string
	Debug      bool
	LogFormat  string
	Transport  string
	Endpoint   string
	StatusAddr string
	Scanner    string
	Sensor     string
	NATSURL    string
}

// BindFlags registers the node's flags on fs.
func BindFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVarP(&f.ConfigPath, "config", "c", "", "path to "+FileName)
	fs.StringVar(&f.EnvFile, "env-file", ".env", "path to a .env file with PROXIMITY_* settings")
	fs.BoolVar(&f.Debug, "debug", false, "verbose logging")
	fs.StringVar(&f.LogFormat, "log-format", "", "log format: human or json")
	fs.StringVar(&f.Transport, "transport", "", "collector transport: http, nats, influx, postgres, file or noop")
	fs.StringVar(&f.Endpoint, "endpoint", "", "collector URL for the http transport")
	fs.StringVar(&f.StatusAddr, "status-addr", "", "listen address of the status API")
	fs.StringVar(&f.Scanner, "scanner", "", "discovery scanner: ble or none")
	fs.StringVar(&f.Sensor, "sensor", "", "heart-rate sensor: simulated or none")
	fs.StringVar(&f.NATSURL, "nats-url", "", "NATS server URL for the event bus")
	return f
}

// Apply copies explicitly set flags into c. Positional arguments are the
// self id and the display name.
func (f *Flags) Apply(c *Config) {
	args := f.fs.Args()
	if len(args) > 0 && args[0] != "" {
		c.SelfID = args[0]
	}
	if len(args) > 1 {
		c.DisplayName = strings.Join(args[1:], " ")
	}

	set := func(name string, dst *string, v string) {
		if f.fs.Changed(name) {
			*dst = v
		}
	}
	if f.fs.Changed("debug") {
		c.Debug = f.Debug
	}
	set("log-format", &c.LogFormat, f.LogFormat)
	set("transport", &c.Transport.Kind, f.Transport)
	set("endpoint", &c.Transport.HTTPEndpoint, f.Endpoint)
	set("status-addr", &c.StatusAddr, f.StatusAddr)
	set("scanner", &c.Discovery.Scanner, f.Scanner)
	set("sensor", &c.HeartRate.Sensor, f.Sensor)
	set("nats-url", &c.Bus.NATSURL, f.NATSURL)
}

// Source records where the configuration came from.
type Source struct {
	File    string
	EnvFile string
}

// Load builds the configuration from every layer and validates it. flags
// may be nil; lookup defaults to os.LookupEnv.
func Load(flags *Flags, lookup LookupFunc) (*Config, Source, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := Default()
	var src Source

	path := ""
	if flags != nil {
		path = flags.ConfigPath
	}
	if path == "" {
		path = FindFile()
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, src, err
		}
		src.File = path
	}

	if flags != nil && flags.EnvFile != "" {
		if err := cfg.ApplyDotEnv(flags.EnvFile); err != nil {
			return nil, src, err
		}
		src.EnvFile = flags.EnvFile
	}

	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, src, err
	}
	if flags != nil {
		flags.Apply(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, src, err
	}
	return cfg, src, nil
}
