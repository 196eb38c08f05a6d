// Package engine assembles a proximity node from its configuration.
//
// The engine owns the shared state (device registry and heart-rate reading)
// and the cooperating tasks around it: the discovery watcher feeds the
// registry, the sampler refreshes the heart rate, the sweeper evicts silent
// peers and publishes proximity events on the bus, and the dispatcher turns
// those events into telemetry records for the collector.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vinayprograms/proximitykit/bus"
	"github.com/vinayprograms/proximitykit/classify"
	"github.com/vinayprograms/proximitykit/config"
	"github.com/vinayprograms/proximitykit/discovery"
	"github.com/vinayprograms/proximitykit/dispatch"
	"github.com/vinayprograms/proximitykit/distance"
	perrors "github.com/vinayprograms/proximitykit/errors"
	"github.com/vinayprograms/proximitykit/heartrate"
	"github.com/vinayprograms/proximitykit/logging"
	"github.com/vinayprograms/proximitykit/metrics"
	"github.com/vinayprograms/proximitykit/registry"
	"github.com/vinayprograms/proximitykit/shutdown"
	"github.com/vinayprograms/proximitykit/status"
	"github.com/vinayprograms/proximitykit/sweep"
	"github.com/vinayprograms/proximitykit/telemetry"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("engine already started")
	ErrNotStarted     = errors.New("engine not started")
)

// Options supplies the configuration and any collaborators that replace the
// ones the engine would otherwise build from it.
type Options struct {
	// Config is required and must be valid.
	Config *config.Config

	// Scanner replaces the configured discovery stack.
	Scanner discovery.Scanner

	// Sensor replaces the configured heart-rate sensor.
	Sensor heartrate.Sensor

	// Transport replaces the configured collector transport.
	Transport telemetry.Transport

	// Bus replaces the configured event bus. The engine does not close a
	// bus it did not create.
	Bus bus.MessageBus

	// Registry collects metrics. Default: a fresh metrics.NewRegistry().
	Registry *prometheus.Registry

	// Rand drives decoy generation.
	Rand dispatch.Rand

	Clock  quartz.Clock
	Logger *logging.Logger
}

// Engine is a running proximity node.
type Engine struct {
	cfg     *config.Config
	session string
	clock   quartz.Clock
	logger  *logging.Logger

	registry  *registry.Registry
	heartRate *heartrate.State
	metrics   *metrics.Metrics
	promReg   *prometheus.Registry

	bus       bus.MessageBus
	ownsBus   bool
	transport telemetry.Transport
	provider  *telemetry.Provider
	tracer    *telemetry.Tracer

	scanner    discovery.Scanner
	ble        *discovery.BLEScanner
	watcher    *discovery.Watcher
	sampler    *heartrate.Sampler
	sweeper    *sweep.Sweeper
	dispatcher *dispatch.Dispatcher
	status     *status.Server

	coord   *shutdown.Coordinator
	running atomic.Bool
	serveWg sync.WaitGroup
}

// New builds every component. Nothing runs until Start.
func New(ctx context.Context, opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, perrors.InvalidConfig("engine requires a configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Registry == nil {
		opts.Registry = metrics.NewRegistry()
	}

	e := &Engine{
		cfg:       cfg,
		session:   uuid.NewString(),
		clock:     opts.Clock,
		logger:    opts.Logger.WithComponent("engine"),
		registry:  registry.New(cfg.SelfID),
		heartRate: &heartrate.State{},
		metrics:   metrics.New(opts.Registry),
		promReg:   opts.Registry,
	}
	e.coord = shutdown.NewCoordinator(shutdown.Config{
		Clock:  e.clock,
		Logger: opts.Logger.WithComponent("shutdown"),
	})

	if err := e.buildOutputs(ctx, opts); err != nil {
		_ = e.closeOutputs(ctx)
		return nil, err
	}
	if err := e.buildTasks(opts); err != nil {
		_ = e.closeOutputs(ctx)
		return nil, err
	}
	e.registerShutdown()
	return e, nil
}

func (e *Engine) buildOutputs(ctx context.Context, opts Options) error {
	cfg := e.cfg

	if cfg.Tracing.Endpoint != "" {
		provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
			InstanceID:  cfg.SelfID,
			Endpoint:    cfg.Tracing.Endpoint,
			Protocol:    cfg.Tracing.Protocol,
			Insecure:    cfg.Tracing.Insecure,
			SampleRatio: cfg.Tracing.SampleRatio,
			Debug:       cfg.Debug,
		})
		if err != nil {
			return err
		}
		e.provider = provider
		e.tracer = provider.Tracer()
	} else {
		e.tracer = telemetry.NewTracer("proximityd", cfg.Debug)
	}

	switch {
	case opts.Bus != nil:
		e.bus = opts.Bus
	case cfg.Bus.NATSURL != "":
		natsCfg := bus.DefaultNATSConfig()
		natsCfg.URL = cfg.Bus.NATSURL
		natsCfg.Name = "proximityd-" + cfg.SelfID
		b, err := bus.NewNATSBus(natsCfg)
		if err != nil {
			return perrors.TransportFailed(err, perrors.WithMetadata("url", cfg.Bus.NATSURL))
		}
		e.bus, e.ownsBus = b, true
	default:
		e.bus, e.ownsBus = bus.NewMemoryBus(bus.DefaultConfig()), true
	}

	switch {
	case opts.Transport != nil:
		e.transport = opts.Transport
	case cfg.Transport.Kind == telemetry.TransportNATS:
		t, err := telemetry.NewNATSTransport(e.bus, telemetry.NATSConfig{
			Subject: cfg.Transport.NATSSubject,
		})
		if err != nil {
			return err
		}
		e.transport = t
	default:
		t, err := telemetry.NewTransport(ctx, transportConfig(cfg))
		if err != nil {
			return err
		}
		e.transport = t
	}
	return nil
}

func transportConfig(cfg *config.Config) telemetry.TransportConfig {
	t := cfg.Transport
	return telemetry.TransportConfig{
		Kind: t.Kind,
		HTTP: telemetry.HTTPConfig{
			Endpoint:  t.HTTPEndpoint,
			Timeout:   t.HTTPTimeout,
			JWTSecret: t.HTTPJWTSecret,
			Issuer:    cfg.SelfID,
		},
		Influx: telemetry.InfluxConfig{
			URL:    t.InfluxURL,
			Token:  t.InfluxToken,
			Org:    t.InfluxOrg,
			Bucket: t.InfluxBucket,
		},
		Postgres: telemetry.PostgresConfig{
			DSN:   t.PostgresDSN,
			Table: t.PostgresTable,
		},
		File: telemetry.FileConfig{
			Path:   t.FilePath,
			Format: t.FileFormat,
		},
	}
}

func (e *Engine) buildTasks(opts Options) error {
	cfg := e.cfg
	logger := opts.Logger

	model := distance.DefaultModel()
	model.ReferenceSignal = cfg.Sweep.ReferenceSignal
	model.PathLossExponent = cfg.Sweep.PathLossExponent

	sensor := opts.Sensor
	if sensor == nil {
		switch cfg.HeartRate.Sensor {
		case config.SensorSimulated:
			sensor = heartrate.NewSimulatedSensor(e.clock, e.clock.Now().UnixNano())
		default:
			sensor = heartrate.NoSensor{}
		}
	}
	sampler, err := heartrate.NewSampler(heartrate.SamplerConfig{
		Sensor:   sensor,
		State:    e.heartRate,
		Interval: cfg.HeartRate.Interval,
		Clock:    e.clock,
		Logger:   logger,
		Metrics:  e.metrics,
		OnPanic:  e.handlePanic,
	})
	if err != nil {
		return err
	}
	e.sampler = sampler

	sweeper, err := sweep.New(sweep.Config{
		SelfID:        cfg.SelfID,
		Registry:      e.registry,
		HeartRate:     e.heartRate,
		Publisher:     e.bus,
		Interval:      cfg.Sweep.Interval,
		TTL:           cfg.Sweep.TTL,
		DisplayWindow: cfg.Sweep.DisplayWindow,
		Threshold:     cfg.Sweep.Threshold,
		Model:         model,
		Clock:         e.clock,
		Logger:        logger,
		Metrics:       e.metrics,
		Tracer:        e.tracer,
		OnPanic:       e.handlePanic,
	})
	if err != nil {
		return err
	}
	e.sweeper = sweeper

	dcfg := dispatch.DefaultConfig()
	dcfg.SelfID = cfg.SelfID
	dcfg.Transport = e.transport
	dcfg.Bus = e.bus
	dcfg.MaxAttempts = cfg.Dispatch.MaxAttempts
	dcfg.BaseDelay = cfg.Dispatch.BaseDelay
	dcfg.Decoys = dispatch.DecoyConfig{
		Enabled: cfg.Dispatch.Decoys.Enabled,
		Min:     cfg.Dispatch.Decoys.Min,
		Max:     cfg.Dispatch.Decoys.Max,
		Pool:    cfg.Dispatch.Decoys.Pool,
	}
	dcfg.Rand = opts.Rand
	dcfg.Clock = e.clock
	dcfg.Logger = logger
	dcfg.Metrics = e.metrics
	dcfg.Tracer = e.tracer
	dcfg.OnPanic = e.handlePanic
	dispatcher, err := dispatch.New(dcfg)
	if err != nil {
		return err
	}
	e.dispatcher = dispatcher

	scanner := opts.Scanner
	if scanner == nil && cfg.Discovery.Scanner == config.ScannerBLE {
		dropped := e.metrics.Observations.WithLabelValues("dropped")
		e.ble = discovery.NewBLEScanner(discovery.BLEConfig{OnDrop: dropped.Inc})
		scanner = e.ble
	}
	if scanner != nil {
		watcher, err := discovery.NewWatcher(discovery.WatcherConfig{
			Scanner:    scanner,
			Classifier: classify.New(cfg.SelfID, cfg.Discovery.NamePrefix, cfg.Discovery.AllowList),
			Registry:   e.registry,
			Clock:      e.clock,
			Logger:     logger,
			Metrics:    e.metrics,
			OnPanic:    e.handlePanic,
		})
		if err != nil {
			return err
		}
		e.scanner = scanner
		e.watcher = watcher
	}

	if cfg.StatusAddr != "" {
		scfg := status.Config{
			SelfID:        cfg.SelfID,
			DisplayName:   cfg.Name(),
			Registry:      e.registry,
			HeartRate:     e.heartRate,
			Model:         model,
			DisplayWindow: cfg.Sweep.DisplayWindow,
			Gatherer:      e.promReg,
			Clock:         e.clock,
			Logger:        logger,
		}
		if e.watcher != nil {
			scfg.Radio = e.watcher
		}
		srv, err := status.New(scfg)
		if err != nil {
			return err
		}
		e.status = srv
	}
	return nil
}

func (e *Engine) registerShutdown() {
	if e.watcher != nil {
		e.coord.Register("discovery", shutdown.PhaseScanning, func(context.Context) error {
			err := ignoreNotStarted(e.watcher.Stop(), discovery.ErrNotStarted)
			return errors.Join(err, e.scanner.Close())
		})
	}
	e.coord.Register("sweeper", shutdown.PhaseTasks, func(context.Context) error {
		return ignoreNotStarted(e.sweeper.Stop(), sweep.ErrNotStarted)
	})
	e.coord.Register("sampler", shutdown.PhaseTasks, func(context.Context) error {
		return ignoreNotStarted(e.sampler.Stop(), heartrate.ErrNotStarted)
	})
	e.coord.Register("dispatcher", shutdown.PhaseTasks, func(context.Context) error {
		return ignoreNotStarted(e.dispatcher.Stop(), dispatch.ErrNotStarted)
	})
	e.coord.Register("outputs", shutdown.PhaseOutputs, func(ctx context.Context) error {
		return e.closeOutputs(ctx)
	})
}

func ignoreNotStarted(err, notStarted error) error {
	if errors.Is(err, notStarted) {
		return nil
	}
	return err
}

// closeOutputs releases the status API, transport, bus and tracing.
func (e *Engine) closeOutputs(ctx context.Context) error {
	var errs []error
	if e.status != nil {
		if err := e.status.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("status API: %w", err))
		}
		e.serveWg.Wait()
	}
	if e.transport != nil {
		if err := e.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("transport: %w", err))
		}
	}
	if e.bus != nil && e.ownsBus {
		if err := e.bus.Close(); err != nil && !errors.Is(err, bus.ErrClosed) {
			errs = append(errs, fmt.Errorf("bus: %w", err))
		}
	}
	if e.provider != nil {
		if err := e.provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Start runs every task. The BLE adapter is powered last so its first state
// report finds the watcher listening.
func (e *Engine) Start(ctx context.Context) error {
	if e.running.Swap(true) {
		return ErrAlreadyStarted
	}

	if err := e.dispatcher.Start(ctx); err != nil {
		return err
	}
	if err := e.sampler.Start(ctx); err != nil {
		return err
	}
	if err := e.sweeper.Start(ctx); err != nil {
		return err
	}
	if e.watcher != nil {
		if err := e.watcher.Start(ctx); err != nil {
			return err
		}
	}
	if e.ble != nil {
		if err := e.ble.Open(); err != nil {
			// Discovery stays idle until the radio reports ready.
			e.logger.Warn("bluetooth unavailable", map[string]interface{}{"error": err.Error()})
		}
	}
	if e.status != nil {
		if err := e.status.Listen(e.cfg.StatusAddr); err != nil {
			return err
		}
		e.serveWg.Add(1)
		go func() {
			defer e.serveWg.Done()
			if err := e.status.Serve(); err != nil {
				e.logger.Error("status API stopped", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	e.logger.Info("engine started", map[string]interface{}{
		"self_id":   e.cfg.SelfID,
		"session":   e.session,
		"transport": e.cfg.Transport.Kind,
		"scanner":   e.cfg.Discovery.Scanner,
	})
	return nil
}

// Stop tears the node down: scanning first, then the periodic tasks and
// the dispatcher, then the outputs. In-flight sends are abandoned.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.running.Swap(false) {
		return ErrNotStarted
	}
	err := e.coord.Shutdown(ctx)
	if res := e.coord.Result(); res != nil {
		e.logger.Info("engine stopped", map[string]interface{}{
			"duration": res.TotalDuration.String(),
			"failed":   res.Failed(),
		})
	}
	return err
}

// StopScanning releases the radio without stopping anything else. It is
// the best-effort path for a failing process.
func (e *Engine) StopScanning() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return e.coord.Emergency(ctx, shutdown.PhaseScanning).Err
}

// handlePanic runs on a background goroutine that is about to crash the
// process. It goes straight to the scanner: the coordinator would wait on
// the watcher, which may be the goroutine that panicked.
func (e *Engine) handlePanic(err error) {
	fields := map[string]interface{}{"error": err.Error()}
	if perr := perrors.As(err); perr != nil {
		fields["code"] = string(perr.Code())
	}
	e.logger.Error("background task panicked", fields)
	if e.scanner == nil {
		return
	}
	if serr := e.scanner.StopScanning(); serr != nil {
		e.logger.Warn("stop scanning after panic", map[string]interface{}{"error": serr.Error()})
	}
}

// Shutdown returns the coordinator so callers can hook signals to it.
func (e *Engine) Shutdown() *shutdown.Coordinator { return e.coord }

// Session is a random id for this run of the node.
func (e *Engine) Session() string { return e.session }

func (e *Engine) Registry() *registry.Registry     { return e.registry }
func (e *Engine) HeartRate() *heartrate.State      { return e.heartRate }
func (e *Engine) Metrics() *metrics.Metrics        { return e.metrics }
func (e *Engine) Sweeper() *sweep.Sweeper          { return e.sweeper }
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.dispatcher }
func (e *Engine) Watcher() *discovery.Watcher      { return e.watcher }
func (e *Engine) Status() *status.Server           { return e.status }
