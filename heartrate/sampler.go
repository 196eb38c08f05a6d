package heartrate

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"

	perrors "github.com/vinayprograms/proximitykit/errors"
	"github.com/vinayprograms/proximitykit/guard"
	"github.com/vinayprograms/proximitykit/logging"
	"github.com/vinayprograms/proximitykit/metrics"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("sampler already started")
	ErrNotStarted     = errors.New("sampler not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// Read outcomes, used as the metrics label.
const (
	OutcomeOK          = "ok"
	OutcomeInvalid     = "invalid"
	OutcomeError       = "error"
	OutcomeUnavailable = "unavailable"
	OutcomeSkipped     = "skipped"
)

// DefaultInterval is the time between samples.
const DefaultInterval = 10 * time.Second

// SamplerConfig configures a Sampler.
type SamplerConfig struct {
	// Sensor provides readings (required).
	Sensor Sensor

	// State receives accepted readings (required).
	State *State

	// Interval between samples.
	Interval time.Duration

	// Clock defaults to the real clock.
	Clock quartz.Clock

	// Logger defaults to a discarding logger.
	Logger *logging.Logger

	// Metrics defaults to unregistered collectors.
	Metrics *metrics.Metrics

	// OnPanic is told about a panic in a sample before it resumes.
	OnPanic func(error)
}

// DefaultSamplerConfig returns sensible defaults.
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		Interval: DefaultInterval,
	}
}

// Validate checks the configuration.
func (c SamplerConfig) Validate() error {
	if c.Sensor == nil || c.State == nil {
		return ErrInvalidConfig
	}
	if c.Interval < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// Sampler polls a Sensor on a fixed interval. At most one read is in flight;
// a tick that finds the previous read still running is skipped.
type Sampler struct {
	sensor   Sensor
	state    *State
	interval time.Duration
	clock    quartz.Clock
	logger   *logging.Logger
	metrics  *metrics.Metrics
	onPanic  func(error)

	busy      guard.Busy
	available atomic.Bool

	errMu   sync.Mutex
	lastErr error

	running atomic.Bool
	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
	ticker  quartz.Waiter
	wg      sync.WaitGroup
}

// NewSampler creates a sampler.
func NewSampler(cfg SamplerConfig) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultSamplerConfig().Interval
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}
	return &Sampler{
		sensor:   cfg.Sensor,
		state:    cfg.State,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		logger:   cfg.Logger.WithComponent("heartrate"),
		metrics:  cfg.Metrics,
		onPanic:  cfg.OnPanic,
	}, nil
}

// Start initializes the sensor, takes a first sample and schedules the rest.
// A sensor that fails to initialize is logged and leaves the reading unknown;
// it is not an error for the caller.
func (s *Sampler) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.state.Clear()
	s.metrics.HeartRate.Set(math.NaN())

	if err := s.sensor.Init(ctx); err != nil {
		werr := perrors.SensorUnavailable(err)
		s.setErr(werr)
		s.metrics.SensorReads.WithLabelValues(OutcomeUnavailable).Inc()
		s.logger.Warn("sensor unavailable, heart rate stays unknown", map[string]interface{}{
			"code":  string(werr.Code()),
			"error": werr.Error(),
		})
		return nil
	}
	s.available.Store(true)
	s.logger.Info("sensor ready", map[string]interface{}{
		"interval": s.interval.String(),
	})

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		cancel()
		return nil
	}
	s.cancel = cancel
	s.spawnLocked(ctx)
	s.ticker = s.clock.TickerFunc(ctx, s.interval, func() error {
		s.spawn(ctx)
		return nil
	}, "heartrate", "sampler")
	return nil
}

// spawn runs one sample in the background unless the sampler is stopping.
func (s *Sampler) spawn(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawnLocked(ctx)
}

func (s *Sampler) spawnLocked(ctx context.Context) {
	if s.stopped {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer guard.Recover(s.onPanic)
		s.Sample(ctx)
	}()
}

// Sample takes one reading and updates the state. It returns false when a
// previous read was still in progress and this one was skipped.
func (s *Sampler) Sample(ctx context.Context) bool {
	if !s.busy.TryAcquire() {
		s.metrics.SensorReads.WithLabelValues(OutcomeSkipped).Inc()
		return false
	}
	defer s.busy.Release()

	reading, err := s.sensor.Read(ctx)
	switch {
	case err != nil:
		werr := perrors.SensorUnavailable(err)
		s.setErr(werr)
		s.state.Clear()
		s.metrics.HeartRate.Set(math.NaN())
		s.metrics.SensorReads.WithLabelValues(OutcomeError).Inc()
		if ctx.Err() == nil {
			s.logger.Warn("sensor read failed", map[string]interface{}{
				"code":  string(werr.Code()),
				"error": werr.Error(),
			})
		}
	case !Valid(reading.HeartRate):
		werr := perrors.SensorInvalidReading(reading.HeartRate)
		s.setErr(werr)
		s.state.Clear()
		s.metrics.HeartRate.Set(math.NaN())
		s.metrics.SensorReads.WithLabelValues(OutcomeInvalid).Inc()
		s.logger.Debug("reading out of range", map[string]interface{}{
			"code":       string(werr.Code()),
			"heart_rate": reading.HeartRate,
		})
	default:
		s.setErr(nil)
		s.state.Set(reading.HeartRate)
		s.metrics.HeartRate.Set(float64(reading.HeartRate))
		s.metrics.SensorReads.WithLabelValues(OutcomeOK).Inc()
		s.logger.Debug("heart rate", map[string]interface{}{
			"heart_rate": reading.HeartRate,
			"spo2":       reading.SpO2,
		})
	}
	return true
}

// LastError returns the failure behind the current unknown reading: a
// SENSOR_UNAVAILABLE or SENSOR_INVALID_READING error. It is nil once a
// reading is accepted.
func (s *Sampler) LastError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

func (s *Sampler) setErr(err error) {
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
}

// Available reports whether the sensor initialized.
func (s *Sampler) Available() bool {
	return s.available.Load()
}

// Stop cancels the schedule and waits for any in-flight read.
func (s *Sampler) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	s.mu.Lock()
	s.stopped = true
	cancel, ticker := s.cancel, s.ticker
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ticker != nil {
		_ = ticker.Wait()
	}
	s.wg.Wait()
	return nil
}
