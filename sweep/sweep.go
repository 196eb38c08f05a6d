// Package sweep runs the periodic proximity pass over the device registry.
//
// Each pass evicts peers that have been silent longer than the TTL, then
// estimates the distance of every peer observed within the display window.
// Peers closer than the threshold produce a proximity event, published on
// the bus for the dispatcher. Peers between the display window and the TTL
// are stale and produce nothing.
package sweep

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"

	"github.com/vinayprograms/proximitykit/distance"
	perrors "github.com/vinayprograms/proximitykit/errors"
	"github.com/vinayprograms/proximitykit/guard"
	"github.com/vinayprograms/proximitykit/heartrate"
	"github.com/vinayprograms/proximitykit/logging"
	"github.com/vinayprograms/proximitykit/metrics"
	"github.com/vinayprograms/proximitykit/proximity"
	"github.com/vinayprograms/proximitykit/registry"
	"github.com/vinayprograms/proximitykit/telemetry"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("sweeper already started")
	ErrNotStarted     = errors.New("sweeper not started")
)

// Defaults.
const (
	DefaultInterval      = 3 * time.Second
	DefaultDisplayWindow = 5 * time.Second
)

// Publisher receives encoded proximity events. bus.MessageBus satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config configures a Sweeper.
type Config struct {
	// SelfID is this node's id (required).
	SelfID string

	// Registry is swept each run (required).
	Registry *registry.Registry

	// HeartRate is read when building events (required).
	HeartRate *heartrate.State

	// Publisher receives events. When nil, events are only returned by Sweep.
	Publisher Publisher

	// Interval between runs.
	Interval time.Duration

	// TTL is how long a peer may stay silent before eviction.
	TTL time.Duration

	// DisplayWindow is how recently a peer must have been seen to count as
	// fresh. It is independent of TTL.
	DisplayWindow time.Duration

	// Threshold in metres below which a fresh peer produces an event.
	Threshold float64

	// Model converts signal to distance.
	Model distance.Model

	Clock   quartz.Clock
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  *telemetry.Tracer

	// OnPanic is told about a panic in a run before it resumes.
	OnPanic func(error)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:      DefaultInterval,
		TTL:           registry.DefaultTTL,
		DisplayWindow: DefaultDisplayWindow,
		Threshold:     proximity.DefaultThreshold,
		Model:         distance.DefaultModel(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.SelfID == "" {
		return perrors.InvalidConfig("sweeper requires a self id")
	}
	if c.Registry == nil || c.HeartRate == nil {
		return perrors.InvalidConfig("sweeper requires a registry and heart-rate state")
	}
	if c.Interval < 0 || c.TTL < 0 || c.DisplayWindow < 0 {
		return perrors.InvalidConfig("sweeper durations must not be negative")
	}
	if c.Threshold < 0 {
		return perrors.InvalidConfig("proximity threshold must not be negative")
	}
	return nil
}

// Report summarizes one run.
type Report struct {
	At      time.Time
	Evicted []string
	Fresh   int
	Stale   int
	Events  []*proximity.Event
}

// Sweeper evicts silent peers and emits proximity events on a fixed interval.
type Sweeper struct {
	selfID    string
	registry  *registry.Registry
	heartRate *heartrate.State
	publisher Publisher

	interval      time.Duration
	ttl           time.Duration
	displayWindow time.Duration
	threshold     float64
	model         distance.Model

	clock   quartz.Clock
	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  *telemetry.Tracer
	onPanic func(error)

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	ticker  quartz.Waiter
}

// New creates a sweeper. Zero durations and threshold take their defaults.
func New(cfg Config) (*Sweeper, error) {
	defaults := DefaultConfig()
	if cfg.Interval == 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.TTL == 0 {
		cfg.TTL = defaults.TTL
	}
	if cfg.DisplayWindow == 0 {
		cfg.DisplayWindow = defaults.DisplayWindow
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = defaults.Threshold
	}
	if cfg.Model == (distance.Model{}) {
		cfg.Model = defaults.Model
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
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
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.GetTracer()
	}

	return &Sweeper{
		selfID:        cfg.SelfID,
		registry:      cfg.Registry,
		heartRate:     cfg.HeartRate,
		publisher:     cfg.Publisher,
		interval:      cfg.Interval,
		ttl:           cfg.TTL,
		displayWindow: cfg.DisplayWindow,
		threshold:     cfg.Threshold,
		model:         cfg.Model,
		clock:         cfg.Clock,
		logger:        cfg.Logger.WithComponent("sweep"),
		metrics:       cfg.Metrics,
		tracer:        cfg.Tracer,
		onPanic:       cfg.OnPanic,
	}, nil
}

// Start schedules a run every interval. The first run happens one interval
// after Start.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	s.ticker = s.clock.TickerFunc(ctx, s.interval, func() error {
		defer guard.Recover(s.onPanic)
		s.Sweep(ctx)
		return nil
	}, "proximity", "sweep")
	s.mu.Unlock()

	s.logger.Info("sweeper started", map[string]interface{}{
		"interval":       s.interval.String(),
		"ttl":            s.ttl.String(),
		"display_window": s.displayWindow.String(),
		"threshold_m":    s.threshold,
	})
	return nil
}

// Sweep performs one run and returns what it did.
func (s *Sweeper) Sweep(ctx context.Context) Report {
	ctx, span := s.tracer.StartSweepSpan(ctx)

	now := s.clock.Now("proximity", "sweep")
	report := Report{At: now}

	report.Evicted = s.registry.Evict(now, s.ttl)
	for _, id := range report.Evicted {
		s.logger.PeerLeft(id)
	}
	s.metrics.PeersEvicted.Add(float64(len(report.Evicted)))

	heartRate := s.heartRate.Ptr()
	hrText := proximity.FormatHeartRate(heartRate)

	for _, rec := range s.registry.Snapshot() {
		elapsed := rec.Elapsed(now)
		if elapsed >= s.displayWindow {
			report.Stale++
			continue
		}
		report.Fresh++

		d := s.model.Estimate(rec.LastSignal)
		s.logger.PeerStatus(rec.PeerID, elapsed, rec.LastSignal, d, hrText)

		if !proximity.Close(d, s.threshold) {
			continue
		}
		ev := proximity.NewEvent(s.selfID, rec.PeerID, d, rec.LastSignal, heartRate, now)
		s.logger.ProximityEvent(s.selfID, rec.PeerID, d, hrText)
		s.metrics.ProximityEvents.Inc()
		s.publish(ctx, ev)
		report.Events = append(report.Events, ev)
	}

	s.metrics.PeersTracked.Set(float64(s.registry.Len()))
	s.metrics.Sweeps.Inc()
	s.tracer.EndSweepSpan(span, report.Fresh+report.Stale, len(report.Evicted), len(report.Events))
	return report
}

func (s *Sweeper) publish(ctx context.Context, ev *proximity.Event) {
	if s.publisher == nil {
		return
	}
	carrier := telemetry.MapCarrier{}
	telemetry.InjectContext(ctx, carrier)
	if len(carrier) > 0 {
		ev.Trace = carrier
	}

	data, err := ev.Marshal()
	if err != nil {
		s.logger.Error("encode proximity event", map[string]interface{}{
			"peer_id": ev.PeerID,
			"error":   err.Error(),
		})
		return
	}
	if err := s.publisher.Publish(ev.Subject(), data); err != nil {
		s.logger.Warn("publish proximity event", map[string]interface{}{
			"peer_id": ev.PeerID,
			"error":   err.Error(),
		})
	}
}

// Stop cancels the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	s.mu.Lock()
	cancel, ticker := s.cancel, s.ticker
	s.mu.Unlock()

	cancel()
	if ticker != nil {
		_ = ticker.Wait()
	}
	return nil
}
