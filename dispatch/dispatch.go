// Package dispatch turns proximity events into telemetry records and
// delivers them.
//
// A real record is only built when the event carries a heart rate. Sends for
// the same device pair within the same second are collapsed while one is in
// flight. Failed sends are retried with exponential backoff on the injected
// clock. Every accepted real record may be accompanied by decoy records for
// unrelated pairs, each sent once.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"

	"github.com/vinayprograms/proximitykit/bus"
	perrors "github.com/vinayprograms/proximitykit/errors"
	"github.com/vinayprograms/proximitykit/guard"
	"github.com/vinayprograms/proximitykit/logging"
	"github.com/vinayprograms/proximitykit/metrics"
	"github.com/vinayprograms/proximitykit/proximity"
	"github.com/vinayprograms/proximitykit/telemetry"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("dispatcher already started")
	ErrNotStarted     = errors.New("dispatcher not started")
)

// Defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultQueue       = "dispatchers"
)

// Record outcomes, used as the metrics label.
const (
	OutcomeSent        = "sent"
	OutcomeFailed      = "failed"
	OutcomeCanceled    = "canceled"
	OutcomeDuplicate   = "duplicate"
	OutcomeNoHeartRate = "no_heart_rate"
	OutcomeInvalid     = "invalid"
)

// Result is what Dispatch did with an event.
type Result int

const (
	// Accepted means a real send was started.
	Accepted Result = iota
	// DroppedNoHeartRate means the event had no usable heart rate.
	DroppedNoHeartRate
	// DroppedDuplicate means a send for the same key was already in flight.
	DroppedDuplicate
	// DroppedStopped means the dispatcher is shutting down.
	DroppedStopped
)

// String returns the result name.
func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case DroppedNoHeartRate:
		return "dropped_no_heart_rate"
	case DroppedDuplicate:
		return "dropped_duplicate"
	case DroppedStopped:
		return "dropped_stopped"
	default:
		return "unknown"
	}
}

// DedupKey identifies a real send: the device pair and the whole second the
// event was observed in.
type DedupKey struct {
	DeviceID       string
	NearbyDeviceID string
	Second         int64
}

// String returns device>nearby@second.
func (k DedupKey) String() string {
	return fmt.Sprintf("%s>%s@%d", k.DeviceID, k.NearbyDeviceID, k.Second)
}

// KeyFor computes the dedup key of a record observed at t.
func KeyFor(rec telemetry.Record, t time.Time) DedupKey {
	return DedupKey{
		DeviceID:       rec.DeviceID,
		NearbyDeviceID: rec.NearbyDeviceID,
		Second:         t.Unix(),
	}
}

// Config configures a Dispatcher.
type Config struct {
	// SelfID is this node's id (required).
	SelfID string

	// Transport delivers records (required).
	Transport telemetry.Transport

	// Bus carries proximity events from the sweeper. Required for Start.
	Bus bus.MessageBus

	// Queue is the queue group the dispatcher joins on the bus.
	Queue string

	// MaxAttempts for real records. Decoys always get one.
	MaxAttempts int

	// BaseDelay is the wait after the first failed attempt; it doubles after
	// each further failure.
	BaseDelay time.Duration

	// Decoys controls synthetic record injection.
	Decoys DecoyConfig

	// Rand drives decoy generation. Defaults to a clock-seeded source.
	Rand Rand

	Clock   quartz.Clock
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  *telemetry.Tracer

	// OnPanic is told about a panic in the event loop or a send before it
	// resumes.
	OnPanic func(error)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Queue:       DefaultQueue,
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		Decoys:      DefaultDecoyConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.SelfID == "" {
		return perrors.InvalidConfig("dispatcher requires a self id")
	}
	if c.Transport == nil {
		return perrors.InvalidConfig("dispatcher requires a transport")
	}
	if c.MaxAttempts < 0 {
		return perrors.InvalidConfig("max attempts must not be negative")
	}
	if c.BaseDelay < 0 {
		return perrors.InvalidConfig("base delay must not be negative")
	}
	if err := c.Decoys.Validate(); err != nil {
		return perrors.InvalidConfig(err.Error())
	}
	return nil
}

// Dispatcher delivers proximity events as telemetry records.
type Dispatcher struct {
	selfID      string
	transport   telemetry.Transport
	bus         bus.MessageBus
	queue       string
	maxAttempts int
	baseDelay   time.Duration
	decoys      *decoyGenerator

	clock   quartz.Clock
	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  *telemetry.Tracer
	onPanic func(error)

	inflight *guard.Keyed[DedupKey]

	running atomic.Bool
	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
	sub     bus.Subscription
	loop    sync.WaitGroup
	sends   sync.WaitGroup
}

// New creates a dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	defaults := DefaultConfig()
	if cfg.Queue == "" {
		cfg.Queue = defaults.Queue
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = defaults.BaseDelay
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.Rand == nil {
		cfg.Rand = newDefaultRand(cfg.Clock.Now().UnixNano())
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

	return &Dispatcher{
		selfID:      cfg.SelfID,
		transport:   cfg.Transport,
		bus:         cfg.Bus,
		queue:       cfg.Queue,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		decoys:      &decoyGenerator{cfg: cfg.Decoys, selfID: cfg.SelfID, rand: cfg.Rand},
		clock:       cfg.Clock,
		logger:      cfg.Logger.WithComponent("dispatch"),
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		onPanic:     cfg.OnPanic,
		inflight:    guard.NewKeyed[DedupKey](),
	}, nil
}

// Start subscribes to this node's proximity events and dispatches each one.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.bus == nil {
		return perrors.InvalidConfig("dispatcher requires a bus to start")
	}
	if d.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}

	sub, err := d.bus.QueueSubscribe(proximity.Subject(d.selfID), d.queue)
	if err != nil {
		d.running.Store(false)
		return perrors.Wrap(err, "subscribe to proximity events")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.sub = sub
	d.mu.Unlock()

	d.loop.Add(1)
	go d.run(ctx, sub)
	return nil
}

func (d *Dispatcher) run(ctx context.Context, sub bus.Subscription) {
	defer d.loop.Done()
	defer guard.Recover(d.onPanic)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			ev, err := proximity.Unmarshal(msg.Data)
			if err != nil {
				d.metrics.Sends.WithLabelValues(string(telemetry.KindPrimary), OutcomeInvalid).Inc()
				d.logger.Warn("discarding malformed proximity event", map[string]interface{}{
					"subject": msg.Subject,
					"error":   err.Error(),
				})
				continue
			}
			evCtx := ctx
			if len(ev.Trace) > 0 {
				evCtx = telemetry.ExtractContext(ctx, telemetry.MapCarrier(ev.Trace))
			}
			d.Dispatch(evCtx, ev)
		}
	}
}

// Dispatch handles one event. The real send and any decoys run in the
// background; Dispatch returns as soon as they are scheduled.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *proximity.Event) Result {
	primary := string(telemetry.KindPrimary)

	if ev.HeartRate == nil || *ev.HeartRate <= 0 {
		d.metrics.Sends.WithLabelValues(primary, OutcomeNoHeartRate).Inc()
		d.logger.Debug("dropping event without heart rate", map[string]interface{}{
			"peer_id": ev.PeerID,
		})
		return DroppedNoHeartRate
	}

	rec := telemetry.NewRecord(ev.SelfID, ev.PeerID, ev.Distance, *ev.HeartRate)
	key := KeyFor(rec, ev.ObservedAt)
	if !d.inflight.TryAcquire(key) {
		d.metrics.Sends.WithLabelValues(primary, OutcomeDuplicate).Inc()
		d.logger.DuplicateDropped(key.String())
		return DroppedDuplicate
	}

	started := d.spawn(func() {
		defer d.inflight.Release(key)
		d.deliver(ctx, rec, telemetry.KindPrimary, d.maxAttempts)
	})
	if !started {
		d.inflight.Release(key)
		return DroppedStopped
	}

	for _, decoy := range d.decoys.generate(rec) {
		d.spawn(func() {
			d.deliver(ctx, decoy, telemetry.KindDecoy, 1)
		})
	}
	return Accepted
}

// spawn runs fn in the background unless the dispatcher is stopping.
func (d *Dispatcher) spawn(fn func()) bool {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	d.sends.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.sends.Done()
		defer guard.Recover(d.onPanic)
		fn()
	}()
	return true
}

// deliver sends rec with up to maxAttempts attempts. Errors that are not
// retryable end the sequence early.
func (d *Dispatcher) deliver(ctx context.Context, rec telemetry.Record, kind telemetry.Kind, maxAttempts int) {
	label := string(kind)
	attempt := 0

	op := func() error {
		attempt++
		d.metrics.SendAttempts.WithLabelValues(label).Inc()

		spanCtx, span := d.tracer.StartSendSpan(ctx, kind)
		resp, err := d.transport.Send(spanCtx, rec)
		status := 0
		if err == nil {
			if resp != nil {
				status = resp.StatusCode
			}
			err = resp.Err()
		}
		err = sendError(rec, err)
		d.tracer.EndSendSpan(span, telemetry.SendSpanOptions{
			Kind:    kind,
			Attempt: attempt,
			Status:  status,
			Record:  rec,
		}, err)

		if err != nil && !perrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		d.logger.SendFailed(label, attempt, next, err)
	}

	b := newBackOff(ctx, d.clock, d.baseDelay, maxAttempts)
	err := backoff.RetryNotifyWithTimer(op, b, notify, &backoffTimer{clock: d.clock})
	switch {
	case err == nil:
		d.metrics.Sends.WithLabelValues(label, OutcomeSent).Inc()
		d.logger.SendSucceeded(label, rec.DeviceID, rec.NearbyDeviceID, attempt)
	case ctx.Err() != nil:
		d.metrics.Sends.WithLabelValues(label, OutcomeCanceled).Inc()
		d.logger.Debug("send abandoned", map[string]interface{}{
			"kind":    label,
			"attempt": attempt,
		})
	case kind == telemetry.KindDecoy:
		d.metrics.Sends.WithLabelValues(label, OutcomeFailed).Inc()
		d.logger.Debug("decoy send failed", map[string]interface{}{
			"error": err.Error(),
		})
	default:
		d.metrics.Sends.WithLabelValues(label, OutcomeFailed).Inc()
		peer := ""
		if e := perrors.As(err); e != nil {
			peer = e.PeerID()
		}
		d.logger.SendGaveUp(label, peer, attempt, err)
	}
}

// sendError tags a failed send with the peer it reported on. Codes and
// retry classification of structured errors carry through.
func sendError(rec telemetry.Record, err error) error {
	if err == nil {
		return nil
	}
	return perrors.Wrap(err, "send "+rec.DeviceID+"->"+rec.NearbyDeviceID, perrors.WithPeerID(rec.NearbyDeviceID))
}

// InFlight reports whether a real send for key is in progress.
func (d *Dispatcher) InFlight(key DedupKey) bool {
	return d.inflight.Held(key)
}

// Pending returns the number of real sends in progress.
func (d *Dispatcher) Pending() int {
	return d.inflight.Len()
}

// Wait blocks until every scheduled send has finished.
func (d *Dispatcher) Wait() {
	d.sends.Wait()
}

// Stop unsubscribes, cancels outstanding retries and waits for them to end.
func (d *Dispatcher) Stop() error {
	if !d.running.Swap(false) {
		return ErrNotStarted
	}
	d.mu.Lock()
	d.stopped = true
	cancel := d.cancel
	sub := d.sub
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	d.loop.Wait()
	d.sends.Wait()
	return nil
}
