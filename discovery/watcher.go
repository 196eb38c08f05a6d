package discovery

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/coder/quartz"

	"github.com/vinayprograms/proximitykit/classify"
	perrors "github.com/vinayprograms/proximitykit/errors"
	"github.com/vinayprograms/proximitykit/guard"
	"github.com/vinayprograms/proximitykit/logging"
	"github.com/vinayprograms/proximitykit/metrics"
	"github.com/vinayprograms/proximitykit/registry"
)

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Scanner is the discovery stack (required).
	Scanner Scanner

	// Classifier resolves peer ids (required).
	Classifier *classify.Classifier

	// Registry receives qualifying observations (required).
	Registry *registry.Registry

	Clock   quartz.Clock
	Logger  *logging.Logger
	Metrics *metrics.Metrics

	// OnPanic is told about a panic while handling the scanner's streams
	// before it resumes.
	OnPanic func(error)
}

// Validate checks the configuration.
func (c WatcherConfig) Validate() error {
	if c.Scanner == nil || c.Classifier == nil || c.Registry == nil {
		return perrors.InvalidConfig("watcher requires a scanner, classifier and registry")
	}
	return nil
}

// Watcher follows the radio state, scanning while the radio is ready, and
// feeds classified observations into the registry.
type Watcher struct {
	scanner    Scanner
	classifier *classify.Classifier
	registry   *registry.Registry
	clock      quartz.Clock
	logger     *logging.Logger
	metrics    *metrics.Metrics
	onPanic    func(error)

	stateMu  sync.Mutex
	state    RadioState
	scanning bool

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWatcher creates a watcher.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
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
	return &Watcher{
		scanner:    cfg.Scanner,
		classifier: cfg.Classifier,
		registry:   cfg.Registry,
		clock:      cfg.Clock,
		logger:     cfg.Logger.WithComponent("discovery"),
		metrics:    cfg.Metrics,
		onPanic:    cfg.OnPanic,
		state:      RadioUnavailable,
	}, nil
}

// Start consumes the scanner's streams until ctx ends, Stop is called, or
// the scanner closes.
func (w *Watcher) Start(ctx context.Context) error {
	if w.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx)
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	defer guard.Recover(w.onPanic)

	states := w.scanner.States()
	observations := w.scanner.Observations()
	for states != nil || observations != nil {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			w.HandleState(state)
		case obs, ok := <-observations:
			if !ok {
				observations = nil
				continue
			}
			w.Handle(obs)
		}
	}
}

// HandleState starts scanning when the radio becomes ready and stops it
// otherwise.
func (w *Watcher) HandleState(state RadioState) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()

	w.state = state
	if state == RadioReady {
		if !w.scanning {
			if err := w.scanner.StartScanning(); err != nil {
				w.logger.Warn("start scanning", map[string]interface{}{
					"error": err.Error(),
				})
			} else {
				w.scanning = true
			}
		}
	} else if w.scanning {
		if err := w.scanner.StopScanning(); err != nil {
			w.logger.Warn("stop scanning", map[string]interface{}{
				"error": err.Error(),
			})
		}
		w.scanning = false
	}

	if w.scanning {
		w.metrics.RadioPowered.Set(1)
	} else {
		w.metrics.RadioPowered.Set(0)
	}
	w.logger.RadioState(string(state), w.scanning)
}

// Handle classifies one observation and records it when it belongs to a
// tracked peer.
func (w *Watcher) Handle(obs Observation) registry.Outcome {
	res := w.classifier.Classify(obs.Name, obs.Address)
	w.metrics.Observations.WithLabelValues(string(res.Reason)).Inc()
	if !res.Tracked() {
		if res.Reason != classify.ReasonUnknown || obs.Name != "" {
			w.logger.DeviceRejected(obs.Name, obs.Address, string(res.Reason))
		}
		return registry.Ignored
	}

	at := obs.ReceivedAt
	if at.IsZero() {
		at = w.clock.Now("discovery", "observation")
	}

	outcome := w.registry.Upsert(res.PeerID, obs.Name, obs.Address, obs.Signal, at)
	switch outcome {
	case registry.Created:
		w.metrics.PeersDiscovered.Inc()
		w.metrics.PeersTracked.Set(float64(w.registry.Len()))
		w.logger.PeerDiscovered(res.PeerID, obs.Name, obs.Address)
	case registry.Updated:
		w.logger.PeerUpdated(res.PeerID, obs.Signal, w.registry.Len())
	}
	return outcome
}

// State returns the last reported radio state.
func (w *Watcher) State() RadioState {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.state
}

// Scanning reports whether active scanning is on.
func (w *Watcher) Scanning() bool {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.scanning
}

// Stop halts scanning and waits for the watcher to exit.
func (w *Watcher) Stop() error {
	if !w.running.Swap(false) {
		return ErrNotStarted
	}
	w.cancel()
	<-w.done

	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	var err error
	if w.scanning {
		err = w.scanner.StopScanning()
		w.scanning = false
		w.metrics.RadioPowered.Set(0)
	}
	return err
}
