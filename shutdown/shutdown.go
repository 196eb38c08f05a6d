// Package shutdown tears the node down in ordered phases.
//
// Handlers registered in the same phase run concurrently; phases run from
// the lowest number up. The node uses three phases: the radio stops first so
// no new observations arrive, then the periodic tasks and the dispatcher
// stop, then outputs (transport, bus, status API, tracing) are flushed and
// closed.
package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/coder/quartz"

	"github.com/vinayprograms/proximitykit/logging"
)

// Phases used by the engine.
const (
	PhaseScanning = 10
	PhaseTasks    = 20
	PhaseOutputs  = 30
)

var (
	// ErrTimeout is returned when the context ends before every phase ran.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed is returned when at least one handler failed.
	ErrHandlerFailed = errors.New("one or more shutdown handlers failed")
)

// Func stops one component.
type Func func(ctx context.Context) error

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a full shutdown.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult
	Err           error
}

// Failed returns the names of handlers that returned an error.
func (r *Result) Failed() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures a Coordinator.
type Config struct {
	// Timeout bounds ShutdownWithTimeout and signal-triggered shutdowns.
	// Default: 10s
	Timeout time.Duration

	Clock  quartz.Clock
	Logger *logging.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Second}
}

type registration struct {
	name  string
	fn    Func
	phase int
}

// Coordinator runs registered handlers once, phase by phase.
type Coordinator struct {
	cfg Config

	mu       sync.Mutex
	handlers []registration

	once   sync.Once
	done   chan struct{}
	result *Result
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Coordinator{
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// Register adds a handler to phase.
func (c *Coordinator) Register(name string, phase int, fn Func) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, fn: fn, phase: phase})
}

// Shutdown runs every phase. Only the first call does any work; later calls
// return its error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.result = c.run(ctx, c.snapshot(func(int) bool { return true }))
		close(c.done)
	})
	return c.result.Err
}

// ShutdownWithTimeout runs Shutdown bounded by the configured timeout.
func (c *Coordinator) ShutdownWithTimeout() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// Emergency runs only the handlers of the given phases, outside the normal
// once-only shutdown. It is meant for a failing process that still wants the
// radio released.
func (c *Coordinator) Emergency(ctx context.Context, phases ...int) *Result {
	want := make(map[int]bool, len(phases))
	for _, p := range phases {
		want[p] = true
	}
	return c.run(ctx, c.snapshot(func(p int) bool { return want[p] }))
}

// HandleSignals shuts down on SIGINT or SIGTERM. The returned stop function
// releases the signal handler.
func (c *Coordinator) HandleSignals() (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	quit := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			c.cfg.Logger.Info("signal received", map[string]interface{}{"signal": sig.String()})
			_ = c.ShutdownWithTimeout()
		case <-quit:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(quit)
		})
	}
}

// Done is closed when Shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Result returns the shutdown result, or nil before Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) snapshot(keep func(phase int) bool) [][]registration {
	c.mu.Lock()
	handlers := make([]registration, 0, len(c.handlers))
	for _, h := range c.handlers {
		if keep(h.phase) {
			handlers = append(handlers, h)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}

func (c *Coordinator) run(ctx context.Context, phases [][]registration) *Result {
	start := c.cfg.Clock.Now()
	result := &Result{}
	for _, group := range phases {
		if ctx.Err() != nil {
			result.Err = ErrTimeout
			break
		}
		for _, hr := range c.runPhase(ctx, group) {
			result.Results = append(result.Results, hr)
			if hr.Err != nil && result.Err == nil {
				result.Err = ErrHandlerFailed
			}
		}
	}
	result.TotalDuration = c.cfg.Clock.Since(start)
	return result
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup
	for i, r := range group {
		wg.Add(1)
		go func(i int, r registration) {
			defer wg.Done()
			start := c.cfg.Clock.Now()
			err := r.fn(ctx)
			results[i] = HandlerResult{
				Name:     r.name,
				Phase:    r.phase,
				Duration: c.cfg.Clock.Since(start),
				Err:      err,
			}
			if err != nil {
				c.cfg.Logger.Warn("shutdown step failed", map[string]interface{}{
					"step":  r.name,
					"error": err.Error(),
				})
				return
			}
			c.cfg.Logger.Debug("shutdown step done", map[string]interface{}{"step": r.name})
		}(i, r)
	}
	wg.Wait()
	return results
}
