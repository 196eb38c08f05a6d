package discovery

import "sync"

// FakeScanner is a Scanner driven by the caller. It is used in tests and to
// replay recorded advertisements.
type FakeScanner struct {
	observations chan Observation
	states       chan RadioState

	mu       sync.Mutex
	scanning bool
	starts   int
	stops    int
	startErr error
	closed   bool
}

// NewFakeScanner creates a scanner whose channels hold buffer items.
func NewFakeScanner(buffer int) *FakeScanner {
	if buffer <= 0 {
		buffer = 64
	}
	return &FakeScanner{
		observations: make(chan Observation, buffer),
		states:       make(chan RadioState, buffer),
	}
}

func (f *FakeScanner) Observations() <-chan Observation { return f.observations }
func (f *FakeScanner) States() <-chan RadioState        { return f.states }

// Emit queues an observation. Observations are dropped while not scanning,
// as a real radio would.
func (f *FakeScanner) Emit(obs Observation) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || !f.scanning {
		return false
	}
	f.observations <- obs
	return true
}

// SetState queues a radio state change.
func (f *FakeScanner) SetState(state RadioState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.states <- state
	}
}

// FailStart makes the next StartScanning calls return err.
func (f *FakeScanner) FailStart(err error) {
	f.mu.Lock()
	f.startErr = err
	f.mu.Unlock()
}

func (f *FakeScanner) StartScanning() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.startErr != nil {
		return f.startErr
	}
	f.scanning = true
	f.starts++
	return nil
}

func (f *FakeScanner) StopScanning() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanning = false
	f.stops++
	return nil
}

// Scanning reports whether StartScanning is in effect.
func (f *FakeScanner) Scanning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanning
}

// Counts returns how often scanning was started and stopped.
func (f *FakeScanner) Counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

func (f *FakeScanner) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.scanning = false
	close(f.observations)
	close(f.states)
	return nil
}
