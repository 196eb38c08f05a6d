package discovery

import (
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	perrors "github.com/vinayprograms/proximitykit/errors"
)

// BLEScanner is a Scanner over the host's Bluetooth LE adapter.
type BLEScanner struct {
	adapter      *bluetooth.Adapter
	observations chan Observation
	states       chan RadioState

	mu       sync.Mutex
	scanning bool
	closed   bool
	scanDone chan struct{}
	onDrop   func()
}

// BLEConfig configures a BLEScanner.
type BLEConfig struct {
	// Buffer is the observation channel size. Default: 256.
	Buffer int

	// OnDrop is called for each advertisement dropped on a full buffer.
	OnDrop func()
}

// NewBLEScanner creates a scanner on the default adapter. Call Open to
// power it up.
func NewBLEScanner(cfg BLEConfig) *BLEScanner {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	return &BLEScanner{
		adapter:      bluetooth.DefaultAdapter,
		observations: make(chan Observation, cfg.Buffer),
		states:       make(chan RadioState, 4),
		onDrop:       cfg.OnDrop,
	}
}

// Open enables the adapter and reports the resulting radio state.
func (s *BLEScanner) Open() error {
	if err := s.adapter.Enable(); err != nil {
		s.report(RadioUnavailable)
		return perrors.New(perrors.ErrCodeRadioUnavailable, "enable bluetooth adapter", perrors.WithCause(err))
	}
	s.report(RadioReady)
	return nil
}

func (s *BLEScanner) Observations() <-chan Observation { return s.observations }
func (s *BLEScanner) States() <-chan RadioState        { return s.states }

// StartScanning begins scanning in the background. Scan failures are
// reported as RadioUnavailable.
func (s *BLEScanner) StartScanning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.scanning {
		return nil
	}
	s.scanning = true
	s.scanDone = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		err := s.adapter.Scan(s.onResult)

		s.mu.Lock()
		expected := !s.scanning
		s.scanning = false
		s.mu.Unlock()

		if err != nil && !expected {
			s.report(RadioUnavailable)
		}
	}(s.scanDone)
	return nil
}

func (s *BLEScanner) onResult(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
	obs := Observation{
		Name:       result.LocalName(),
		Address:    result.Address.String(),
		Signal:     int(result.RSSI),
		ReceivedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.observations <- obs:
	default:
		if s.onDrop != nil {
			s.onDrop()
		}
	}
}

// StopScanning halts scanning and waits for the scan loop to return.
func (s *BLEScanner) StopScanning() error {
	s.mu.Lock()
	if !s.scanning {
		s.mu.Unlock()
		return nil
	}
	s.scanning = false
	done := s.scanDone
	s.mu.Unlock()

	if err := s.adapter.StopScan(); err != nil {
		return perrors.New(perrors.ErrCodeRadioUnavailable, "stop scan", perrors.WithCause(err))
	}
	<-done
	return nil
}

func (s *BLEScanner) report(state RadioState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.states <- state:
	default:
	}
}

// Close stops scanning and closes both channels.
func (s *BLEScanner) Close() error {
	err := s.StopScanning()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.observations)
	close(s.states)
	return err
}
