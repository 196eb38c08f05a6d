// Package heartrate keeps the node's latest heart-rate reading and samples
// it from a sensor on a fixed interval.
//
// A reading is either a known beats-per-minute value or unknown. Unknown is
// a distinct state rather than zero: it holds before the first valid sample,
// after an invalid one, and forever when the sensor failed to initialize.
package heartrate

import (
	"strconv"
	"sync/atomic"
)

// Valid readings lie strictly between MinValid and MaxValid.
const (
	MinValid = 0
	MaxValid = 200
)

// Unknown is how an absent reading renders.
const Unknown = "unknown"

// State is the shared heart-rate state. The zero value is unknown and safe
// for concurrent use.
type State struct {
	// bpm holds the value plus one so that zero means unknown.
	bpm atomic.Int64
}

// Valid reports whether bpm is an acceptable sensor reading.
func Valid(bpm int) bool {
	return bpm > MinValid && bpm < MaxValid
}

// Set stores a reading. Out-of-range values clear the state instead.
func (s *State) Set(bpm int) {
	if !Valid(bpm) {
		s.Clear()
		return
	}
	s.bpm.Store(int64(bpm) + 1)
}

// Clear marks the reading unknown.
func (s *State) Clear() {
	s.bpm.Store(0)
}

// Get returns the reading and whether it is known.
func (s *State) Get() (int, bool) {
	v := s.bpm.Load()
	if v == 0 {
		return 0, false
	}
	return int(v - 1), true
}

// Ptr returns a copy of the reading, or nil while unknown.
func (s *State) Ptr() *int {
	v, ok := s.Get()
	if !ok {
		return nil
	}
	return &v
}

// String renders the reading for logs.
func (s *State) String() string {
	v, ok := s.Get()
	if !ok {
		return Unknown
	}
	return strconv.Itoa(v)
}
