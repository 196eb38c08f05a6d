// Package discovery defines the boundary to the wireless discovery stack and
// the watcher that turns advertisements into presence updates.
package discovery

import (
	"errors"
	"time"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("watcher already started")
	ErrNotStarted     = errors.New("watcher not started")
	ErrClosed         = errors.New("scanner closed")
)

// Observation is a single advertisement received by the radio.
type Observation struct {
	// Name is the advertised local name; empty when absent.
	Name string

	// Address is the hardware address as reported by the stack.
	Address string

	// Signal is the received signal strength. 0 means no reading.
	Signal int

	// ReceivedAt is filled by scanners that timestamp advertisements.
	// The watcher uses its own clock when zero.
	ReceivedAt time.Time
}

// RadioState is the power state of the radio.
type RadioState string

const (
	RadioReady       RadioState = "powered_on"
	RadioUnavailable RadioState = "unavailable"
)

// Scanner is implemented by discovery stacks.
type Scanner interface {
	// Observations returns the advertisement stream.
	Observations() <-chan Observation

	// States returns radio state changes.
	States() <-chan RadioState

	// StartScanning begins active scanning, reporting duplicates.
	StartScanning() error

	// StopScanning halts active scanning.
	StopScanning() error

	// Close releases the stack. Both channels are closed.
	Close() error
}
