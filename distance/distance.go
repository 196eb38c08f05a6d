// Package distance converts received signal strength into an estimated
// distance using the log-distance path-loss model.
package distance

import "math"

const (
	// NoReading is the signal value reported when the radio has no RSSI.
	NoReading = 0

	// Unknown is returned for NoReading.
	Unknown = -1.0

	// ReferenceSignal is the signal measured at one meter.
	ReferenceSignal = -59

	// PathLossExponent of 2 corresponds to free space.
	PathLossExponent = 2.0

	MinDistance = 0.1
	MaxDistance = 100.0
)

// Model holds the calibration constants of the path-loss model.
type Model struct {
	ReferenceSignal  int
	PathLossExponent float64
	Min              float64
	Max              float64
}

// DefaultModel returns the model used by Estimate.
func DefaultModel() Model {
	return Model{
		ReferenceSignal:  ReferenceSignal,
		PathLossExponent: PathLossExponent,
		Min:              MinDistance,
		Max:              MaxDistance,
	}
}

// Estimate returns the distance in meters for signal, clamped to
// [m.Min, m.Max], or Unknown when signal is NoReading.
func (m Model) Estimate(signal int) float64 {
	if signal == NoReading {
		return Unknown
	}

	ratio := float64(m.ReferenceSignal-signal) / (10 * m.PathLossExponent)
	d := math.Pow(10, ratio)

	return math.Max(m.Min, math.Min(m.Max, d))
}

// Estimate applies DefaultModel to signal.
func Estimate(signal int) float64 {
	return DefaultModel().Estimate(signal)
}

// IsKnown reports whether d is a real estimate rather than Unknown.
func IsKnown(d float64) bool {
	return d >= 0
}
