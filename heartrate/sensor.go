package heartrate

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// ErrNoSensor is returned by NoSensor.
var ErrNoSensor = errors.New("no heart-rate sensor attached")

// Reading is one sample from a sensor.
type Reading struct {
	HeartRate int
	// SpO2 is reported by some sensors; zero when not available.
	SpO2 float64
}

// Sensor is the hardware or simulated source of readings.
type Sensor interface {
	// Init prepares the sensor. A failure is final.
	Init(ctx context.Context) error

	// Read takes one sample.
	Read(ctx context.Context) (Reading, error)
}

// NoSensor is used on nodes without heart-rate hardware. Its Init always
// fails, which leaves the reading unknown for the process lifetime.
type NoSensor struct{}

// Init implements Sensor.
func (NoSensor) Init(context.Context) error { return ErrNoSensor }

// Read implements Sensor.
func (NoSensor) Read(context.Context) (Reading, error) { return Reading{}, ErrNoSensor }

// Simulated waveform parameters.
const (
	SimulatedBase      = 85.0
	SimulatedAmplitude = 15.0
	SimulatedPeriod    = 8 * time.Second
	SimulatedNoise     = 10.0
	SimulatedMin       = 60
	SimulatedMax       = 180
)

// SimulatedSensor produces a slow sine wave with noise, for development on
// machines without sensor hardware.
type SimulatedSensor struct {
	clock quartz.Clock

	mu   sync.Mutex
	rand *rand.Rand
}

// NewSimulatedSensor creates a simulated sensor. A nil clock uses the real one.
func NewSimulatedSensor(clock quartz.Clock, seed int64) *SimulatedSensor {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &SimulatedSensor{
		clock: clock,
		rand:  rand.New(rand.NewSource(seed)),
	}
}

// Init implements Sensor.
func (s *SimulatedSensor) Init(context.Context) error { return nil }

// Read implements Sensor.
func (s *SimulatedSensor) Read(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	now := s.clock.Now("heartrate", "simulated")
	phase := float64(now.UnixMilli()) / float64(SimulatedPeriod.Milliseconds())

	s.mu.Lock()
	noise := s.rand.Float64() * SimulatedNoise
	s.mu.Unlock()

	bpm := int(math.Floor(SimulatedBase + math.Sin(phase)*SimulatedAmplitude + noise))
	if bpm < SimulatedMin {
		bpm = SimulatedMin
	}
	if bpm > SimulatedMax {
		bpm = SimulatedMax
	}
	return Reading{HeartRate: bpm, SpO2: 98}, nil
}
