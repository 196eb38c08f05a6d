package heartrate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	perrors "github.com/vinayprograms/proximitykit/errors"
	"github.com/vinayprograms/proximitykit/metrics"
)

type fakeSensor struct {
	initErr error
	block   chan struct{}

	mu       sync.Mutex
	readings []int
	errs     []error
	calls    int
}

func (f *fakeSensor) Init(context.Context) error { return f.initErr }

func (f *fakeSensor) Read(ctx context.Context) (Reading, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return Reading{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return Reading{}, f.errs[i]
	}
	if i < len(f.readings) {
		return Reading{HeartRate: f.readings[i]}, nil
	}
	return Reading{HeartRate: f.readings[len(f.readings)-1]}, nil
}

func (f *fakeSensor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// --- Unit Tests ---

func TestSamplerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     SamplerConfig
		wantErr bool
	}{
		{"valid", SamplerConfig{Sensor: NoSensor{}, State: &State{}}, false},
		{"missing sensor", SamplerConfig{State: &State{}}, true},
		{"missing state", SamplerConfig{Sensor: NoSensor{}}, true},
		{"negative interval", SamplerConfig{Sensor: NoSensor{}, State: &State{}, Interval: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSampler_InitFailureLeavesUnknown(t *testing.T) {
	ctx := testContext(t)
	m := metrics.NewUnregistered()
	state := &State{}
	state.Set(90)

	s, err := NewSampler(SamplerConfig{Sensor: NoSensor{}, State: state, Metrics: m})
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.False(t, s.Available())
	_, ok := state.Get()
	require.False(t, ok)
	require.Equal(t, 1.0, testutil.ToFloat64(m.SensorReads.WithLabelValues(OutcomeUnavailable)))
	require.True(t, perrors.Is(s.LastError(), perrors.ErrCodeSensorUnavailable), "got %v", s.LastError())
	require.ErrorIs(t, s.LastError(), ErrNoSensor)
}

func TestSampler_SamplesImmediatelyThenOnInterval(t *testing.T) {
	ctx := testContext(t)
	mClock := quartz.NewMock(t)
	tickerTrap := mClock.Trap().TickerFunc("heartrate", "sampler")
	defer tickerTrap.Close()

	sensor := &fakeSensor{readings: []int{72, 80}}
	state := &State{}
	s, err := NewSampler(SamplerConfig{Sensor: sensor, State: state, Clock: mClock})
	require.NoError(t, err)

	// Start blocks inside TickerFunc until the trap releases it.
	started := make(chan error, 1)
	go func() { started <- s.Start(ctx) }()
	tickerTrap.MustWait(ctx).MustRelease(ctx)
	require.NoError(t, <-started)
	defer s.Stop()

	require.Eventually(t, func() bool {
		v, ok := state.Get()
		return ok && v == 72 && !s.busy.Held()
	}, 5*time.Second, 10*time.Millisecond)

	mClock.Advance(DefaultInterval).MustWait(ctx)

	require.Eventually(t, func() bool {
		v, ok := state.Get()
		return ok && v == 80
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, sensor.Calls())
}

func TestSampler_InvalidReadingClears(t *testing.T) {
	ctx := testContext(t)
	sensor := &fakeSensor{readings: []int{72, 250, 0}}
	state := &State{}
	s, err := NewSampler(SamplerConfig{Sensor: sensor, State: state, Clock: quartz.NewMock(t)})
	require.NoError(t, err)

	require.True(t, s.Sample(ctx))
	v, ok := state.Get()
	require.True(t, ok)
	require.Equal(t, 72, v)
	require.NoError(t, s.LastError())

	require.True(t, s.Sample(ctx))
	_, ok = state.Get()
	require.False(t, ok, "250 bpm should be rejected")
	require.True(t, perrors.Is(s.LastError(), perrors.ErrCodeSensorInvalidReading), "got %v", s.LastError())

	state.Set(70)
	require.True(t, s.Sample(ctx))
	_, ok = state.Get()
	require.False(t, ok, "0 bpm should be rejected")
}

func TestSampler_ReadErrorClears(t *testing.T) {
	ctx := testContext(t)
	m := metrics.NewUnregistered()
	sensor := &fakeSensor{
		readings: []int{72, 72},
		errs:     []error{nil, errors.New("i2c timeout")},
	}
	state := &State{}
	s, err := NewSampler(SamplerConfig{Sensor: sensor, State: state, Clock: quartz.NewMock(t), Metrics: m})
	require.NoError(t, err)

	s.Sample(ctx)
	s.Sample(ctx)

	_, ok := state.Get()
	require.False(t, ok)
	require.Equal(t, 1.0, testutil.ToFloat64(m.SensorReads.WithLabelValues(OutcomeOK)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.SensorReads.WithLabelValues(OutcomeError)))
	require.True(t, perrors.Is(s.LastError(), perrors.ErrCodeSensorUnavailable), "got %v", s.LastError())
	require.ErrorContains(t, s.LastError(), "i2c timeout")
}

func TestSampler_OverlappingSampleSkipped(t *testing.T) {
	ctx := testContext(t)
	sensor := &fakeSensor{readings: []int{75}, block: make(chan struct{})}
	state := &State{}
	s, err := NewSampler(SamplerConfig{Sensor: sensor, State: state, Clock: quartz.NewMock(t)})
	require.NoError(t, err)

	done := make(chan bool)
	go func() { done <- s.Sample(ctx) }()

	require.Eventually(t, s.busy.Held, 5*time.Second, time.Millisecond)
	require.False(t, s.Sample(ctx), "second sample should be skipped while the first is in flight")

	close(sensor.block)
	require.True(t, <-done)
	require.Equal(t, 1, sensor.Calls())
}

func TestSampler_StartStop(t *testing.T) {
	ctx := testContext(t)
	sensor := &fakeSensor{readings: []int{75}}
	s, err := NewSampler(SamplerConfig{Sensor: sensor, State: &State{}, Clock: quartz.NewMock(t)})
	require.NoError(t, err)

	require.ErrorIs(t, s.Stop(), ErrNotStarted)
	require.NoError(t, s.Start(ctx))
	require.ErrorIs(t, s.Start(ctx), ErrAlreadyStarted)
	require.NoError(t, s.Stop())
}

type gatedInitSensor struct {
	*fakeSensor
	entered chan struct{}
	release chan struct{}
}

func (g gatedInitSensor) Init(context.Context) error {
	close(g.entered)
	<-g.release
	return nil
}

func TestSampler_StopDuringStartSchedulesNothing(t *testing.T) {
	ctx := testContext(t)
	sensor := gatedInitSensor{
		fakeSensor: &fakeSensor{readings: []int{75}},
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	clock := quartz.NewMock(t)
	s, err := NewSampler(SamplerConfig{Sensor: sensor, State: &State{}, Clock: clock})
	require.NoError(t, err)

	started := make(chan error, 1)
	go func() { started <- s.Start(ctx) }()
	<-sensor.entered
	require.NoError(t, s.Stop())
	close(sensor.release)
	require.NoError(t, <-started)

	clock.Advance(DefaultInterval).MustWait(ctx)
	require.Zero(t, sensor.Calls())
}
