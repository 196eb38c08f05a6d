package sweep

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/proximitykit/bus"
	"github.com/vinayprograms/proximitykit/heartrate"
	"github.com/vinayprograms/proximitykit/metrics"
	"github.com/vinayprograms/proximitykit/proximity"
	"github.com/vinayprograms/proximitykit/registry"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []*proximity.Event
	subs   []string
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	ev, err := proximity.Unmarshal(data)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	p.subs = append(p.subs, subject)
	return nil
}

func (p *fakePublisher) Events() []*proximity.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*proximity.Event(nil), p.events...)
}

type fixture struct {
	clock     *quartz.Mock
	registry  *registry.Registry
	heartRate *heartrate.State
	publisher *fakePublisher
	metrics   *metrics.Metrics
	sweeper   *Sweeper
	start     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:     quartz.NewMock(t),
		registry:  registry.New("001"),
		heartRate: &heartrate.State{},
		publisher: &fakePublisher{},
		metrics:   metrics.NewUnregistered(),
	}
	f.start = f.clock.Now()

	s, err := New(Config{
		SelfID:    "001",
		Registry:  f.registry,
		HeartRate: f.heartRate,
		Publisher: f.publisher,
		Clock:     f.clock,
		Metrics:   f.metrics,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	f.sweeper = s
	return f
}

func (f *fixture) sweepAt(d time.Duration) Report {
	f.clock.Set(f.start.Add(d))
	return f.sweeper.Sweep(context.Background())
}

// --- Unit Tests ---

func TestConfig_Validate(t *testing.T) {
	reg := registry.New("001")
	hr := &heartrate.State{}
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{SelfID: "001", Registry: reg, HeartRate: hr}, false},
		{"no self", Config{Registry: reg, HeartRate: hr}, true},
		{"no registry", Config{SelfID: "001", HeartRate: hr}, true},
		{"no heart rate", Config{SelfID: "001", Registry: reg}, true},
		{"negative ttl", Config{SelfID: "001", Registry: reg, HeartRate: hr, TTL: -time.Second}, true},
		{"negative threshold", Config{SelfID: "001", Registry: reg, HeartRate: hr, Threshold: -1}, true},
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

func TestSweep_EmitsCloseFreshPeers(t *testing.T) {
	f := newFixture(t)
	f.heartRate.Set(84)

	f.registry.Upsert("002", "SBT_002", "aa:bb", -68, f.start) // ~2.8 m
	f.registry.Upsert("003", "SBT_003", "aa:cc", -85, f.start) // ~20 m
	f.registry.Upsert("004", "SBT_004", "aa:dd", 0, f.start)   // no reading

	report := f.sweepAt(time.Second)
	require.Equal(t, 3, report.Fresh)
	require.Equal(t, 0, report.Stale)
	require.Len(t, report.Events, 1)

	ev := report.Events[0]
	require.Equal(t, "001", ev.SelfID)
	require.Equal(t, "002", ev.PeerID)
	require.InDelta(t, 2.818, ev.Distance, 0.001)
	require.Equal(t, -68, ev.Signal)
	require.NotNil(t, ev.HeartRate)
	require.Equal(t, 84, *ev.HeartRate)
	require.Equal(t, f.start.Add(time.Second), ev.ObservedAt)

	published := f.publisher.Events()
	require.Len(t, published, 1)
	require.Equal(t, ev.ID, published[0].ID)
	require.Equal(t, []string{"proximity.001"}, f.publisher.subs)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ProximityEvents))
}

func TestSweep_UnknownHeartRateStillEmits(t *testing.T) {
	f := newFixture(t)
	f.registry.Upsert("002", "SBT_002", "aa:bb", -69, f.start) // ~3.2 m

	report := f.sweepAt(time.Second)
	require.Len(t, report.Events, 1)
	require.Nil(t, report.Events[0].HeartRate)
	require.Equal(t, "unknown", report.Events[0].HeartRateString())
}

func TestSweep_HeartRateIsSnapshotPerEvent(t *testing.T) {
	f := newFixture(t)
	f.heartRate.Set(70)
	f.registry.Upsert("002", "SBT_002", "aa:bb", -60, f.start)

	report := f.sweepAt(time.Second)
	f.heartRate.Set(120)
	require.Equal(t, 70, *report.Events[0].HeartRate)
}

func TestSweep_StalePeersProduceNothing(t *testing.T) {
	f := newFixture(t)
	f.registry.Upsert("002", "SBT_002", "aa:bb", -60, f.start)

	tests := []struct {
		at        time.Duration
		wantFresh int
		wantStale int
	}{
		{4900 * time.Millisecond, 1, 0},
		{5 * time.Second, 0, 1},
		{10 * time.Second, 0, 1},
		{15 * time.Second, 0, 1},
	}
	for _, tt := range tests {
		report := f.sweepAt(tt.at)
		if report.Fresh != tt.wantFresh || report.Stale != tt.wantStale {
			t.Errorf("at %v: fresh=%d stale=%d, want %d/%d", tt.at, report.Fresh, report.Stale, tt.wantFresh, tt.wantStale)
		}
		if tt.wantStale > 0 && len(report.Events) != 0 {
			t.Errorf("at %v: stale peer produced %d events", tt.at, len(report.Events))
		}
		if len(report.Evicted) != 0 {
			t.Errorf("at %v: unexpected eviction %v", tt.at, report.Evicted)
		}
	}
}

func TestSweep_EvictsAfterTTL(t *testing.T) {
	f := newFixture(t)

	f.registry.Upsert("002", "SBT_002", "aa:bb", -60, f.start)
	f.clock.Set(f.start.Add(10 * time.Second))
	f.registry.Upsert("002", "SBT_002", "aa:bb", -61, f.start.Add(10*time.Second))

	report := f.sweepAt(25 * time.Second)
	require.Empty(t, report.Evicted, "exactly TTL of silence is not yet stale enough")

	report = f.sweepAt(25*time.Second + time.Millisecond)
	require.Equal(t, []string{"002"}, report.Evicted)
	require.Equal(t, 0, f.registry.Len())
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PeersEvicted))
	require.Equal(t, 0.0, testutil.ToFloat64(f.metrics.PeersTracked))

	report = f.sweepAt(30 * time.Second)
	require.Empty(t, report.Evicted, "an evicted peer is reported once")
}

func TestSweep_IndependentWindows(t *testing.T) {
	f := newFixture(t)
	s, err := New(Config{
		SelfID:        "001",
		Registry:      f.registry,
		HeartRate:     f.heartRate,
		Clock:         f.clock,
		TTL:           30 * time.Second,
		DisplayWindow: 20 * time.Second,
		Threshold:     50,
	})
	require.NoError(t, err)

	f.registry.Upsert("002", "SBT_002", "aa:bb", -85, f.start)
	f.clock.Set(f.start.Add(18 * time.Second))
	report := s.Sweep(context.Background())
	require.Equal(t, 1, report.Fresh)
	require.Len(t, report.Events, 1)
}

func TestSweeper_TicksOnInterval(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newFixture(t)
	trap := f.clock.Trap().TickerFunc("proximity", "sweep")
	defer trap.Close()

	f.heartRate.Set(90)
	f.registry.Upsert("002", "SBT_002", "aa:bb", -60, f.start)

	started := make(chan error, 1)
	go func() { started <- f.sweeper.Start(ctx) }()
	call := trap.MustWait(ctx)
	require.Equal(t, DefaultInterval, call.Duration)
	call.MustRelease(ctx)
	require.NoError(t, <-started)
	require.ErrorIs(t, f.sweeper.Start(ctx), ErrAlreadyStarted)

	f.clock.Advance(DefaultInterval).MustWait(ctx)
	require.Len(t, f.publisher.Events(), 1)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Sweeps))

	require.NoError(t, f.sweeper.Stop())
	require.ErrorIs(t, f.sweeper.Stop(), ErrNotStarted)
}

func TestSweeper_PublishesToBus(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	sub, err := b.Subscribe(proximity.Subject("001"))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	mClock := quartz.NewMock(t)
	reg := registry.New("001")
	reg.Upsert("002", "SBT_002", "aa:bb", -59, mClock.Now())

	s, err := New(Config{SelfID: "001", Registry: reg, HeartRate: &heartrate.State{}, Publisher: b, Clock: mClock})
	require.NoError(t, err)
	s.Sweep(context.Background())

	select {
	case msg := <-sub.Messages():
		ev, err := proximity.Unmarshal(msg.Data)
		require.NoError(t, err)
		require.Equal(t, "002", ev.PeerID)
		require.InDelta(t, 1.0, ev.Distance, 1e-9)
	case <-time.After(5 * time.Second):
		t.Fatal("event not published")
	}
}
