package status

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/proximitykit/discovery"
	perrors "github.com/vinayprograms/proximitykit/errors"
	"github.com/vinayprograms/proximitykit/heartrate"
	"github.com/vinayprograms/proximitykit/metrics"
	"github.com/vinayprograms/proximitykit/registry"
)

type fakeRadio struct {
	state    discovery.RadioState
	scanning bool
}

func (f fakeRadio) State() discovery.RadioState { return f.state }
func (f fakeRadio) Scanning() bool              { return f.scanning }

type fixture struct {
	srv   *Server
	reg   *registry.Registry
	hr    *heartrate.State
	clock *quartz.Mock
}

func newFixture(t *testing.T, radio Radio) *fixture {
	t.Helper()
	mClock := quartz.NewMock(t)
	mClock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	reg := registry.New("001")
	hr := &heartrate.State{}
	promReg := metrics.NewRegistry()
	metrics.New(promReg).Sweeps.Inc()

	srv, err := New(Config{
		SelfID:      "001",
		DisplayName: "Player 001",
		Registry:    reg,
		HeartRate:   hr,
		Radio:       radio,
		Gatherer:    promReg,
		Clock:       mClock,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return &fixture{srv: srv, reg: reg, hr: hr, clock: mClock}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

// --- Unit Tests ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty", Config{}},
		{"no registry", Config{SelfID: "001", HeartRate: &heartrate.State{}}},
		{"no heart rate", Config{SelfID: "001", Registry: registry.New("001")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if !perrors.Is(err, perrors.ErrCodeInvalidConfig) {
				t.Errorf("Validate() = %v, want INVALID_CONFIG", err)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, fakeRadio{state: discovery.RadioReady, scanning: true})
	f.reg.Upsert("002", "SBT_002", "11:22", -60, f.clock.Now())

	rr := f.get(t, "/status")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var st NodeStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	require.Equal(t, "001", st.SelfID)
	require.Equal(t, "powered_on", st.Radio)
	require.True(t, st.Scanning)
	require.Nil(t, st.HeartRate, "heart rate is null while unknown")
	require.Equal(t, 1, st.Tracked)
	require.Equal(t, "2024-03-01T12:00:00Z", st.Time)

	f.hr.Set(84)
	require.NoError(t, json.Unmarshal(f.get(t, "/status").Body.Bytes(), &st))
	require.NotNil(t, st.HeartRate)
	require.Equal(t, 84, *st.HeartRate)
}

func TestStatus_NoRadio(t *testing.T) {
	f := newFixture(t, nil)
	var st NodeStatus
	require.NoError(t, json.Unmarshal(f.get(t, "/status").Body.Bytes(), &st))
	require.Equal(t, "unknown", st.Radio)
	require.False(t, st.Scanning)
}

func TestPeers(t *testing.T) {
	f := newFixture(t, nil)
	start := f.clock.Now()
	f.reg.Upsert("002", "SBT_002", "11:22", -59, start)
	f.reg.Upsert("003", "SBT_003", "33:44", -79, start.Add(-6*time.Second))

	rr := f.get(t, "/peers")
	require.Equal(t, http.StatusOK, rr.Code)

	var peers []Peer
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &peers))
	require.Len(t, peers, 2)

	byID := map[string]Peer{}
	for _, p := range peers {
		byID[p.PeerID] = p
	}
	require.InDelta(t, 1.0, byID["002"].Distance, 1e-9)
	require.False(t, byID["002"].Stale)
	require.Equal(t, int64(0), byID["002"].ElapsedMS)

	require.InDelta(t, 10.0, byID["003"].Distance, 1e-9)
	require.True(t, byID["003"].Stale)
	require.Equal(t, int64(6000), byID["003"].ElapsedMS)
}

func TestPeers_Empty(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.get(t, "/peers")
	require.Equal(t, "[]\n", rr.Body.String())
}

func TestPeer(t *testing.T) {
	f := newFixture(t, nil)
	f.reg.Upsert("002", "SBT_002", "11:22", -65, f.clock.Now())

	rr := f.get(t, "/peers/002")
	require.Equal(t, http.StatusOK, rr.Code)
	var p Peer
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
	require.Equal(t, "11:22", p.Address)
	require.Equal(t, -65, p.Signal)

	rr = f.get(t, "/peers/404")
	require.Equal(t, http.StatusNotFound, rr.Code)
	var perr perrors.Error
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &perr))
	require.Equal(t, perrors.ErrCodeInvalidInput, perr.Code())
	require.Equal(t, "404", perr.PeerID())
	require.Equal(t, "peer not tracked", perr.Error())
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "proximity_sweep_runs_total 1")
}

func TestReadOnly(t *testing.T) {
	f := newFixture(t, nil)
	rr := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/status", strings.NewReader("{}")))
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestCORS(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rr := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rr, req)
	require.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_ListenServeShutdown(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, "", f.srv.Addr())
	require.NoError(t, f.srv.Listen("127.0.0.1:0"))

	errCh := make(chan error, 1)
	go func() { errCh <- f.srv.Serve() }()

	resp, err := http.Get("http://" + f.srv.Addr() + "/status")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), `"self_id":"001"`)

	require.NoError(t, f.srv.Shutdown(context.Background()))
	require.NoError(t, <-errCh)
}
