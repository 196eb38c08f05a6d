// Package status serves a read-only JSON view of the node: its identity,
// radio and heart-rate state, and the peers currently tracked. Prometheus
// metrics are served alongside on /metrics.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"

	"github.com/vinayprograms/proximitykit/discovery"
	"github.com/vinayprograms/proximitykit/distance"
	perrors "github.com/vinayprograms/proximitykit/errors"
	"github.com/vinayprograms/proximitykit/heartrate"
	"github.com/vinayprograms/proximitykit/logging"
	"github.com/vinayprograms/proximitykit/metrics"
	"github.com/vinayprograms/proximitykit/registry"
)

// Radio reports the discovery stack state.
type Radio interface {
	State() discovery.RadioState
	Scanning() bool
}

// Config configures the status API.
type Config struct {
	SelfID      string
	DisplayName string

	// Registry and HeartRate are required.
	Registry  *registry.Registry
	HeartRate *heartrate.State

	// Radio is optional; without it the radio state reports "unknown".
	Radio Radio

	Model         distance.Model
	DisplayWindow time.Duration

	// Gatherer enables /metrics when set.
	Gatherer prometheus.Gatherer

	// AllowedOrigins lists dashboard origins allowed by CORS.
	// Default: any origin.
	AllowedOrigins []string

	Clock  quartz.Clock
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.SelfID == "" {
		return perrors.InvalidConfig("status API requires a self id")
	}
	if c.Registry == nil || c.HeartRate == nil {
		return perrors.InvalidConfig("status API requires a registry and heart-rate state")
	}
	return nil
}

// NodeStatus is the body of GET /status.
type NodeStatus struct {
	SelfID      string `json:"self_id"`
	DisplayName string `json:"display_name"`
	Radio       string `json:"radio"`
	Scanning    bool   `json:"scanning"`
	HeartRate   *int   `json:"heart_rate"`
	Tracked     int    `json:"tracked"`
	Time        string `json:"time"`
}

// Peer is one entry of GET /peers.
type Peer struct {
	PeerID      string  `json:"peer_id"`
	DisplayName string  `json:"display_name"`
	Address     string  `json:"address"`
	Signal      int     `json:"signal"`
	Distance    float64 `json:"distance"`
	ElapsedMS   int64   `json:"elapsed_ms"`
	Stale       bool    `json:"stale"`
	FirstSeenAt string  `json:"first_seen_at"`
	LastSeenAt  string  `json:"last_seen_at"`
}

// Server is the status HTTP server.
type Server struct {
	cfg     Config
	handler http.Handler
	srv     *http.Server
	ln      net.Listener
}

// New builds the router. Call Listen and Serve to expose it.
func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Model == (distance.Model{}) {
		cfg.Model = distance.DefaultModel()
	}
	if cfg.DisplayWindow <= 0 {
		cfg.DisplayWindow = 5 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	cfg.Logger = cfg.Logger.WithComponent("status")

	s := &Server{cfg: cfg}

	router := mux.NewRouter()
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet)
	router.HandleFunc("/peers/{id}", s.handlePeer).Methods(http.MethodGet)
	if cfg.Gatherer != nil {
		router.Handle("/metrics", metrics.Handler(cfg.Gatherer)).Methods(http.MethodGet)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet},
		AllowedHeaders: []string{"Content-Type"},
	})
	s.handler = c.Handler(router)
	return s, nil
}

// Handler returns the HTTP handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Listen binds addr.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return perrors.InvalidConfig("status API listen on "+addr, perrors.WithCause(err))
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.handler, ReadHeaderTimeout: 5 * time.Second}
	s.cfg.Logger.Info("status API listening", map[string]interface{}{"addr": ln.Addr().String()})
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve blocks until Shutdown.
func (s *Server) Serve() error {
	if s.srv == nil {
		return errors.New("status: Serve called before Listen")
	}
	err := s.srv.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := NodeStatus{
		SelfID:      s.cfg.SelfID,
		DisplayName: s.cfg.DisplayName,
		Radio:       "unknown",
		HeartRate:   s.cfg.HeartRate.Ptr(),
		Tracked:     s.cfg.Registry.Len(),
		Time:        s.cfg.Clock.Now("status", "now").UTC().Format(time.RFC3339),
	}
	if s.cfg.Radio != nil {
		if state := s.cfg.Radio.State(); state != "" {
			st.Radio = string(state)
		}
		st.Scanning = s.cfg.Radio.Scanning()
	}
	RespondWithJSON(w, http.StatusOK, st)
}

func (s *Server) handlePeers(w http.ResponseWriter, _ *http.Request) {
	now := s.cfg.Clock.Now("status", "now")
	records := s.cfg.Registry.Snapshot()
	peers := make([]Peer, 0, len(records))
	for _, rec := range records {
		peers = append(peers, s.peer(rec, now))
	}
	RespondWithJSON(w, http.StatusOK, peers)
}

func (s *Server) handlePeer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, ok := s.cfg.Registry.Get(id)
	if !ok {
		RespondWithJSON(w, http.StatusNotFound, perrors.New(perrors.ErrCodeInvalidInput, "peer not tracked", perrors.WithPeerID(id)))
		return
	}
	RespondWithJSON(w, http.StatusOK, s.peer(rec, s.cfg.Clock.Now("status", "now")))
}

func (s *Server) peer(rec registry.Record, now time.Time) Peer {
	elapsed := rec.Elapsed(now)
	return Peer{
		PeerID:      rec.PeerID,
		DisplayName: rec.DisplayName,
		Address:     rec.Address,
		Signal:      rec.LastSignal,
		Distance:    s.cfg.Model.Estimate(rec.LastSignal),
		ElapsedMS:   elapsed.Milliseconds(),
		Stale:       elapsed >= s.cfg.DisplayWindow,
		FirstSeenAt: rec.FirstSeenAt.UTC().Format(time.RFC3339Nano),
		LastSeenAt:  rec.LastSeenAt.UTC().Format(time.RFC3339Nano),
	}
}

// RespondWithJSON writes payload as a JSON response.
func RespondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}
