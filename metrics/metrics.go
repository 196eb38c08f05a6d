// Package metrics holds the Prometheus collectors shared by the proximity
// engine components.
package metrics

import (
	"math"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "proximity"

// Metrics groups every collector exported by a node.
type Metrics struct {
	Observations    *prometheus.CounterVec
	PeersTracked    prometheus.Gauge
	PeersDiscovered prometheus.Counter
	PeersEvicted    prometheus.Counter
	Sweeps          prometheus.Counter
	ProximityEvents prometheus.Counter
	HeartRate       prometheus.Gauge
	SensorReads     *prometheus.CounterVec
	SendAttempts    *prometheus.CounterVec
	Sends           *prometheus.CounterVec
	RadioPowered    prometheus.Gauge
}

// New creates the collectors and registers them with registerer.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		Observations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "discovery", Name: "observations_total",
			Help: "Advertisements received, by classification result.",
		}, []string{"result"}),
		PeersTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "registry", Name: "peers",
			Help: "Peers currently held in the presence registry.",
		}),
		PeersDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registry", Name: "discovered_total",
			Help: "Peers added to the presence registry.",
		}),
		PeersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registry", Name: "evicted_total",
			Help: "Peers evicted after going silent.",
		}),
		Sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sweep", Name: "runs_total",
			Help: "Completed proximity sweeps.",
		}),
		ProximityEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sweep", Name: "events_total",
			Help: "Proximity events emitted.",
		}),
		HeartRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "heartrate", Name: "bpm",
			Help: "Latest accepted heart rate; NaN while unknown.",
		}),
		SensorReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "heartrate", Name: "reads_total",
			Help: "Sensor read attempts, by outcome.",
		}, []string{"outcome"}),
		SendAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "attempts_total",
			Help: "Transport send attempts, by record kind.",
		}, []string{"kind"}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "records_total",
			Help: "Records handled by the dispatcher, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		RadioPowered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "discovery", Name: "radio_powered",
			Help: "1 while the radio is powered on and scanning.",
		}),
	}
	m.HeartRate.Set(math.NaN())

	registerer.MustRegister(
		m.Observations,
		m.PeersTracked,
		m.PeersDiscovered,
		m.PeersEvicted,
		m.Sweeps,
		m.ProximityEvents,
		m.HeartRate,
		m.SensorReads,
		m.SendAttempts,
		m.Sends,
		m.RadioPowered,
	)
	return m
}

// NewUnregistered creates collectors that are not exported anywhere. Components
// fall back to it when no Metrics is configured.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
