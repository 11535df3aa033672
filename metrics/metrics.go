package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of a sync backend. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry          *prometheus.Registry
	intentsTotal      *prometheus.CounterVec
	broadcastsTotal   prometheus.Counter
	deliveryFailures  prometheus.Counter
	storeErrorsTotal  *prometheus.CounterVec
	activeRooms       prometheus.Gauge
	connectedPeers    prometheus.Gauge
	roomTeardownTotal prometheus.Counter
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	intentsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vchamber_intents_total",
		Help: "Intents received from peers by kind and verdict",
	}, []string{"kind", "verdict"})
	broadcastsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vchamber_broadcasts_total",
		Help: "Accepted updates fanned out to a room",
	})
	deliveryFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vchamber_delivery_failures_total",
		Help: "Messages that could not be queued for a peer",
	})
	storeErrorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vchamber_store_errors_total",
		Help: "State store failures by operation",
	}, []string{"op"})
	activeRooms := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vchamber_active_rooms",
		Help: "Rooms with a running actor",
	})
	connectedPeers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vchamber_connected_peers",
		Help: "Peers registered across all rooms",
	})
	roomTeardownTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vchamber_room_teardowns_total",
		Help: "Rooms whose state was cleared after the last peer left",
	})

	registry.MustRegister(
		intentsTotal,
		broadcastsTotal,
		deliveryFailures,
		storeErrorsTotal,
		activeRooms,
		connectedPeers,
		roomTeardownTotal,
	)

	return &Metrics{
		registry:          registry,
		intentsTotal:      intentsTotal,
		broadcastsTotal:   broadcastsTotal,
		deliveryFailures:  deliveryFailures,
		storeErrorsTotal:  storeErrorsTotal,
		activeRooms:       activeRooms,
		connectedPeers:    connectedPeers,
		roomTeardownTotal: roomTeardownTotal,
	}
}

// ObserveIntent counts one arbitrated intent.
func (m *Metrics) ObserveIntent(kind, verdict string) {
	if m == nil {
		return
	}
	m.intentsTotal.WithLabelValues(kind, verdict).Inc()
}

func (m *Metrics) IncBroadcasts() {
	if m == nil {
		return
	}
	m.broadcastsTotal.Inc()
}

func (m *Metrics) AddDeliveryFailures(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deliveryFailures.Add(float64(n))
}

func (m *Metrics) IncStoreErrors(op string) {
	if m == nil {
		return
	}
	m.storeErrorsTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) IncTeardowns() {
	if m == nil {
		return
	}
	m.roomTeardownTotal.Inc()
}

func (m *Metrics) AddRooms(delta int) {
	if m == nil {
		return
	}
	m.activeRooms.Add(float64(delta))
}

func (m *Metrics) AddPeers(delta int) {
	if m == nil {
		return
	}
	m.connectedPeers.Add(float64(delta))
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves the collected metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
