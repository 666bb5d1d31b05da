// Package metrics exposes relay and transport counters on a private
// Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nearlink"

// Drop reasons
const (
	ReasonMalformed = "malformed"
	ReasonDuplicate = "duplicate"
)

// Metrics holds every collector of one node
type Metrics struct {
	registry *prometheus.Registry

	relayed   *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	distance  prometheus.Histogram
	bytesIn   *prometheus.CounterVec
	bytesOut  *prometheus.CounterVec
	peers     *prometheus.GaugeVec
	sendFails *prometheus.CounterVec
}

// New builds the collectors and registers them on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_relayed_total",
			Help:      "Distinct messages delivered to the local listener.",
		}, []string{"transport"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames discarded before delivery.",
		}, []string{"transport", "reason"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_latency_seconds",
			Help:      "Time between a message being sent and first received.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"transport"}),
		distance: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_distance_meters",
			Help:      "Distance between sender and receiver positions.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		bytesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Raw bytes read from transport connections.",
		}, []string{"transport"}),
		bytesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Raw bytes written to transport connections.",
		}, []string{"transport"}),
		peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_peers",
			Help:      "Currently connected peers per transport.",
		}, []string{"transport"}),
		sendFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Writes that failed and pruned a peer.",
		}, []string{"transport"}),
	}

	m.registry.MustRegister(
		m.relayed, m.dropped, m.latency, m.distance,
		m.bytesIn, m.bytesOut, m.peers, m.sendFails,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the private registry (for tests and custom exporters)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Relayed counts a delivered message and observes its latency and distance
func (m *Metrics) Relayed(transport string, latency time.Duration, hasLatency bool, distance float64, hasDistance bool) {
	if m == nil {
		return
	}
	m.relayed.WithLabelValues(transport).Inc()
	if hasLatency {
		m.latency.WithLabelValues(transport).Observe(latency.Seconds())
	}
	if hasDistance {
		m.distance.Observe(distance)
	}
}

// Dropped counts a discarded frame
func (m *Metrics) Dropped(transport, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(transport, reason).Inc()
}

// BytesIn counts bytes read from a connection
func (m *Metrics) BytesIn(transport string, n int) {
	if m == nil {
		return
	}
	m.bytesIn.WithLabelValues(transport).Add(float64(n))
}

// BytesOut counts bytes written to a connection
func (m *Metrics) BytesOut(transport string, n int) {
	if m == nil {
		return
	}
	m.bytesOut.WithLabelValues(transport).Add(float64(n))
}

// SendFailed counts a failed write
func (m *Metrics) SendFailed(transport string) {
	if m == nil {
		return
	}
	m.sendFails.WithLabelValues(transport).Inc()
}

// SetPeers records the connected peer count of a transport
func (m *Metrics) SetPeers(transport string, n int) {
	if m == nil {
		return
	}
	m.peers.WithLabelValues(transport).Set(float64(n))
}
