// Package metric defines the Prometheus collectors shared by SyncStream
// components. Metrics are optional everywhere: a nil *Metrics disables
// recording without conditional wiring at call sites.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains delivery-layer metrics for routers and endpoints.
type Metrics struct {
	EntriesReceived    *prometheus.CounterVec
	EntriesProcessed   *prometheus.CounterVec
	EntriesFailed      *prometheus.CounterVec
	BroadcastsTotal    prometheus.Counter
	BroadcastFanout    prometheus.Histogram
	ProcessingDuration *prometheus.HistogramVec
	SessionsRegistered prometheus.Counter
}

// New creates the metrics set. Call Register to expose it.
func New() *Metrics {
	return &Metrics{
		EntriesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "syncstream",
				Subsystem: "entries",
				Name:      "received_total",
				Help:      "Entries delivered to a consumer",
			},
			[]string{"component"},
		),
		EntriesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "syncstream",
				Subsystem: "entries",
				Name:      "processed_total",
				Help:      "Entries processed and acknowledged",
			},
			[]string{"component"},
		),
		EntriesFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "syncstream",
				Subsystem: "entries",
				Name:      "failed_total",
				Help:      "Entries whose handler or processor failed (left pending)",
			},
			[]string{"component"},
		),
		BroadcastsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "syncstream",
				Subsystem: "router",
				Name:      "broadcasts_total",
				Help:      "Fan-out broadcasts performed",
			},
		),
		BroadcastFanout: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "syncstream",
				Subsystem: "router",
				Name:      "broadcast_fanout",
				Help:      "Endpoints reached per broadcast",
				Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
			},
		),
		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "syncstream",
				Subsystem: "entries",
				Name:      "processing_duration_seconds",
				Help:      "Time spent handling one entry",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"component", "status"},
		),
		SessionsRegistered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "syncstream",
				Subsystem: "router",
				Name:      "sessions_registered_total",
				Help:      "Session registration envelopes handled",
			},
		),
	}
}

// Register registers all collectors with the given registerer.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if m == nil {
		return nil
	}
	for _, c := range []prometheus.Collector{
		m.EntriesReceived,
		m.EntriesProcessed,
		m.EntriesFailed,
		m.BroadcastsTotal,
		m.BroadcastFanout,
		m.ProcessingDuration,
		m.SessionsRegistered,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Nil-safe recording helpers.

// Received counts entries delivered to a component.
func (m *Metrics) Received(component string, n int) {
	if m == nil {
		return
	}
	m.EntriesReceived.WithLabelValues(component).Add(float64(n))
}

// Processed counts an acknowledged entry and its handling duration.
func (m *Metrics) Processed(component string, d time.Duration) {
	if m == nil {
		return
	}
	m.EntriesProcessed.WithLabelValues(component).Inc()
	m.ProcessingDuration.WithLabelValues(component, "success").Observe(d.Seconds())
}

// Failed counts an entry left pending after a failure.
func (m *Metrics) Failed(component string, d time.Duration) {
	if m == nil {
		return
	}
	m.EntriesFailed.WithLabelValues(component).Inc()
	m.ProcessingDuration.WithLabelValues(component, "error").Observe(d.Seconds())
}

// Broadcast records one fan-out and how many endpoints it reached.
func (m *Metrics) Broadcast(fanout int) {
	if m == nil {
		return
	}
	m.BroadcastsTotal.Inc()
	m.BroadcastFanout.Observe(float64(fanout))
}

// SessionRegistered counts one handled registration.
func (m *Metrics) SessionRegistered() {
	if m == nil {
		return
	}
	m.SessionsRegistered.Inc()
}
