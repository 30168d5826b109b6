package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the relay's Prometheus instruments.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	Admissions        *prometheus.CounterVec
	Deliveries        *prometheus.CounterVec
	FanoutDuration    prometheus.Histogram
	BridgeEvents      *prometheus.CounterVec
	PresenceChanges   *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_connections",
			Help: "Number of live websocket connections on this process",
		}),
		Admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_admissions_total",
			Help: "Connection admission attempts by result",
		}, []string{"result"}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Per-connection delivery attempts by result",
		}, []string{"result"}),
		FanoutDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_fanout_duration_seconds",
			Help:    "Time spent fanning out one event to local recipients",
			Buckets: prometheus.DefBuckets,
		}),
		BridgeEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_bridge_events_total",
			Help: "Bridge envelopes by direction (published, consumed, self_dropped, publish_failed)",
		}, []string{"direction"}),
		PresenceChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_presence_transitions_total",
			Help: "Presence state transitions by target state",
		}, []string{"state"}),
	}
}
