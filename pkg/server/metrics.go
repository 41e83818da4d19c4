package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the sync core.
type Metrics struct {
	ActiveRooms       prometheus.Gauge
	ActiveConnections prometheus.Gauge
	UpdatesApplied    prometheus.Counter
	UpdatesRejected   prometheus.Counter
	Broadcasts        prometheus.Counter
	ProtocolErrors    prometheus.Counter
	Saves             *prometheus.CounterVec // label: status (ok, error)
	ApplyDuration     prometheus.Histogram
}

// NewMetrics registers the coedit instruments with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveRooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "coedit",
			Name:      "active_rooms",
			Help:      "Number of rooms currently in the registry",
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "coedit",
			Name:      "active_connections",
			Help:      "Number of live collaboration connections",
		}),
		UpdatesApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coedit",
			Name:      "updates_applied_total",
			Help:      "CRDT updates merged into room documents",
		}),
		UpdatesRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coedit",
			Name:      "updates_rejected_total",
			Help:      "CRDT updates the engine refused to merge",
		}),
		Broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coedit",
			Name:      "broadcasts_total",
			Help:      "Frames relayed to room peers",
		}),
		ProtocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coedit",
			Name:      "protocol_errors_total",
			Help:      "Malformed or oversized frames dropped",
		}),
		Saves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coedit",
			Name:      "room_saves_total",
			Help:      "Room snapshot persistence attempts",
		}, []string{"status"}),
		ApplyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coedit",
			Name:      "update_apply_duration_seconds",
			Help:      "Time spent merging one update",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
