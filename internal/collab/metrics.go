package collab

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricOpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "weave",
		Subsystem: "collab",
		Name:      "open_connections",
		Help:      "Currently open websocket connections.",
	})

	metricResidentSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "weave",
		Subsystem: "collab",
		Name:      "resident_sessions",
		Help:      "Document sessions currently held in the registry.",
	})

	metricUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "weave",
		Subsystem: "collab",
		Name:      "updates_total",
		Help:      "Sync updates processed, by result.",
	}, []string{"result"})

	metricJoinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "weave",
		Subsystem: "collab",
		Name:      "joins_total",
		Help:      "Document join attempts, by result.",
	}, []string{"result"})

	metricBroadcastDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "weave",
		Subsystem: "collab",
		Name:      "broadcast_drops_total",
		Help:      "Broadcast envelopes dropped due to member backpressure.",
	})

	metricSessionsEvictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "weave",
		Subsystem: "collab",
		Name:      "sessions_evicted_total",
		Help:      "Zero-member sessions reclaimed by the TTL sweep.",
	})
)
