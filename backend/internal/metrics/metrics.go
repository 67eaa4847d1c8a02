package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OpsCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_ops_committed_total",
		Help: "Operations transformed, persisted and broadcast",
	})

	// reason: invalid, stale, persist, not_found
	OpsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_ops_rejected_total",
		Help: "Operations dropped before commit",
	}, []string{"reason"})

	CommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "collab_commit_duration_seconds",
		Help:    "Time spent inside a room's critical section per operation",
		Buckets: prometheus.DefBuckets,
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_sessions_active",
		Help: "Joined websocket sessions",
	})

	RoomsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_rooms_loaded",
		Help: "Rooms whose state is held in memory",
	})

	// 投递失败被移出房间的会话
	SessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_sessions_evicted_total",
		Help: "Sessions removed because delivery to them failed",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_kafka_events_dropped_total",
		Help: "Op events not delivered to kafka",
	})

	StoreBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_store_breaker_state",
		Help: "Room store circuit breaker state (0 closed, 1 half-open, 2 open)",
	})
)
