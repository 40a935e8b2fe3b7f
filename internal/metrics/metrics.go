// Package metrics holds the fixed set of Prometheus collectors the core
// updates in place. Purely observational: nothing in here drives game logic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blastio_active_connections",
		Help: "Number of live WebSocket connections",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blastio_active_rooms",
		Help: "Number of rooms in the room registry",
	})

	ActiveMatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blastio_active_matches",
		Help: "Number of matches currently owned by the matchmaker",
	})

	QueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blastio_matchmaking_queue_size",
		Help: "Players waiting in the matchmaking queue",
	})

	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blastio_messages_received_total",
		Help: "Inbound messages by type",
	}, []string{"type"})

	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blastio_messages_sent_total",
		Help: "Outbound messages by type",
	}, []string{"type"})

	UnknownMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blastio_unknown_messages_total",
		Help: "Inbound messages with no registered handler",
	})

	InvalidEnvelopes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blastio_invalid_envelopes_total",
		Help: "Inbound frames that failed envelope parsing",
	})

	SendQueueDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blastio_send_queue_drops_total",
		Help: "Outbound messages dropped because a client send queue was full",
	})

	SnapshotsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blastio_snapshots_dropped_total",
		Help: "Engine snapshots dropped because the broadcast channel was full",
	})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blastio_cache_hits_total",
		Help: "Cache reads that found a record",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blastio_cache_misses_total",
		Help: "Cache reads that found nothing",
	})

	CacheOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "blastio_cache_op_duration_seconds",
		Help:    "Latency of cache operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "blastio_handler_duration_seconds",
		Help:    "Latency of WebSocket message handlers",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler"})

	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blastio_auth_attempts_total",
		Help: "Connection auth outcomes",
	}, []string{"outcome"})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "blastio_tick_duration_seconds",
		Help:    "Time spent inside a single simulation tick",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .02, .0333, .05, .1},
	})

	MatchesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blastio_matches_completed_total",
		Help: "Matches that reached the Finished phase",
	})

	PersistenceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blastio_persistence_failures_total",
		Help: "Best-effort result writes that failed",
	})
)
