package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// QuotesIngested counts accepted quotes by venue
var QuotesIngested = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "liquidityflow_quotes_ingested_total",
		Help: "Total number of quotes accepted into the hub cache",
	},
	[]string{"venue"},
)

// QuotesDropped counts quotes rejected before caching, by venue and reason
var QuotesDropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "liquidityflow_quotes_dropped_total",
		Help: "Total number of quotes dropped during ingestion",
	},
	[]string{"venue", "reason"},
)

// AnomaliesDetected counts anomaly flags attached to accepted quotes
var AnomaliesDetected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "liquidityflow_anomalies_detected_total",
		Help: "Total number of quote anomalies detected",
	},
	[]string{"kind"},
)

// Persistence throttle outcomes
var (
	PersistWrites = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "liquidityflow_persist_writes_total",
			Help: "Quote writes handed to the durable store",
		},
	)

	PersistSkips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "liquidityflow_persist_skips_total",
			Help: "Quote writes skipped by the persistence throttle",
		},
	)
)

// Subscriber fan-out metrics
var (
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "liquidityflow_ws_active_connections",
			Help: "Current number of subscriber connections",
		},
	)

	BroadcastsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liquidityflow_ws_broadcasts_total",
			Help: "Broadcast frames delivered, by topic",
		},
		[]string{"topic"},
	)

	BroadcastFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "liquidityflow_ws_broadcast_failures_total",
			Help: "Per-connection send failures during broadcast",
		},
	)
)

// Venue connection state
var VenueConnected = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "liquidityflow_venue_connected",
		Help: "Whether the venue stream is connected (1) or not (0)",
	},
	[]string{"venue"},
)

// AdvisorLatency records latency distribution for recommendation requests
var AdvisorLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "liquidityflow_advisor_latency_seconds",
		Help:    "Latency in seconds to produce a routing recommendation",
		Buckets: prometheus.DefBuckets,
	},
)

func init() {
	prometheus.MustRegister(QuotesIngested, QuotesDropped, AnomaliesDetected)
	prometheus.MustRegister(PersistWrites, PersistSkips)
	prometheus.MustRegister(ActiveConnections, BroadcastsSent, BroadcastFailures)
	prometheus.MustRegister(VenueConnected, AdvisorLatency)
}
