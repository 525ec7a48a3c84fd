// Package metrics declares the Prometheus collectors shared by the server and edge binaries.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ingestion results used as the "result" label
const (
	ResultSuccess   = "success"
	ResultDuplicate = "duplicate"
	ResultTransient = "transient"
	ResultRejected  = "rejected"
)

// Server side
var (
	// IngestTotal counts envelopes processed by the ingestion server.
	IngestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lpr_ingest_total",
		Help: "Envelopes processed by the ingestion server by table and result",
	}, []string{"table", "result"})

	// IngestDuration measures time spent handling one envelope.
	IngestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lpr_ingest_duration_seconds",
		Help:    "Time to ingest one envelope",
		Buckets: prometheus.DefBuckets,
	}, []string{"table"})

	// BlacklistHits counts detections that matched an active blacklist entry.
	BlacklistHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lpr_blacklist_hits_total",
		Help: "Detections that matched an active blacklist entry",
	})

	// CameraWorkers is the number of running per-camera ingestion workers.
	CameraWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lpr_camera_workers",
		Help: "Running per-camera ingestion workers",
	})

	// WorkerPanics counts recovered panics inside camera workers.
	WorkerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lpr_worker_panics_total",
		Help: "Recovered panics inside camera workers",
	})

	// NotifyClients is the number of connected WebSocket subscribers.
	NotifyClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lpr_notify_clients",
		Help: "Connected WebSocket notification subscribers",
	})

	// NotifyDropped counts notifications dropped for slow subscribers.
	NotifyDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lpr_notify_dropped_total",
		Help: "Notifications dropped because a subscriber was too slow",
	})
)

// Edge side
var (
	// OutboxEntries is the current number of outbox entries per state.
	OutboxEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lpr_outbox_entries",
		Help: "Outbox entries by delivery state",
	}, []string{"state"})

	// DeliveryAttempts counts delivery attempts by result.
	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lpr_delivery_attempts_total",
		Help: "Delivery attempts by result",
	}, []string{"result"})

	// DeliveryLatency measures request to acknowledgement time.
	DeliveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lpr_delivery_latency_seconds",
		Help:    "Time from request to acknowledgement",
		Buckets: prometheus.DefBuckets,
	})

	// DeliveryConnected is 1 while the agent holds a server connection.
	DeliveryConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lpr_delivery_connected",
		Help: "1 while the delivery agent is connected to the server",
	})
)

// Handler exposes the default registry for gin
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
