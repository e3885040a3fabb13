package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transferq",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "transferq",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.3, 1, 3},
	}, []string{"method", "path"})

	ItemsByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "transferq",
		Name:      "items",
		Help:      "Number of transfer items by status.",
	}, []string{"status"})

	ConcurrencyLimit = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "transferq",
		Name:      "concurrency_limit",
		Help:      "Current number of transfers allowed to run at once.",
	})

	AdmissionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "transferq",
		Name:      "admissions_total",
		Help:      "Total number of transfer attempts admitted.",
	})

	AttemptFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transferq",
		Name:      "attempt_failures_total",
		Help:      "Total number of failed transfer attempts by reason.",
	}, []string{"reason"})

	StallsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "transferq",
		Name:      "stalls_total",
		Help:      "Total number of active transfers marked stalled.",
	})

	ChunkReassignmentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "transferq",
		Name:      "chunk_reassignments_total",
		Help:      "Total number of chunks moved to another source.",
	})

	EndgameRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "transferq",
		Name:      "endgame_requests_total",
		Help:      "Total number of duplicate chunk requests issued during endgame.",
	})

	BytesTransferredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "transferq",
		Name:      "bytes_transferred_total",
		Help:      "Total bytes observed moving across all transfers.",
	})

	ThroughputEstimateMBps = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "transferq",
		Name:      "throughput_estimate_mbps",
		Help:      "Smoothed per-transfer throughput estimate in MB/s.",
	})

	SourcesRegistered = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "transferq",
		Name:      "sources_registered",
		Help:      "Number of sources currently registered.",
	})

	SourcesEvictedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "transferq",
		Name:      "sources_evicted_total",
		Help:      "Total number of sources evicted for staleness or repeated failures.",
	})

	CheckpointsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transferq",
		Name:      "checkpoints_total",
		Help:      "Total number of state checkpoints by result.",
	}, []string{"result"})

	WSClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "transferq",
		Name:      "ws_clients",
		Help:      "Number of connected websocket clients.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ItemsByStatus,
		ConcurrencyLimit,
		AdmissionsTotal,
		AttemptFailuresTotal,
		StallsTotal,
		ChunkReassignmentsTotal,
		EndgameRequestsTotal,
		BytesTransferredTotal,
		ThroughputEstimateMBps,
		SourcesRegistered,
		SourcesEvictedTotal,
		CheckpointsTotal,
		WSClients,
	)
}
