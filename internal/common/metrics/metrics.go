// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "worker_job_duration_seconds",
			Help: "Duration of job processing in seconds",
		},
		[]string{"task_type"},
	)

	// CacheRequests counts score cache lookups by category (score, batch,
	// profile, buffer, marker) and result (hit, miss, error).
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "match_cache_requests_total",
			Help: "Score cache lookups by category and result",
		},
		[]string{"category", "result"},
	)

	CacheWriteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "match_cache_write_errors_total",
			Help: "Score cache writes that failed and were dropped",
		},
		[]string{"category"},
	)

	BufferRefills = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "match_buffer_refills_total",
			Help: "Buffer refills by kind (initial, refill, prefetch) and result",
		},
		[]string{"kind", "result"},
	)

	BuffersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "match_buffers_active",
			Help: "Number of candidate buffers held in memory",
		},
	)

	DiscoveryRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "match_discovery_requests_total",
			Help: "Discovery requests by served source (cache, miss, empty)",
		},
		[]string{"source"},
	)

	RerankFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "match_rerank_fallbacks_total",
			Help: "Re-rank calls that fell back to local ordering",
		},
	)

	PrecomputeJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "match_precompute_jobs",
			Help: "Precomputation jobs currently tracked, by status",
		},
		[]string{"status"},
	)
)
