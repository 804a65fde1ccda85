package mmrworker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics
var (
	mmrJobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "albion_mmr_jobs_completed_total",
		Help: "Total number of MMR calculation jobs completed",
	})

	mmrJobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "albion_mmr_jobs_failed_total",
		Help: "Total number of MMR calculation jobs terminally failed",
	})

	mmrFallbacksApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "albion_mmr_fallbacks_applied_total",
		Help: "Total number of symbolic fallback rating changes applied",
	})

	mmrDeltaMagnitude = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "albion_mmr_delta_magnitude",
		Help:    "Absolute rating delta applied per retained guild",
		Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32, 40},
	})
)
