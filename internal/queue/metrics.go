package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics
var (
	jobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "albion_queue_jobs_enqueued_total",
		Help: "Total number of jobs enqueued, by logical queue",
	}, []string{"queue"})

	jobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "albion_queue_jobs_completed_total",
		Help: "Total number of jobs completed, by logical queue",
	}, []string{"queue"})

	jobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "albion_queue_jobs_failed_total",
		Help: "Total number of terminally failed jobs, by logical queue",
	}, []string{"queue"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "albion_queue_depth",
		Help: "Current job count by logical queue and state",
	}, []string{"queue", "state"})

	cleanupRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "albion_queue_cleanup_removed_total",
		Help: "Total number of terminal jobs removed by the cleanup supervisor",
	}, []string{"queue"})
)
