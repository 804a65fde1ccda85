package kills

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics
var (
	killEventsUpserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "albion_kill_events_upserted_total",
		Help: "Total number of kill events upserted",
	})

	killsJobsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "albion_kills_jobs_processed_total",
		Help: "Total number of kills-fetch jobs processed successfully",
	})
)
