package crawler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics
var (
	crawlsRun = promauto.NewCounter(prometheus.CounterOpts{
		Name: "albion_crawler_crawls_total",
		Help: "Total number of crawl invocations",
	})

	battlesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "albion_crawler_battles_ingested_total",
		Help: "Total number of battles upserted by the crawler",
	})

	watermarkLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "albion_crawler_watermark_lag_seconds",
		Help: "Age of the crawler watermark relative to wall clock",
	})

	slowdownsEntered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "albion_crawler_slowdowns_total",
		Help: "Total number of rate-limit slowdown periods entered",
	})
)
