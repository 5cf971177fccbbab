package search

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "search",
			Name:      "requests_total",
			Help:      "Search requests by outcome",
		},
		[]string{"outcome"},
	)

	latency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ragd",
			Subsystem: "search",
			Name:      "duration_seconds",
			Help:      "Search latency including query embedding",
			Buckets:   prometheus.DefBuckets,
		},
	)

	droppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "search",
			Name:      "dropped_candidates_total",
			Help:      "Candidates removed by post-processing (filtered, deduplicated)",
		},
		[]string{"reason"},
	)
)

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
