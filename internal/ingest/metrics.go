package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	filesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "ingest",
			Name:      "files_total",
			Help:      "Ingested files by outcome (done, partial, failed)",
		},
		[]string{"outcome"},
	)

	chunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "ingest",
			Name:      "chunks_total",
			Help:      "Chunks by outcome (stored, failed)",
		},
		[]string{"outcome"},
	)

	duration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ragd",
			Subsystem: "ingest",
			Name:      "duration_seconds",
			Help:      "End-to-end ingestion duration per file",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	secretsRedacted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "ingest",
			Name:      "secrets_redacted_total",
			Help:      "Secrets redacted from chunk text before embedding",
		},
	)
)

func recordResult(res *Result, seconds float64) {
	duration.Observe(seconds)
	switch {
	case res.Failed:
		filesTotal.WithLabelValues("failed").Inc()
	case len(res.FailedChunks) > 0:
		filesTotal.WithLabelValues("partial").Inc()
	default:
		filesTotal.WithLabelValues("done").Inc()
	}
	chunksTotal.WithLabelValues("stored").Add(float64(res.AddedChunks))
	chunksTotal.WithLabelValues("failed").Add(float64(len(res.FailedChunks)))
	secretsRedacted.Add(float64(res.SecretsRedacted))
}
