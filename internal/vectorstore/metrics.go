package vectorstore

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fyrsmithlabs/ragd/internal/ragerr"
)

var (
	// OperationDuration tracks store call latency.
	// Labels: store (chromem, qdrant), operation
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ragd",
			Subsystem: "vectorstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of vector store operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"store", "operation"},
	)

	// OperationErrors counts failed store calls.
	// Labels: store, operation
	OperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "vectorstore",
			Name:      "operation_errors_total",
			Help:      "Total number of failed vector store operations",
		},
		[]string{"store", "operation"},
	)

	// RowsRejected counts records not written by UpsertChunks.
	// Labels: reason (dimension, vector, metadata, write)
	RowsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "vectorstore",
			Name:      "rows_rejected_total",
			Help:      "Total number of chunk rows rejected on upsert",
		},
		[]string{"reason"},
	)

	// RowsStored counts records written by UpsertChunks.
	RowsStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "vectorstore",
			Name:      "rows_stored_total",
			Help:      "Total number of chunk rows written",
		},
	)
)

// observe records one store call.
func observe(store, operation string, start time.Time, err error) {
	OperationDuration.WithLabelValues(store, operation).Observe(time.Since(start).Seconds())
	if err != nil {
		OperationErrors.WithLabelValues(store, operation).Inc()
	}
}

// recordUpsert records row outcomes of one UpsertChunks call.
func recordUpsert(res *UpsertResult) {
	if res == nil {
		return
	}
	RowsStored.Add(float64(res.Stored()))
	for _, f := range res.Failed {
		RowsRejected.WithLabelValues(rejectReason(f.Err)).Inc()
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ragerr.ErrDimensionMismatch):
		return "dimension"
	case errors.Is(err, ErrInvalidVector):
		return "vector"
	case errors.Is(err, ErrMissingMetadata):
		return "metadata"
	default:
		return "write"
	}
}
