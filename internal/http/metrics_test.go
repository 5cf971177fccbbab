package http

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/ragd/internal/telemetry"
)

func TestMetricsMiddleware(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	tel.Install(t)

	svc := newFakeService()
	seedCollection(t, svc, alice, "col-123")
	s, _ := setupTestServer(t, svc)

	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/v1/collections/col-123", alice, nil).Code)
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/v1/collections/missing", alice, nil).Code)

	rm, err := tel.Collect(context.Background())
	require.NoError(t, err)
	assert.Subset(t, telemetry.MetricNames(rm), []string{
		"ragd.http.requests_total",
		"ragd.http.request_duration_seconds",
		"ragd.http.response_size_bytes",
		"ragd.http.active_requests",
	})

	statuses := map[int64]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "ragd.http.requests_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				endpoint, _ := dp.Attributes.Value(attribute.Key("endpoint"))
				assert.Equal(t, "/api/v1/collections/:id", endpoint.AsString(), "endpoint is the route template")
				status, _ := dp.Attributes.Value(attribute.Key("status"))
				statuses[status.AsInt64()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[int64]int64{http.StatusOK: 1, http.StatusNotFound: 1}, statuses)
}

func TestNewHTTPMetrics_NilLogger(t *testing.T) {
	m := NewHTTPMetrics(nil)
	require.NotNil(t, m)
	assert.NotNil(t, m.requestsTotal)
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "unmatched", routeLabel(""))
	assert.Equal(t, "/health", routeLabel("/health"))
}
