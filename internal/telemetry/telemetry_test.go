package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("test"))
	assert.Nil(t, tel.LoggerProvider(), "no OTel log bridge while disabled")
	assert.Equal(t, HealthStatus{Healthy: true}, tel.Health())
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Healthy)
}

func TestNew_InvalidConfig(t *testing.T) {
	tel, err := New(context.Background(), &Config{Enabled: true})
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestNew_EnabledBuildsProviders(t *testing.T) {
	prevTP, prevMP := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
	})

	for _, protocol := range []string{ProtocolGRPC, ProtocolHTTP} {
		t.Run(protocol, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.Enabled = true
			cfg.Protocol = protocol
			cfg.Shutdown.Timeout = 100 * time.Millisecond

			tel, err := New(context.Background(), cfg)
			require.NoError(t, err)
			assert.Equal(t, HealthStatus{Healthy: true}, tel.Health())
			assert.NotNil(t, tel.tracerProvider)
			assert.NotNil(t, tel.meterProvider)
			assert.NotNil(t, tel.LoggerProvider())

			// no collector is listening; shutdown may report export errors
			_ = tel.Shutdown(context.Background())
			assert.False(t, tel.Health().Healthy)
		})
	}
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry

	assert.NotNil(t, tel.Tracer("test"))
	assert.Nil(t, tel.LoggerProvider())
	assert.True(t, tel.Health().Degraded)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestTelemetry_Degraded(t *testing.T) {
	tel := &Telemetry{config: NewDefaultConfig()}
	tel.setDegraded("tracer provider: %s", "boom")

	h := tel.Health()
	assert.True(t, h.Healthy)
	assert.True(t, h.Degraded)
	assert.Equal(t, []string{"tracer provider: boom"}, h.Reasons)
}

func TestTestTelemetry_Spans(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	_, span := tt.Tracer("test").Start(ctx, "Store.Search")
	span.SetAttributes(
		attribute.String("collection", "docs"),
		attribute.Int("top_k", 30),
		attribute.Bool("filtered", true),
	)
	span.End()
	_, other := tt.Tracer("test").Start(ctx, "Store.Upsert")
	other.End()

	tt.AssertSpanExists(t, "Store.Search")
	tt.AssertSpanExists(t, "Store.Upsert")
	tt.AssertSpanAttribute(t, "Store.Search", "collection", "docs")
	tt.AssertSpanAttribute(t, "Store.Search", "top_k", int64(30))
	tt.AssertSpanAttribute(t, "Store.Search", "filtered", true)
	assert.Nil(t, tt.SpanByName("missing"))
	assert.Len(t, tt.Spans(), 2)
}

func TestTestTelemetry_Install(t *testing.T) {
	tt := NewTestTelemetry()
	tt.Install(t)

	_, span := otel.Tracer("global").Start(context.Background(), "via-global")
	span.End()
	tt.AssertSpanExists(t, "via-global")

	counter, err := otel.Meter("global").Int64Counter("ragd.test.requests")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	rm, err := tt.Collect(context.Background())
	require.NoError(t, err)
	assert.Contains(t, MetricNames(rm), "ragd.test.requests")
}
