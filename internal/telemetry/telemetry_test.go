package telemetry

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yairfalse/autotag/internal/config"
)

func disabledConfig() config.OTELConfig {
	return config.OTELConfig{
		ServiceName: "test-autotag",
		Traces:      config.TracesConfig{Enabled: false},
		Metrics:     config.MetricsConfig{Enabled: false},
	}
}

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(context.Background(), disabledConfig())
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())
	assert.Nil(t, p.Handler())

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_WithEndpoint(t *testing.T) {
	cfg := config.OTELConfig{
		Endpoint:    "localhost:4317",
		Insecure:    true,
		ServiceName: "test-autotag",
		Traces:      config.TracesConfig{Enabled: true, SampleRate: 1.0},
		Metrics:     config.MetricsConfig{Enabled: true},
	}

	// Provider setup should succeed even without a real collector
	p, err := NewProvider(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// no collector is running, so shutdown may fail
	_ = p.Shutdown(ctx)
}

func TestProvider_StartSpan(t *testing.T) {
	p, err := NewProvider(context.Background(), disabledConfig())
	require.NoError(t, err)

	ctx, span := p.StartSpan(context.Background(), "test-operation")
	require.NotNil(t, ctx)
	require.NotNil(t, span)

	span.End()
	_ = p.Shutdown(context.Background())
}

func TestProvider_RecordMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := NewProvider(context.Background(), disabledConfig(), WithReader(reader))
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	ctx := context.Background()
	p.RecordRun(ctx, "ok", 2*time.Second)
	p.RecordDiscovered(ctx, "ec2:instance", 3)
	p.RecordOutcome(ctx, "ec2:instance", "tagged")
	p.RecordOutcome(ctx, "ec2:instance", "tagged")
	p.RecordOutcome(ctx, "ec2:instance", "unmatched")
	p.RecordLookupFailure(ctx, "cloudtrail")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	sums := map[string]map[attribute.Distinct]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			data, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			sums[m.Name] = map[attribute.Distinct]int64{}
			for _, dp := range data.DataPoints {
				sums[m.Name][dp.Attributes.Equivalent()] = dp.Value
			}
		}
	}

	tagged := attribute.NewSet(
		attribute.String("outcome", "tagged"),
		attribute.String("resource_type", "ec2:instance"),
	)
	assert.Equal(t, int64(2), sums["autotag_resources_total"][tagged.Equivalent()])

	discovered := attribute.NewSet(attribute.String("resource_type", "ec2:instance"))
	assert.Equal(t, int64(3), sums["autotag_resources_discovered_total"][discovered.Equivalent()])

	runs := attribute.NewSet(attribute.String("status", "ok"))
	assert.Equal(t, int64(1), sums["autotag_runs_total"][runs.Equivalent()])

	failures := attribute.NewSet(attribute.String("source", "cloudtrail"))
	assert.Equal(t, int64(1), sums["autotag_lookup_failures_total"][failures.Equivalent()])
}

func TestProvider_PrometheusHandler(t *testing.T) {
	cfg := disabledConfig()
	cfg.Metrics.Prometheus = true

	p, err := NewProvider(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	p.RecordOutcome(context.Background(), "s3:bucket", "tagged")

	h := p.Handler()
	require.NotNil(t, h)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "autotag_resources_total")
}
