// Package telemetry provides OpenTelemetry instrumentation for autotag.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/autotag/internal/config"
)

// Provider wraps OTEL tracer and meter providers.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	registry       *promclient.Registry

	// Metrics
	runs           metric.Int64Counter
	runDuration    metric.Float64Histogram
	discovered     metric.Int64Counter
	outcomes       metric.Int64Counter
	lookupFailures metric.Int64Counter
}

// Option customizes a Provider.
type Option func(*providerOptions)

type providerOptions struct {
	readers []sdkmetric.Reader
}

// WithReader attaches an extra metric reader, used by tests to collect
// metrics in memory.
func WithReader(r sdkmetric.Reader) Option {
	return func(o *providerOptions) {
		o.readers = append(o.readers, r)
	}
}

// NewProvider creates a new telemetry provider.
func NewProvider(ctx context.Context, cfg config.OTELConfig, opts ...Option) (*Provider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	var o providerOptions
	for _, opt := range opts {
		opt(&o)
	}

	p := &Provider{}

	if err := p.setupTracing(ctx, cfg, res); err != nil {
		return nil, err
	}

	if err := p.setupMetrics(ctx, cfg, res, o.readers); err != nil {
		if p.tracerProvider != nil {
			_ = p.tracerProvider.Shutdown(ctx)
		}
		return nil, err
	}

	if err := p.initMetrics(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Provider) setupTracing(ctx context.Context, cfg config.OTELConfig, res *resource.Resource) error {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}

	if cfg.Traces.Enabled && cfg.Endpoint != "" {
		exp, err := createTraceExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create trace exporter: %w", err)
		}
		sampler := sdktrace.TraceIDRatioBased(cfg.Traces.SampleRate)
		opts = append(opts, sdktrace.WithBatcher(exp), sdktrace.WithSampler(sampler))
	}

	p.tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(p.tracerProvider)
	p.tracer = p.tracerProvider.Tracer("autotag")

	return nil
}

func (p *Provider) setupMetrics(ctx context.Context, cfg config.OTELConfig, res *resource.Resource, extra []sdkmetric.Reader) error {
	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
	}

	if cfg.Metrics.Prometheus {
		p.registry = promclient.NewRegistry()
		exp, err := otelprom.New(otelprom.WithRegisterer(p.registry))
		if err != nil {
			return fmt.Errorf("create prometheus exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(exp))
	}

	if cfg.Metrics.Enabled && cfg.Endpoint != "" {
		exp, err := createMetricExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
	}

	for _, r := range extra {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	p.meterProvider = sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(p.meterProvider)
	p.meter = p.meterProvider.Meter("autotag")

	return nil
}

func createTraceExporter(ctx context.Context, cfg config.OTELConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

func createMetricExporter(ctx context.Context, cfg config.OTELConfig) (sdkmetric.Exporter, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return otlpmetricgrpc.New(ctx, opts...)
}

func (p *Provider) initMetrics() error {
	var err error

	p.runs, err = p.meter.Int64Counter(
		"autotag_runs_total",
		metric.WithDescription("Tagging runs by final status"),
	)
	if err != nil {
		return fmt.Errorf("create runs: %w", err)
	}

	p.runDuration, err = p.meter.Float64Histogram(
		"autotag_run_duration_seconds",
		metric.WithDescription("Duration of tagging runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create run_duration: %w", err)
	}

	p.discovered, err = p.meter.Int64Counter(
		"autotag_resources_discovered_total",
		metric.WithDescription("Resources discovered without the marker tag"),
	)
	if err != nil {
		return fmt.Errorf("create discovered: %w", err)
	}

	p.outcomes, err = p.meter.Int64Counter(
		"autotag_resources_total",
		metric.WithDescription("Processed resources by outcome"),
	)
	if err != nil {
		return fmt.Errorf("create outcomes: %w", err)
	}

	p.lookupFailures, err = p.meter.Int64Counter(
		"autotag_lookup_failures_total",
		metric.WithDescription("External lookups that failed and were degraded"),
	)
	if err != nil {
		return fmt.Errorf("create lookup_failures: %w", err)
	}

	return nil
}

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Meter returns the meter.
func (p *Provider) Meter() metric.Meter {
	return p.meter
}

// StartSpan starts a new span.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name)
}

// Handler serves the Prometheus registry. It returns nil when the
// Prometheus exporter is disabled.
func (p *Provider) Handler() http.Handler {
	if p.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// RecordRun records a finished run.
func (p *Provider) RecordRun(ctx context.Context, status string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	p.runs.Add(ctx, 1, attrs)
	p.runDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordDiscovered records the number of untagged resources found for a type.
func (p *Provider) RecordDiscovered(ctx context.Context, resourceType string, count int) {
	p.discovered.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("resource_type", resourceType),
	))
}

// RecordOutcome records the outcome of one resource.
func (p *Provider) RecordOutcome(ctx context.Context, resourceType, outcome string) {
	p.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource_type", resourceType),
		attribute.String("outcome", outcome),
	))
}

// RecordLookupFailure records a degraded lookup against source.
func (p *Provider) RecordLookupFailure(ctx context.Context, source string) {
	p.lookupFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
	))
}

// Shutdown flushes and shuts down the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown tracer: %w", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown meter: %w", err)
		}
	}
	return nil
}
