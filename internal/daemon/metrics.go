package daemon

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DaemonMetrics holds scheduler metrics using OTEL semantic conventions
type DaemonMetrics struct {
	scheduledRuns metric.Int64Counter
	runDuration   metric.Float64Histogram
	skippedRuns   metric.Int64Counter
}

// NewDaemonMetrics creates daemon metrics on the global meter provider
func NewDaemonMetrics() (*DaemonMetrics, error) {
	return newDaemonMetrics(otel.Meter("autotag.daemon"))
}

func newDaemonMetrics(meter metric.Meter) (*DaemonMetrics, error) {
	scheduledRuns, err := meter.Int64Counter(
		"autotag.daemon.runs",
		metric.WithDescription("Number of runs started by the scheduler"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"autotag.daemon.run.duration",
		metric.WithDescription("Duration of scheduled runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	skippedRuns, err := meter.Int64Counter(
		"autotag.daemon.runs.skipped",
		metric.WithDescription("Runs skipped because the previous run was still in progress"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		scheduledRuns: scheduledRuns,
		runDuration:   runDuration,
		skippedRuns:   skippedRuns,
	}, nil
}

// RecordScheduledRun records a finished run with its trigger and status
func (m *DaemonMetrics) RecordScheduledRun(ctx context.Context, trigger, status string, d time.Duration) {
	m.scheduledRuns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("trigger", trigger),
			attribute.String("status", status),
		),
	)
	m.runDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("status", status),
		),
	)
}

// RecordSkipped records a run skipped because of overlap
func (m *DaemonMetrics) RecordSkipped(ctx context.Context, trigger string) {
	m.skippedRuns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("trigger", trigger),
		),
	)
}
