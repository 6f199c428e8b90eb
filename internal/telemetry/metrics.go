package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dshills/escarabajo/pkg/types"
)

// instrumentationName scopes every meter and tracer of this module
const instrumentationName = "github.com/dshills/escarabajo"

// Recorder records sync engine metrics.
// Use NewRecorder for OTel metrics or NoopRecorder{} when disabled.
type Recorder interface {
	// RecordExtraction records one processed source
	RecordExtraction(ctx context.Context, format string, status types.Status, duration time.Duration)

	// RecordBatch records a completed batch operation
	RecordBatch(ctx context.Context, operation string, counts types.Counts, duration time.Duration)

	// RecordLockWait records how long a source lock was waited for
	RecordLockWait(ctx context.Context, wait time.Duration)
}

type otelRecorder struct {
	sources       metric.Int64Counter
	sourceLatency metric.Float64Histogram
	batches       metric.Int64Counter
	batchLatency  metric.Float64Histogram
	batchSources  metric.Int64Counter
	lockWait      metric.Float64Histogram
}

// NewRecorder creates an OTel recorder from mp. A nil mp uses the global
// meter provider.
func NewRecorder(mp metric.MeterProvider) (Recorder, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	sources, err := meter.Int64Counter("escarabajo.source.processed",
		metric.WithDescription("Number of sources processed"),
	)
	if err != nil {
		return nil, err
	}

	sourceLatency, err := meter.Float64Histogram("escarabajo.source.latency_ms",
		metric.WithDescription("Per-source processing latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	batches, err := meter.Int64Counter("escarabajo.batch.runs",
		metric.WithDescription("Number of batch operations"),
	)
	if err != nil {
		return nil, err
	}

	batchLatency, err := meter.Float64Histogram("escarabajo.batch.latency_ms",
		metric.WithDescription("Batch operation latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	batchSources, err := meter.Int64Counter("escarabajo.batch.sources",
		metric.WithDescription("Sources per batch by terminal status"),
	)
	if err != nil {
		return nil, err
	}

	lockWait, err := meter.Float64Histogram("escarabajo.lock.wait_ms",
		metric.WithDescription("Time spent waiting for source locks in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &otelRecorder{
		sources:       sources,
		sourceLatency: sourceLatency,
		batches:       batches,
		batchLatency:  batchLatency,
		batchSources:  batchSources,
		lockWait:      lockWait,
	}, nil
}

func (r *otelRecorder) RecordExtraction(ctx context.Context, format string, status types.Status, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("format", format),
		attribute.String("status", string(status)),
	)
	r.sources.Add(ctx, 1, attrs)
	r.sourceLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (r *otelRecorder) RecordBatch(ctx context.Context, operation string, counts types.Counts, duration time.Duration) {
	op := attribute.String("operation", operation)
	r.batches.Add(ctx, 1, metric.WithAttributes(op))
	r.batchLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(op))

	for status, n := range map[types.Status]int{
		types.StatusOK:      counts.OK,
		types.StatusSkipped: counts.Skipped,
		types.StatusError:   counts.Errors,
	} {
		if n == 0 {
			continue
		}
		r.batchSources.Add(ctx, int64(n), metric.WithAttributes(op, attribute.String("status", string(status))))
	}
}

func (r *otelRecorder) RecordLockWait(ctx context.Context, wait time.Duration) {
	r.lockWait.Record(ctx, float64(wait.Milliseconds()))
}

// NoopRecorder discards all metrics
type NoopRecorder struct{}

func (NoopRecorder) RecordExtraction(context.Context, string, types.Status, time.Duration) {}
func (NoopRecorder) RecordBatch(context.Context, string, types.Counts, time.Duration)      {}
func (NoopRecorder) RecordLockWait(context.Context, time.Duration)                         {}
