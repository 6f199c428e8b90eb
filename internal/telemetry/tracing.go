package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/escarabajo/pkg/types"
)

// StartSourceSpan starts a span for processing one source. Uses the global
// tracer provider.
func StartSourceSpan(ctx context.Context, source string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, "escarabajo.source",
		trace.WithAttributes(attribute.String("source", source)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartBatchSpan starts a span for a batch operation
func StartBatchSpan(ctx context.Context, operation, runID string, size int) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, "escarabajo.batch",
		trace.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("run.id", runID),
			attribute.Int("sources", size),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSourceSpan records the outcome on span and ends it
func EndSourceSpan(span trace.Span, outcome types.Outcome) {
	span.SetAttributes(attribute.String("status", string(outcome.Status)))
	if outcome.Status == types.StatusError {
		if outcome.Err != nil {
			span.RecordError(outcome.Err)
		}
		span.SetStatus(codes.Error, outcome.Reason)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// EndSpanWithError ends span, marking it failed when err is non-nil
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
