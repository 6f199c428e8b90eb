package telemetry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dshills/escarabajo/pkg/types"
)

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumTotal(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected Sum[int64], got %T", m.Data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestRecorder(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	rec, err := NewRecorder(provider)
	require.NoError(t, err)

	ctx := context.Background()
	rec.RecordExtraction(ctx, "docx", types.StatusOK, 20*time.Millisecond)
	rec.RecordExtraction(ctx, "pptx", types.StatusError, 5*time.Millisecond)
	rec.RecordBatch(ctx, "sync_all", types.Counts{Processed: 2, OK: 1, Errors: 1}, 30*time.Millisecond)
	rec.RecordLockWait(ctx, 3*time.Millisecond)

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(2), sumTotal(t, findMetric(rm, "escarabajo.source.processed")))
	assert.Equal(t, int64(1), sumTotal(t, findMetric(rm, "escarabajo.batch.runs")))
	assert.Equal(t, int64(2), sumTotal(t, findMetric(rm, "escarabajo.batch.sources")))

	latency := findMetric(rm, "escarabajo.source.latency_ms")
	require.NotNil(t, latency)
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count)

	assert.NotNil(t, findMetric(rm, "escarabajo.lock.wait_ms"))
}

func TestNoopRecorder(t *testing.T) {
	var rec Recorder = NoopRecorder{}
	assert.NotPanics(t, func() {
		rec.RecordExtraction(context.Background(), "pdf", types.StatusOK, time.Second)
		rec.RecordBatch(context.Background(), "x", types.Counts{}, time.Second)
		rec.RecordLockWait(context.Background(), time.Second)
	})
}

func setupTracing(t *testing.T) *tracetest.InMemoryExporter {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(original)
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestSourceSpan(t *testing.T) {
	exporter := setupTracing(t)

	_, span := StartSourceSpan(context.Background(), "docs/a.docx")
	EndSourceSpan(span, types.Outcome{Source: "docs/a.docx", Status: types.StatusOK})

	_, span = StartSourceSpan(context.Background(), "docs/b.pptx")
	EndSourceSpan(span, types.Outcome{
		Source: "docs/b.pptx",
		Status: types.StatusError,
		Reason: "corrupt",
		Err:    errors.New("corrupt"),
	})

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "escarabajo.source", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
	assert.Equal(t, "corrupt", spans[1].Status.Description)
	assert.Len(t, spans[1].Events, 1, "error recorded as event")
}

func TestBatchSpan(t *testing.T) {
	exporter := setupTracing(t)

	_, span := StartBatchSpan(context.Background(), "sync_all", "run-1", 3)
	EndSpanWithError(span, errors.New("ledger locked"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "escarabajo.batch", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
}

func TestNewLogger_Fallback(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := NewLogger(LogOptions{Level: "warn"}, t.TempDir(), &buf)
	defer closer.Close()

	logger.Info("hidden")
	logger.Warn("shown", slog.String("src", "a.docx"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "src=a.docx")
}

func TestNewLogger_RotatedFile(t *testing.T) {
	root := t.TempDir()
	var buf bytes.Buffer

	logger, closer := NewLogger(LogOptions{Level: "debug", File: ".escarabajo/logs/server.log", MaxSizeMB: 1}, root, &buf)
	logger.Debug("to file", slog.Int("n", 1))
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(root, ".escarabajo", "logs", "server.log"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "{"), "JSON records")
	assert.Contains(t, string(data), `"msg":"to file"`)
	assert.Empty(t, buf.String())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestEnrichLogger(t *testing.T) {
	assert.Nil(t, EnrichLogger(nil, "r", "op"))

	var buf bytes.Buffer
	logger := EnrichLogger(slog.New(slog.NewTextHandler(&buf, nil)), "run-1", "sync_all")
	logger.Info("x")
	assert.Contains(t, buf.String(), "run_id=run-1")
	assert.Contains(t, buf.String(), "operation=sync_all")
}
