package observe

import (
	"context"
	"io"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// BenchmarkLogger_Info measures logging throughput.
func BenchmarkLogger_Info(b *testing.B) {
	logger := NewLoggerWithWriter("info", io.Discard)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info(ctx, "benchmark message", Field{Key: "iteration", Value: i})
	}
}

// BenchmarkLogger_Redaction measures logging with redacted fields.
func BenchmarkLogger_Redaction(b *testing.B) {
	logger := NewLoggerWithWriter("info", io.Discard)
	ctx := context.Background()
	fields := []Field{
		F("app_id", "gmail"),
		F("session_token", "abc"),
		F("params", map[string]any{"to": "x"}),
		F("attempt", 2),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info(ctx, "benchmark message", fields...)
	}
}

// BenchmarkLogger_WithOperation_ThenLog measures the per-job logger pattern.
func BenchmarkLogger_WithOperation_ThenLog(b *testing.B) {
	logger := NewLoggerWithWriter("info", io.Discard)
	ctx := context.Background()
	meta := OperationMeta{OperationID: "bench_op", JobID: "job", AppID: "app"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.WithOperation(meta).Info(ctx, "executing")
	}
}

// BenchmarkMetrics_RecordExecution measures metric recording overhead.
func BenchmarkMetrics_RecordExecution(b *testing.B) {
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	m, err := newMetrics(mp.Meter("bench"))
	if err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()
	meta := OperationMeta{OperationID: "bench_op"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordExecution(ctx, meta, time.Millisecond, nil)
	}
}

// BenchmarkMiddleware_Wrap measures full middleware overhead.
func BenchmarkMiddleware_Wrap(b *testing.B) {
	tp := sdktrace.NewTracerProvider()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	m, err := newMetrics(mp.Meter("bench"))
	if err != nil {
		b.Fatal(err)
	}
	mw := NewMiddleware(NewTracer(tp.Tracer("bench")), m, NewLoggerWithWriter("error", io.Discard))
	wrapped := mw.Wrap(func(context.Context, OperationMeta, map[string]any) (any, error) {
		return nil, nil
	})
	ctx := context.Background()
	meta := OperationMeta{OperationID: "bench_op"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = wrapped(ctx, meta, nil)
	}
}
