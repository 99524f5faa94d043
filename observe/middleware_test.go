package observe

import (
	"bytes"
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

type middlewareHarness struct {
	mw     *Middleware
	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
	logs   *bytes.Buffer
}

func newMiddlewareHarness(t *testing.T) *middlewareHarness {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	m, reader := newTestMetrics(t)
	var buf bytes.Buffer
	return &middlewareHarness{
		mw:     NewMiddleware(NewTracer(tp.Tracer("test")), m, NewLoggerWithWriter("debug", &buf)),
		spans:  rec,
		reader: reader,
		logs:   &buf,
	}
}

// TestMiddleware_Success verifies span, metric and log on a successful call.
func TestMiddleware_Success(t *testing.T) {
	h := newMiddlewareHarness(t)
	meta := OperationMeta{OperationID: "slack_post", JobID: "j1"}

	wrapped := h.mw.Wrap(func(ctx context.Context, m OperationMeta, params map[string]any) (any, error) {
		if !trace.SpanFromContext(ctx).SpanContext().IsValid() {
			t.Error("expected a span in the execution context")
		}
		return params["text"], nil
	})

	got, err := wrapped(context.Background(), meta, map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("wrapped() error = %v", err)
	}
	if got != "hi" {
		t.Errorf("result = %v, want hi", got)
	}

	spans := h.spans.Ended()
	if len(spans) != 1 || spans[0].Name() != "action.exec.slack_post" {
		t.Fatalf("spans = %v", spans)
	}
	if got := sumOf(t, collect(t, h.reader), "action.exec.total"); got != 1 {
		t.Errorf("action.exec.total = %d, want 1", got)
	}

	entry := decodeLines(t, h.logs)[0]
	if entry["msg"] != "action execution completed" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["action.job_id"] != "j1" {
		t.Errorf("action.job_id = %v", entry["action.job_id"])
	}
	if _, ok := entry["params"]; ok {
		t.Error("params must not be logged")
	}
}

// TestMiddleware_ErrorPropagatesUnchanged verifies the wrapped error is returned as-is.
func TestMiddleware_ErrorPropagatesUnchanged(t *testing.T) {
	h := newMiddlewareHarness(t)
	boom := errors.New("boom")

	wrapped := h.mw.Wrap(func(context.Context, OperationMeta, map[string]any) (any, error) {
		return nil, boom
	})

	_, err := wrapped(context.Background(), OperationMeta{OperationID: "op"}, nil)
	if err != boom {
		t.Fatalf("error = %v, want boom", err)
	}

	if got := sumOf(t, collect(t, h.reader), "action.exec.errors"); got != 1 {
		t.Errorf("action.exec.errors = %d, want 1", got)
	}
	entry := decodeLines(t, h.logs)[0]
	if entry["msg"] != "action execution failed" || entry["level"] != "error" {
		t.Errorf("log entry = %v", entry)
	}
	if entry["error"] != "boom" {
		t.Errorf("error field = %v", entry["error"])
	}
}

// TestMiddleware_NilComponents verifies nil arguments fall back to no-ops.
func TestMiddleware_NilComponents(t *testing.T) {
	mw := NewMiddleware(nil, nil, nil)
	wrapped := mw.Wrap(func(context.Context, OperationMeta, map[string]any) (any, error) {
		return 1, nil
	})
	if got, err := wrapped(context.Background(), OperationMeta{OperationID: "op"}, nil); err != nil || got != 1 {
		t.Errorf("wrapped() = %v, %v", got, err)
	}
	if mw.Metrics() == nil {
		t.Error("Metrics() = nil")
	}
}
