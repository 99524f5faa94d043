package observe

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecordingTracer() (Tracer, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return NewTracer(tp.Tracer("test")), rec
}

func attrMap(kvs []attribute.KeyValue) map[string]attribute.Value {
	m := make(map[string]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value
	}
	return m
}

// TestOperationMeta_SpanName verifies the deterministic span name.
func TestOperationMeta_SpanName(t *testing.T) {
	meta := OperationMeta{OperationID: "github_create_issue"}
	if got := meta.SpanName(); got != "action.exec.github_create_issue" {
		t.Errorf("SpanName() = %q", got)
	}
}

// TestOperationMeta_Validate verifies the operation id is required.
func TestOperationMeta_Validate(t *testing.T) {
	if err := (OperationMeta{}).Validate(); !errors.Is(err, ErrMissingOperation) {
		t.Errorf("Validate() = %v, want ErrMissingOperation", err)
	}
	if err := (OperationMeta{OperationID: "op"}).Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

// TestTracer_SpanAttributes verifies job metadata lands on the span.
func TestTracer_SpanAttributes(t *testing.T) {
	tracer, rec := newRecordingTracer()

	_, span := tracer.StartSpan(context.Background(), OperationMeta{
		OperationID: "op",
		JobID:       "job-1",
		AppID:       "gmail",
		BatchID:     "b1",
		Priority:    5,
	})
	tracer.EndSpan(span, nil)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.SpanKind() != trace.SpanKindClient {
		t.Errorf("SpanKind = %v, want client", s.SpanKind())
	}
	attrs := attrMap(s.Attributes())
	if attrs["action.operation_id"].AsString() != "op" {
		t.Errorf("action.operation_id = %v", attrs["action.operation_id"])
	}
	if attrs["action.job_id"].AsString() != "job-1" {
		t.Errorf("action.job_id = %v", attrs["action.job_id"])
	}
	if attrs["action.app_id"].AsString() != "gmail" {
		t.Errorf("action.app_id = %v", attrs["action.app_id"])
	}
	if attrs["action.priority"].AsInt64() != 5 {
		t.Errorf("action.priority = %v", attrs["action.priority"])
	}
	if s.Status().Code != codes.Ok {
		t.Errorf("status = %v, want Ok", s.Status().Code)
	}
}

// TestTracer_SpanAttributesMinimal verifies optional attributes are omitted.
func TestTracer_SpanAttributesMinimal(t *testing.T) {
	tracer, rec := newRecordingTracer()

	_, span := tracer.StartSpan(context.Background(), OperationMeta{OperationID: "op"})
	tracer.EndSpan(span, nil)

	attrs := attrMap(rec.Ended()[0].Attributes())
	for _, k := range []string{"action.job_id", "action.app_id", "action.batch_id"} {
		if _, ok := attrs[k]; ok {
			t.Errorf("unexpected attribute %s", k)
		}
	}
}

// TestTracer_ContextPropagation verifies the returned context carries the span.
func TestTracer_ContextPropagation(t *testing.T) {
	tracer, _ := newRecordingTracer()

	ctx, span := tracer.StartSpan(context.Background(), OperationMeta{OperationID: "op"})
	defer tracer.EndSpan(span, nil)

	if trace.SpanFromContext(ctx).SpanContext().SpanID() != span.SpanContext().SpanID() {
		t.Error("context does not carry the started span")
	}
}

// TestTracer_ErrorRecording verifies failures set status, attribute and event.
func TestTracer_ErrorRecording(t *testing.T) {
	tracer, rec := newRecordingTracer()

	_, span := tracer.StartSpan(context.Background(), OperationMeta{OperationID: "op"})
	tracer.EndSpan(span, errors.New("remote said no"))

	s := rec.Ended()[0]
	if s.Status().Code != codes.Error || s.Status().Description != "remote said no" {
		t.Errorf("status = %+v", s.Status())
	}
	if !attrMap(s.Attributes())["action.error"].AsBool() {
		t.Error("action.error = false, want true")
	}
	if len(s.Events()) == 0 {
		t.Error("expected an exception event")
	}
}

// TestNewTracer_NilFallsBackToNoop verifies a nil tracer is tolerated.
func TestNewTracer_NilFallsBackToNoop(t *testing.T) {
	tracer := NewTracer(nil)
	_, span := tracer.StartSpan(context.Background(), OperationMeta{OperationID: "op"})
	tracer.EndSpan(span, errors.New("ignored"))
}
