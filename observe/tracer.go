package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// OperationMeta describes one job execution for telemetry purposes.
type OperationMeta struct {
	OperationID string // Remote action identifier (required)
	JobID       string // Job identifier (optional)
	AppID       string // Connected application (optional)
	BatchID     string // Batch the job belongs to (optional)
	Priority    int    // Queue priority
}

// SpanName returns the deterministic span name for this operation.
// Format: action.exec.<operation>
func (m OperationMeta) SpanName() string {
	return "action.exec." + m.OperationID
}

// Validate reports whether the metadata is usable.
func (m OperationMeta) Validate() error {
	if m.OperationID == "" {
		return ErrMissingOperation
	}
	return nil
}

func (m OperationMeta) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("action.operation_id", m.OperationID),
	}
	if m.AppID != "" {
		attrs = append(attrs, attribute.String("action.app_id", m.AppID))
	}
	return attrs
}

// Tracer wraps OpenTelemetry tracing with job-specific span management.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: EndSpan must be best-effort and must not panic.
type Tracer interface {
	// StartSpan starts a new span for a job execution.
	StartSpan(ctx context.Context, meta OperationMeta) (context.Context, trace.Span)

	// EndSpan ends the span, recording any error.
	EndSpan(span trace.Span, err error)
}

// tracerImpl is the concrete implementation of Tracer.
type tracerImpl struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer wrapping the given OpenTelemetry tracer.
func NewTracer(t trace.Tracer) Tracer {
	if t == nil {
		return newNoopTracer()
	}
	return &tracerImpl{tracer: t}
}

// StartSpan starts a new span with job metadata as attributes.
func (t *tracerImpl) StartSpan(ctx context.Context, meta OperationMeta) (context.Context, trace.Span) {
	attrs := append(meta.attributes(),
		attribute.Int("action.priority", meta.Priority),
		attribute.Bool("action.error", false), // Will be updated in EndSpan if error
	)
	if meta.JobID != "" {
		attrs = append(attrs, attribute.String("action.job_id", meta.JobID))
	}
	if meta.BatchID != "" {
		attrs = append(attrs, attribute.String("action.batch_id", meta.BatchID))
	}

	return t.tracer.Start(ctx, meta.SpanName(),
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan ends the span and records the error status if present.
func (t *tracerImpl) EndSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.Bool("action.error", true))
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// noopTracer is a tracer that does nothing.
type noopTracer struct {
	noop trace.Tracer
}

// newNoopTracer creates a no-op tracer.
func newNoopTracer() Tracer {
	return &noopTracer{
		noop: tracenoop.NewTracerProvider().Tracer("noop"),
	}
}

func (t *noopTracer) StartSpan(ctx context.Context, meta OperationMeta) (context.Context, trace.Span) {
	return t.noop.Start(ctx, meta.SpanName())
}

func (t *noopTracer) EndSpan(span trace.Span, err error) {
	span.End()
}
