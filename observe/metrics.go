package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jonwraymond/actionrun/event"
	"github.com/jonwraymond/actionrun/resilience"
)

// QueueStats is a point-in-time view of the dispatcher used by the
// observable gauges.
type QueueStats struct {
	Queued      int64
	Active      int64
	Utilization float64
}

// Metrics records execution metrics for dispatched jobs.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: must honor cancellation/deadlines and return quickly.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordExecution records a job execution with duration and error status.
	RecordExecution(ctx context.Context, meta OperationMeta, duration time.Duration, err error)

	// Notify counts runtime events (retries, dead letters, circuit and
	// connection transitions). Metrics can be subscribed as an event.Observer.
	Notify(e event.Event)

	// ObserveQueue registers gauges that sample fn on every collection.
	ObserveQueue(fn func() QueueStats) error
}

// metricsImpl is the concrete implementation of Metrics.
type metricsImpl struct {
	meter        metric.Meter
	totalCount   metric.Int64Counter
	errorCount   metric.Int64Counter
	durationHist metric.Float64Histogram
	eventCount   metric.Int64Counter
}

// NewMetrics creates a Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	return newMetrics(meter)
}

func newMetrics(meter metric.Meter) (*metricsImpl, error) {
	totalCount, err := meter.Int64Counter(
		"action.exec.total",
		metric.WithDescription("Total number of job executions"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	errorCount, err := meter.Int64Counter(
		"action.exec.errors",
		metric.WithDescription("Total number of failed job executions"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	durationHist, err := meter.Float64Histogram(
		"action.exec.duration_ms",
		metric.WithDescription("Job execution duration in milliseconds, including retries"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	eventCount, err := meter.Int64Counter(
		"action.events",
		metric.WithDescription("Runtime events by type"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsImpl{
		meter:        meter,
		totalCount:   totalCount,
		errorCount:   errorCount,
		durationHist: durationHist,
		eventCount:   eventCount,
	}, nil
}

// RecordExecution records metrics for a job execution.
func (m *metricsImpl) RecordExecution(ctx context.Context, meta OperationMeta, duration time.Duration, err error) {
	opt := metric.WithAttributes(meta.attributes()...)

	// Always increment total counter
	m.totalCount.Add(ctx, 1, opt)

	// Increment error counter on failure, split by kind
	if err != nil {
		attrs := append(meta.attributes(), attribute.String("error.kind", string(resilience.Classify(err))))
		m.errorCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	m.durationHist.Record(ctx, float64(duration.Milliseconds()), opt)
}

// Notify counts e under its type. Job events are labelled by operation,
// circuit events by operation key and connection events by app.
func (m *metricsImpl) Notify(e event.Event) {
	attrs := []attribute.KeyValue{attribute.String("event.type", string(e.Type))}
	switch {
	case e.OperationID != "":
		attrs = append(attrs, attribute.String("action.operation_id", e.OperationID))
	case e.OperationKey != "":
		attrs = append(attrs, attribute.String("action.operation_id", e.OperationKey))
	case e.AppID != "":
		attrs = append(attrs, attribute.String("action.app_id", e.AppID))
	}
	if e.ErrorKind != "" {
		attrs = append(attrs, attribute.String("error.kind", e.ErrorKind))
	}
	m.eventCount.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// ObserveQueue registers queue depth, active job and utilization gauges.
func (m *metricsImpl) ObserveQueue(fn func() QueueStats) error {
	queued, err := m.meter.Int64ObservableGauge(
		"action.queue.depth",
		metric.WithDescription("Jobs waiting in the dispatch queue"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return err
	}
	active, err := m.meter.Int64ObservableGauge(
		"action.jobs.active",
		metric.WithDescription("Jobs currently executing"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return err
	}
	utilization, err := m.meter.Float64ObservableGauge(
		"action.slots.utilization",
		metric.WithDescription("Fraction of worker slots in use"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}

	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := fn()
		o.ObserveInt64(queued, s.Queued)
		o.ObserveInt64(active, s.Active)
		o.ObserveFloat64(utilization, s.Utilization)
		return nil
	}, queued, active, utilization)
	return err
}

// noopMetrics is a metrics implementation that does nothing.
type noopMetrics struct{}

func (m *noopMetrics) RecordExecution(ctx context.Context, meta OperationMeta, duration time.Duration, err error) {
}

func (m *noopMetrics) Notify(e event.Event) {}

func (m *noopMetrics) ObserveQueue(fn func() QueueStats) error { return nil }

// NopMetrics returns a Metrics that records nothing.
func NopMetrics() Metrics {
	return &noopMetrics{}
}
