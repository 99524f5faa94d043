// Package observe provides observability primitives for job execution.
//
// It is a pure instrumentation library: a JSON structured logger with
// credential redaction, OpenTelemetry tracing and metrics, and a Middleware
// that wraps each job execution in an action.exec.<operation> span. The
// engine wires the observer into the dispatcher and the event bus.
package observe
