package dispatch

import "errors"

var (
	// ErrQueueFull is returned by Enqueue when the queue is at capacity.
	ErrQueueFull = errors.New("dispatch: queue full")

	// ErrCancelled resolves tickets of jobs removed before they started.
	ErrCancelled = errors.New("dispatch: job cancelled")

	// ErrClosed is returned once the dispatcher is shutting down, and
	// resolves jobs still queued when shutdown gives up waiting.
	ErrClosed = errors.New("dispatch: closed")

	// ErrEmptyOperation is returned for a job without an operation id.
	ErrEmptyOperation = errors.New("dispatch: empty operation id")
)
