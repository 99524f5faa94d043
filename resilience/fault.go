package resilience

import (
	"context"
	"errors"

	"github.com/jonwraymond/actionrun/event"
)

// FaultHandlerConfig configures a FaultHandler.
type FaultHandlerConfig struct {
	// Retry is the backoff policy applied to retryable failures.
	Retry RetryPolicy

	// Circuit configures the per-operation circuit breakers.
	Circuit CircuitBreakerConfig

	// DeadLetter enables the dead-letter ring.
	DeadLetter bool

	// DeadLetterCapacity bounds the ring. Default: 1000
	DeadLetterCapacity int

	// Observer receives job.retried, job.deadlettered and circuit events.
	Observer event.Observer
}

// FaultHandler wraps an operation with classification, exponential
// backoff, per-operation circuit breaking and dead-lettering.
//
// Contract:
//   - Concurrency: safe for concurrent use.
//   - Errors: terminal failures are *OperationError values that unwrap to
//     ErrMaxRetriesExceeded, ErrNonRetryable or ErrCircuitOpen and to the
//     last underlying cause.
//   - Callers only observe the final outcome; intermediate attempts are
//     reported through job.retried events.
type FaultHandler struct {
	policy      RetryPolicy
	circuits    *Circuits
	deadLetters *DeadLetterQueue
	observer    event.Observer
}

// NewFaultHandler creates a fault handler.
func NewFaultHandler(config FaultHandlerConfig) *FaultHandler {
	h := &FaultHandler{
		policy:   config.Retry.withDefaults(),
		observer: event.OrNop(config.Observer),
	}

	circuit := config.Circuit
	userChange := circuit.OnStateChange
	circuit.OnStateChange = func(change StateChange) {
		h.notifyCircuit(change)
		if userChange != nil {
			userChange(change)
		}
	}
	if circuit.IsFailure == nil {
		circuit.IsFailure = countsAsFailure
	}
	h.circuits = NewCircuits(circuit)

	if config.DeadLetter {
		h.deadLetters = NewDeadLetterQueue(config.DeadLetterCapacity)
	}
	return h
}

// countsAsFailure excludes caller cancellation and bad parameters from the
// circuit's failure count; neither says anything about the operation.
func countsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return Classify(err) != KindValidation
}

// Execute runs op under the fault-handling algorithm:
//
//  1. An open circuit for key fails immediately without invoking op.
//  2. Each failure is classified and counted against the circuit.
//  3. Retryable failures are retried after Delay(attempt) while the retry
//     budget lasts and the circuit stays closed.
//  4. Exhausted or non-retryable failures are dead-lettered and returned as
//     an *OperationError.
//  5. Success resets the circuit's failure count.
//
// The attempt number (starting at 1) is available to op via
// AttemptFromContext.
func (h *FaultHandler) Execute(ctx context.Context, key string, job JobSnapshot, op func(context.Context) error) error {
	cb := h.circuits.Get(key)

	var (
		lastErr  error
		lastKind Kind
	)
	for attempt := 0; ; attempt++ {
		ticket, err := cb.Allow()
		if err != nil {
			if attempt == 0 {
				return &OperationError{Op: key, JobID: job.ID, Kind: KindCircuit, Terminal: ErrCircuitOpen}
			}
			return h.fail(key, job, attempt, ErrCircuitOpen, lastErr, lastKind)
		}

		err = op(WithAttempt(ctx, attempt+1))
		cb.Record(ticket, err)
		if err == nil {
			return nil
		}
		lastErr, lastKind = err, Classify(err)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return &OperationError{Op: key, JobID: job.ID, Attempts: attempt + 1, Kind: lastKind, Terminal: ctxErr, Err: err}
		}

		if !h.policy.ShouldRetry(attempt, lastKind) {
			terminal := ErrNonRetryable
			if lastKind.Retryable() {
				terminal = ErrMaxRetriesExceeded
			}
			return h.fail(key, job, attempt+1, terminal, lastErr, lastKind)
		}

		delay := h.policy.Delay(attempt)
		retried := event.New(event.JobRetried).WithErr(err)
		retried.JobID = job.ID
		retried.OperationID = job.OperationID
		retried.OperationKey = key
		retried.BatchID = job.BatchID
		retried.Attempt = attempt + 1
		retried.Delay = delay
		retried.ErrorKind = string(lastKind)
		h.observer.Notify(retried)

		if err := sleep(ctx, delay); err != nil {
			return &OperationError{Op: key, JobID: job.ID, Attempts: attempt + 1, Kind: lastKind, Terminal: err, Err: lastErr}
		}
	}
}

func (h *FaultHandler) fail(key string, job JobSnapshot, attempts int, terminal, cause error, kind Kind) error {
	opErr := &OperationError{
		Op:       key,
		JobID:    job.ID,
		Attempts: attempts,
		Kind:     kind,
		Terminal: terminal,
		Err:      cause,
	}
	if terminal == ErrCircuitOpen {
		opErr.Kind = KindCircuit
	}

	if h.deadLetters != nil {
		job.Attempts = attempts
		entry := h.deadLetters.Push(DeadLetterEntry{
			Job:          job,
			OperationKey: key,
			Kind:         kind,
			Err:          opErr,
		})

		e := event.New(event.JobDeadLettered).WithErr(opErr)
		e.JobID = job.ID
		e.OperationID = job.OperationID
		e.OperationKey = key
		e.BatchID = job.BatchID
		e.Attempt = attempts
		e.ErrorKind = string(kind)
		e.Time = entry.FailedAt
		h.observer.Notify(e)
	}
	return opErr
}

func (h *FaultHandler) notifyCircuit(change StateChange) {
	var t event.Type
	switch change.To {
	case StateOpen:
		t = event.CircuitOpened
	case StateClosed:
		t = event.CircuitClosed
	default:
		return
	}
	e := event.New(t)
	e.Time = change.At
	e.OperationKey = change.OperationKey
	e.Failures = change.Failures
	h.observer.Notify(e)
}

// Circuits returns the circuit registry.
func (h *FaultHandler) Circuits() *Circuits {
	return h.circuits
}

// DeadLetters returns the dead-letter ring, or nil when disabled.
func (h *FaultHandler) DeadLetters() *DeadLetterQueue {
	return h.deadLetters
}

// Policy returns the effective retry policy.
func (h *FaultHandler) Policy() RetryPolicy {
	return h.policy
}

// ResetCircuit closes the circuit for key. It reports whether the key was known.
func (h *FaultHandler) ResetCircuit(key string) bool {
	return h.circuits.Reset(key)
}

// ResetCircuits closes every circuit and returns how many were not closed.
func (h *FaultHandler) ResetCircuits() int {
	return h.circuits.ResetAll()
}

// Do is Execute for operations that produce a value.
func Do[T any](ctx context.Context, h *FaultHandler, key string, job JobSnapshot, op func(context.Context) (T, error)) (T, error) {
	var result T
	err := h.Execute(ctx, key, job, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

type attemptKey struct{}

// WithAttempt returns a context carrying the attempt number.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attempt)
}

// AttemptFromContext returns the attempt number carried by ctx, or 0.
func AttemptFromContext(ctx context.Context) int {
	n, _ := ctx.Value(attemptKey{}).(int)
	return n
}
