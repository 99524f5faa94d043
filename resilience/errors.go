package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Sentinel errors for resilience operations.
var (
	// ErrCircuitOpen is returned when the circuit for an operation is open.
	ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

	// ErrMaxRetriesExceeded is returned when a retryable failure persists
	// past the retry budget.
	ErrMaxRetriesExceeded = errors.New("resilience: max retries exceeded")

	// ErrNonRetryable is returned when an operation fails with an error that
	// is not eligible for retry.
	ErrNonRetryable = errors.New("resilience: non-retryable failure")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("resilience: operation timed out")

	// ErrValidation marks errors caused by bad parameters. Never retried.
	ErrValidation = errors.New("resilience: validation failed")
)

// Kind is the classification of a failure.
type Kind string

const (
	KindTimeout    Kind = "timeout"
	KindRateLimit  Kind = "rate_limit"
	KindServer     Kind = "server_error"
	KindClient     Kind = "client_error"
	KindNetwork    Kind = "network_error"
	KindValidation Kind = "validation"
	KindCircuit    Kind = "circuit_open"
	KindUnknown    Kind = "unknown"
)

// Retryable reports whether failures of this kind may be retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindRateLimit, KindServer, KindNetwork:
		return true
	default:
		return false
	}
}

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

// ClassifyStatus maps an HTTP status code to a Kind.
func ClassifyStatus(code int) Kind {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return KindTimeout
	case code == http.StatusTooManyRequests:
		return KindRateLimit
	case code == http.StatusInternalServerError,
		code == http.StatusBadGateway,
		code == http.StatusServiceUnavailable:
		return KindServer
	case code >= 400 && code < 500:
		return KindClient
	default:
		// 501, 505 and friends are not worth retrying.
		return KindUnknown
	}
}

// Classify inspects err and returns its Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var opErr *OperationError
	if errors.As(err, &opErr) && opErr.Kind != "" {
		return opErr.Kind
	}

	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuit
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return ClassifyStatus(sc.StatusCode())
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return KindNetwork
	}

	var opError *net.OpError
	if errors.As(err, &opError) {
		return KindNetwork
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindNetwork
	}

	return KindUnknown
}

// OperationError is the terminal error surfaced to callers once an
// operation has failed for good. It unwraps to both the terminal sentinel
// (ErrMaxRetriesExceeded, ErrNonRetryable or ErrCircuitOpen) and the
// underlying cause, so errors.Is works against either.
type OperationError struct {
	// Op is the operation key.
	Op string
	// JobID identifies the job, when known.
	JobID string
	// Attempts is the number of times the operation was invoked.
	Attempts int
	// Kind is the classification of the last underlying failure.
	Kind Kind
	// Terminal is the sentinel describing why execution stopped.
	Terminal error
	// Err is the last underlying cause. May be nil for a fail-fast circuit rejection.
	Err error
}

func (e *OperationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: operation %q after %d attempt(s)", e.Terminal, e.Op, e.Attempts)
	}
	return fmt.Sprintf("%s: operation %q after %d attempt(s): %v", e.Terminal, e.Op, e.Attempts, e.Err)
}

// Unwrap exposes the terminal sentinel and the cause.
func (e *OperationError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Terminal != nil {
		errs = append(errs, e.Terminal)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
