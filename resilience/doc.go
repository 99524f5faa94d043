// Package resilience provides the fault-tolerance primitives used to call a
// remote, rate-limited action service.
//
// # Patterns
//
// The package provides the following patterns:
//
//   - Rate Limiter: a fixed-window counter with a non-blocking TryAcquire
//     and a blocking Acquire that waits for the window to roll over.
//     LimiterSet shares one window globally or keeps one per application.
//
//   - Circuit Breaker: one breaker per operation key, held in a Circuits
//     registry. A breaker opens after Threshold consecutive failures and,
//     once Timeout has elapsed, admits a single probe. The probe's outcome
//     closes or reopens the circuit.
//
//   - Retry Policy: exponential backoff capped at MaxDelay, applied only to
//     retryable failure kinds (timeout, rate limit, server, network).
//
//   - Timeout: CallWithTimeout races an operation against a timer.
//
//   - Bulkhead: a counting semaphore bounding concurrent work. The
//     dispatcher holds one slot per running job.
//
//   - Dead Letter Queue: a bounded ring of jobs that failed for good.
//
// FaultHandler composes the circuit breaker, classification, retry policy
// and dead-letter queue around a single operation.
//
// # Usage
//
//	h := resilience.NewFaultHandler(resilience.FaultHandlerConfig{
//	    Retry: resilience.RetryPolicy{
//	        MaxRetries:   3,
//	        InitialDelay: time.Second,
//	        MaxDelay:     30 * time.Second,
//	        Multiplier:   2.0,
//	    },
//	    Circuit:    resilience.CircuitBreakerConfig{Threshold: 5, Timeout: time.Minute},
//	    DeadLetter: true,
//	})
//
//	err := h.Execute(ctx, "send_email", job, func(ctx context.Context) error {
//	    return callRemote(ctx)
//	})
//	if errors.Is(err, resilience.ErrMaxRetriesExceeded) {
//	    // inspect h.DeadLetters()
//	}
package resilience
