package resilience_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonwraymond/actionrun/resilience"
)

func ExampleNewCircuitBreaker() {
	cb := resilience.NewCircuitBreaker("send_email", resilience.CircuitBreakerConfig{
		Threshold: 3,
		Timeout:   time.Second,
	})

	ticket, err := cb.Allow()
	if err != nil {
		return
	}
	// The call succeeded.
	cb.Record(ticket, nil)

	fmt.Println(cb.State())
	// Output:
	// closed
}

func ExampleCircuits() {
	circuits := resilience.NewCircuits(resilience.CircuitBreakerConfig{
		Threshold: 2,
		Timeout:   time.Minute,
	})

	simulatedErr := errors.New("service unavailable")
	cb := circuits.Get("create_issue")
	for i := 0; i < 2; i++ {
		if ticket, err := cb.Allow(); err == nil {
			cb.Record(ticket, simulatedErr)
		}
	}

	fmt.Println("create_issue:", circuits.Get("create_issue").State())
	fmt.Println("send_email:", circuits.Get("send_email").State())

	circuits.Reset("create_issue")
	fmt.Println("after reset:", circuits.Get("create_issue").State())
	// Output:
	// create_issue: open
	// send_email: closed
	// after reset: closed
}

func ExampleRetryPolicy_Delay() {
	p := resilience.RetryPolicy{
		MaxRetries:   5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
	}

	for attempt := 0; attempt < 5; attempt++ {
		fmt.Println(p.Delay(attempt))
	}
	// Output:
	// 100ms
	// 200ms
	// 400ms
	// 800ms
	// 1s
}

func ExampleNewRateLimiter() {
	rl := resilience.NewRateLimiter(resilience.RateLimiterConfig{
		Limit:  2,
		Window: time.Minute,
	})

	fmt.Println(rl.TryAcquire(), rl.TryAcquire(), rl.TryAcquire())
	fmt.Println("remaining:", rl.Window().Remaining)
	// Output:
	// true true false
	// remaining: 0
}

func ExampleNewFaultHandler() {
	h := resilience.NewFaultHandler(resilience.FaultHandlerConfig{
		Retry: resilience.RetryPolicy{
			MaxRetries:   2,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
		},
		DeadLetter: true,
	})

	calls := 0
	err := h.Execute(context.Background(), "sync_contacts", resilience.JobSnapshot{ID: "job-1"}, func(ctx context.Context) error {
		calls++
		return resilience.ErrTimeout
	})

	fmt.Println("calls:", calls)
	fmt.Println("exhausted:", errors.Is(err, resilience.ErrMaxRetriesExceeded))
	fmt.Println("dead letters:", h.DeadLetters().Len())
	// Output:
	// calls: 3
	// exhausted: true
	// dead letters: 1
}

func ExampleCallWithTimeout() {
	_, err := resilience.CallWithTimeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	fmt.Println(errors.Is(err, resilience.ErrTimeout))
	// Output:
	// true
}
