package resilience

import (
	"context"
	"errors"
	"time"
)

type outcome[T any] struct {
	value T
	err   error
}

// CallWithTimeout runs op and races it against a timer.
//
// When the timer wins, CallWithTimeout returns ErrTimeout immediately and
// cancels the context passed to op. The op goroutine is not awaited; an
// in-flight network call is left to observe the cancellation on its own.
// A non-positive timeout runs op directly.
func CallWithTimeout[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		v, err := op(ctx)
		done <- outcome[T]{value: v, err: err}
	}()

	var zero T
	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == context.DeadlineExceeded {
			return zero, ErrTimeout
		}
		return out.value, out.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return zero, ErrTimeout
		}
		return zero, ctx.Err()
	}
}
