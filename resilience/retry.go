package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy configures exponential backoff between attempts.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	// A value of 2 allows three invocations in total. Zero disables retry.
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	// Default: 1s
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries.
	// Default: 30s
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier.
	// Default: 2.0
	Multiplier float64

	// Jitter adds up to 25% random delay on top of the computed backoff.
	// Default: false
	Jitter bool
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	return p
}

// Delay returns the backoff after the given zero-based attempt failed:
// min(InitialDelay * Multiplier^attempt, MaxDelay).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 0 {
		attempt = 0
	}

	raw := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	delay := p.MaxDelay
	if raw < float64(p.MaxDelay) {
		delay = time.Duration(raw)
	}

	if p.Jitter && delay >= 4 {
		// #nosec G404 -- jitter is non-cryptographic timing variance.
		delay += time.Duration(rand.Int64N(int64(delay / 4)))
	}
	return delay
}

// ShouldRetry reports whether another attempt is allowed after the given
// zero-based attempt failed with an error of kind k.
func (p RetryPolicy) ShouldRetry(attempt int, k Kind) bool {
	return k.Retryable() && attempt < p.MaxRetries
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
