package resilience

import (
	"context"
	"sync"
	"time"
)

// RateLimiterConfig configures the rate limiter.
type RateLimiterConfig struct {
	// Limit is the number of acquisitions allowed per window.
	// Default: 100
	Limit int

	// Window is the length of one counting window.
	// Default: 1 minute
	Window time.Duration
}

// RateWindow is a snapshot of a limiter's current window.
type RateWindow struct {
	WindowStart time.Time     `json:"window_start"`
	Count       int           `json:"count"`
	Remaining   int           `json:"remaining"`
	Limit       int           `json:"limit"`
	Window      time.Duration `json:"window"`
}

// RateLimiter implements a fixed-window request counter.
//
// The window is measured with the monotonic clock reading carried by
// time.Time, so wall-clock adjustments never produce negative waits.
type RateLimiter struct {
	config RateLimiterConfig
	now    func() time.Time

	mu          sync.Mutex
	windowStart time.Time
	count       int
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	// Apply defaults
	if config.Limit <= 0 {
		config.Limit = 100
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}

	return &RateLimiter{
		config:      config,
		now:         time.Now,
		windowStart: time.Now(),
	}
}

// TryAcquire takes a slot in the current window without blocking.
func (rl *RateLimiter) TryAcquire() bool {
	ok, _ := rl.reserve()
	return ok
}

// Acquire blocks until a slot is available or ctx is done.
//
// When the window is exhausted the caller sleeps until the window rolls
// over and tries again. Several callers may wake for the same rollover;
// the ones that lose the race wait for the following window.
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ok, wait := rl.reserve()
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve counts one acquisition if the window allows it. Otherwise it
// reports how long until the window rolls over.
func (rl *RateLimiter) reserve() (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.rollLocked(now)

	if rl.count < rl.config.Limit {
		rl.count++
		return true, 0
	}

	wait := rl.windowStart.Add(rl.config.Window).Sub(now)
	if wait < 0 {
		wait = 0
	}
	return false, wait
}

func (rl *RateLimiter) rollLocked(now time.Time) {
	if now.Sub(rl.windowStart) >= rl.config.Window {
		rl.windowStart = now
		rl.count = 0
	}
}

// Window returns a snapshot of the current window.
func (rl *RateLimiter) Window() RateWindow {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.rollLocked(rl.now())

	return RateWindow{
		WindowStart: rl.windowStart,
		Count:       rl.count,
		Remaining:   rl.config.Limit - rl.count,
		Limit:       rl.config.Limit,
		Window:      rl.config.Window,
	}
}

// LimiterScope selects how limiters are shared.
type LimiterScope string

const (
	// ScopeGlobal shares one window across every job.
	ScopeGlobal LimiterScope = "global"
	// ScopePerApp keeps one window per connected application.
	ScopePerApp LimiterScope = "per_app"
)

// LimiterSet hands out rate limiters by key according to its scope.
type LimiterSet struct {
	config RateLimiterConfig
	scope  LimiterScope

	mu     sync.Mutex
	global *RateLimiter
	byKey  map[string]*RateLimiter
}

// NewLimiterSet creates a limiter set. An unknown scope behaves as global.
func NewLimiterSet(scope LimiterScope, config RateLimiterConfig) *LimiterSet {
	if scope != ScopePerApp {
		scope = ScopeGlobal
	}
	return &LimiterSet{
		config: config,
		scope:  scope,
		global: NewRateLimiter(config),
		byKey:  make(map[string]*RateLimiter),
	}
}

// For returns the limiter responsible for key. Under the global scope, or
// when key is empty, this is the shared limiter.
func (s *LimiterSet) For(key string) *RateLimiter {
	if s.scope == ScopeGlobal || key == "" {
		return s.global
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rl, ok := s.byKey[key]
	if !ok {
		rl = NewRateLimiter(s.config)
		s.byKey[key] = rl
	}
	return rl
}

// Acquire blocks on the limiter responsible for key.
func (s *LimiterSet) Acquire(ctx context.Context, key string) error {
	return s.For(key).Acquire(ctx)
}

// Scope returns the configured scope.
func (s *LimiterSet) Scope() LimiterScope {
	return s.scope
}

// Windows snapshots every limiter. The shared limiter is keyed "*".
func (s *LimiterSet) Windows() map[string]RateWindow {
	out := map[string]RateWindow{"*": s.global.Window()}

	s.mu.Lock()
	limiters := make(map[string]*RateLimiter, len(s.byKey))
	for k, rl := range s.byKey {
		limiters[k] = rl
	}
	s.mu.Unlock()

	for k, rl := range limiters {
		out[k] = rl.Window()
	}
	return out
}
