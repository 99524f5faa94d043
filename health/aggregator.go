package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// AggregatorConfig configures the health aggregator.
type AggregatorConfig struct {
	// Timeout is the maximum time to wait for all checks.
	// Default: 10 seconds
	Timeout time.Duration

	// Parallel runs health checks concurrently when true.
	// Default: true
	Parallel bool

	// MaxParallel bounds concurrent checks when Parallel is set.
	// Default: 0 (unbounded)
	MaxParallel int
}

type registration struct {
	checker  Checker
	optional bool
}

// Aggregator combines several checkers into a composite status. Checkers
// registered as optional can degrade the overall status but never make it
// unhealthy, which fits per-connection checks: one broken app should not
// take the whole runtime out of rotation.
type Aggregator struct {
	config AggregatorConfig

	mu      sync.RWMutex
	entries map[string]registration
	order   []string
}

// NewAggregator creates a new health aggregator.
func NewAggregator(config ...AggregatorConfig) *Aggregator {
	cfg := AggregatorConfig{
		Timeout:  10 * time.Second,
		Parallel: true,
	}
	if len(config) > 0 {
		cfg = config[0]
		if cfg.Timeout <= 0 {
			cfg.Timeout = 10 * time.Second
		}
	}

	return &Aggregator{
		config:  cfg,
		entries: make(map[string]registration),
	}
}

// Register adds a critical health checker.
func (a *Aggregator) Register(name string, checker Checker) {
	a.register(name, registration{checker: checker})
}

// RegisterOptional adds a checker whose failures only degrade the
// overall status.
func (a *Aggregator) RegisterOptional(name string, checker Checker) {
	a.register(name, registration{checker: checker, optional: true})
}

func (a *Aggregator) register(name string, r registration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.entries[name]; !exists {
		a.order = append(a.order, name)
	}
	a.entries[name] = r
}

// Unregister removes a health checker.
func (a *Aggregator) Unregister(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.entries[name]; !ok {
		return
	}
	delete(a.entries, name)
	for i, n := range a.order {
		if n == name {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

// CheckerNames returns the registered names in registration order.
func (a *Aggregator) CheckerNames() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	names := make([]string, len(a.order))
	copy(names, a.order)
	return names
}

// Check runs a single named health check.
func (a *Aggregator) Check(ctx context.Context, name string) (Result, error) {
	a.mu.RLock()
	r, ok := a.entries[name]
	a.mu.RUnlock()

	if !ok {
		return Result{}, ErrCheckerNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()
	return a.runCheck(ctx, r), nil
}

// CheckAll runs every registered check and returns the results by name.
// Optional checks that fail are reported as degraded.
func (a *Aggregator) CheckAll(ctx context.Context) map[string]Result {
	a.mu.RLock()
	entries := make(map[string]registration, len(a.entries))
	for name, r := range a.entries {
		entries[name] = r
	}
	a.mu.RUnlock()

	results := make(map[string]Result, len(entries))
	if len(entries) == 0 {
		return results
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	if !a.config.Parallel {
		for name, r := range entries {
			results[name] = a.runCheck(ctx, r)
		}
		return results
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	if a.config.MaxParallel > 0 {
		g.SetLimit(a.config.MaxParallel)
	}
	for name, r := range entries {
		g.Go(func() error {
			result := a.runCheck(ctx, r)
			mu.Lock()
			results[name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// OverallStatus is the most severe status among results. An empty set is
// healthy.
func (a *Aggregator) OverallStatus(results map[string]Result) Status {
	overall := StatusHealthy
	for _, r := range results {
		overall = overall.worse(r.Status)
	}
	return overall
}

func (a *Aggregator) runCheck(ctx context.Context, r registration) Result {
	start := time.Now()
	resultCh := make(chan Result, 1)

	go func() {
		result := r.checker.Check(ctx)
		if result.Duration == 0 {
			result.Duration = time.Since(start)
		}
		if result.Timestamp.IsZero() {
			result.Timestamp = start
		}
		resultCh <- result
	}()

	var result Result
	select {
	case result = <-resultCh:
	case <-ctx.Done():
		result = Result{
			Status:    StatusUnhealthy,
			Message:   "check timed out",
			Error:     ErrCheckTimeout,
			Duration:  time.Since(start),
			Timestamp: start,
		}
	}

	if r.optional && result.Status == StatusUnhealthy {
		result.Status = StatusDegraded
	}
	return result
}

// Checker exposes the aggregator as a single Checker.
func (a *Aggregator) Checker() Checker {
	return &aggregatorChecker{agg: a}
}

type aggregatorChecker struct {
	agg *Aggregator
}

func (c *aggregatorChecker) Name() string {
	return "aggregate"
}

func (c *aggregatorChecker) Check(ctx context.Context) Result {
	results := c.agg.CheckAll(ctx)
	status := c.agg.OverallStatus(results)

	details := make(map[string]any, len(results))
	for name, result := range results {
		details[name] = map[string]any{
			"status":   result.Status.String(),
			"message":  result.Message,
			"duration": result.Duration.String(),
		}
	}

	var message string
	switch status {
	case StatusHealthy:
		message = "all checks passed"
	case StatusDegraded:
		message = "some checks degraded"
	default:
		message = "some checks failed"
	}

	return Result{
		Status:    status,
		Message:   message,
		Details:   details,
		Timestamp: time.Now(),
	}
}
