package health

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func staticChecker(name string, r Result) Checker {
	return NewCheckerFunc(name, func(context.Context) Result { return r })
}

func TestNewAggregator_Defaults(t *testing.T) {
	agg := NewAggregator()
	if agg.config.Timeout != 10*time.Second {
		t.Errorf("Default timeout = %v, want 10s", agg.config.Timeout)
	}
	if !agg.config.Parallel {
		t.Error("Default Parallel should be true")
	}

	agg = NewAggregator(AggregatorConfig{Timeout: -1})
	if agg.config.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s for non-positive input", agg.config.Timeout)
	}
}

func TestAggregator_RegisterOrderAndReplace(t *testing.T) {
	agg := NewAggregator()
	agg.Register("queue", staticChecker("queue", Healthy("first")))
	agg.RegisterOptional("connection:gmail", staticChecker("gmail", Healthy("ok")))
	agg.Register("queue", staticChecker("queue", Healthy("second")))

	names := agg.CheckerNames()
	if len(names) != 2 || names[0] != "queue" || names[1] != "connection:gmail" {
		t.Errorf("CheckerNames() = %v", names)
	}

	r, err := agg.Check(context.Background(), "queue")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if r.Message != "second" {
		t.Errorf("Message = %v, want second (replacement)", r.Message)
	}

	agg.Unregister("connection:gmail")
	agg.Unregister("missing")
	if names := agg.CheckerNames(); len(names) != 1 {
		t.Errorf("CheckerNames() = %v after Unregister", names)
	}
}

func TestAggregator_CheckNotFound(t *testing.T) {
	_, err := NewAggregator().Check(context.Background(), "nonexistent")
	if err != ErrCheckerNotFound {
		t.Errorf("Check() error = %v, want ErrCheckerNotFound", err)
	}
}

func TestAggregator_CheckAll(t *testing.T) {
	for _, parallel := range []bool{true, false} {
		t.Run(fmt.Sprintf("parallel=%v", parallel), func(t *testing.T) {
			agg := NewAggregator(AggregatorConfig{Parallel: parallel, MaxParallel: 2})
			agg.Register("healthy", staticChecker("healthy", Healthy("ok")))
			agg.Register("degraded", staticChecker("degraded", Degraded("slow")))
			agg.Register("down", staticChecker("down", Unhealthy("down", nil)))

			results := agg.CheckAll(context.Background())
			if len(results) != 3 {
				t.Fatalf("Expected 3 results, got %d", len(results))
			}
			if results["degraded"].Status != StatusDegraded {
				t.Errorf("degraded status = %v", results["degraded"].Status)
			}
			if results["down"].Status != StatusUnhealthy {
				t.Errorf("down status = %v", results["down"].Status)
			}
		})
	}

	if results := NewAggregator().CheckAll(context.Background()); len(results) != 0 {
		t.Errorf("Expected 0 results, got %d", len(results))
	}
}

func TestAggregator_OptionalCheckOnlyDegrades(t *testing.T) {
	agg := NewAggregator()
	agg.Register("queue", staticChecker("queue", Healthy("ok")))
	agg.RegisterOptional("connection:slack", staticChecker("slack", Unhealthy("unreachable", ErrCheckFailed)))

	results := agg.CheckAll(context.Background())
	if got := results["connection:slack"].Status; got != StatusDegraded {
		t.Errorf("optional status = %v, want degraded", got)
	}
	if got := agg.OverallStatus(results); got != StatusDegraded {
		t.Errorf("OverallStatus() = %v, want degraded", got)
	}
}

func TestAggregator_CheckAllTimeout(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{Timeout: 50 * time.Millisecond, Parallel: true})
	agg.Register("slow", NewCheckerFunc("slow", func(ctx context.Context) Result {
		time.Sleep(200 * time.Millisecond)
		return Healthy("ok")
	}))

	r := agg.CheckAll(context.Background())["slow"]
	if r.Status != StatusUnhealthy || r.Error != ErrCheckTimeout {
		t.Errorf("slow = %v/%v, want unhealthy/ErrCheckTimeout", r.Status, r.Error)
	}
}

func TestAggregator_MaxParallelBounds(t *testing.T) {
	var inFlight, peak atomic.Int32
	agg := NewAggregator(AggregatorConfig{Parallel: true, MaxParallel: 2})
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("c%d", i)
		agg.Register(name, NewCheckerFunc(name, func(context.Context) Result {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return Healthy("ok")
		}))
	}

	agg.CheckAll(context.Background())
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestAggregator_OverallStatus(t *testing.T) {
	agg := NewAggregator()

	tests := []struct {
		name    string
		results map[string]Result
		want    Status
	}{
		{"empty", map[string]Result{}, StatusHealthy},
		{"all healthy", map[string]Result{"a": Healthy("ok"), "b": Healthy("ok")}, StatusHealthy},
		{"one degraded", map[string]Result{"a": Healthy("ok"), "b": Degraded("slow")}, StatusDegraded},
		{"unhealthy overrides degraded", map[string]Result{"a": Degraded("slow"), "b": Unhealthy("down", nil)}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := agg.OverallStatus(tt.results); got != tt.want {
				t.Errorf("OverallStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAggregator_Checker(t *testing.T) {
	agg := NewAggregator()
	agg.Register("down", staticChecker("down", Unhealthy("down", nil)))

	checker := agg.Checker()
	if checker.Name() != "aggregate" {
		t.Errorf("Name() = %v, want aggregate", checker.Name())
	}

	result := checker.Check(context.Background())
	if result.Status != StatusUnhealthy {
		t.Errorf("Status = %v, want unhealthy", result.Status)
	}
	if result.Message != "some checks failed" {
		t.Errorf("Message = %v", result.Message)
	}
	if _, ok := result.Details["down"]; !ok {
		t.Error("Details should contain the failing check")
	}
}
