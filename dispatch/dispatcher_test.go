package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonwraymond/actionrun/event"
	"github.com/jonwraymond/actionrun/resilience"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Notify(e event.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(t event.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func okExecutor(calls *atomic.Int32) ExecutorFunc {
	return func(_ context.Context, req Request) (json.RawMessage, error) {
		if calls != nil {
			calls.Add(1)
		}
		return json.RawMessage(fmt.Sprintf(`{"op":%q}`, req.OperationID)), nil
	}
}

func fastFault(maxRetries int, obs event.Observer) *resilience.FaultHandler {
	return resilience.NewFaultHandler(resilience.FaultHandlerConfig{
		Retry: resilience.RetryPolicy{
			MaxRetries:   maxRetries,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
		},
		DeadLetter: true,
		Observer:   obs,
	})
}

func newStarted(t *testing.T, exec Executor, cfg Config) *Dispatcher {
	t.Helper()
	d := New(exec, cfg)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return d
}

func TestDispatcher_PriorityOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	exec := ExecutorFunc(func(_ context.Context, req Request) (json.RawMessage, error) {
		mu.Lock()
		order = append(order, req.OperationID)
		mu.Unlock()
		return nil, nil
	})
	d := New(exec, Config{MaxConcurrent: 1})

	ctx := context.Background()
	for _, p := range []int{1, 5, 3, 5} {
		_, err := d.Enqueue(ctx, fmt.Sprintf("p%d", p), nil, Options{Priority: p})
		require.NoError(t, err)
	}
	require.NoError(t, d.Start(ctx))
	require.NoError(t, d.Drain(ctx))
	require.NoError(t, d.Close(ctx))

	assert.Equal(t, []string{"p5", "p5", "p3", "p1"}, order)
}

func TestDispatcher_FIFOWithinPriority(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	exec := ExecutorFunc(func(_ context.Context, req Request) (json.RawMessage, error) {
		mu.Lock()
		order = append(order, req.JobID)
		mu.Unlock()
		return nil, nil
	})
	d := New(exec, Config{MaxConcurrent: 1})

	ctx := context.Background()
	var want []string
	for i := range 5 {
		tk, err := d.Enqueue(ctx, "op", nil, Options{ID: fmt.Sprintf("job-%d", i)})
		require.NoError(t, err)
		want = append(want, tk.ID())
	}
	require.NoError(t, d.Start(ctx))
	require.NoError(t, d.Close(ctx))

	assert.Equal(t, want, order)
}

func TestDispatcher_MaxConcurrent(t *testing.T) {
	var current, peak atomic.Int32
	exec := ExecutorFunc(func(context.Context, Request) (json.RawMessage, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return nil, nil
	})
	d := newStarted(t, exec, Config{MaxConcurrent: 2})

	ctx := context.Background()
	var tickets []*Ticket
	for range 8 {
		tk, err := d.Enqueue(ctx, "op", nil, Options{})
		require.NoError(t, err)
		tickets = append(tickets, tk)
	}
	for _, tk := range tickets {
		_, err := tk.Wait(ctx)
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, peak.Load(), int32(2))
	st := d.Status()
	assert.Equal(t, int64(8), st.Completed)
	assert.Zero(t, st.Active)
	assert.Positive(t, st.PeakActive)
	assert.LessOrEqual(t, st.PeakActive, 2)
}

func TestDispatcher_QueueFull(t *testing.T) {
	d := New(okExecutor(nil), Config{MaxQueueSize: 2})
	ctx := context.Background()

	for range 2 {
		_, err := d.Enqueue(ctx, "op", nil, Options{})
		require.NoError(t, err)
	}
	_, err := d.Enqueue(ctx, "op", nil, Options{})
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, d.Status().Queued)

	usage := d.QueueUsage()
	assert.Equal(t, 2, usage.Used)
	assert.Equal(t, 2, usage.Capacity)
}

func TestDispatcher_EnqueueRejects(t *testing.T) {
	ctx := context.Background()

	t.Run("empty operation", func(t *testing.T) {
		d := New(okExecutor(nil), Config{})
		_, err := d.Enqueue(ctx, "", nil, Options{})
		assert.ErrorIs(t, err, ErrEmptyOperation)
	})

	t.Run("duplicate id", func(t *testing.T) {
		d := New(okExecutor(nil), Config{})
		_, err := d.Enqueue(ctx, "op", nil, Options{ID: "same"})
		require.NoError(t, err)
		_, err = d.Enqueue(ctx, "op", nil, Options{ID: "same"})
		assert.ErrorIs(t, err, ErrDuplicateJob)
	})

	t.Run("validator", func(t *testing.T) {
		v := validatorFunc(func(_ context.Context, op string, params map[string]any) error {
			if _, ok := params["to"]; !ok {
				return fmt.Errorf("%w: %s: missing to", resilience.ErrValidation, op)
			}
			return nil
		})
		d := New(okExecutor(nil), Config{Validator: v})
		_, err := d.Enqueue(ctx, "send", map[string]any{}, Options{})
		assert.ErrorIs(t, err, resilience.ErrValidation)
		assert.Zero(t, d.Status().Queued)

		_, err = d.Enqueue(ctx, "send", map[string]any{"to": "x"}, Options{})
		assert.NoError(t, err)
	})

	t.Run("closed", func(t *testing.T) {
		d := New(okExecutor(nil), Config{})
		require.NoError(t, d.Close(ctx))
		_, err := d.Enqueue(ctx, "op", nil, Options{})
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, d.Start(ctx), ErrClosed)
	})
}

type validatorFunc func(ctx context.Context, operationID string, params map[string]any) error

func (f validatorFunc) Validate(ctx context.Context, operationID string, params map[string]any) error {
	return f(ctx, operationID, params)
}

func TestDispatcher_Cancel(t *testing.T) {
	rec := &recorder{}
	d := New(okExecutor(nil), Config{Observer: rec})
	ctx := context.Background()

	var tickets []*Ticket
	for range 3 {
		tk, err := d.Enqueue(ctx, "a", nil, Options{})
		require.NoError(t, err)
		tickets = append(tickets, tk)
	}
	other, err := d.Enqueue(ctx, "b", nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, 3, d.Cancel("a"))
	assert.Equal(t, 0, d.Cancel("a"))
	for _, tk := range tickets {
		res, ok := tk.Result()
		require.True(t, ok)
		assert.ErrorIs(t, res.Err, ErrCancelled)
	}
	assert.Equal(t, 1, d.Status().Queued)

	assert.True(t, d.CancelJob(other.ID()))
	assert.False(t, d.CancelJob(other.ID()))
	assert.Equal(t, 4, rec.count(event.JobCancelled))
	assert.Equal(t, int64(4), d.Status().Cancelled)
}

func TestDispatcher_CancelDoesNotTouchRunning(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	exec := ExecutorFunc(func(context.Context, Request) (json.RawMessage, error) {
		close(started)
		<-release
		return json.RawMessage(`1`), nil
	})
	d := newStarted(t, exec, Config{MaxConcurrent: 1})
	ctx := context.Background()

	tk, err := d.Enqueue(ctx, "op", nil, Options{})
	require.NoError(t, err)
	<-started

	info, ok := d.Job(tk.ID())
	require.True(t, ok)
	assert.Equal(t, StateActive, info.State)

	assert.Equal(t, 0, d.Cancel("op"))
	assert.False(t, d.CancelJob(tk.ID()))
	close(release)

	res, err := tk.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(res.Value))
	_, ok = d.Job(tk.ID())
	assert.False(t, ok)
}

func TestDispatcher_RetryThenSuccess(t *testing.T) {
	rec := &recorder{}
	var calls atomic.Int32
	exec := ExecutorFunc(func(_ context.Context, req Request) (json.RawMessage, error) {
		if calls.Add(1) < 3 {
			return nil, fmt.Errorf("attempt %d: %w", req.Attempt, resilience.ErrTimeout)
		}
		return json.RawMessage(`{"ok":true}`), nil
	})
	d := newStarted(t, exec, Config{Fault: fastFault(3, rec), Observer: rec})

	res, err := d.Submit(context.Background(), "send_email", map[string]any{"to": "a@b.c"}, Options{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res.Value))
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, rec.count(event.JobRetried))
	assert.Equal(t, 1, rec.count(event.JobCompleted))
	assert.Zero(t, rec.count(event.JobFailed))
	assert.Zero(t, d.Fault().DeadLetters().Len())
}

func TestDispatcher_DeadLetterAfterRetries(t *testing.T) {
	rec := &recorder{}
	var calls atomic.Int32
	exec := ExecutorFunc(func(context.Context, Request) (json.RawMessage, error) {
		calls.Add(1)
		return nil, resilience.ErrTimeout
	})
	d := newStarted(t, exec, Config{Fault: fastFault(2, rec), Observer: rec})

	res, err := d.Submit(context.Background(), "send_email", map[string]any{"to": "x"}, Options{Priority: 4, AppID: "gmail"})
	require.ErrorIs(t, err, resilience.ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, resilience.ErrTimeout)
	assert.Equal(t, string(resilience.KindTimeout), res.ErrorKind)
	assert.Equal(t, int32(3), calls.Load())

	dlq := d.Fault().DeadLetters()
	require.Equal(t, 1, dlq.Len())
	entry := dlq.List(0)[0]
	assert.Equal(t, res.JobID, entry.Job.ID)
	assert.Equal(t, 3, entry.Job.Attempts)
	assert.Equal(t, 4, entry.Job.Priority)
	assert.Equal(t, "gmail", entry.Job.AppID)
	assert.Equal(t, 1, rec.count(event.JobDeadLettered))
	assert.Equal(t, 1, rec.count(event.JobFailed))
}

func TestDispatcher_CircuitOpenSkipsExecutor(t *testing.T) {
	var calls atomic.Int32
	exec := ExecutorFunc(func(context.Context, Request) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	})
	fault := resilience.NewFaultHandler(resilience.FaultHandlerConfig{
		Circuit:    resilience.CircuitBreakerConfig{Threshold: 1, Timeout: time.Hour},
		DeadLetter: true,
	})
	d := newStarted(t, exec, Config{Fault: fault})
	ctx := context.Background()

	_, err := d.Submit(ctx, "flaky", nil, Options{})
	require.ErrorIs(t, err, resilience.ErrNonRetryable)

	res, err := d.Submit(ctx, "flaky", nil, Options{})
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, string(resilience.KindCircuit), res.ErrorKind)
	assert.Equal(t, int32(1), calls.Load())

	_, err = d.Submit(ctx, "other", nil, Options{})
	require.ErrorIs(t, err, resilience.ErrNonRetryable)
	assert.Equal(t, int32(2), calls.Load())

	assert.True(t, fault.ResetCircuit("flaky"))
	_, err = d.Submit(ctx, "flaky", nil, Options{})
	require.ErrorIs(t, err, resilience.ErrNonRetryable)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDispatcher_AttemptTimeout(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, _ Request) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d := newStarted(t, exec, Config{Fault: fastFault(0, nil), DefaultTimeout: 10 * time.Millisecond})

	res, err := d.Submit(context.Background(), "slow", nil, Options{})
	require.ErrorIs(t, err, resilience.ErrTimeout)
	assert.Equal(t, string(resilience.KindTimeout), res.ErrorKind)
}

func TestDispatcher_RateLimited(t *testing.T) {
	limiters := resilience.NewLimiterSet(resilience.ScopePerApp, resilience.RateLimiterConfig{
		Limit:  2,
		Window: 50 * time.Millisecond,
	})
	d := newStarted(t, okExecutor(nil), Config{MaxConcurrent: 4, Limiters: limiters})
	ctx := context.Background()

	start := time.Now()
	res, err := d.SubmitBatch(ctx, []BatchItem{{OperationID: "a"}, {OperationID: "b"}, {OperationID: "c"}}, Options{AppID: "slack"})
	require.NoError(t, err)
	require.NoError(t, res.Err())
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	windows := limiters.Windows()
	assert.Contains(t, windows, "slack")
}

func TestDispatcher_SubmitBatch(t *testing.T) {
	exec := ExecutorFunc(func(_ context.Context, req Request) (json.RawMessage, error) {
		if req.OperationID == "bad" {
			return nil, errors.New("rejected")
		}
		return json.RawMessage(`true`), nil
	})
	d := newStarted(t, exec, Config{Fault: fastFault(0, nil)})

	high := 9
	items := []BatchItem{
		{OperationID: "good", Params: map[string]any{"n": 1}},
		{OperationID: "bad"},
		{OperationID: "good", Priority: &high},
		{OperationID: ""},
	}
	res, err := d.SubmitBatch(context.Background(), items, Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, res.BatchID)
	require.Len(t, res.Results, 4)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 2, res.Failed)
	assert.ErrorIs(t, res.Results[1].Err, resilience.ErrNonRetryable)
	assert.ErrorIs(t, res.Results[3].Err, ErrEmptyOperation)
	for _, r := range res.Results {
		assert.Equal(t, res.BatchID, r.BatchID)
	}
	assert.Error(t, res.Err())
	assert.Zero(t, d.Status().PendingBatches)
}

func TestDispatcher_SubmitBatchQueueFullPerItem(t *testing.T) {
	d := New(okExecutor(nil), Config{MaxQueueSize: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := d.SubmitBatch(ctx, []BatchItem{{OperationID: "a"}, {OperationID: "b"}}, Options{BatchID: "b-1"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "b-1", res.BatchID)
	assert.ErrorIs(t, res.Results[1].Err, ErrQueueFull)
	assert.Zero(t, d.Status().Queued, "queued batch jobs are cancelled when the caller gives up")
}

func TestDispatcher_SubmitCancelsOnContext(t *testing.T) {
	d := New(okExecutor(nil), Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := d.Submit(ctx, "op", nil, Options{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, d.Status().Queued)
}

func TestDispatcher_Replay(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	exec := ExecutorFunc(func(_ context.Context, req Request) (json.RawMessage, error) {
		if fail.Load() {
			return nil, errors.New("down")
		}
		return json.RawMessage(fmt.Sprintf(`%q`, req.Params["to"])), nil
	})
	d := newStarted(t, exec, Config{Fault: fastFault(0, nil)})
	ctx := context.Background()

	failed, err := d.Submit(ctx, "send", map[string]any{"to": "ops"}, Options{Priority: 2})
	require.Error(t, err)

	entries := d.Fault().DeadLetters().List(0)
	require.Len(t, entries, 1)

	fail.Store(false)
	tk, err := d.Replay(ctx, entries[0])
	require.NoError(t, err)
	assert.NotEqual(t, failed.JobID, tk.ID())

	res, err := tk.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"ops"`, string(res.Value))
}

func TestDispatcher_DrainAndClose(t *testing.T) {
	var calls atomic.Int32
	exec := ExecutorFunc(func(context.Context, Request) (json.RawMessage, error) {
		time.Sleep(10 * time.Millisecond)
		calls.Add(1)
		return nil, nil
	})
	d := New(exec, Config{MaxConcurrent: 2})
	ctx := context.Background()
	require.NoError(t, d.Start(ctx))

	for range 5 {
		_, err := d.Enqueue(ctx, "op", nil, Options{})
		require.NoError(t, err)
	}
	require.NoError(t, d.Drain(ctx))
	assert.Equal(t, int32(5), calls.Load())

	_, err := d.Enqueue(ctx, "op", nil, Options{})
	require.NoError(t, err)
	require.NoError(t, d.Close(ctx))
	assert.Equal(t, int32(6), calls.Load())
	assert.True(t, d.Status().Closed)
}

func TestDispatcher_CloseTimeout(t *testing.T) {
	started := make(chan struct{}, 1)
	exec := ExecutorFunc(func(ctx context.Context, _ Request) (json.RawMessage, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d := New(exec, Config{MaxConcurrent: 1, Fault: fastFault(0, nil)})
	bg := context.Background()
	require.NoError(t, d.Start(bg))

	running, err := d.Enqueue(bg, "op", nil, Options{})
	require.NoError(t, err)
	queued, err := d.Enqueue(bg, "op", nil, Options{})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(bg, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)

	res, ok := queued.Result()
	require.True(t, ok)
	assert.ErrorIs(t, res.Err, ErrClosed)

	res, ok = running.Result()
	require.True(t, ok)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Zero(t, d.Fault().DeadLetters().Len())
}

func TestDispatcher_Events(t *testing.T) {
	rec := &recorder{}
	d := newStarted(t, okExecutor(nil), Config{Observer: rec})

	_, err := d.Submit(context.Background(), "op", nil, Options{BatchID: "b", Priority: 3})
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var types []event.Type
	for _, e := range rec.events {
		types = append(types, e.Type)
		assert.Equal(t, "b", e.BatchID)
		assert.Equal(t, 3, e.Priority)
	}
	assert.ElementsMatch(t, []event.Type{event.JobSubmitted, event.JobStarted, event.JobCompleted}, types)
}
