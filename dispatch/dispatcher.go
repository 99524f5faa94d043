package dispatch

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonwraymond/actionrun/event"
	"github.com/jonwraymond/actionrun/health"
	"github.com/jonwraymond/actionrun/observe"
	"github.com/jonwraymond/actionrun/resilience"
)

// ErrDuplicateJob is returned when Options.ID names a job that is still
// queued or running.
var ErrDuplicateJob = errors.New("dispatch: duplicate job id")

// Request is one attempt of a job, as handed to the Executor.
type Request struct {
	JobID       string
	OperationID string
	Params      map[string]any
	AppID       string
	Timeout     time.Duration
	Attempt     int
}

// Executor performs one attempt against the remote service.
type Executor interface {
	Execute(ctx context.Context, req Request) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (json.RawMessage, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// Validator checks parameters before a job is queued. Errors should wrap
// resilience.ErrValidation.
type Validator interface {
	Validate(ctx context.Context, operationID string, params map[string]any) error
}

// Config configures a Dispatcher.
type Config struct {
	// MaxConcurrent is the number of jobs that may run at once. Default: 5.
	MaxConcurrent int

	// MaxQueueSize bounds the number of queued, not yet started jobs.
	// Default: 1000.
	MaxQueueSize int

	// DefaultTimeout bounds each attempt of jobs without their own
	// timeout. Zero means no timeout.
	DefaultTimeout time.Duration

	// Fault runs every job. Default: a handler with the default retry
	// policy and dead-lettering enabled.
	Fault *resilience.FaultHandler

	// Limiters throttles attempts. Nil disables rate limiting.
	Limiters *resilience.LimiterSet

	// Validator, if set, checks parameters at Enqueue.
	Validator Validator

	// Middleware, if set, wraps each job in a span, metrics and a log line.
	Middleware *observe.Middleware

	Observer event.Observer
	Logger   observe.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 1000
	}
	if c.Fault == nil {
		c.Fault = resilience.NewFaultHandler(resilience.FaultHandlerConfig{
			Retry:      resilience.DefaultRetryPolicy(),
			DeadLetter: true,
			Observer:   c.Observer,
		})
	}
	return c
}

// Status is a point-in-time view of the dispatcher.
type Status struct {
	Queued         int     `json:"queued"`
	Active         int     `json:"active"`
	PeakActive     int     `json:"peak_active"`
	MaxConcurrent  int     `json:"max_concurrent"`
	MaxQueueSize   int     `json:"max_queue_size"`
	Utilization    float64 `json:"utilization"`
	PendingBatches int     `json:"pending_batches"`
	Closed         bool    `json:"closed"`

	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}

// Dispatcher owns the job queue and the worker slots.
//
// All queue state is guarded by mu, and no lock is held across a blocking
// call. The dispatch loop waits for work on wake and for a free slot on the
// bulkhead; completing jobs release their slot directly.
type Dispatcher struct {
	cfg        Config
	exec       Executor
	fault      *resilience.FaultHandler
	limiters   *resilience.LimiterSet
	validator  Validator
	middleware *observe.Middleware
	observer   event.Observer
	log        observe.Logger
	slots      *resilience.Bulkhead

	mu             sync.Mutex
	queue          jobQueue
	jobs           map[string]*Job // queued and active
	active         int
	seq            uint64
	pendingBatches int
	closed         bool
	started        bool
	changed        chan struct{} // closed and replaced on every state change

	submitted int64
	completed int64
	failed    int64
	cancelled int64

	wake      chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	loopDone  chan struct{}
	workers   sync.WaitGroup
	runCtx    context.Context
	runCancel context.CancelFunc
}

// New creates a Dispatcher that runs jobs through exec. Call Start to begin
// dequeuing.
func New(exec Executor, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:        cfg,
		exec:       exec,
		fault:      cfg.Fault,
		limiters:   cfg.Limiters,
		validator:  cfg.Validator,
		middleware: cfg.Middleware,
		observer:   event.OrNop(cfg.Observer),
		log:        observe.LoggerOrNop(cfg.Logger),
		slots:      resilience.NewBulkhead(resilience.BulkheadConfig{MaxConcurrent: cfg.MaxConcurrent}),
		jobs:       make(map[string]*Job),
		changed:    make(chan struct{}),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		runCtx:     runCtx,
		runCancel:  runCancel,
	}
}

// Fault returns the fault handler jobs run through.
func (d *Dispatcher) Fault() *resilience.FaultHandler {
	return d.fault
}

// Start launches the dispatch loop. It stops dequeuing when ctx is done or
// the dispatcher is closed. Calling Start more than once is a no-op.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if d.started {
		return nil
	}
	d.started = true
	go d.loop(ctx)
	return nil
}

// Enqueue validates and queues a job, returning its Ticket without waiting.
// A full queue rejects with ErrQueueFull and leaves the queue unchanged.
func (d *Dispatcher) Enqueue(ctx context.Context, operationID string, params map[string]any, opts Options) (*Ticket, error) {
	if operationID == "" {
		return nil, ErrEmptyOperation
	}
	if d.isClosed() {
		return nil, ErrClosed
	}
	if d.validator != nil {
		if err := d.validator.Validate(ctx, operationID, params); err != nil {
			return nil, err
		}
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	j := &Job{
		ID:          id,
		OperationID: operationID,
		Params:      params,
		Priority:    opts.Priority,
		BatchID:     opts.BatchID,
		AppID:       opts.AppID,
		Timeout:     opts.Timeout,
		SubmittedAt: time.Now(),
		ticket:      newTicket(id),
	}

	d.mu.Lock()
	switch {
	case d.closed:
		d.mu.Unlock()
		return nil, ErrClosed
	case d.jobs[id] != nil:
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	case d.queue.Len() >= d.cfg.MaxQueueSize:
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %d jobs queued", ErrQueueFull, d.cfg.MaxQueueSize)
	}
	d.seq++
	j.seq = d.seq
	heap.Push(&d.queue, j)
	d.jobs[id] = j
	d.submitted++
	d.notifyLocked()
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}

	e := jobEvent(event.JobSubmitted, j)
	e.Time = j.SubmittedAt
	d.observer.Notify(e)
	return j.ticket, nil
}

// Submit enqueues a job and waits for its result. If ctx ends first, the
// job is cancelled when it has not started yet.
func (d *Dispatcher) Submit(ctx context.Context, operationID string, params map[string]any, opts Options) (Result, error) {
	t, err := d.Enqueue(ctx, operationID, params, opts)
	if err != nil {
		return Result{}, err
	}
	res, err := t.Wait(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		d.CancelJob(t.ID())
	}
	return res, err
}

// Replay queues a dead-lettered job again as a new job with the same
// operation, parameters, priority, app and timeout.
func (d *Dispatcher) Replay(ctx context.Context, entry resilience.DeadLetterEntry) (*Ticket, error) {
	params := make(map[string]any, len(entry.Job.Params))
	for k, v := range entry.Job.Params {
		params[k] = v
	}
	return d.Enqueue(ctx, entry.Job.OperationID, params, Options{
		Priority: entry.Job.Priority,
		AppID:    entry.Job.AppID,
		Timeout:  entry.Job.Timeout,
	})
}

// Cancel removes every queued job for operationID and resolves their
// tickets with ErrCancelled. Running jobs are not affected. It returns the
// number of jobs removed.
func (d *Dispatcher) Cancel(operationID string) int {
	return d.cancelWhere(ErrCancelled, func(j *Job) bool { return j.OperationID == operationID })
}

// CancelBatch removes every queued job of batchID.
func (d *Dispatcher) CancelBatch(batchID string) int {
	if batchID == "" {
		return 0
	}
	return d.cancelWhere(ErrCancelled, func(j *Job) bool { return j.BatchID == batchID })
}

// CancelJob removes a single queued job. It reports false when the job is
// unknown or already running.
func (d *Dispatcher) CancelJob(jobID string) bool {
	d.mu.Lock()
	j, ok := d.jobs[jobID]
	if !ok || j.index < 0 {
		d.mu.Unlock()
		return false
	}
	heap.Remove(&d.queue, j.index)
	d.dropLocked(j, ErrCancelled)
	d.notifyLocked()
	d.mu.Unlock()

	d.notifyCancelled(j, ErrCancelled)
	return true
}

func (d *Dispatcher) cancelWhere(reason error, pred func(*Job) bool) int {
	d.mu.Lock()
	removed := d.queue.removeWhere(pred)
	for _, j := range removed {
		d.dropLocked(j, reason)
	}
	if len(removed) > 0 {
		d.notifyLocked()
	}
	d.mu.Unlock()

	for _, j := range removed {
		d.notifyCancelled(j, reason)
	}
	return len(removed)
}

// dropLocked resolves a job removed from the queue. Requires d.mu.
func (d *Dispatcher) dropLocked(j *Job, reason error) {
	j.cancelled = true
	delete(d.jobs, j.ID)
	d.cancelled++
	j.ticket.resolve(Result{
		JobID:       j.ID,
		OperationID: j.OperationID,
		BatchID:     j.BatchID,
		Err:         fmt.Errorf("%w: job %s", reason, j.ID),
		SubmittedAt: j.SubmittedAt,
		FinishedAt:  time.Now(),
	})
}

func (d *Dispatcher) notifyCancelled(j *Job, reason error) {
	d.observer.Notify(jobEvent(event.JobCancelled, j).WithErr(reason))
}

// Job returns a snapshot of a queued or running job.
func (d *Dispatcher) Job(jobID string) (JobInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	j, ok := d.jobs[jobID]
	if !ok {
		return JobInfo{}, false
	}
	state := StateActive
	if j.index >= 0 {
		state = StateQueued
	}
	return JobInfo{
		ID:          j.ID,
		OperationID: j.OperationID,
		State:       state,
		Priority:    j.Priority,
		BatchID:     j.BatchID,
		AppID:       j.AppID,
		Attempts:    j.attempts,
		SubmittedAt: j.SubmittedAt,
	}, true
}

// Status returns the current queue and slot usage.
func (d *Dispatcher) Status() Status {
	slots := d.slots.Metrics()

	d.mu.Lock()
	defer d.mu.Unlock()

	return Status{
		Queued:         d.queue.Len(),
		Active:         d.active,
		PeakActive:     slots.MaxActive,
		MaxConcurrent:  d.cfg.MaxConcurrent,
		MaxQueueSize:   d.cfg.MaxQueueSize,
		Utilization:    float64(d.active) / float64(d.cfg.MaxConcurrent),
		PendingBatches: d.pendingBatches,
		Closed:         d.closed,
		Submitted:      d.submitted,
		Completed:      d.completed,
		Failed:         d.failed,
		Cancelled:      d.cancelled,
	}
}

// QueueUsage reports queue occupancy for health.SaturationChecker.
func (d *Dispatcher) QueueUsage() health.Usage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return health.Usage{Used: d.queue.Len(), Capacity: d.cfg.MaxQueueSize}
}

// Drain blocks until no job is queued or running and no batch is pending,
// or until ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	for {
		d.mu.Lock()
		idle := d.queue.Len() == 0 && d.active == 0 && d.pendingBatches == 0
		changed := d.changed
		d.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops accepting jobs and waits for queued and running jobs to
// finish. If ctx ends first, queued jobs are resolved with ErrClosed,
// running jobs have their context cancelled, and ctx's error is returned
// once the workers have exited.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	started := d.started
	d.notifyLocked()
	d.mu.Unlock()

	var err error
	if started {
		err = d.Drain(ctx)
	}
	if err != nil || !started {
		d.cancelWhere(ErrClosed, func(*Job) bool { return true })
	}
	if err != nil {
		d.log.Warn(context.Background(), "dispatcher close timed out, cancelling running jobs", observe.Err(err))
		d.runCancel()
	}

	d.stopOnce.Do(func() { close(d.stop) })
	if started {
		<-d.loopDone
	}
	d.workers.Wait()
	d.runCancel()
	return err
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// notifyLocked wakes Drain waiters. Requires d.mu.
func (d *Dispatcher) notifyLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.loopDone)

	for {
		if !d.waitForWork(ctx) {
			return
		}
		if err := d.slots.Acquire(ctx); err != nil {
			return
		}
		j := d.pop()
		if j == nil {
			d.slots.Release()
			continue
		}
		d.workers.Add(1)
		go d.run(j)
	}
}

func (d *Dispatcher) waitForWork(ctx context.Context) bool {
	for {
		d.mu.Lock()
		n := d.queue.Len()
		d.mu.Unlock()
		if n > 0 {
			select {
			case <-d.stop:
				return false
			default:
				return true
			}
		}
		select {
		case <-d.wake:
		case <-d.stop:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// pop takes the highest-priority job and marks it active.
func (d *Dispatcher) pop() *Job {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.queue.Len() == 0 {
		return nil
	}
	j := heap.Pop(&d.queue).(*Job)
	d.active++
	d.notifyLocked()
	return j
}

func (d *Dispatcher) run(j *Job) {
	defer d.workers.Done()

	started := time.Now()
	e := jobEvent(event.JobStarted, j)
	e.Time = started
	d.observer.Notify(e)

	value, err := d.execute(j)
	finished := time.Now()

	// j.attempts is only written from this goroutine.
	done := jobEvent(event.JobCompleted, j)
	if err != nil {
		done = jobEvent(event.JobFailed, j).WithErr(err)
		done.ErrorKind = string(resilience.Classify(err))
		d.log.Warn(d.runCtx, "job failed",
			observe.F("job_id", j.ID),
			observe.F("operation_id", j.OperationID),
			observe.F("attempts", j.attempts),
			observe.Err(err),
		)
	}
	done.Time = finished
	done.Attempt = j.attempts
	done.Duration = finished.Sub(started)
	d.observer.Notify(done)

	d.mu.Lock()
	delete(d.jobs, j.ID)
	d.active--
	if err == nil {
		d.completed++
	} else {
		d.failed++
	}
	j.ticket.resolve(Result{
		JobID:       j.ID,
		OperationID: j.OperationID,
		BatchID:     j.BatchID,
		Value:       value,
		Err:         err,
		Attempts:    j.attempts,
		SubmittedAt: j.SubmittedAt,
		StartedAt:   started,
		FinishedAt:  finished,
	})
	d.notifyLocked()
	d.mu.Unlock()
	d.slots.Release()
}

func (d *Dispatcher) execute(j *Job) (json.RawMessage, error) {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}
	snapshot := j.snapshot()

	fn := func(ctx context.Context, _ observe.OperationMeta, params map[string]any) (any, error) {
		return resilience.Do(ctx, d.fault, j.OperationID, snapshot, func(ctx context.Context) (json.RawMessage, error) {
			attempt := resilience.AttemptFromContext(ctx)
			d.mu.Lock()
			j.attempts = attempt
			d.mu.Unlock()

			if d.limiters != nil {
				if err := d.limiters.Acquire(ctx, j.AppID); err != nil {
					return nil, err
				}
			}
			return resilience.CallWithTimeout(ctx, timeout, func(ctx context.Context) (json.RawMessage, error) {
				return d.exec.Execute(ctx, Request{
					JobID:       j.ID,
					OperationID: j.OperationID,
					Params:      params,
					AppID:       j.AppID,
					Timeout:     timeout,
					Attempt:     attempt,
				})
			})
		})
	}
	if d.middleware != nil {
		fn = d.middleware.Wrap(fn)
	}

	meta := observe.OperationMeta{
		OperationID: j.OperationID,
		JobID:       j.ID,
		AppID:       j.AppID,
		BatchID:     j.BatchID,
		Priority:    j.Priority,
	}
	v, err := fn(d.runCtx, meta, j.Params)
	raw, _ := v.(json.RawMessage)
	return raw, err
}

func jobEvent(t event.Type, j *Job) event.Event {
	e := event.New(t)
	e.JobID = j.ID
	e.OperationID = j.OperationID
	e.BatchID = j.BatchID
	e.Priority = j.Priority
	e.AppID = j.AppID
	return e
}
