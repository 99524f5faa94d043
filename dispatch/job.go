package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jonwraymond/actionrun/resilience"
)

// Options are the per-job submission options.
type Options struct {
	// Priority orders the queue; higher starts sooner.
	Priority int

	// BatchID groups jobs submitted together.
	BatchID string

	// Timeout bounds each attempt. Zero uses the dispatcher default.
	Timeout time.Duration

	// AppID selects the connected app and, under per-app scope, the rate
	// limiter.
	AppID string

	// ID overrides the generated job id.
	ID string
}

// Job is a unit of work waiting in or running from the dispatcher.
// The dispatcher owns it; callers see JobInfo snapshots and Tickets.
type Job struct {
	ID          string
	OperationID string
	Params      map[string]any
	Priority    int
	BatchID     string
	AppID       string
	Timeout     time.Duration
	SubmittedAt time.Time

	seq       uint64
	index     int // heap position, -1 once popped
	attempts  int
	cancelled bool
	ticket    *Ticket
}

func (j *Job) snapshot() resilience.JobSnapshot {
	return resilience.JobSnapshot{
		ID:          j.ID,
		OperationID: j.OperationID,
		Params:      j.Params,
		Priority:    j.Priority,
		BatchID:     j.BatchID,
		AppID:       j.AppID,
		Timeout:     j.Timeout,
		SubmittedAt: j.SubmittedAt,
		Attempts:    j.attempts,
	}
}

// State is where a job is in its lifecycle.
type State string

const (
	StateQueued State = "queued"
	StateActive State = "active"
)

// JobInfo is a snapshot of a queued or running job.
type JobInfo struct {
	ID          string    `json:"id"`
	OperationID string    `json:"operation_id"`
	State       State     `json:"state"`
	Priority    int       `json:"priority"`
	BatchID     string    `json:"batch_id,omitempty"`
	AppID       string    `json:"app_id,omitempty"`
	Attempts    int       `json:"attempts"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Result is the final outcome of a job.
type Result struct {
	JobID       string          `json:"job_id"`
	OperationID string          `json:"operation_id"`
	BatchID     string          `json:"batch_id,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Err         error           `json:"-"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	Attempts    int             `json:"attempts"`
	SubmittedAt time.Time       `json:"submitted_at"`
	StartedAt   time.Time       `json:"started_at,omitzero"`
	FinishedAt  time.Time       `json:"finished_at"`
}

// Duration is the run time from start to finish; zero for jobs that never
// started.
func (r Result) Duration() time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *Result) setErr(err error) {
	r.Err = err
	if err != nil {
		r.Error = err.Error()
		r.ErrorKind = string(resilience.Classify(err))
	}
}

// Ticket is the caller's handle on a submitted job. It resolves exactly
// once.
type Ticket struct {
	id   string
	done chan struct{}
	once sync.Once
	res  Result
}

func newTicket(id string) *Ticket {
	return &Ticket{id: id, done: make(chan struct{})}
}

// ID returns the job id.
func (t *Ticket) ID() string { return t.id }

// Done is closed when the job has resolved.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the job resolves or ctx is done. The returned error is
// the job's error, or ctx's.
func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.res, t.res.Err
	case <-ctx.Done():
		return Result{JobID: t.id}, ctx.Err()
	}
}

// Result returns the outcome if the job has resolved.
func (t *Ticket) Result() (Result, bool) {
	select {
	case <-t.done:
		return t.res, true
	default:
		return Result{}, false
	}
}

func (t *Ticket) resolve(r Result) bool {
	resolved := false
	t.once.Do(func() {
		r.setErr(r.Err)
		t.res = r
		close(t.done)
		resolved = true
	})
	return resolved
}
