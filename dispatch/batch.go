package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BatchItem is one job of a batch.
type BatchItem struct {
	OperationID string         `json:"operation_id" validate:"required"`
	Params      map[string]any `json:"params,omitempty"`

	// Priority overrides the batch priority when set.
	Priority *int `json:"priority,omitempty"`
}

// BatchResult holds one Result per item, in item order.
type BatchResult struct {
	BatchID   string   `json:"batch_id"`
	Results   []Result `json:"results"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
}

// Err joins the errors of every failed item, or returns nil.
func (b BatchResult) Err() error {
	var errs []error
	for _, r := range b.Results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("item %s (%s): %w", r.JobID, r.OperationID, r.Err))
		}
	}
	return errors.Join(errs...)
}

// SubmitBatch enqueues every item under one batch id and waits for all of
// them. An item that cannot be queued, for example because the queue is
// full, fails on its own without affecting the others. The returned error
// is non-nil only when the dispatcher is closed or ctx ends; in the latter
// case the batch's queued jobs are cancelled and the partial result is
// returned.
func (d *Dispatcher) SubmitBatch(ctx context.Context, items []BatchItem, opts Options) (BatchResult, error) {
	batchID := opts.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return BatchResult{BatchID: batchID}, ErrClosed
	}
	d.pendingBatches++
	d.notifyLocked()
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.pendingBatches--
		d.notifyLocked()
		d.mu.Unlock()
	}()

	out := BatchResult{BatchID: batchID, Results: make([]Result, len(items))}
	tickets := make([]*Ticket, len(items))
	for i, item := range items {
		o := opts
		o.BatchID = batchID
		o.ID = ""
		if item.Priority != nil {
			o.Priority = *item.Priority
		}
		t, err := d.Enqueue(ctx, item.OperationID, item.Params, o)
		if err != nil {
			out.Results[i] = failedResult(item.OperationID, batchID, err)
			continue
		}
		tickets[i] = t
	}

	for i, t := range tickets {
		if t == nil {
			continue
		}
		r, err := t.Wait(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			d.CancelBatch(batchID)
			out.Results[i] = failedResult(items[i].OperationID, batchID, err)
			out.Results[i].JobID = t.ID()
			out.tally()
			return out, err
		}
		out.Results[i] = r
	}
	out.tally()
	return out, nil
}

func (b *BatchResult) tally() {
	b.Succeeded, b.Failed = 0, 0
	for _, r := range b.Results {
		switch {
		case r.Err != nil:
			b.Failed++
		case !r.FinishedAt.IsZero():
			b.Succeeded++
		}
	}
}

func failedResult(operationID, batchID string, err error) Result {
	r := Result{
		OperationID: operationID,
		BatchID:     batchID,
		FinishedAt:  time.Now(),
	}
	r.setErr(err)
	return r
}
