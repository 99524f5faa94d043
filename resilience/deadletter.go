package resilience

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobSnapshot is a copy of the job fields needed to report on or replay a
// job once it has left the dispatcher.
type JobSnapshot struct {
	ID          string         `json:"id"`
	OperationID string         `json:"operation_id"`
	Params      map[string]any `json:"params,omitempty"`
	Priority    int            `json:"priority"`
	BatchID     string         `json:"batch_id,omitempty"`
	AppID       string         `json:"app_id,omitempty"`
	Timeout     time.Duration  `json:"timeout,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
	Attempts    int            `json:"attempts"`
}

// DeadLetterEntry records a job that failed for good.
type DeadLetterEntry struct {
	ID           string      `json:"id"`
	Job          JobSnapshot `json:"job"`
	OperationKey string      `json:"operation_key"`
	Kind         Kind        `json:"kind"`
	Error        string      `json:"error"`
	Err          error       `json:"-"`
	FailedAt     time.Time   `json:"failed_at"`
}

// DeadLetterQueue is a bounded ring of dead-letter entries. Once full, each
// Push evicts the oldest entry.
type DeadLetterQueue struct {
	mu      sync.Mutex
	entries []DeadLetterEntry
	head    int // index of the oldest entry
	size    int
	evicted int64
}

// NewDeadLetterQueue creates a ring holding up to capacity entries.
// Default capacity: 1000
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &DeadLetterQueue{entries: make([]DeadLetterEntry, capacity)}
}

// Push appends an entry, assigning an ID and timestamp when missing, and
// returns the stored entry.
func (q *DeadLetterQueue) Push(e DeadLetterEntry) DeadLetterEntry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.FailedAt.IsZero() {
		e.FailedAt = time.Now()
	}
	if e.Error == "" && e.Err != nil {
		e.Error = e.Err.Error()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	capacity := len(q.entries)
	if q.size < capacity {
		q.entries[(q.head+q.size)%capacity] = e
		q.size++
		return e
	}

	q.entries[q.head] = e
	q.head = (q.head + 1) % capacity
	q.evicted++
	return e
}

// List returns up to limit entries, newest first. A non-positive limit
// returns every entry.
func (q *DeadLetterQueue) List(limit int) []DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.size
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]DeadLetterEntry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, q.at(q.size-1-i))
	}
	return out
}

// Get returns the entry with the given ID.
func (q *DeadLetterQueue) Get(id string) (DeadLetterEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := 0; i < q.size; i++ {
		if e := q.at(i); e.ID == id {
			return e, true
		}
	}
	return DeadLetterEntry{}, false
}

// Remove deletes the entry with the given ID, preserving the order of the
// rest. It reports whether the entry was found.
func (q *DeadLetterQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := -1
	for i := 0; i < q.size; i++ {
		if q.at(i).ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	capacity := len(q.entries)
	for i := idx; i < q.size-1; i++ {
		q.entries[(q.head+i)%capacity] = q.at(i + 1)
	}
	q.entries[(q.head+q.size-1)%capacity] = DeadLetterEntry{}
	q.size--
	return true
}

// Len returns the number of stored entries.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the ring capacity.
func (q *DeadLetterQueue) Cap() int {
	return len(q.entries)
}

// Evicted returns how many entries were dropped to make room.
func (q *DeadLetterQueue) Evicted() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}

// at returns the i-th oldest entry. Caller holds q.mu.
func (q *DeadLetterQueue) at(i int) DeadLetterEntry {
	return q.entries[(q.head+i)%len(q.entries)]
}
