// Package dispatch runs remote action jobs from a bounded priority queue
// through a fixed number of concurrent slots.
//
// Jobs start in descending priority order, FIFO within a priority. Each
// started job holds a slot for its whole life, including retries. Every
// attempt acquires a rate-limit slot and is raced against its timeout
// inside the fault handler, so callers only see the final outcome. A full
// queue rejects with ErrQueueFull; it is the caller's signal to back off.
//
// Cancellation is cooperative: Cancel and CancelJob remove jobs that have
// not started, and never interrupt running ones.
package dispatch
