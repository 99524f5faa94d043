package event

import (
	"time"
)

// Type identifies a runtime event variant.
type Type string

const (
	JobSubmitted    Type = "job.submitted"
	JobStarted      Type = "job.started"
	JobRetried      Type = "job.retried"
	JobCompleted    Type = "job.completed"
	JobFailed       Type = "job.failed"
	JobCancelled    Type = "job.cancelled"
	JobDeadLettered Type = "job.deadlettered"

	CircuitOpened Type = "circuit.opened"
	CircuitClosed Type = "circuit.closed"

	ConnectionConnected    Type = "connection.connected"
	ConnectionUnhealthy    Type = "connection.unhealthy"
	ConnectionReconnected  Type = "connection.reconnected"
	ConnectionDisconnected Type = "connection.disconnected"
)

// Event is a structured notification emitted by the runtime.
//
// Only the fields relevant to the variant are populated; the rest are zero.
type Event struct {
	Type Type      `json:"type"`
	Time time.Time `json:"time"`

	// Job fields.
	JobID       string        `json:"job_id,omitempty"`
	OperationID string        `json:"operation_id,omitempty"`
	BatchID     string        `json:"batch_id,omitempty"`
	Priority    int           `json:"priority,omitempty"`
	Attempt     int           `json:"attempt,omitempty"`
	Delay       time.Duration `json:"delay,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`

	// Circuit fields.
	OperationKey string `json:"operation_key,omitempty"`
	Failures     int    `json:"failures,omitempty"`

	// Connection fields.
	AppID string `json:"app_id,omitempty"`

	// ErrorKind is the classified error kind, when the event carries a failure.
	ErrorKind string `json:"error_kind,omitempty"`
	// Error is the failure message. Err is kept for in-process observers.
	Error string `json:"error,omitempty"`
	Err   error  `json:"-"`
}

// New creates an event of the given type stamped with the current time.
func New(t Type) Event {
	return Event{Type: t, Time: time.Now()}
}

// WithErr attaches err to the event.
func (e Event) WithErr(err error) Event {
	if err != nil {
		e.Err = err
		e.Error = err.Error()
	}
	return e
}

// IsJob reports whether the event belongs to the job family.
func (t Type) IsJob() bool {
	switch t {
	case JobSubmitted, JobStarted, JobRetried, JobCompleted, JobFailed, JobCancelled, JobDeadLettered:
		return true
	}
	return false
}

// Observer receives runtime events.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Notify must not block; slow consumers should buffer or drop.
type Observer interface {
	Notify(e Event)
}

// ObserverFunc adapts an ordinary function to the Observer interface.
type ObserverFunc func(e Event)

// Notify calls f(e).
func (f ObserverFunc) Notify(e Event) { f(e) }

// Nop is an observer that discards every event.
var Nop Observer = ObserverFunc(func(Event) {})

// Multi fans an event out to several observers in order.
func Multi(observers ...Observer) Observer {
	list := make([]Observer, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	return ObserverFunc(func(e Event) {
		for _, o := range list {
			o.Notify(e)
		}
	})
}

// OrNop returns o, or Nop when o is nil.
func OrNop(o Observer) Observer {
	if o == nil {
		return Nop
	}
	return o
}
