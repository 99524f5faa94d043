package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means the circuit is operating normally.
	StateClosed State = iota
	// StateOpen means the circuit is blocking all requests.
	StateOpen
	// StateHalfOpen means the open timeout elapsed and a limited number of
	// probe requests may test whether the operation recovered.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the circuit.
	// Default: 5
	Threshold int

	// Timeout is how long an open circuit rejects calls before probing.
	// Default: 60 seconds
	Timeout time.Duration

	// HalfOpenMaxRequests is the number of probe calls allowed once the
	// timeout has elapsed. The circuit closes on the first successful probe
	// and reopens on the first failed one.
	// Default: 1
	HalfOpenMaxRequests int

	// OnStateChange is called when a circuit changes state. It runs with the
	// breaker's lock held and must not call back into the breaker.
	OnStateChange func(change StateChange)

	// IsFailure determines if an error counts toward the threshold.
	// Default: any non-nil error except context.Canceled.
	IsFailure func(err error) bool
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.HalfOpenMaxRequests <= 0 {
		c.HalfOpenMaxRequests = 1
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}
	}
	return c
}

// StateChange describes one circuit transition.
type StateChange struct {
	OperationKey string
	From         State
	To           State
	Failures     int
	At           time.Time
}

// CircuitState is a snapshot of one operation's circuit.
type CircuitState struct {
	OperationKey        string    `json:"operation_key"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
}

// CircuitBreaker guards a single operation key.
type CircuitBreaker struct {
	key    string
	config CircuitBreakerConfig

	mu            sync.Mutex
	state         State
	generation    uint64
	failures      int
	openedAt      time.Time
	lastFailure   time.Time
	halfOpenCount int
}

// Ticket identifies the circuit generation a call was admitted under.
// Every state transition starts a new generation, and outcomes recorded
// with a ticket from an earlier generation are ignored.
type Ticket struct {
	generation uint64
}

// NewCircuitBreaker creates a circuit breaker for key.
func NewCircuitBreaker(key string, config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		key:    key,
		config: config.withDefaults(),
		state:  StateClosed,
	}
}

// Key returns the operation key guarded by this breaker.
func (cb *CircuitBreaker) Key() string {
	return cb.key
}

// Allow reports whether a call may proceed. It returns ErrCircuitOpen while
// the circuit is open, or while half-open and every probe slot is taken.
// The returned ticket must be passed to Record with the call's outcome.
func (cb *CircuitBreaker) Allow() (Ticket, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentStateLocked() {
	case StateOpen:
		return Ticket{}, ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenCount >= cb.config.HalfOpenMaxRequests {
			return Ticket{}, ErrCircuitOpen
		}
		cb.halfOpenCount++
	}
	return Ticket{generation: cb.generation}, nil
}

// Record reports the outcome of a call admitted by Allow. A call admitted
// before the circuit last changed state does not affect it.
func (cb *CircuitBreaker) Record(t Ticket, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.currentStateLocked()
	if t.generation != cb.generation {
		return
	}

	isFailure := cb.config.IsFailure(err)

	switch cb.state {
	case StateClosed:
		if isFailure {
			cb.failures++
			cb.lastFailure = time.Now()
			if cb.failures >= cb.config.Threshold {
				cb.transitionLocked(StateOpen)
			}
		} else if err == nil {
			cb.failures = 0
		}

	case StateHalfOpen:
		if isFailure {
			cb.failures++
			cb.lastFailure = time.Now()
			cb.transitionLocked(StateOpen)
		} else if err == nil {
			cb.failures = 0
			cb.transitionLocked(StateClosed)
		} else if cb.halfOpenCount > 0 {
			// Cancelled probe: give the slot back.
			cb.halfOpenCount--
		}
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentStateLocked()
}

// Reset forces the circuit closed and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state != StateClosed {
		cb.transitionLocked(StateClosed)
	}
}

// Snapshot returns the breaker's current state.
func (cb *CircuitBreaker) Snapshot() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitState{
		OperationKey:        cb.key,
		State:               cb.currentStateLocked(),
		ConsecutiveFailures: cb.failures,
		OpenedAt:            cb.openedAt,
		LastFailure:         cb.lastFailure,
	}
}

func (cb *CircuitBreaker) currentStateLocked() State {
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.config.Timeout {
		cb.transitionLocked(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	from := cb.state
	cb.state = to
	cb.generation++

	switch to {
	case StateOpen:
		cb.openedAt = time.Now()
	case StateHalfOpen:
		cb.halfOpenCount = 0
	case StateClosed:
		cb.openedAt = time.Time{}
		cb.halfOpenCount = 0
	}

	if from != to && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(StateChange{
			OperationKey: cb.key,
			From:         from,
			To:           to,
			Failures:     cb.failures,
			At:           time.Now(),
		})
	}
}

// Circuits is a registry of circuit breakers keyed by operation.
// Breakers are created lazily on first use and share one configuration.
type Circuits struct {
	config CircuitBreakerConfig

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewCircuits creates an empty registry.
func NewCircuits(config CircuitBreakerConfig) *Circuits {
	return &Circuits{
		config:   config.withDefaults(),
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for key, creating it if needed.
func (c *Circuits) Get(key string) *CircuitBreaker {
	c.mu.RLock()
	cb, ok := c.breakers[key]
	c.mu.RUnlock()
	if ok {
		return cb
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok = c.breakers[key]; !ok {
		cb = NewCircuitBreaker(key, c.config)
		c.breakers[key] = cb
	}
	return cb
}

// Lookup returns the breaker for key without creating one.
func (c *Circuits) Lookup(key string) (*CircuitBreaker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cb, ok := c.breakers[key]
	return cb, ok
}

// Reset closes the circuit for key. It reports whether the key was known.
func (c *Circuits) Reset(key string) bool {
	cb, ok := c.Lookup(key)
	if ok {
		cb.Reset()
	}
	return ok
}

// ResetAll closes every circuit and returns how many were not closed.
func (c *Circuits) ResetAll() int {
	c.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(c.breakers))
	for _, cb := range c.breakers {
		breakers = append(breakers, cb)
	}
	c.mu.RUnlock()

	n := 0
	for _, cb := range breakers {
		if cb.State() != StateClosed {
			n++
		}
		cb.Reset()
	}
	return n
}

// Snapshot returns the state of every known circuit, sorted by key.
func (c *Circuits) Snapshot() []CircuitState {
	c.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(c.breakers))
	for _, cb := range c.breakers {
		breakers = append(breakers, cb)
	}
	c.mu.RUnlock()

	states := make([]CircuitState, 0, len(breakers))
	for _, cb := range breakers {
		states = append(states, cb.Snapshot())
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].OperationKey < states[j].OperationKey
	})
	return states
}

// Open returns the keys whose circuit is currently open or half-open.
func (c *Circuits) Open() []string {
	var keys []string
	for _, s := range c.Snapshot() {
		if s.State != StateClosed {
			keys = append(keys, s.OperationKey)
		}
	}
	return keys
}
