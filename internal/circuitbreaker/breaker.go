package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgehop/gateway/internal/config"
	"github.com/edgehop/gateway/internal/errors"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Testing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// StateChange is emitted on every breaker transition.
type StateChange struct {
	Backend string
	From    State
	To      State
}

// Breaker implements the circuit breaker pattern for one backend URL.
type Breaker struct {
	backend string

	mu               sync.Mutex
	state            State
	failureCount     int // consecutive failures while closed
	successCount     int // successes while half-open
	halfOpenInFlight int
	openedAt         time.Time

	failureThreshold int
	successThreshold int
	halfOpenRequests int
	timeout          time.Duration

	onChange func(StateChange)

	// Metrics (atomic for lock-free reads)
	totalRequests   atomic.Int64
	totalSuccesses  atomic.Int64
	totalFailures   atomic.Int64
	totalRejected   atomic.Int64
	totalTimeouts   atomic.Int64
	openedCount     atomic.Int64
	closedCount     atomic.Int64
	halfOpenedCount atomic.Int64
}

// NewBreaker creates a circuit breaker with the given tunables. Zero
// fields fall back to the documented defaults.
func NewBreaker(backend string, cfg config.CircuitBreakerConfig, onChange func(StateChange)) *Breaker {
	cfg = cfg.Merged(config.DefaultCircuitBreakerConfig())

	return &Breaker{
		backend:          backend,
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		halfOpenRequests: cfg.HalfOpenRequests,
		timeout:          time.Duration(cfg.TimeoutSecs) * time.Second,
		onChange:         onChange,
	}
}

// Allow checks whether a request may pass. An open breaker whose
// timeout has elapsed transitions to half-open and admits the caller
// as the first probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests.Add(1)

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.openedAt) >= b.timeout {
			b.transition(StateHalfOpen)
			b.halfOpenInFlight = 1
			b.successCount = 0
			b.failureCount = 0
			return nil
		}
		b.totalRejected.Add(1)
		return errors.ErrCircuitOpen

	case StateHalfOpen:
		if b.halfOpenInFlight < b.halfOpenRequests {
			b.halfOpenInFlight++
			return nil
		}
		b.totalRejected.Add(1)
		return errors.ErrCircuitOpen
	}

	b.totalRejected.Add(1)
	return errors.ErrCircuitOpen
}

// RecordRejected accounts an admitted request that was short-circuited
// before reaching the backend.
func (b *Breaker) RecordRejected() {
	b.totalRejected.Add(1)
}

// RecordSuccess records a successful upstream outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses.Add(1)

	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.transition(StateClosed)
			b.failureCount = 0
			b.successCount = 0
			b.halfOpenInFlight = 0
		}
	}
}

// RecordFailure records a failed upstream outcome. timeout selects the
// timeout counter instead of the failure counter; both count toward
// the state machine identically.
func (b *Breaker) RecordFailure(timeout bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if timeout {
		b.totalTimeouts.Add(1)
	} else {
		b.totalFailures.Add(1)
	}

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.transition(StateOpen)
			b.openedAt = time.Now()
		}

	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.transition(StateOpen)
		b.openedAt = time.Now()
		b.successCount = 0
		b.halfOpenInFlight = 0
	}
}

// transition moves to a new state and emits the change event.
// Caller must hold the lock.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	switch to {
	case StateOpen:
		b.openedCount.Add(1)
	case StateClosed:
		b.closedCount.Add(1)
	case StateHalfOpen:
		b.halfOpenedCount.Add(1)
	}

	if b.onChange != nil {
		change := StateChange{Backend: b.backend, From: from, To: to}
		go b.onChange(change)
	}
}

// State returns the current state. The value may be slightly stale.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a point-in-time view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Backend:          b.backend,
		State:            b.state.String(),
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		FailureThreshold: b.failureThreshold,
		SuccessThreshold: b.successThreshold,
		TotalRequests:    b.totalRequests.Load(),
		Successful:       b.totalSuccesses.Load(),
		Failed:           b.totalFailures.Load(),
		Rejected:         b.totalRejected.Load(),
		Timeouts:         b.totalTimeouts.Load(),
		OpenedCount:      b.openedCount.Load(),
		ClosedCount:      b.closedCount.Load(),
		HalfOpenedCount:  b.halfOpenedCount.Load(),
	}
}

// Snapshot is a point-in-time view of a circuit breaker
type Snapshot struct {
	Backend          string `json:"backend"`
	State            string `json:"state"`
	FailureCount     int    `json:"failure_count"`
	SuccessCount     int    `json:"success_count"`
	FailureThreshold int    `json:"failure_threshold"`
	SuccessThreshold int    `json:"success_threshold"`
	TotalRequests    int64  `json:"total_requests"`
	Successful       int64  `json:"successful"`
	Failed           int64  `json:"failed"`
	Rejected         int64  `json:"rejected"`
	Timeouts         int64  `json:"timeouts"`
	OpenedCount      int64  `json:"opened_count"`
	ClosedCount      int64  `json:"closed_count"`
	HalfOpenedCount  int64  `json:"half_opened_count"`
}

// Registry manages one breaker per backend URL.
type Registry struct {
	defaults config.CircuitBreakerConfig
	onChange func(StateChange)

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a breaker registry with default tunables.
func NewRegistry(defaults config.CircuitBreakerConfig, onChange func(StateChange)) *Registry {
	return &Registry{
		defaults: defaults,
		onChange: onChange,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a backend URL, creating it on first use.
// override, when non-nil, tunes the breaker created for this backend.
func (r *Registry) Get(backendURL string, override *config.CircuitBreakerConfig) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[backendURL]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[backendURL]; ok {
		return b
	}

	cfg := r.defaults
	if override != nil {
		cfg = override.Merged(r.defaults)
	}
	b = NewBreaker(backendURL, cfg, r.onChange)
	r.breakers[backendURL] = b
	return b
}

// Snapshots returns snapshots of all breakers keyed by backend URL.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]Snapshot, len(r.breakers))
	for url, b := range r.breakers {
		result[url] = b.Snapshot()
	}
	return result
}
