package resilience

import (
	"sync"
	"time"
)

// ErrCircuitOpen is returned without any network attempt while a breaker
// rejects calls.
var ErrCircuitOpen = New(CategoryUnavailable, "circuit breaker open")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker guards one named external dependency. It opens after
// Threshold consecutive failures, rejects calls for CoolDown, then
// half-opens to let a single probe through: success closes it, failure
// reopens it.
type CircuitBreaker struct {
	name      string
	threshold int
	coolDown  time.Duration

	mu            sync.Mutex
	state         breakerState
	failures      int
	openedAt      time.Time
	probeInFlight bool

	now func() time.Time // test hook
}

func NewCircuitBreaker(name string, threshold int, coolDown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &CircuitBreaker{
		name:      name,
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
	}
}

func (b *CircuitBreaker) Name() string { return b.name }

// Allow reports whether a call may proceed. In half-open state only one
// probe is admitted at a time.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.now().Sub(b.openedAt) >= b.coolDown {
			b.state = stateHalfOpen
			b.probeInFlight = true
			return true
		}
		return false
	case stateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateClosed
	b.failures = 0
	b.probeInFlight = false
}

// RecordFailure counts a failure; at the threshold (or on a failed probe)
// the breaker opens.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateHalfOpen {
		b.state = stateOpen
		b.openedAt = b.now()
		b.probeInFlight = false
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.state = stateOpen
		b.openedAt = b.now()
	}
}

// Registry hands out one breaker per dependency name.
type Registry struct {
	threshold int
	coolDown  time.Duration

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

func NewRegistry(threshold int, coolDown time.Duration) *Registry {
	return &Registry{
		threshold: threshold,
		coolDown:  coolDown,
		breakers:  make(map[string]*CircuitBreaker),
	}
}

func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewCircuitBreaker(name, r.threshold, r.coolDown)
	r.breakers[name] = b
	return b
}
