package resilience

import (
	"errors"
	"sync"
	"time"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // invocations flow through
	CircuitOpen                         // failures exceeded threshold, invocations refused
	CircuitHalfOpen                     // one probe allowed
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	Threshold  int           // consecutive failures before opening; <= 0 disables the breaker
	ResetAfter time.Duration // wait before allowing a half-open probe
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Threshold:  5,
		ResetAfter: 5 * time.Minute,
	}
}

// CircuitBreaker tracks consecutive failures of one capability.
//
// Unlike a wrapping Execute API, callers ask Allow before invoking and
// Record afterwards, because the invocation itself may be abandoned on
// timeout and finish on another goroutine.
type CircuitBreaker struct {
	mu          sync.Mutex
	config      CircuitBreakerConfig
	state       CircuitState
	failures    int
	lastFailure time.Time
	now         func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{config: cfg, state: CircuitClosed, now: time.Now}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Allow returns ErrCircuitOpen while the breaker refuses invocations.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.config.Threshold <= 0 {
		return nil
	}
	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.lastFailure) < cb.config.ResetAfter {
			return ErrCircuitOpen
		}
		cb.state = CircuitHalfOpen
	}
	return nil
}

// Record feeds the outcome of an allowed invocation back into the breaker.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		cb.state = CircuitClosed
		return
	}

	cb.lastFailure = cb.now()
	cb.failures++
	switch cb.state {
	case CircuitClosed:
		if cb.config.Threshold > 0 && cb.failures >= cb.config.Threshold {
			cb.state = CircuitOpen
		}
	case CircuitHalfOpen:
		cb.state = CircuitOpen
	}
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.lastFailure = time.Time{}
	cb.state = CircuitClosed
}

// CircuitBreakerRegistry manages circuit breakers per capability.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	defaults CircuitBreakerConfig
}

// NewCircuitBreakerRegistry creates a new registry.
func NewCircuitBreakerRegistry(defaults CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
	}
}

// Get retrieves or creates the breaker for a capability.
func (r *CircuitBreakerRegistry) Get(id string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[id]; ok {
		return cb
	}
	cb := NewCircuitBreaker(r.defaults)
	r.breakers[id] = cb
	return cb
}

// States snapshots every known breaker's state, keyed by capability id.
func (r *CircuitBreakerRegistry) States() map[string]CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]CircuitState, len(r.breakers))
	for id, cb := range r.breakers {
		out[id] = cb.State()
	}
	return out
}

// ResetAll resets all circuit breakers.
func (r *CircuitBreakerRegistry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}
