package orchestrator

import (
	"sync"
	"time"
)

// cbState is the operational state of a single key's circuit breaker.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

const (
	defaultErrorThreshold  = 5
	defaultTimeWindow      = 60 * time.Second
	defaultHalfOpenTimeout = 30 * time.Second
)

type providerCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	windowStart   time.Time
	openedAt      time.Time
	probeInflight bool
}

// CircuitBreaker tracks independent breaker state per key, created lazily on
// first use — unlike the teacher's fixed-provider-name map, a key here is a
// provider config id (one config can be retried independently of another
// config of the same provider kind).
type CircuitBreaker struct {
	mu              sync.Mutex
	breakers        map[string]*providerCB
	errorThreshold  int
	timeWindow      time.Duration
	halfOpenTimeout time.Duration
}

// NewCircuitBreaker builds a CircuitBreaker with the package defaults.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(defaultErrorThreshold, defaultTimeWindow, defaultHalfOpenTimeout)
}

// NewCircuitBreakerWithConfig builds a CircuitBreaker with explicit
// thresholds, for callers wiring values in from configuration.
func NewCircuitBreakerWithConfig(errorThreshold int, timeWindow, halfOpenTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		breakers:        make(map[string]*providerCB),
		errorThreshold:  errorThreshold,
		timeWindow:      timeWindow,
		halfOpenTimeout: halfOpenTimeout,
	}
}

// Allow reports whether key should receive the next attempt.
func (cb *CircuitBreaker) Allow(key string) bool {
	pcb := cb.getOrCreate(key)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbClosed:
		return true
	case cbOpen:
		if time.Since(pcb.openedAt) >= cb.halfOpenTimeout {
			pcb.state = cbHalfOpen
			pcb.probeInflight = true
			return true
		}
		return false
	case cbHalfOpen:
		if pcb.probeInflight {
			return false
		}
		pcb.probeInflight = true
		return true
	}
	return true
}

// RecordSuccess resets key's breaker to Closed.
func (cb *CircuitBreaker) RecordSuccess(key string) {
	pcb := cb.getOrCreate(key)
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	pcb.state = cbClosed
	pcb.errorCount = 0
	pcb.probeInflight = false
	pcb.windowStart = time.Now()
}

// RecordFailure increments key's error counter, opening the breaker once
// errorThreshold failures land inside timeWindow.
func (cb *CircuitBreaker) RecordFailure(key string) {
	pcb := cb.getOrCreate(key)
	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	now := time.Now()
	if now.Sub(pcb.windowStart) > cb.timeWindow {
		pcb.errorCount = 0
		pcb.windowStart = now
	}
	pcb.errorCount++
	pcb.probeInflight = false

	if pcb.errorCount >= cb.errorThreshold {
		pcb.state = cbOpen
		pcb.openedAt = now
	}
}

// State returns key's current state, creating it if unseen.
func (cb *CircuitBreaker) State(key string) cbState {
	pcb := cb.getOrCreate(key)
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.state
}

func (cb *CircuitBreaker) getOrCreate(key string) *providerCB {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	pcb, ok := cb.breakers[key]
	if !ok {
		pcb = &providerCB{state: cbClosed, windowStart: time.Now()}
		cb.breakers[key] = pcb
	}
	return pcb
}
