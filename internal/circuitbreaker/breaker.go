package circuitbreaker

import (
	"sync"
	"time"
)

type State int

const (
	StateClosed   State = iota // backend takes traffic
	StateOpen                  // backend skipped until the timeout expires
	StateHalfOpen              // one probe request in flight
)

// CircuitBreaker counts failed forwards to one backend. Reaching the
// threshold inside one timeout window opens it for that same timeout.
type CircuitBreaker struct {
	mutex         sync.Mutex
	state         State
	failures      int
	windowStart   time.Time
	openedAt      time.Time
	probeInFlight bool
	threshold     int
	timeout       time.Duration
	now           func() time.Time
}

func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:     StateClosed,
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
	}
}

// Allow reports whether a request may be sent to the backend. An open
// breaker whose timeout has passed lets exactly one probe through.
func (cb *CircuitBreaker) Allow() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.timeout {
			return false
		}
		cb.state = StateHalfOpen
		cb.probeInFlight = true
		return true
	case StateHalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	default:
		return true
	}
}

// Available is Allow without side effects.
func (cb *CircuitBreaker) Available() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateOpen:
		return cb.now().Sub(cb.openedAt) >= cb.timeout
	case StateHalfOpen:
		return !cb.probeInFlight
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()

	if cb.state == StateHalfOpen {
		cb.trip(now)
		return
	}

	if cb.failures == 0 || now.Sub(cb.windowStart) >= cb.timeout {
		cb.failures = 0
		cb.windowStart = now
	}
	cb.failures++

	if cb.failures >= cb.threshold {
		cb.trip(now)
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failures = 0
	cb.probeInFlight = false
	cb.state = StateClosed
}

// Release gives back the half-open slot of a request that ended without a
// verdict, e.g. the client went away. The breaker goes back to OPEN with its
// original opening time, so the next Allow lets another request through.
func (cb *CircuitBreaker) Release() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.state != StateHalfOpen || !cb.probeInFlight {
		return
	}
	cb.state = StateOpen
	cb.probeInFlight = false
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) trip(now time.Time) {
	cb.state = StateOpen
	cb.openedAt = now
	cb.failures = 0
	cb.probeInFlight = false
}

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}
