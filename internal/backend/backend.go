package backend

import (
	"net/url"
	"sync/atomic"

	"github.com/angeloszaimis/edge-proxy/internal/circuitbreaker"
)

// Backend is one upstream server of the pool.
type Backend struct {
	url               *url.URL
	alive             atomic.Bool
	activeConnections atomic.Int64
	selections        atomic.Uint64
	breaker           *circuitbreaker.CircuitBreaker
}

// New creates a Backend for u. It starts alive. breaker may be nil, in which
// case failed forwards never take the backend out of rotation.
func New(u *url.URL, breaker *circuitbreaker.CircuitBreaker) *Backend {
	b := &Backend{
		url:     u,
		breaker: breaker,
	}
	b.alive.Store(true)
	return b
}

// URL returns the backend base URL.
func (b *Backend) URL() *url.URL {
	return b.url
}

// Address returns host:port, the key used in logs and metrics.
func (b *Backend) Address() string {
	return b.url.Host
}

// IsAlive reports the flag owned by the health checker.
func (b *Backend) IsAlive() bool {
	return b.alive.Load()
}

// SetAlive updates the alive flag.
// Returns true if the status changed, false if it was already in that state.
func (b *Backend) SetAlive(alive bool) (changed bool) {
	return b.alive.CompareAndSwap(!alive, alive)
}

// Available reports whether the backend could take a request right now,
// without reserving anything.
func (b *Backend) Available() bool {
	if !b.IsAlive() {
		return false
	}
	return b.breaker == nil || b.breaker.Available()
}

// Allow is Available for a request about to be sent: a recovering breaker
// hands its single probe slot to the caller.
func (b *Backend) Allow() bool {
	if !b.IsAlive() {
		return false
	}
	return b.breaker == nil || b.breaker.Allow()
}

func (b *Backend) RecordFailure() {
	if b.breaker != nil {
		b.breaker.RecordFailure()
	}
}

func (b *Backend) RecordSuccess() {
	if b.breaker != nil {
		b.breaker.RecordSuccess()
	}
}

// Release gives back a half-open slot taken by Allow when the client
// abandoned the forward.
func (b *Backend) Release() {
	if b.breaker != nil {
		b.breaker.Release()
	}
}

// BreakerState returns the failure tracking state, CLOSED when tracking is off.
func (b *Backend) BreakerState() circuitbreaker.State {
	if b.breaker == nil {
		return circuitbreaker.StateClosed
	}
	return b.breaker.State()
}

func (b *Backend) IncrementConn() {
	b.activeConnections.Add(1)
}

func (b *Backend) DecrementConn() {
	for {
		n := b.activeConnections.Load()
		if n <= 0 || b.activeConnections.CompareAndSwap(n, n-1) {
			return
		}
	}
}

func (b *Backend) ActiveConnections() int64 {
	return b.activeConnections.Load()
}

// RecordSelection counts one pick by the pool.
func (b *Backend) RecordSelection() {
	b.selections.Add(1)
}

func (b *Backend) Selections() uint64 {
	return b.selections.Load()
}
