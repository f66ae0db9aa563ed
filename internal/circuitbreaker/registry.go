package circuitbreaker

import (
	"sync"
	"time"
)

// Registry hands out one breaker per backend address so failure state
// survives a pool reload.
type Registry struct {
	mutex     sync.RWMutex
	breakers  map[string]*CircuitBreaker
	threshold int
	timeout   time.Duration
}

func NewRegistry(threshold int, timeout time.Duration) *Registry {
	return &Registry{
		breakers:  make(map[string]*CircuitBreaker),
		threshold: threshold,
		timeout:   timeout,
	}
}

func (r *Registry) GetBreaker(address string) *CircuitBreaker {
	r.mutex.RLock()
	cb, exists := r.breakers[address]
	r.mutex.RUnlock()

	if exists {
		return cb
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// another goroutine may have created it
	if cb, exists = r.breakers[address]; exists {
		return cb
	}

	cb = NewCircuitBreaker(r.threshold, r.timeout)
	r.breakers[address] = cb
	return cb
}

// Retain drops breakers for addresses that are no longer in the pool.
func (r *Registry) Retain(addresses []string) {
	keep := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		keep[a] = struct{}{}
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	for address := range r.breakers {
		if _, ok := keep[address]; !ok {
			delete(r.breakers, address)
		}
	}
}

func (r *Registry) Stats() map[string]State {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	stats := make(map[string]State, len(r.breakers))
	for address, cb := range r.breakers {
		stats[address] = cb.State()
	}
	return stats
}
