package loadbalancer

import (
	"errors"
	"sync/atomic"

	"github.com/angeloszaimis/edge-proxy/internal/backend"
)

// ErrNoBackends is returned when the pool has nothing to hand out.
var ErrNoBackends = errors.New("no backends available")

// Pool is the upstream pool. The backend list is an immutable snapshot
// swapped atomically; the round-robin cursor is a single atomic counter.
type Pool struct {
	snapshot atomic.Pointer[[]*backend.Backend]
	current  atomic.Uint64
}

func NewPool(backends []*backend.Backend) (*Pool, error) {
	p := &Pool{}
	if err := p.Replace(backends); err != nil {
		return nil, err
	}
	return p, nil
}

// Next returns the backend at the cursor and advances it. Backends that are
// not available are stepped over in pool order; with every backend available
// the result is strict round-robin.
func (p *Pool) Next() (*backend.Backend, error) {
	backends := p.Backends()
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}

	n := p.current.Add(1)
	start := (n - 1) % uint64(len(backends))

	for i := uint64(0); i < uint64(len(backends)); i++ {
		b := backends[(start+i)%uint64(len(backends))]
		if b.Allow() {
			b.RecordSelection()
			return b, nil
		}
	}

	return nil, ErrNoBackends
}

// Backends returns the current snapshot. Callers must not modify it.
func (p *Pool) Backends() []*backend.Backend {
	s := p.snapshot.Load()
	if s == nil {
		return nil
	}
	return *s
}

func (p *Pool) Len() int {
	return len(p.Backends())
}

// Replace swaps in a new backend list. The pool is never left empty.
func (p *Pool) Replace(backends []*backend.Backend) error {
	if len(backends) == 0 {
		return ErrNoBackends
	}

	s := make([]*backend.Backend, len(backends))
	copy(s, backends)
	p.snapshot.Store(&s)

	return nil
}
