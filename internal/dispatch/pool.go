package dispatch

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/bardlex/nebula/pkg/errors"
)

// Pool bounds the number of in-flight tasks of one Deferred handler kind.
// Acquire never blocks.
type Pool struct {
	name     string
	size     int
	sem      *semaphore.Weighted
	inFlight atomic.Int64
}

// NewPool creates a pool with size slots.
func NewPool(name string, size int) *Pool {
	if size < 1 {
		panic("dispatch: pool " + name + " needs at least one slot")
	}
	return &Pool{
		name: name,
		size: size,
		sem:  semaphore.NewWeighted(int64(size)),
	}
}

// Name returns the handler kind the pool serves.
func (p *Pool) Name() string { return p.name }

// Size returns the slot count.
func (p *Pool) Size() int { return p.size }

// InFlight returns the number of occupied slots.
func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

// Acquire takes a slot or fails with a pool_exhausted error.
func (p *Pool) Acquire() (*Slot, error) {
	if !p.sem.TryAcquire(1) {
		return nil, errors.New(errors.ErrorTypePoolExhausted, "acquire_slot", "all slots in use").
			WithContext("pool", p.name).
			WithContext("size", p.size)
	}
	p.inFlight.Add(1)
	return &Slot{pool: p}, nil
}

// Slot is one occupied position in a Pool.
type Slot struct {
	pool *Pool
	once sync.Once
}

// Release returns the slot. Extra calls are no-ops.
func (s *Slot) Release() {
	s.once.Do(func() {
		s.pool.inFlight.Add(-1)
		s.pool.sem.Release(1)
	})
}
