package dimension

import (
	"sync"

	"github.com/malbeclabs/fooddw/warehouse/pkg/entity"
)

type counter struct {
	mu   sync.Mutex
	last int64
}

// Allocator issues surrogate keys. Each entity type has its own counter and lock, so types never
// contend with each other. Keys start at 1 and are never reissued; gaps are allowed.
type Allocator struct {
	mu       sync.RWMutex
	counters map[entity.Type]*counter
}

func NewAllocator() *Allocator {
	return &Allocator{counters: make(map[entity.Type]*counter)}
}

func (a *Allocator) counter(t entity.Type) *counter {
	a.mu.RLock()
	c, ok := a.counters[t]
	a.mu.RUnlock()
	if ok {
		return c
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok = a.counters[t]; !ok {
		c = &counter{}
		a.counters[t] = c
	}
	return c
}

func (a *Allocator) Next(t entity.Type) int64 {
	c := a.counter(t)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last++
	return c.last
}

// Seed raises the counter for t so that the next key is greater than floor. It never lowers it.
func (a *Allocator) Seed(t entity.Type, floor int64) {
	c := a.counter(t)
	c.mu.Lock()
	defer c.mu.Unlock()
	if floor > c.last {
		c.last = floor
	}
}
