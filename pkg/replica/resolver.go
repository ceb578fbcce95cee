package replica

import (
	"context"
	"sync"
	"time"
)

// resolver parks callers waiting for an id to be registered.
type resolver[T any] struct {
	mu      sync.Mutex
	waiters map[string]map[uint64]chan T
	nextID  uint64
	closed  bool
}

func newResolver[T any]() *resolver[T] {
	return &resolver[T]{waiters: make(map[string]map[uint64]chan T)}
}

// wait blocks until id is resolved, timeout expires or ctx is done.
// lookup is consulted after the waiter is parked so a concurrent resolve
// cannot slip between the check and the wait.
func (r *resolver[T]) wait(ctx context.Context, id string, timeout time.Duration, lookup func() (T, bool)) (T, bool) {
	var zero T

	ch, ticket, ok := r.park(id)
	if !ok {
		return lookup()
	}
	defer r.unpark(id, ticket)

	if inst, found := lookup(); found {
		return inst, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case inst, ok := <-ch:
		return inst, ok
	case <-timer.C:
		return zero, false
	case <-ctx.Done():
		return zero, false
	}
}

func (r *resolver[T]) park(id string) (chan T, uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, 0, false
	}
	set, ok := r.waiters[id]
	if !ok {
		set = make(map[uint64]chan T)
		r.waiters[id] = set
	}
	r.nextID++
	ch := make(chan T, 1)
	set[r.nextID] = ch
	return ch, r.nextID, true
}

func (r *resolver[T]) unpark(id string, ticket uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.waiters[id]
	delete(set, ticket)
	if len(set) == 0 {
		delete(r.waiters, id)
	}
}

// resolve hands inst to every waiter parked on id. It returns how many were woken.
func (r *resolver[T]) resolve(id string, inst T) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.waiters[id]
	delete(r.waiters, id)
	for _, ch := range set {
		ch <- inst
	}
	return len(set)
}

// close releases every waiter as absent and refuses new ones.
func (r *resolver[T]) close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for _, set := range r.waiters {
		for _, ch := range set {
			close(ch)
		}
	}
	r.waiters = make(map[string]map[uint64]chan T)
}
