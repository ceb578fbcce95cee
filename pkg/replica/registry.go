package replica

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aretw0/lattice/pkg/domain"
)

// registry maps ids to instances and back. Both directions are updated under
// the same lock so an id never aliases two instances.
type registry[T comparable] struct {
	mu     sync.Mutex
	byID   map[string]T
	byInst map[T]string
}

func newRegistry[T comparable]() *registry[T] {
	return &registry[T]{
		byID:   make(map[string]T),
		byInst: make(map[T]string),
	}
}

func (r *registry[T]) register(id string, inst T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateID, id)
	}
	if other, ok := r.byInst[inst]; ok {
		return fmt.Errorf("%w: already bound to %s", domain.ErrInstanceRegistered, other)
	}
	r.byID[id] = inst
	r.byInst[inst] = id
	return nil
}

// unregister removes id and returns the instance it was bound to.
func (r *registry[T]) unregister(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.byID[id]
	if !ok {
		return inst, false
	}
	delete(r.byID, id)
	delete(r.byInst, inst)
	return inst, true
}

// unregisterIf removes id only while it is still bound to inst.
func (r *registry[T]) unregisterIf(id string, inst T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.byID[id]; !ok || cur != inst {
		return false
	}
	delete(r.byID, id)
	delete(r.byInst, inst)
	return true
}

func (r *registry[T]) lookup(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.byID[id]
	return inst, ok
}

func (r *registry[T]) idOf(inst T) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byInst[inst]
	return id, ok
}

// ids returns the registered ids, sorted.
func (r *registry[T]) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// drain empties the registry and returns what it held.
func (r *registry[T]) drain() map[string]T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.byID
	r.byID = make(map[string]T)
	r.byInst = make(map[T]string)
	return out
}
