package replica

import (
	"sort"
	"sync"
	"time"
)

// action is the pending intention recorded for one state key.
type action int

const (
	// actionAdd harvests the current value at flush time and sends it.
	actionAdd action = iota
	// actionRemove sends a deletion.
	actionRemove
)

// pendingSet is an insertion-ordered key -> action map. A later action for a
// key overwrites the earlier one in place.
type pendingSet struct {
	keys    []string
	actions map[string]action
}

func newPendingSet() *pendingSet {
	return &pendingSet{actions: make(map[string]action)}
}

func (s *pendingSet) put(key string, act action) {
	if _, ok := s.actions[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.actions[key] = act
}

func (s *pendingSet) len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// each visits keys in insertion order.
func (s *pendingSet) each(fn func(key string, act action)) {
	if s == nil {
		return
	}
	for _, k := range s.keys {
		fn(k, s.actions[k])
	}
}

// aggregator coalesces key changes between flushes behind one shared
// trailing-edge timer. onFire runs on the timer goroutine.
type aggregator struct {
	mu       sync.Mutex
	interval time.Duration
	onFire   func()

	pending  map[string]*pendingSet
	timer    *time.Timer
	gen      uint64
	armed    bool
	flushing bool
	stopped  bool
}

func newAggregator(interval time.Duration, onFire func()) *aggregator {
	return &aggregator{
		interval: interval,
		onFire:   onFire,
		pending:  make(map[string]*pendingSet),
	}
}

// add records act for key and arms the timer if it is idle.
// It reports whether the change was recorded.
func (a *aggregator) add(id, key string, act action) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return false
	}
	set, ok := a.pending[id]
	if !ok {
		set = newPendingSet()
		a.pending[id] = set
	}
	set.put(key, act)
	a.armLocked()
	return true
}

func (a *aggregator) armLocked() {
	if a.armed || a.flushing || a.stopped {
		return
	}
	a.armed = true
	a.gen++
	gen := a.gen
	a.timer = time.AfterFunc(a.interval, func() {
		if a.claim(gen) {
			a.onFire()
		}
	})
}

func (a *aggregator) disarmLocked() {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.armed = false
	a.gen++
}

// claim reports whether the timer of generation gen is still the live one.
func (a *aggregator) claim(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.armed && a.gen == gen
}

// take removes and returns the pending set of one id.
func (a *aggregator) take(id string) *pendingSet {
	a.mu.Lock()
	defer a.mu.Unlock()

	set := a.pending[id]
	delete(a.pending, id)
	if len(a.pending) == 0 && a.armed {
		a.disarmLocked()
	}
	return set
}

// discard drops the pending set of one id.
func (a *aggregator) discard(id string) {
	a.take(id)
}

// drain hands every pending set to a flush and holds the timer until finish.
func (a *aggregator) drain() map[string]*pendingSet {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.disarmLocked()
	a.flushing = true
	out := a.pending
	a.pending = make(map[string]*pendingSet)
	return out
}

// finish ends a flush and re-arms if changes arrived meanwhile.
func (a *aggregator) finish() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.flushing = false
	if len(a.pending) > 0 {
		a.armLocked()
	}
}

// ids returns the ids with pending changes, sorted.
func (a *aggregator) ids() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]string, 0, len(a.pending))
	for id := range a.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (a *aggregator) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopped = true
	a.disarmLocked()
	a.pending = make(map[string]*pendingSet)
}
