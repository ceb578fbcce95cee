package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/aretw0/lattice/internal/txlog"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
)

// Document implements ports.Document in memory.
// Safe for concurrent use. Several managers sharing one Document behave like
// peers replicating through the same shared document.
//
// Batches are delivered on the committing goroutine after the document lock is
// released, in commit order. A Transact issued from inside an observer is
// committed immediately and delivered once the current delivery returns.
type Document struct {
	mu   sync.Mutex
	data map[string]map[string]domain.Map

	observers  map[int]func(context.Context, ports.Batch)
	nextID     int
	queue      []ports.Batch
	delivering bool
}

// NewDocument creates a new empty in-memory document.
func NewDocument() *Document {
	return &Document{
		data:      make(map[string]map[string]domain.Map),
		observers: make(map[int]func(context.Context, ports.Batch)),
	}
}

// Get returns a copy of the entry stored under key.
func (d *Document) Get(ctx context.Context, mapName, key string) (domain.Map, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.data[mapName][key]
	if !ok {
		return nil, false, nil
	}
	return domain.CloneMap(entry), true, nil
}

// Keys lists the keys present in mapName, sorted.
func (d *Document) Keys(ctx context.Context, mapName string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	keys := make([]string, 0, len(d.data[mapName]))
	for k := range d.data[mapName] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Transact runs fn against a staged view of the document and commits it atomically.
// fn must not call back into the Document.
func (d *Document) Transact(ctx context.Context, origin string, fn func(ports.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	tx := txlog.New(d.load)
	if err := fn(tx); err != nil {
		d.mu.Unlock()
		return err
	}
	d.commitLocked(tx)
	if len(tx.Changes()) == 0 {
		d.mu.Unlock()
		return nil
	}
	d.queue = append(d.queue, ports.Batch{Origin: origin, Changes: tx.Changes()})
	d.deliverLocked(ctx)
	return nil
}

// deliverLocked drains the delivery queue. It is entered with d.mu held and
// returns with it released.
func (d *Document) deliverLocked(ctx context.Context) {
	if d.delivering {
		d.mu.Unlock()
		return
	}
	d.delivering = true
	for len(d.queue) > 0 {
		batch := d.queue[0]
		d.queue = d.queue[1:]
		observers := d.snapshotObserversLocked()
		d.mu.Unlock()

		for _, fn := range observers {
			fn(ctx, copyBatch(batch))
		}

		d.mu.Lock()
	}
	d.delivering = false
	d.mu.Unlock()
}

func (d *Document) snapshotObserversLocked() []func(context.Context, ports.Batch) {
	ids := make([]int, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(context.Context, ports.Batch), 0, len(ids))
	for _, id := range ids {
		out = append(out, d.observers[id])
	}
	return out
}

// Observe registers fn for every committed batch.
func (d *Document) Observe(fn func(context.Context, ports.Batch)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.observers[id] = fn

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.observers, id)
	}
}

// Snapshot returns a deep copy of every map in the document.
func (d *Document) Snapshot() map[string]map[string]domain.Map {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]map[string]domain.Map, len(d.data))
	for name, entries := range d.data {
		cp := make(map[string]domain.Map, len(entries))
		for k, v := range entries {
			cp[k] = domain.CloneMap(v)
		}
		out[name] = cp
	}
	return out
}

func copyBatch(b ports.Batch) ports.Batch {
	changes := make([]ports.Change, len(b.Changes))
	for i, c := range b.Changes {
		c.Old = domain.Clone(c.Old)
		c.New = domain.Clone(c.New)
		changes[i] = c
	}
	return ports.Batch{Origin: b.Origin, Changes: changes}
}

func (d *Document) load(mapName, key string) (domain.Map, bool, error) {
	entry, ok := d.data[mapName][key]
	return entry, ok, nil
}

// commitLocked writes the final state of every entry touched by tx.
func (d *Document) commitLocked(tx *txlog.Log) {
	tx.Each(func(mapName, key string, entry domain.Map, exists bool) {
		if exists {
			m, ok := d.data[mapName]
			if !ok {
				m = make(map[string]domain.Map)
				d.data[mapName] = m
			}
			m[key] = entry
			return
		}
		delete(d.data[mapName], key)
		if len(d.data[mapName]) == 0 {
			delete(d.data, mapName)
		}
	})
}
