package record

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
)

// ErrUnknownField is returned by GetState for a field the record does not hold.
var ErrUnknownField = errors.New("unknown field")

// WatchFunc observes a field applied from another peer. deleted is true when
// the field was removed.
type WatchFunc func(key string, value domain.Value, deleted bool)

// Record is a flat set of named fields that replicates field by field.
// It implements ports.Synchronized and is safe for concurrent use.
type Record struct {
	mu      sync.RWMutex
	id      string
	fields  domain.Map
	changed ports.NotifyFunc
	removed ports.NotifyFunc
	watch   WatchFunc
}

// Option configures a Record.
type Option func(*Record)

// WithFields seeds the record. Values must belong to the value model.
func WithFields(fields domain.Map) Option {
	return func(r *Record) {
		for k, v := range fields {
			r.fields[k] = domain.Clone(v)
		}
	}
}

// WithWatch registers fn for every field applied from another peer.
func WithWatch(fn WatchFunc) Option {
	return func(r *Record) {
		r.watch = fn
	}
}

// New creates an empty record.
func New(opts ...Option) *Record {
	r := &Record{fields: make(domain.Map)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ID returns the id the record is registered under, or "" when unregistered.
func (r *Record) ID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.id
}

// Get returns a copy of one field.
func (r *Record) Get(key string) (domain.Value, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.fields[key]
	return domain.Clone(v), ok
}

// Fields returns a copy of every field.
func (r *Record) Fields() domain.Map {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return domain.CloneMap(r.fields)
}

// Decode decodes the fields into out, a pointer to a struct or map.
func (r *Record) Decode(out any) error {
	return domain.Decode(r.Fields(), out)
}

// Set stores one field and reports the change for replication.
func (r *Record) Set(key string, value any) error {
	v, err := domain.Normalize(value)
	if err != nil {
		return fmt.Errorf("field %q: %w", key, err)
	}

	r.mu.Lock()
	r.fields[key] = v
	notify := r.changed
	r.mu.Unlock()

	if notify != nil {
		notify(key)
	}
	return nil
}

// Unset removes one field and reports the removal for replication.
func (r *Record) Unset(key string) {
	r.mu.Lock()
	_, ok := r.fields[key]
	delete(r.fields, key)
	notify := r.removed
	r.mu.Unlock()

	if ok && notify != nil {
		notify(key)
	}
}

// Replace makes the record hold exactly fields, reporting only what differs.
func (r *Record) Replace(fields map[string]any) error {
	next, err := domain.NormalizeMap(fields)
	if err != nil {
		return err
	}

	r.mu.Lock()
	diff := domain.Diff(r.fields, next)
	r.fields = next
	changed, removed := r.changed, r.removed
	r.mu.Unlock()

	for _, k := range diff.Keys() {
		if _, ok := diff.Set[k]; ok {
			if changed != nil {
				changed(k)
			}
		} else if removed != nil {
			removed(k)
		}
	}
	return nil
}

// InitSync implements ports.Synchronized.
func (r *Record) InitSync(id string, changed, removed ports.NotifyFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.id = id
	r.changed = changed
	r.removed = removed
}

// AskStates implements ports.Synchronized.
func (r *Record) AskStates() {
	r.mu.RLock()
	keys := make([]string, 0, len(r.fields))
	for k := range r.fields {
		keys = append(keys, k)
	}
	notify := r.changed
	r.mu.RUnlock()

	if notify == nil {
		return
	}
	for _, k := range keys {
		notify(k)
	}
}

// GetState implements ports.Synchronized.
func (r *Record) GetState(_ context.Context, key string) (domain.Value, error) {
	v, ok := r.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, key)
	}
	return v, nil
}

// SetState implements ports.Synchronized.
func (r *Record) SetState(_ context.Context, key string, value domain.Value) error {
	r.mu.Lock()
	r.fields[key] = domain.Clone(value)
	watch := r.watch
	r.mu.Unlock()

	if watch != nil {
		watch(key, value, false)
	}
	return nil
}

// RemoveState implements ports.Synchronized.
func (r *Record) RemoveState(_ context.Context, key string) error {
	r.mu.Lock()
	delete(r.fields, key)
	watch := r.watch
	r.mu.Unlock()

	if watch != nil {
		watch(key, nil, true)
	}
	return nil
}

// DisposeSync implements ports.Synchronized.
func (r *Record) DisposeSync() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.id = ""
	r.changed = nil
	r.removed = nil
}
