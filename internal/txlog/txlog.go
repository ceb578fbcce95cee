// Package txlog stages document mutations for one transaction and records the
// resulting change list. Document adapters supply a Loader for the committed
// state and apply the staged result their own way.
package txlog

import (
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
)

// Loader reads the committed entry under key. It is called at most once per
// (mapName, key) per transaction.
type Loader func(mapName, key string) (domain.Map, bool, error)

// OpKind identifies a staged mutation.
type OpKind int

const (
	OpSet OpKind = iota
	OpDelete
	OpSetField
	OpDeleteField
)

// Op is one effective mutation, in issue order. No-op mutations are not recorded.
type Op struct {
	Kind  OpKind
	Map   string
	Key   string
	Field string
	Entry domain.Map
	Value domain.Value
}

type staged struct {
	entry  domain.Map
	exists bool
}

// Log implements ports.Txn.
type Log struct {
	load    Loader
	staged  map[string]map[string]*staged
	order   [][2]string
	changes []ports.Change
	ops     []Op
	err     error
}

var _ ports.Txn = (*Log)(nil)

// New creates an empty transaction log reading committed state through load.
func New(load Loader) *Log {
	return &Log{load: load, staged: make(map[string]map[string]*staged)}
}

// Err returns the first Loader error, if any. A transaction with a load error
// must not be committed.
func (l *Log) Err() error { return l.err }

// Changes returns the recorded changes in issue order.
func (l *Log) Changes() []ports.Change { return l.changes }

// Ops returns the effective mutations in issue order.
func (l *Log) Ops() []Op { return l.ops }

// Each calls fn for every entry touched by the transaction with its final state.
func (l *Log) Each(fn func(mapName, key string, entry domain.Map, exists bool)) {
	for _, mk := range l.order {
		s := l.staged[mk[0]][mk[1]]
		fn(mk[0], mk[1], s.entry, s.exists)
	}
}

func (l *Log) lookup(mapName, key string) *staged {
	m, ok := l.staged[mapName]
	if !ok {
		m = make(map[string]*staged)
		l.staged[mapName] = m
	}
	if s, ok := m[key]; ok {
		return s
	}
	s := &staged{}
	if l.err == nil {
		base, exists, err := l.load(mapName, key)
		if err != nil {
			l.err = err
		}
		s.entry, s.exists = domain.CloneMap(base), exists && err == nil
	}
	m[key] = s
	l.order = append(l.order, [2]string{mapName, key})
	return s
}

func (l *Log) Get(mapName, key string) (domain.Map, bool) {
	s := l.lookup(mapName, key)
	if !s.exists {
		return nil, false
	}
	return domain.CloneMap(s.entry), true
}

func (l *Log) Set(mapName, key string, entry domain.Map) {
	s := l.lookup(mapName, key)
	next := domain.CloneMap(entry)
	if next == nil {
		next = make(domain.Map)
	}
	change := ports.Change{Map: mapName, Key: key, Action: ports.ChangeAdd, New: domain.CloneMap(next)}
	if s.exists {
		change.Action = ports.ChangeUpdate
		change.Old = domain.CloneMap(s.entry)
	}
	s.entry, s.exists = next, true
	l.changes = append(l.changes, change)
	l.ops = append(l.ops, Op{Kind: OpSet, Map: mapName, Key: key, Entry: domain.CloneMap(next)})
}

func (l *Log) Delete(mapName, key string) {
	s := l.lookup(mapName, key)
	if !s.exists {
		return
	}
	l.changes = append(l.changes, ports.Change{Map: mapName, Key: key, Action: ports.ChangeDelete, Old: s.entry})
	l.ops = append(l.ops, Op{Kind: OpDelete, Map: mapName, Key: key})
	s.entry, s.exists = nil, false
}

func (l *Log) SetField(mapName, key, field string, value domain.Value) {
	s := l.lookup(mapName, key)
	if !s.exists {
		l.Set(mapName, key, domain.Map{field: value})
		return
	}
	change := ports.Change{Map: mapName, Key: key, Field: field, Action: ports.ChangeAdd, New: domain.Clone(value)}
	if old, ok := s.entry[field]; ok {
		change.Action = ports.ChangeUpdate
		change.Old = old
	}
	s.entry[field] = domain.Clone(value)
	l.changes = append(l.changes, change)
	l.ops = append(l.ops, Op{Kind: OpSetField, Map: mapName, Key: key, Field: field, Value: domain.Clone(value)})
}

func (l *Log) DeleteField(mapName, key, field string) {
	s := l.lookup(mapName, key)
	if !s.exists {
		return
	}
	old, ok := s.entry[field]
	if !ok {
		return
	}
	delete(s.entry, field)
	l.changes = append(l.changes, ports.Change{Map: mapName, Key: key, Field: field, Action: ports.ChangeDelete, Old: old})
	l.ops = append(l.ops, Op{Kind: OpDeleteField, Map: mapName, Key: key, Field: field})
}
