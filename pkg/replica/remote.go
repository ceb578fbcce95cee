package replica

import (
	"context"
	"fmt"
	"sort"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
)

// apply replays a committed batch onto local instances. It is the document
// observer of the manager.
func (m *Manager[T]) apply(ctx context.Context, batch ports.Batch) {
	if batch.Origin == m.origin {
		m.suppressEcho(ctx, batch)
		return
	}

	m.applyMu.Lock()
	defer m.applyMu.Unlock()
	if m.isClosed() {
		return
	}

	// State changes of an entity created by this batch are already part of
	// the snapshot replayed on creation. A rejected duplicate creation does not
	// get to overwrite the registered instance either.
	created := make(map[string]bool)
	for _, c := range batch.Changes {
		if c.Map == m.dataMap && c.Field == "" && c.Action == ports.ChangeAdd {
			created[c.Key] = true
		}
	}

	for _, c := range batch.Changes {
		switch {
		case c.Map == m.dataMap && c.Field == "":
			switch c.Action {
			case ports.ChangeAdd:
				m.remoteCreate(ctx, batch, c.Key)
			case ports.ChangeDelete:
				m.remoteRemove(ctx, batch, c.Key)
			default:
				m.logger.Debug("Ignoring update of immutable creation entry", "id", c.Key)
			}
		case c.Map == m.stateMap && !created[c.Key]:
			m.remoteState(ctx, c)
		}
	}
}

func (m *Manager[T]) suppressEcho(ctx context.Context, batch ports.Batch) {
	n := 0
	for _, c := range batch.Changes {
		if c.Map == m.dataMap || c.Map == m.stateMap {
			n++
		}
	}
	if n == 0 {
		return
	}
	if m.hooks.OnEchoSuppressed != nil {
		m.hooks.OnEchoSuppressed(ctx, &domain.EchoEvent{
			EventBase: domain.NewEventBase(domain.EventEchoSuppressed, m.cfg.Name),
			Changes:   n,
		})
	}
}

// remoteCreate builds the local mirror of an entity published by a peer.
func (m *Manager[T]) remoteCreate(ctx context.Context, batch ports.Batch, id string) {
	if _, ok := m.instances.lookup(id); ok {
		m.logger.Warn("Duplicate creation ignored: id already registered", "id", id)
		return
	}

	dataEntry, _ := batch.Fold(m.dataMap, id, nil, false)
	state, ok := batch.Fold(m.stateMap, id, nil, false)
	if !ok {
		var err error
		state, ok, err = m.doc.Get(ctx, m.stateMap, id)
		if err != nil {
			m.logger.Warn("Failed to read state of remote entity", "id", id, "err", err)
		}
		if !ok {
			state = make(domain.Map)
		}
	}
	m.mirror(ctx, id, state, dataEntry["data"])
}

// join mirrors every entity already in the document when the manager starts.
// It runs under applyMu, so batches delivered meanwhile apply after it.
func (m *Manager[T]) join(ctx context.Context) error {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	ids, err := m.doc.Keys(ctx, m.dataMap)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", m.dataMap, err)
	}
	for _, id := range ids {
		if _, ok := m.instances.lookup(id); ok {
			continue
		}
		state, data, found, err := m.readShared(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to read shared entries of %s: %w", id, err)
		}
		if !found {
			continue
		}
		m.mirror(ctx, id, state, data)
	}
	if len(ids) > 0 {
		m.logger.Debug("Joined existing entities", "count", len(ids))
	}
	return nil
}

// mirror creates, registers and initializes the local instance of a shared
// entity from its creation data and state snapshot.
func (m *Manager[T]) mirror(ctx context.Context, id string, state domain.Map, data domain.Value) {
	inst, err := m.cfg.Create(ctx, id, domain.CloneMap(state), data)
	if err != nil {
		m.reportError(ctx, id, "create", err)
		return
	}
	if err := m.instances.register(id, inst); err != nil {
		m.reportError(ctx, id, "register", err)
		return
	}

	// Waiters are released before the snapshot is replayed so entities that
	// depend on each other can look one another up while initializing.
	m.waiters.resolve(id, inst)

	inst.InitSync(id, m.changedFunc(id), m.removedFunc(id))
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m.setState(ctx, id, inst, k, state[k])
	}

	m.logger.Debug("Remote instance created", "id", id, "keys", len(keys))
	if m.cfg.OnAdd != nil {
		m.cfg.OnAdd(ctx, inst, state, data)
	}
	if m.hooks.OnInstanceAdded != nil {
		m.hooks.OnInstanceAdded(ctx, &domain.InstanceEvent{
			EventBase: domain.NewEventBase(domain.EventInstanceAdded, m.cfg.Name),
			ID:        id,
			Remote:    true,
		})
	}
}

// remoteRemove disposes the local mirror of an entity a peer withdrew.
func (m *Manager[T]) remoteRemove(ctx context.Context, batch ports.Batch, id string) {
	inst, ok := m.instances.lookup(id)
	if !ok {
		return
	}

	oldData, _ := batch.Removed(m.dataMap, id)
	oldState, stateRemoved := batch.Removed(m.stateMap, id)
	if !stateRemoved {
		var err error
		var exists bool
		oldState, exists, err = m.doc.Get(ctx, m.stateMap, id)
		if err != nil {
			m.logger.Warn("Failed to read state of removed entity", "id", id, "err", err)
		}
		if exists {
			m.clearState(ctx, id)
		}
	}
	if oldState == nil {
		oldState = make(domain.Map)
	}

	m.pending.discard(id)
	if m.cfg.OnRemove != nil {
		m.cfg.OnRemove(ctx, inst, oldState, oldData["data"])
	}
	if !m.instances.unregisterIf(id, inst) {
		return
	}
	inst.DisposeSync()
	m.emitRemoved(ctx, id, true)
}

// clearState deletes a state entry left behind by a peer that only withdrew
// the creation entry.
func (m *Manager[T]) clearState(ctx context.Context, id string) {
	err := m.doc.Transact(ctx, m.origin, func(tx ports.Txn) error {
		if _, ok := tx.Get(m.dataMap, id); ok {
			return nil
		}
		tx.Delete(m.stateMap, id)
		return nil
	})
	if err != nil {
		m.reportError(ctx, id, "clear_state", err)
	}
}

// remoteState replays one state change onto a registered instance.
func (m *Manager[T]) remoteState(ctx context.Context, c ports.Change) {
	inst, ok := m.instances.lookup(c.Key)
	if !ok {
		return
	}

	if c.Field != "" {
		if c.Action == ports.ChangeDelete {
			m.removeState(ctx, c.Key, inst, c.Field)
		} else {
			m.setState(ctx, c.Key, inst, c.Field, c.New)
		}
		return
	}

	// Entry-level delete is driven by the creation entry; a whole-entry
	// write is replayed as the difference to the previous entry.
	if c.Action == ports.ChangeDelete {
		return
	}
	oldEntry, _ := c.Old.(domain.Map)
	newEntry, _ := c.New.(domain.Map)
	diff := domain.Diff(oldEntry, newEntry)
	for _, k := range diff.Keys() {
		if v, ok := diff.Set[k]; ok {
			m.setState(ctx, c.Key, inst, k, v)
		} else {
			m.removeState(ctx, c.Key, inst, k)
		}
	}
}

// setState applies a remote value. An entity that re-notifies from SetState
// queues the key like any local change; the flush finds the value already
// shared and writes nothing.
func (m *Manager[T]) setState(ctx context.Context, id string, inst T, key string, v domain.Value) {
	if err := inst.SetState(ctx, key, domain.Clone(v)); err != nil {
		m.reportError(ctx, id, "set_state", err)
	}
}

func (m *Manager[T]) removeState(ctx context.Context, id string, inst T, key string) {
	if err := inst.RemoveState(ctx, key); err != nil {
		m.reportError(ctx, id, "remove_state", err)
	}
}
