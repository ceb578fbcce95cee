package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/google/uuid"
)

// errEntryGone aborts a flush transaction for an id removed since it was queued.
var errEntryGone = errors.New("shared entry is gone")

// Manager replicates the instances of one namespace through a shared document.
//
// Local instances are published with Add and withdrawn with Remove. Entities
// report their own key changes through the callbacks given to InitSync; those
// are coalesced and flushed every SendInterval. Batches written by other peers
// are replayed onto local instances, creating and disposing mirrors as entries
// appear and disappear. Batches carrying this manager's origin are ignored.
type Manager[T Instance] struct {
	doc      ports.Document
	cfg      Config[T]
	dataMap  string
	stateMap string
	origin   string
	logger   *slog.Logger
	hooks    domain.LifecycleHooks

	instances *registry[T]
	pending   *aggregator
	waiters   *resolver[T]

	applyMu sync.Mutex // serializes remote batches
	flushMu sync.Mutex // serializes flushes

	mu      sync.Mutex
	closed  bool
	observe func()
}

// New creates a Manager for cfg.Name, subscribes it to doc and mirrors the
// entities already published in the namespace.
func New[T Instance](doc ports.Document, cfg Config[T], opts ...Option) (*Manager[T], error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: document is required", domain.ErrInvalidConfig)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.origin == "" {
		o.origin = uuid.NewString()
	}

	m := &Manager[T]{
		doc:       doc,
		cfg:       cfg,
		dataMap:   cfg.Name + "/data",
		stateMap:  cfg.Name + "/state",
		origin:    o.origin,
		logger:    o.logger.With("namespace", cfg.Name),
		hooks:     o.hooks,
		instances: newRegistry[T](),
		waiters:   newResolver[T](),
	}
	m.pending = newAggregator(cfg.SendInterval, m.onTimer)
	m.observe = doc.Observe(m.apply)
	if err := m.join(context.Background()); err != nil {
		m.observe()
		m.pending.stop()
		m.waiters.close()
		for _, inst := range m.instances.drain() {
			inst.DisposeSync()
		}
		return nil, err
	}
	return m, nil
}

// Name returns the replicated namespace.
func (m *Manager[T]) Name() string { return m.cfg.Name }

// Origin returns the tag written on every transaction of this manager.
func (m *Manager[T]) Origin() string { return m.origin }

// DataMap returns the document map holding creation entries.
func (m *Manager[T]) DataMap() string { return m.dataMap }

// StateMap returns the document map holding per-key state.
func (m *Manager[T]) StateMap() string { return m.stateMap }

func (m *Manager[T]) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Add registers inst under id and publishes it with its full initial state.
// When Add returns, GetInstanceNow(id) yields inst and peers will observe the
// creation and state entries together.
func (m *Manager[T]) Add(ctx context.Context, id string, inst T, data domain.Value) error {
	if m.isClosed() {
		return domain.ErrClosed
	}
	if data == nil && m.cfg.RequireData {
		return fmt.Errorf("%w: %s", domain.ErrCreationDataRequired, id)
	}
	data, err := domain.Normalize(data)
	if err != nil {
		return fmt.Errorf("invalid creation data for %s: %w", id, err)
	}

	if err := m.instances.register(id, inst); err != nil {
		return err
	}

	inst.InitSync(id, m.changedFunc(id), m.removedFunc(id))
	inst.AskStates()

	state := make(domain.Map)
	for _, c := range m.resolve(ctx, id, inst, m.pending.take(id)) {
		if !c.remove {
			state[c.key] = c.value
		}
	}

	err = m.doc.Transact(ctx, m.origin, func(tx ports.Txn) error {
		tx.Set(m.stateMap, id, state)
		tx.Set(m.dataMap, id, domain.Map{"data": data})
		return nil
	})
	if err != nil {
		m.instances.unregisterIf(id, inst)
		m.pending.discard(id)
		inst.DisposeSync()
		return fmt.Errorf("failed to publish %s: %w", id, err)
	}

	m.logger.Debug("Instance added", "id", id, "keys", len(state))
	if m.cfg.OnAdd != nil {
		m.cfg.OnAdd(ctx, inst, state, data)
	}
	if m.hooks.OnInstanceAdded != nil {
		m.hooks.OnInstanceAdded(ctx, &domain.InstanceEvent{
			EventBase: domain.NewEventBase(domain.EventInstanceAdded, m.cfg.Name),
			ID:        id,
		})
	}
	m.waiters.resolve(id, inst)
	return nil
}

// Remove withdraws id locally and from the shared document.
// Unknown ids and entries already gone are logged and ignored.
func (m *Manager[T]) Remove(ctx context.Context, id string) error {
	inst, ok := m.instances.lookup(id)
	if !ok {
		m.logger.Warn("Remove ignored: unknown id", "id", id)
		return nil
	}
	return m.remove(ctx, id, inst)
}

// RemoveInstance is Remove addressed by instance.
func (m *Manager[T]) RemoveInstance(ctx context.Context, inst T) error {
	id, ok := m.instances.idOf(inst)
	if !ok {
		m.logger.Warn("Remove ignored: instance is not registered")
		return nil
	}
	return m.remove(ctx, id, inst)
}

func (m *Manager[T]) remove(ctx context.Context, id string, inst T) error {
	state, data, found, err := m.readShared(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to read shared entries of %s: %w", id, err)
	}
	if !found {
		m.logger.Warn("Remove ignored: shared entries already absent", "id", id)
		return nil
	}

	// Pending changes are dropped: a removal always wins over an unflushed change.
	m.pending.discard(id)
	if m.cfg.OnRemove != nil {
		m.cfg.OnRemove(ctx, inst, state, data)
	}
	if !m.instances.unregisterIf(id, inst) {
		m.logger.Warn("Remove raced with another removal", "id", id)
		return nil
	}

	err = m.doc.Transact(ctx, m.origin, func(tx ports.Txn) error {
		tx.Delete(m.dataMap, id)
		tx.Delete(m.stateMap, id)
		return nil
	})
	inst.DisposeSync()
	m.emitRemoved(ctx, id, false)
	if err != nil {
		return fmt.Errorf("failed to withdraw %s: %w", id, err)
	}
	return nil
}

// readShared returns the state entry and creation data currently stored for id.
func (m *Manager[T]) readShared(ctx context.Context, id string) (domain.Map, domain.Value, bool, error) {
	dataEntry, ok, err := m.doc.Get(ctx, m.dataMap, id)
	if err != nil || !ok {
		return nil, nil, false, err
	}
	state, ok, err := m.doc.Get(ctx, m.stateMap, id)
	if err != nil {
		return nil, nil, false, err
	}
	if !ok {
		state = make(domain.Map)
	}
	return state, dataEntry["data"], true, nil
}

// GetInstanceNow returns the instance registered under id, if any.
func (m *Manager[T]) GetInstanceNow(id string) (T, bool) {
	return m.instances.lookup(id)
}

// GetInstance waits until id is registered, locally or by a peer.
// A timeout <= 0 uses Config.GetTimeout. Expiry and ctx cancellation both
// yield (zero, false); absence is an outcome, not an error.
func (m *Manager[T]) GetInstance(ctx context.Context, id string, timeout time.Duration) (T, bool) {
	if timeout <= 0 {
		timeout = m.cfg.GetTimeout
	}
	start := time.Now()
	inst, ok := m.waiters.wait(ctx, id, timeout, func() (T, bool) {
		return m.instances.lookup(id)
	})

	if m.hooks.OnGetResolved != nil {
		waited := time.Since(start)
		m.hooks.OnGetResolved(ctx, &domain.GetEvent{
			EventBase: domain.NewEventBase(domain.EventGetResolved, m.cfg.Name),
			ID:        id,
			Found:     ok,
			Waited:    waited,
			TimedOut:  !ok && waited >= timeout,
		})
	}
	return inst, ok
}

// GetID returns the id inst is registered under.
func (m *Manager[T]) GetID(inst T) (string, bool) {
	return m.instances.idOf(inst)
}

// Instances returns the registered ids, sorted.
func (m *Manager[T]) Instances() []string {
	return m.instances.ids()
}

// Pending returns the ids with changes waiting for the next flush, sorted.
func (m *Manager[T]) Pending() []string {
	return m.pending.ids()
}

func (m *Manager[T]) changedFunc(id string) ports.NotifyFunc {
	return func(key string) {
		m.pending.add(id, key, actionAdd)
	}
}

func (m *Manager[T]) removedFunc(id string) ports.NotifyFunc {
	return func(key string) {
		m.pending.add(id, key, actionRemove)
	}
}

// fieldChange is a pending action resolved to a concrete value.
type fieldChange struct {
	key    string
	value  domain.Value
	remove bool
}

// resolve turns a pending set into concrete changes. Values are read from the
// instance now, so the flush always carries the current value.
func (m *Manager[T]) resolve(ctx context.Context, id string, inst T, set *pendingSet) []fieldChange {
	changes := make([]fieldChange, 0, set.len())
	set.each(func(key string, act action) {
		if act == actionRemove {
			changes = append(changes, fieldChange{key: key, remove: true})
			return
		}
		v, err := inst.GetState(ctx, key)
		if err == nil {
			v, err = domain.Normalize(v)
		}
		if err != nil {
			m.reportError(ctx, id, "get_state", fmt.Errorf("key %q: %w", key, err))
			return
		}
		changes = append(changes, fieldChange{key: key, value: v})
	})
	return changes
}

// writeChanges stages the changes that differ from the shared entry and
// returns how many were staged. A value the document already holds, such as
// one just applied from a peer, is not written again.
func writeChanges(tx ports.Txn, stateMap, id string, shared domain.Map, changes []fieldChange) int {
	n := 0
	for _, c := range changes {
		cur, has := shared[c.key]
		switch {
		case c.remove && !has, !c.remove && has && domain.Equal(cur, c.value):
			continue
		case c.remove:
			tx.DeleteField(stateMap, id, c.key)
		default:
			tx.SetField(stateMap, id, c.key, c.value)
		}
		n++
	}
	return n
}

func (m *Manager[T]) onTimer() {
	if err := m.Flush(context.Background()); err != nil {
		m.logger.Error("Flush failed", "err", err)
	}
}

// Flush writes every pending change now, one transaction per id.
// Ids removed since their changes were queued are skipped.
func (m *Manager[T]) Flush(ctx context.Context) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	sets := m.pending.drain()
	defer m.pending.finish()
	if len(sets) == 0 {
		return nil
	}

	start := time.Now()
	ids := make([]string, 0, len(sets))
	for id := range sets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	ev := &domain.FlushEvent{EventBase: domain.NewEventBase(domain.EventFlush, m.cfg.Name)}
	var errs []error
	for _, id := range ids {
		inst, ok := m.instances.lookup(id)
		if !ok {
			m.logger.Warn("Flush skipped: id no longer registered", "id", id)
			ev.Skipped++
			continue
		}
		changes := m.resolve(ctx, id, inst, sets[id])
		if len(changes) == 0 {
			continue
		}
		ev.Entities++

		written := 0
		err := m.doc.Transact(ctx, m.origin, func(tx ports.Txn) error {
			if _, ok := tx.Get(m.dataMap, id); !ok {
				return errEntryGone
			}
			shared, ok := tx.Get(m.stateMap, id)
			if !ok {
				return errEntryGone
			}
			written = writeChanges(tx, m.stateMap, id, shared, changes)
			return nil
		})
		switch {
		case errors.Is(err, errEntryGone):
			m.logger.Warn("Flush skipped: shared entry is gone", "id", id)
			ev.Skipped++
		case err != nil:
			m.reportError(ctx, id, "flush", err)
			errs = append(errs, fmt.Errorf("failed to flush %s: %w", id, err))
		case written > 0:
			ev.Transactions++
			ev.Keys += written
		}
	}

	ev.Duration = time.Since(start)
	m.logger.Debug("Flushed pending changes", "entities", ev.Entities, "transactions", ev.Transactions, "skipped", ev.Skipped)
	if m.hooks.OnFlush != nil {
		m.hooks.OnFlush(ctx, ev)
	}
	return errors.Join(errs...)
}

// Close flushes pending changes, stops observing the document, releases
// every waiter as absent and disposes local instances. Shared entries are
// left in place: the entities keep existing for other peers.
func (m *Manager[T]) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	err := m.Flush(ctx)
	m.observe()
	m.pending.stop()
	m.waiters.close()

	// Wait for a remote batch being applied to finish.
	m.applyMu.Lock()
	remaining := m.instances.drain()
	m.applyMu.Unlock()

	for _, inst := range remaining {
		inst.DisposeSync()
	}
	m.logger.Debug("Manager closed", "disposed", len(remaining))
	return err
}

func (m *Manager[T]) emitRemoved(ctx context.Context, id string, remote bool) {
	m.logger.Debug("Instance removed", "id", id, "remote", remote)
	if m.hooks.OnInstanceRemoved != nil {
		m.hooks.OnInstanceRemoved(ctx, &domain.InstanceEvent{
			EventBase: domain.NewEventBase(domain.EventInstanceRemoved, m.cfg.Name),
			ID:        id,
			Remote:    remote,
		})
	}
}

func (m *Manager[T]) reportError(ctx context.Context, id, op string, err error) {
	m.logger.Error("Replication error", "id", id, "op", op, "err", err)
	if m.hooks.OnError != nil {
		m.hooks.OnError(ctx, &domain.ErrorEvent{
			EventBase: domain.NewEventBase(domain.EventError, m.cfg.Name),
			ID:        id,
			Op:        op,
			Err:       err,
		})
	}
}
