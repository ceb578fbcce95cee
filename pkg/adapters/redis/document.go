package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/internal/txlog"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	backend "github.com/redis/go-redis/v9"
)

// Document implements ports.Document using Redis.
//
// Layout (with the default prefix "lattice:"):
//
//	lattice:map:<map>            SET of keys present in <map>
//	lattice:entry:<map>:<key>    HASH field -> JSON value
//	lattice:events               pub/sub channel carrying JSON batches
//
// Writes and the batch PUBLISH of one transaction run in a single MULTI/EXEC,
// so every subscriber sees the batch only once the data is committed.
type Document struct {
	client  *backend.Client
	prefix  string
	logger  *slog.Logger
	locker  ports.DistributedLocker
	lockTTL time.Duration

	mu        sync.Mutex
	observers map[int]func(context.Context, ports.Batch)
	nextID    int
	pubsub    *backend.PubSub
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closed    bool
}

type Option func(*Document)

// WithPrefix sets the key prefix for every key and channel.
func WithPrefix(prefix string) Option {
	return func(d *Document) {
		d.prefix = prefix
	}
}

// WithLogger configures a logger for subscription and decoding errors.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Document) {
		d.logger = logger
	}
}

// WithLocker serializes transactions across every Document sharing the lock,
// which isolates the reads made inside Transact from concurrent writers.
func WithLocker(locker ports.DistributedLocker, ttl time.Duration) Option {
	return func(d *Document) {
		d.locker = locker
		d.lockTTL = ttl
	}
}

// New creates a Redis document with its own client.
func New(address, password string, db int, opts ...Option) *Document {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a Redis document from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Document {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Document{
		client:    client,
		prefix:    "lattice:",
		logger:    logging.NewNop(),
		observers: make(map[int]func(context.Context, ports.Batch)),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Document) indexKey(mapName string) string {
	return d.prefix + "map:" + mapName
}

func (d *Document) entryKey(mapName, key string) string {
	return d.prefix + "entry:" + mapName + ":" + key
}

func (d *Document) channel() string {
	return d.prefix + "events"
}

// Get returns the entry stored under key.
func (d *Document) Get(ctx context.Context, mapName, key string) (domain.Map, bool, error) {
	pipe := d.client.Pipeline()
	member := pipe.SIsMember(ctx, d.indexKey(mapName), key)
	fields := pipe.HGetAll(ctx, d.entryKey(mapName, key))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, backend.Nil) {
		return nil, false, fmt.Errorf("failed to get from redis: %w", err)
	}

	if !member.Val() {
		return nil, false, nil
	}

	entry := make(domain.Map, len(fields.Val()))
	for field, raw := range fields.Val() {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, false, fmt.Errorf("failed to unmarshal field %q of %s/%s: %w", field, mapName, key, err)
		}
		entry[field] = v
	}
	return entry, true, nil
}

// Keys lists the keys present in mapName, sorted.
func (d *Document) Keys(ctx context.Context, mapName string) ([]string, error) {
	keys, err := d.client.SMembers(ctx, d.indexKey(mapName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Transact runs fn against a staged view and commits all mutations plus the
// batch notification in one MULTI/EXEC.
// Without a locker, reads inside fn are not isolated from concurrent writers
// and the last committed transaction wins per field.
func (d *Document) Transact(ctx context.Context, origin string, fn func(ports.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if d.locker != nil {
		unlock, err := d.locker.Lock(ctx, "tx", d.lockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire transaction lock: %w", err)
		}
		defer func() {
			if err := unlock(ctx); err != nil {
				d.logger.Warn("Failed to release transaction lock (will expire via TTL)", "err", err)
			}
		}()
	}

	tx := txlog.New(func(mapName, key string) (domain.Map, bool, error) {
		return d.Get(ctx, mapName, key)
	})
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Err(); err != nil {
		return fmt.Errorf("failed to stage transaction: %w", err)
	}
	if len(tx.Changes()) == 0 {
		return nil
	}

	payload, err := json.Marshal(ports.Batch{Origin: origin, Changes: tx.Changes()})
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	_, err = d.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		for _, op := range tx.Ops() {
			if err := d.queueOp(ctx, pipe, op); err != nil {
				return err
			}
		}
		pipe.Publish(ctx, d.channel(), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to commit to redis: %w", err)
	}
	return nil
}

func (d *Document) queueOp(ctx context.Context, pipe backend.Pipeliner, op txlog.Op) error {
	index, entry := d.indexKey(op.Map), d.entryKey(op.Map, op.Key)

	switch op.Kind {
	case txlog.OpSet:
		pipe.Del(ctx, entry)
		if len(op.Entry) > 0 {
			values := make([]any, 0, len(op.Entry)*2)
			for field, v := range op.Entry {
				raw, err := json.Marshal(v)
				if err != nil {
					return fmt.Errorf("failed to marshal field %q: %w", field, err)
				}
				values = append(values, field, string(raw))
			}
			pipe.HSet(ctx, entry, values...)
		}
		pipe.SAdd(ctx, index, op.Key)
	case txlog.OpDelete:
		pipe.Del(ctx, entry)
		pipe.SRem(ctx, index, op.Key)
	case txlog.OpSetField:
		raw, err := json.Marshal(op.Value)
		if err != nil {
			return fmt.Errorf("failed to marshal field %q: %w", op.Field, err)
		}
		pipe.HSet(ctx, entry, op.Field, string(raw))
		pipe.SAdd(ctx, index, op.Key)
	case txlog.OpDeleteField:
		pipe.HDel(ctx, entry, op.Field)
	}
	return nil
}

// Observe registers fn for every committed batch. The first call subscribes to
// the event channel and waits for the subscription to be confirmed, so batches
// committed after Observe returns are never missed.
func (d *Document) Observe(fn func(context.Context, ports.Batch)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.observers[id] = fn

	if d.pubsub == nil && !d.closed {
		if err := d.subscribeLocked(); err != nil {
			d.logger.Error("Failed to subscribe to document events", "err", err)
		}
	}

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.observers, id)
	}
}

func (d *Document) subscribeLocked() error {
	ps := d.client.Subscribe(d.ctx, d.channel())
	if _, err := ps.Receive(d.ctx); err != nil {
		_ = ps.Close()
		return err
	}
	d.pubsub = ps
	d.done = make(chan struct{})
	go d.dispatch(ps.Channel(), d.done)
	return nil
}

// dispatch delivers batches to observers one at a time, in publish order.
func (d *Document) dispatch(messages <-chan *backend.Message, done chan struct{}) {
	defer close(done)

	for msg := range messages {
		var batch ports.Batch
		if err := json.Unmarshal([]byte(msg.Payload), &batch); err != nil {
			d.logger.Warn("Dropping undecodable batch", "err", err)
			continue
		}

		for _, fn := range d.snapshotObservers() {
			fn(d.ctx, batch)
		}
	}
}

func (d *Document) snapshotObservers() []func(context.Context, ports.Batch) {
	d.mu.Lock()
	defer d.mu.Unlock()

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

// Snapshot reads every entry of the given maps.
func (d *Document) Snapshot(ctx context.Context, mapNames ...string) (map[string]map[string]domain.Map, error) {
	out := make(map[string]map[string]domain.Map, len(mapNames))
	for _, name := range mapNames {
		keys, err := d.Keys(ctx, name)
		if err != nil {
			return nil, err
		}
		entries := make(map[string]domain.Map, len(keys))
		for _, k := range keys {
			entry, ok, err := d.Get(ctx, name, k)
			if err != nil {
				return nil, err
			}
			if ok {
				entries[k] = entry
			}
		}
		out[name] = entries
	}
	return out, nil
}

// Close stops the event subscription. It does not close the Redis client.
func (d *Document) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	ps, done := d.pubsub, d.done
	d.mu.Unlock()

	d.cancel()
	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}

// Client returns the underlying Redis client.
func (d *Document) Client() *backend.Client {
	return d.client
}
