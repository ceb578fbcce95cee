package replica

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
)

const (
	// DefaultSendInterval is the flush debounce window.
	DefaultSendInterval = 100 * time.Millisecond
	// DefaultGetTimeout bounds GetInstance when no timeout is given.
	DefaultGetTimeout = 1000 * time.Millisecond
)

// Instance is what a Manager replicates: a comparable handle (usually a
// pointer) implementing the Synchronized contract.
type Instance interface {
	comparable
	ports.Synchronized
}

// CreateFunc builds the local mirror of an entity published by another peer.
type CreateFunc[T Instance] func(ctx context.Context, id string, state domain.Map, data domain.Value) (T, error)

// HookFunc observes an instance together with its shared state and creation data.
type HookFunc[T Instance] func(ctx context.Context, inst T, state domain.Map, data domain.Value)

// Config describes one replicated namespace.
type Config[T Instance] struct {
	// Name scopes the shared maps (<Name>/data and <Name>/state). Required.
	Name string

	// Create is called for every entity another peer publishes. Required.
	Create CreateFunc[T]

	// OnAdd runs after any creation, local or remote.
	OnAdd HookFunc[T]

	// OnRemove runs before any removal is completed, local or remote.
	OnRemove HookFunc[T]

	// SendInterval is the flush debounce window. Defaults to 100ms.
	SendInterval time.Duration

	// GetTimeout bounds GetInstance when called without a timeout. Defaults to 1s.
	GetTimeout time.Duration

	// RequireData makes Add reject a nil creation payload.
	RequireData bool
}

func (c *Config[T]) validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", domain.ErrInvalidConfig)
	}
	if c.Create == nil {
		return fmt.Errorf("%w: create factory is required", domain.ErrInvalidConfig)
	}
	if c.SendInterval < 0 || c.GetTimeout < 0 {
		return fmt.Errorf("%w: intervals must not be negative", domain.ErrInvalidConfig)
	}
	if c.SendInterval == 0 {
		c.SendInterval = DefaultSendInterval
	}
	if c.GetTimeout == 0 {
		c.GetTimeout = DefaultGetTimeout
	}
	return nil
}

type options struct {
	logger *slog.Logger
	hooks  domain.LifecycleHooks
	origin string
}

// Option configures a Manager.
type Option func(*options)

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithHooks registers lifecycle callbacks.
func WithHooks(hooks domain.LifecycleHooks) Option {
	return func(o *options) {
		o.hooks = hooks
	}
}

// WithOrigin overrides the random origin tag written on every transaction.
// Two managers sharing a document must never share an origin.
func WithOrigin(origin string) Option {
	return func(o *options) {
		o.origin = origin
	}
}

func defaultOptions() options {
	return options{logger: logging.NewNop()}
}
