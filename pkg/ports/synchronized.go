package ports

import (
	"context"

	"github.com/aretw0/lattice/pkg/domain"
)

// NotifyFunc tells the replication manager that the state under key changed
// (or was removed, depending on which callback it is).
type NotifyFunc func(key string)

// Synchronized is the contract every locally owned entity implements to be
// mirrored across peers.
type Synchronized interface {
	// InitSync is called once when the entity becomes registered, locally or
	// because a peer created it. The entity stores both callbacks and calls
	// changed(key) whenever one of its fields changes, removed(key) when a
	// field should be cleared.
	InitSync(id string, changed, removed NotifyFunc)

	// AskStates makes the entity declare its full initial state by calling
	// changed(key) for every key it owns.
	AskStates()

	// GetState returns the current value for key. It is called when a pending
	// change is flushed.
	GetState(ctx context.Context, key string) (domain.Value, error)

	// SetState applies a value observed from another peer.
	SetState(ctx context.Context, key string, value domain.Value) error

	// RemoveState applies a deletion observed from another peer.
	RemoveState(ctx context.Context, key string) error

	// DisposeSync is called once when the entity is unregistered. The entity
	// must drop the stored callbacks.
	DisposeSync()
}
