package ports

import (
	"context"

	"github.com/aretw0/lattice/pkg/domain"
)

// ChangeAction describes what happened to a key inside a committed transaction.
type ChangeAction string

const (
	ChangeAdd    ChangeAction = "add"
	ChangeUpdate ChangeAction = "update"
	ChangeDelete ChangeAction = "delete"
)

// Change is a single mutation observed in a committed transaction.
// An empty Field means the whole entry under Key was affected; otherwise only
// that field of the entry changed.
type Change struct {
	Map    string       `json:"map"`
	Key    string       `json:"key"`
	Field  string       `json:"field,omitempty"`
	Action ChangeAction `json:"action"`
	Old    domain.Value `json:"old,omitempty"`
	New    domain.Value `json:"new,omitempty"`
}

// Batch is the set of changes of one committed transaction, tagged with the
// origin supplied to Transact.
type Batch struct {
	Origin  string   `json:"origin"`
	Changes []Change `json:"changes"`
}

// Txn is the mutation surface available inside Document.Transact.
// Reads observe the writes already issued in the same transaction.
type Txn interface {
	// Get returns a copy of the entry stored under key.
	Get(mapName, key string) (domain.Map, bool)

	// Set replaces the whole entry under key.
	Set(mapName, key string, entry domain.Map)

	// Delete removes the entry under key. Deleting a missing key is a no-op.
	Delete(mapName, key string)

	// SetField sets one field of the entry under key, creating the entry if needed.
	SetField(mapName, key, field string, value domain.Value)

	// DeleteField removes one field of the entry under key.
	DeleteField(mapName, key, field string)
}

// Document is a replicated collection of named maps. Each map holds entries
// keyed by string; each entry is itself a string-keyed map of values.
//
// All mutations issued inside one Transact call are committed as one atomic,
// externally visible unit carrying the origin tag. Observers receive one Batch
// per committed transaction, in commit order.
type Document interface {
	// Get returns a copy of the entry stored under key in mapName.
	Get(ctx context.Context, mapName, key string) (domain.Map, bool, error)

	// Keys lists the keys currently present in mapName, sorted.
	Keys(ctx context.Context, mapName string) ([]string, error)

	// Transact runs fn and commits its mutations atomically under origin.
	// If fn returns an error nothing is committed.
	Transact(ctx context.Context, origin string, fn func(Txn) error) error

	// Observe registers fn for every committed batch. The returned function
	// unregisters it.
	Observe(fn func(context.Context, Batch)) (cancel func())
}
