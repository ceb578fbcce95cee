/*
Package replica mirrors stateful entities across peers through a shared document.

A Manager owns one namespace of a ports.Document. It keeps two maps there:

	<name>/data    id -> {"data": creation payload}
	<name>/state   id -> key -> value

Presence of the creation entry is the authoritative signal that an entity exists;
both entries are created and deleted in the same transaction.

Entities implement ports.Synchronized. They report their own changes key by key
through the callbacks handed to InitSync. The manager coalesces them and, after
SendInterval of quiet, reads the current value of every changed key and writes it
in one transaction per entity. Rapid changes to the same key produce a single
write carrying the final value.

Every transaction is tagged with the manager's origin. Batches carrying it are
never replayed onto local instances; batches from other peers create, update and
dispose local mirrors.

Usage:

	mgr, err := replica.New(doc, replica.Config[*record.Record]{
		Name:   "widgets",
		Create: func(ctx context.Context, id string, state domain.Map, data domain.Value) (*record.Record, error) {
			return record.New(), nil
		},
	})
	...
	w := record.New()
	w.Set("color", "red")
	err = mgr.Add(ctx, "w1", w, nil)
*/
package replica
