package ports

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// contractWait bounds how long the suite waits for an observer to receive a batch.
const contractWait = 2 * time.Second

// RunDocumentContract runs a suite of tests to verify that a Document implementation
// adheres to the defined interface contract. Observers may be notified synchronously
// or asynchronously.
func RunDocumentContract(t *testing.T, doc Document) {
	ctx := context.Background()
	prefix := "contract-" + time.Now().Format("150405.000000") + "/"

	batches := make(chan Batch, 64)
	cancel := doc.Observe(func(_ context.Context, b Batch) {
		batches <- b
	})
	defer cancel()

	next := func(t *testing.T) Batch {
		t.Helper()
		select {
		case b := <-batches:
			return b
		case <-time.After(contractWait):
			t.Fatal("timed out waiting for batch")
			return Batch{}
		}
	}

	t.Run("Set and Get", func(t *testing.T) {
		m := prefix + "set"
		err := doc.Transact(ctx, "origin-a", func(tx Txn) error {
			tx.Set(m, "w1", domain.Map{"color": "red", "size": 2.0})
			return nil
		})
		require.NoError(t, err, "Transact should not return error")

		entry, ok, err := doc.Get(ctx, m, "w1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, domain.Map{"color": "red", "size": 2.0}, entry)

		b := next(t)
		assert.Equal(t, "origin-a", b.Origin)
		require.Len(t, b.Changes, 1)
		assert.Equal(t, ChangeAdd, b.Changes[0].Action)
		assert.Equal(t, m, b.Changes[0].Map)
		assert.Equal(t, "w1", b.Changes[0].Key)
		assert.Empty(t, b.Changes[0].Field)
	})

	t.Run("Get Non-Existent", func(t *testing.T) {
		_, ok, err := doc.Get(ctx, prefix+"missing", "nope")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Fields", func(t *testing.T) {
		m := prefix + "fields"
		require.NoError(t, doc.Transact(ctx, "origin-a", func(tx Txn) error {
			tx.Set(m, "w1", domain.Map{"color": "red"})
			return nil
		}))
		next(t)

		require.NoError(t, doc.Transact(ctx, "origin-b", func(tx Txn) error {
			tx.SetField(m, "w1", "color", "green")
			tx.SetField(m, "w1", "tags", []any{"a", "b"})
			tx.DeleteField(m, "w1", "absent")
			return nil
		}))

		b := next(t)
		assert.Equal(t, "origin-b", b.Origin)
		require.Len(t, b.Changes, 2, "deleting an absent field must not produce a change")
		assert.Equal(t, Change{Map: m, Key: "w1", Field: "color", Action: ChangeUpdate, Old: "red", New: "green"}, b.Changes[0])
		assert.Equal(t, ChangeAdd, b.Changes[1].Action)
		assert.Equal(t, "tags", b.Changes[1].Field)

		entry, ok, err := doc.Get(ctx, m, "w1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, domain.Map{"color": "green", "tags": []any{"a", "b"}}, entry)

		require.NoError(t, doc.Transact(ctx, "origin-b", func(tx Txn) error {
			tx.DeleteField(m, "w1", "color")
			return nil
		}))
		b = next(t)
		require.Len(t, b.Changes, 1)
		assert.Equal(t, ChangeDelete, b.Changes[0].Action)
		assert.Equal(t, "green", b.Changes[0].Old)

		entry, _, err = doc.Get(ctx, m, "w1")
		require.NoError(t, err)
		assert.Equal(t, domain.Map{"tags": []any{"a", "b"}}, entry)
	})

	t.Run("Atomic Multi-Map", func(t *testing.T) {
		data, state := prefix+"data", prefix+"state"
		require.NoError(t, doc.Transact(ctx, "origin-a", func(tx Txn) error {
			tx.Set(state, "w1", domain.Map{"color": "red"})
			tx.Set(data, "w1", domain.Map{"data": nil})
			return nil
		}))

		b := next(t)
		require.Len(t, b.Changes, 2)
		assert.True(t, b.Touches(state, "w1"))
		assert.True(t, b.Touches(data, "w1"))

		folded, exists := b.Fold(state, "w1", nil, false)
		assert.True(t, exists)
		assert.Equal(t, domain.Map{"color": "red"}, folded)
	})

	t.Run("Delete", func(t *testing.T) {
		m := prefix + "delete"
		require.NoError(t, doc.Transact(ctx, "origin-a", func(tx Txn) error {
			tx.Set(m, "w1", domain.Map{"color": "red"})
			return nil
		}))
		next(t)

		require.NoError(t, doc.Transact(ctx, "origin-a", func(tx Txn) error {
			tx.Delete(m, "w1")
			tx.Delete(m, "never-there")
			return nil
		}))

		b := next(t)
		require.Len(t, b.Changes, 1)
		old, removed := b.Removed(m, "w1")
		assert.True(t, removed)
		assert.Equal(t, domain.Map{"color": "red"}, old)

		_, ok, err := doc.Get(ctx, m, "w1")
		require.NoError(t, err)
		assert.False(t, ok, "Get after Delete should report absence")
	})

	t.Run("Reads See Own Writes", func(t *testing.T) {
		m := prefix + "ryw"
		require.NoError(t, doc.Transact(ctx, "origin-a", func(tx Txn) error {
			_, ok := tx.Get(m, "w1")
			assert.False(t, ok)
			tx.SetField(m, "w1", "color", "red")
			entry, ok := tx.Get(m, "w1")
			assert.True(t, ok)
			assert.Equal(t, domain.Map{"color": "red"}, entry)
			return nil
		}))
		next(t)
	})

	t.Run("Rollback On Error", func(t *testing.T) {
		m := prefix + "rollback"
		boom := errors.New("boom")
		err := doc.Transact(ctx, "origin-a", func(tx Txn) error {
			tx.Set(m, "w1", domain.Map{"color": "red"})
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, ok, err := doc.Get(ctx, m, "w1")
		require.NoError(t, err)
		assert.False(t, ok, "nothing may be committed when fn fails")

		select {
		case b := <-batches:
			t.Fatalf("unexpected batch after rollback: %+v", b)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("Keys", func(t *testing.T) {
		m := prefix + "keys"
		require.NoError(t, doc.Transact(ctx, "origin-a", func(tx Txn) error {
			tx.Set(m, "b", domain.Map{})
			tx.Set(m, "a", domain.Map{"x": 1.0})
			return nil
		}))
		next(t)

		keys, err := doc.Keys(ctx, m)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, keys, "empty entries still exist")
	})

	t.Run("Commit Order", func(t *testing.T) {
		m := prefix + "order"
		require.NoError(t, doc.Transact(ctx, "origin-a", func(tx Txn) error {
			tx.Set(m, "w1", domain.Map{})
			return nil
		}))
		next(t)

		for _, v := range []string{"one", "two", "three"} {
			v := v
			require.NoError(t, doc.Transact(ctx, "origin-a", func(tx Txn) error {
				tx.SetField(m, "w1", "n", v)
				return nil
			}))
		}
		var got []any
		for i := 0; i < 3; i++ {
			b := next(t)
			require.Len(t, b.Changes, 1)
			got = append(got, b.Changes[0].New)
		}
		assert.Equal(t, []any{"one", "two", "three"}, got)
	})
}
