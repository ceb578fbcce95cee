package memory_test

import (
	"context"
	"testing"

	"github.com/aretw0/lattice/pkg/adapters/memory"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDocument_Contract(t *testing.T) {
	doc := memory.NewDocument()
	ports.RunDocumentContract(t, doc)
}

func TestMemoryDocument_SynchronousDelivery(t *testing.T) {
	doc := memory.NewDocument()
	ctx := context.Background()

	var seen []string
	cancel := doc.Observe(func(_ context.Context, b ports.Batch) {
		seen = append(seen, b.Origin)
	})

	require.NoError(t, doc.Transact(ctx, "a", func(tx ports.Txn) error {
		tx.Set("m", "k", domain.Map{"x": 1.0})
		return nil
	}))
	assert.Equal(t, []string{"a"}, seen, "batch must be delivered before Transact returns")

	cancel()
	require.NoError(t, doc.Transact(ctx, "b", func(tx ports.Txn) error {
		tx.SetField("m", "k", "x", 2.0)
		return nil
	}))
	assert.Equal(t, []string{"a"}, seen, "cancelled observer must not be called")
}

func TestMemoryDocument_NestedTransactFromObserver(t *testing.T) {
	doc := memory.NewDocument()
	ctx := context.Background()

	var order []string
	doc.Observe(func(ctx context.Context, b ports.Batch) {
		order = append(order, b.Origin)
		if b.Origin == "outer" {
			err := doc.Transact(ctx, "inner", func(tx ports.Txn) error {
				tx.Set("m", "reply", domain.Map{})
				return nil
			})
			assert.NoError(t, err)
			order = append(order, "outer-handled")
		}
	})

	require.NoError(t, doc.Transact(ctx, "outer", func(tx ports.Txn) error {
		tx.Set("m", "k", domain.Map{})
		return nil
	}))

	assert.Equal(t, []string{"outer", "outer-handled", "inner"}, order)
}

func TestMemoryDocument_IsolatesValues(t *testing.T) {
	doc := memory.NewDocument()
	ctx := context.Background()

	entry := domain.Map{"tags": []any{"a"}}
	require.NoError(t, doc.Transact(ctx, "a", func(tx ports.Txn) error {
		tx.Set("m", "k", entry)
		return nil
	}))
	entry["tags"].([]any)[0] = "mutated"

	got, ok, err := doc.Get(ctx, "m", "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []any{"a"}, got["tags"])

	got["tags"] = "changed by caller"
	snap := doc.Snapshot()
	assert.Equal(t, []any{"a"}, snap["m"]["k"]["tags"])
}

func TestMemoryDocument_CancelledContext(t *testing.T) {
	doc := memory.NewDocument()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := doc.Transact(ctx, "a", func(tx ports.Txn) error {
		tx.Set("m", "k", domain.Map{})
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, doc.Snapshot())
}
