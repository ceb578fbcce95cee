package replica

import (
	"context"
	"testing"

	"github.com/aretw0/lattice/pkg/adapters/memory"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteChanges_SkipsValuesAlreadyShared(t *testing.T) {
	doc := memory.NewDocument()
	ctx := context.Background()
	require.NoError(t, doc.Transact(ctx, "seed", func(tx ports.Txn) error {
		tx.Set("w/state", "w1", domain.Map{"color": "blue", "size": 1.0})
		return nil
	}))

	var batches []ports.Batch
	cancel := doc.Observe(func(_ context.Context, b ports.Batch) { batches = append(batches, b) })
	defer cancel()

	changes := []fieldChange{
		{key: "color", value: "blue"},
		{key: "gone", remove: true},
		{key: "size", value: 2.0},
	}
	write := func(changes []fieldChange) int {
		n := 0
		require.NoError(t, doc.Transact(ctx, "local", func(tx ports.Txn) error {
			shared, ok := tx.Get("w/state", "w1")
			require.True(t, ok)
			n = writeChanges(tx, "w/state", "w1", shared, changes)
			return nil
		}))
		return n
	}

	assert.Equal(t, 1, write(changes))
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Changes, 1)
	assert.Equal(t, "size", batches[0].Changes[0].Field)

	assert.Zero(t, write(changes[:2]), "equal values and absent keys stage nothing")
	assert.Len(t, batches, 1, "an empty transaction publishes nothing")
}
