package ports_test

import (
	"testing"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/stretchr/testify/assert"
)

func TestBatch_Fold(t *testing.T) {
	b := ports.Batch{
		Origin: "peer-1",
		Changes: []ports.Change{
			{Map: "w/state", Key: "w1", Action: ports.ChangeAdd, New: domain.Map{"color": "red", "size": 1.0}},
			{Map: "w/data", Key: "w1", Action: ports.ChangeAdd, New: domain.Map{"data": nil}},
			{Map: "w/state", Key: "w1", Field: "color", Action: ports.ChangeUpdate, Old: "red", New: "green"},
			{Map: "w/state", Key: "w1", Field: "size", Action: ports.ChangeDelete, Old: 1.0},
			{Map: "w/state", Key: "w2", Field: "color", Action: ports.ChangeUpdate, New: "blue"},
		},
	}

	entry, exists := b.Fold("w/state", "w1", nil, false)
	assert.True(t, exists)
	assert.Equal(t, domain.Map{"color": "green"}, entry)

	base := domain.Map{"color": "red"}
	entry, exists = b.Fold("w/state", "w2", base, true)
	assert.True(t, exists)
	assert.Equal(t, domain.Map{"color": "blue"}, entry)
	assert.Equal(t, "red", base["color"], "Fold must not modify base")

	_, exists = b.Fold("w/state", "w3", nil, false)
	assert.False(t, exists)
	assert.False(t, b.Touches("w/state", "w3"))
	assert.True(t, b.Touches("w/data", "w1"))
}

func TestBatch_Removed(t *testing.T) {
	b := ports.Batch{
		Changes: []ports.Change{
			{Map: "w/data", Key: "w1", Action: ports.ChangeDelete, Old: domain.Map{"data": "x"}},
			{Map: "w/state", Key: "w1", Field: "color", Action: ports.ChangeDelete, Old: "red"},
		},
	}

	old, ok := b.Removed("w/data", "w1")
	assert.True(t, ok)
	assert.Equal(t, domain.Map{"data": "x"}, old)

	_, ok = b.Removed("w/state", "w1")
	assert.False(t, ok, "a field delete is not an entry removal")

	entry, exists := b.Fold("w/data", "w1", domain.Map{"data": "x"}, true)
	assert.False(t, exists)
	assert.Nil(t, entry)
}
