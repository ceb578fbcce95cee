package txlog_test

import (
	"errors"
	"testing"

	"github.com/aretw0/lattice/internal/txlog"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_RecordsEffectiveOpsOnly(t *testing.T) {
	calls := 0
	committed := map[string]domain.Map{"w1": {"color": "red"}}
	log := txlog.New(func(_, key string) (domain.Map, bool, error) {
		calls++
		e, ok := committed[key]
		return e, ok, nil
	})

	log.SetField("state", "w1", "color", "green")
	log.DeleteField("state", "w1", "missing")
	log.Delete("state", "w2")
	log.SetField("state", "w3", "size", 1.0)

	require.NoError(t, log.Err())
	assert.Equal(t, 3, calls, "each key is loaded once")
	assert.Equal(t, "red", committed["w1"]["color"], "committed state is never mutated")

	ops := log.Ops()
	require.Len(t, ops, 2)
	assert.Equal(t, txlog.OpSetField, ops[0].Kind)
	assert.Equal(t, txlog.OpSet, ops[1].Kind, "SetField on a missing entry creates it")

	changes := log.Changes()
	require.Len(t, changes, 2)
	assert.Equal(t, ports.ChangeUpdate, changes[0].Action)
	assert.Equal(t, ports.ChangeAdd, changes[1].Action)
	assert.Equal(t, domain.Map{"size": 1.0}, changes[1].New)

	final := map[string]domain.Map{}
	log.Each(func(_, key string, entry domain.Map, exists bool) {
		if exists {
			final[key] = entry
		}
	})
	assert.Equal(t, map[string]domain.Map{
		"w1": {"color": "green"},
		"w3": {"size": 1.0},
	}, final)
}

func TestLog_LoadError(t *testing.T) {
	boom := errors.New("boom")
	log := txlog.New(func(string, string) (domain.Map, bool, error) {
		return nil, false, boom
	})

	_, ok := log.Get("state", "w1")
	assert.False(t, ok)
	assert.ErrorIs(t, log.Err(), boom)
}
