package record_test

import (
	"context"
	"testing"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type notifications struct {
	changed []string
	removed []string
}

func (n *notifications) bind(r *record.Record) {
	r.InitSync("r1", func(k string) { n.changed = append(n.changed, k) }, func(k string) { n.removed = append(n.removed, k) })
}

func TestRecord_SetAndUnsetNotify(t *testing.T) {
	r := record.New()
	n := &notifications{}
	n.bind(r)

	require.NoError(t, r.Set("color", "red"))
	require.NoError(t, r.Set("size", 3))
	r.Unset("color")
	r.Unset("missing")

	assert.Equal(t, []string{"color", "size"}, n.changed)
	assert.Equal(t, []string{"color"}, n.removed, "unsetting a missing field is silent")
	assert.Equal(t, domain.Map{"size": 3.0}, r.Fields())
	assert.Equal(t, "r1", r.ID())
}

func TestRecord_SetRejectsUnserializable(t *testing.T) {
	r := record.New()
	err := r.Set("ch", make(chan int))
	assert.ErrorIs(t, err, domain.ErrUnserializable)
	_, ok := r.Get("ch")
	assert.False(t, ok)
}

func TestRecord_ReplaceReportsDifferences(t *testing.T) {
	r := record.New(record.WithFields(domain.Map{"a": 1.0, "b": "x", "c": true}))
	n := &notifications{}
	n.bind(r)

	require.NoError(t, r.Replace(map[string]any{"a": 1, "b": "y", "d": nil}))

	assert.Equal(t, []string{"b", "d"}, n.changed)
	assert.Equal(t, []string{"c"}, n.removed)
	assert.Equal(t, domain.Map{"a": 1.0, "b": "y", "d": nil}, r.Fields())
}

func TestRecord_AskStatesDeclaresEveryField(t *testing.T) {
	r := record.New(record.WithFields(domain.Map{"a": 1.0, "b": 2.0}))
	n := &notifications{}
	n.bind(r)

	r.AskStates()
	assert.ElementsMatch(t, []string{"a", "b"}, n.changed)
}

func TestRecord_RemoteStateDoesNotNotify(t *testing.T) {
	var watched []string
	r := record.New(record.WithWatch(func(key string, _ domain.Value, deleted bool) {
		if deleted {
			key = "-" + key
		}
		watched = append(watched, key)
	}))
	n := &notifications{}
	n.bind(r)
	ctx := context.Background()

	require.NoError(t, r.SetState(ctx, "color", "blue"))
	require.NoError(t, r.RemoveState(ctx, "color"))

	assert.Empty(t, n.changed)
	assert.Empty(t, n.removed)
	assert.Equal(t, []string{"color", "-color"}, watched)
}

func TestRecord_GetState(t *testing.T) {
	r := record.New(record.WithFields(domain.Map{"tags": []any{"a"}}))

	v, err := r.GetState(context.Background(), "tags")
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, v)

	v.([]any)[0] = "mutated"
	got, _ := r.Get("tags")
	assert.Equal(t, []any{"a"}, got, "returned values are copies")

	_, err = r.GetState(context.Background(), "missing")
	assert.ErrorIs(t, err, record.ErrUnknownField)
}

func TestRecord_DisposeSyncDropsCallbacks(t *testing.T) {
	r := record.New()
	n := &notifications{}
	n.bind(r)

	r.DisposeSync()
	require.NoError(t, r.Set("color", "red"))

	assert.Empty(t, n.changed)
	assert.Empty(t, r.ID())
}

func TestRecord_Decode(t *testing.T) {
	r := record.New(record.WithFields(domain.Map{"color": "red", "size": 3.0}))

	var out struct {
		Color string `mapstructure:"color"`
		Size  int    `mapstructure:"size"`
	}
	require.NoError(t, r.Decode(&out))
	assert.Equal(t, "red", out.Color)
	assert.Equal(t, 3, out.Size)
}
