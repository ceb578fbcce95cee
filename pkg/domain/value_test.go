package domain_test

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type (
	color string
	flag  bool
)

func TestNormalize_ClosedSet(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want domain.Value
	}{
		{"nil", nil, nil},
		{"bool", true, true},
		{"string", "red", "red"},
		{"int", 42, 42.0},
		{"uint8", uint8(7), 7.0},
		{"float32", float32(1.5), 1.5},
		{"json number", json.Number("3.25"), 3.25},
		{"slice of ints", []int{1, 2}, []any{1.0, 2.0}},
		{"array", [2]string{"a", "b"}, []any{"a", "b"}},
		{"nested map", map[string]any{"pos": []any{1, 2}, "ok": false}, domain.Map{"pos": []any{1.0, 2.0}, "ok": false}},
		{"typed map", map[string]int{"x": 1}, domain.Map{"x": 1.0}},
		{"named string", color("red"), "red"},
		{"named bool", flag(true), true},
		{"named string keys", map[color]int{"red": 1}, domain.Map{"red": 1.0}},
		{"largest exact int", int64(1 << 53), float64(1 << 53)},
		{"smallest exact int", int64(-(1 << 53)), -float64(1 << 53)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := domain.Normalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize_Rejects(t *testing.T) {
	cases := map[string]any{
		"struct":        struct{ A int }{1},
		"func":          func() {},
		"channel":       make(chan int),
		"int keys":      map[int]string{1: "a"},
		"nan":           math.NaN(),
		"inf in slice":  []float64{math.Inf(1)},
		"nested bad":    map[string]any{"ok": 1, "bad": struct{}{}},
		"int64 > 2^53":  int64(1<<53 + 1),
		"int64 < -2^53": int64(-(1<<53 + 1)),
		"uint64 > 2^53": uint64(1 << 60),
	}

	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := domain.Normalize(in)
			assert.ErrorIs(t, err, domain.ErrUnserializable)
		})
	}
}

func TestCloneMap_DoesNotAlias(t *testing.T) {
	orig := domain.Map{"list": []any{1.0}, "inner": domain.Map{"a": "b"}}
	cp := domain.CloneMap(orig)

	cp["list"].([]any)[0] = 9.0
	cp["inner"].(domain.Map)["a"] = "c"

	assert.Equal(t, 1.0, orig["list"].([]any)[0])
	assert.Equal(t, "b", orig["inner"].(domain.Map)["a"])
	assert.Nil(t, domain.CloneMap(nil))
}

func TestDecode(t *testing.T) {
	type widget struct {
		Color string `mapstructure:"color"`
		Size  int    `mapstructure:"size"`
	}

	var w widget
	err := domain.Decode(domain.Map{"color": "green", "size": 3.0}, &w)
	require.NoError(t, err)
	assert.Equal(t, widget{Color: "green", Size: 3}, w)

	err = domain.Decode("not a map", &w)
	assert.Error(t, err)
}
