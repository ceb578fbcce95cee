package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// Value is any value that may cross the network boundary.
// The closed set is: nil, bool, float64, string, []any and map[string]any,
// recursively. Use Normalize to convert arbitrary Go values into it.
type Value = any

// Map is a string-keyed mapping of Values. Shared document entries are Maps.
type Map = map[string]Value

// converter is one entry of the normalization table: if match reports true
// for the value, convert produces its canonical form.
type converter struct {
	name    string
	match   func(v any) bool
	convert func(v any) (Value, error)
}

// maxExactInt is the largest integer magnitude a float64 holds exactly.
const maxExactInt = 1 << 53

// converters is queried in order; the first matching entry wins.
// It is filled in init because the container entries recurse through Normalize.
var converters []converter

func init() {
	converters = []converter{
		{
			name:    "null",
			match:   func(v any) bool { return v == nil },
			convert: func(v any) (Value, error) { return nil, nil },
		},
		{
			name:    "bool",
			match:   func(v any) bool { return reflect.ValueOf(v).Kind() == reflect.Bool },
			convert: func(v any) (Value, error) { return reflect.ValueOf(v).Bool(), nil },
		},
		{
			// json.Number is a string kind: it must be matched before strings.
			name:  "json.Number",
			match: func(v any) bool { _, ok := v.(json.Number); return ok },
			convert: func(v any) (Value, error) {
				f, err := v.(json.Number).Float64()
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrUnserializable, err)
				}
				return checkFinite(f)
			},
		},
		{
			name:    "string",
			match:   func(v any) bool { return reflect.ValueOf(v).Kind() == reflect.String },
			convert: func(v any) (Value, error) { return reflect.ValueOf(v).String(), nil },
		},
		{
			name:    "number",
			match:   isNumber,
			convert: convertNumber,
		},
		{
			name: "map",
			match: func(v any) bool {
				rv := reflect.ValueOf(v)
				return rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String
			},
			convert: func(v any) (Value, error) {
				rv := reflect.ValueOf(v)
				out := make(Map, rv.Len())
				iter := rv.MapRange()
				for iter.Next() {
					nv, err := Normalize(iter.Value().Interface())
					if err != nil {
						return nil, fmt.Errorf("key %q: %w", iter.Key().String(), err)
					}
					out[iter.Key().String()] = nv
				}
				return out, nil
			},
		},
		{
			name: "sequence",
			match: func(v any) bool {
				k := reflect.ValueOf(v).Kind()
				return k == reflect.Slice || k == reflect.Array
			},
			convert: func(v any) (Value, error) {
				rv := reflect.ValueOf(v)
				out := make([]any, rv.Len())
				for i := 0; i < rv.Len(); i++ {
					nv, err := Normalize(rv.Index(i).Interface())
					if err != nil {
						return nil, fmt.Errorf("index %d: %w", i, err)
					}
					out[i] = nv
				}
				return out, nil
			},
		},
	}
}

// convertNumber widens any numeric kind to float64. Integers beyond 2^53 are
// rejected rather than rounded.
func convertNumber(v any) (Value, error) {
	rv := reflect.ValueOf(v)
	switch {
	case rv.CanInt():
		i := rv.Int()
		if i > maxExactInt || i < -maxExactInt {
			return nil, fmt.Errorf("%w: integer %d exceeds float64 precision", ErrUnserializable, i)
		}
		return float64(i), nil
	case rv.CanUint():
		u := rv.Uint()
		if u > maxExactInt {
			return nil, fmt.Errorf("%w: integer %d exceeds float64 precision", ErrUnserializable, u)
		}
		return float64(u), nil
	default:
		return checkFinite(rv.Float())
	}
}

func isNumber(v any) bool {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func checkFinite(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: non-finite number %v", ErrUnserializable, f)
	}
	return f, nil
}

// Normalize converts v into the closed value set.
// Integers and floats become float64, slices become []any and string-keyed maps
// become map[string]any. Anything else returns ErrUnserializable.
func Normalize(v any) (Value, error) {
	for _, c := range converters {
		if c.match(v) {
			return c.convert(v)
		}
	}
	return nil, fmt.Errorf("%w: %T", ErrUnserializable, v)
}

// NormalizeMap normalizes every value of m. A nil map yields an empty Map.
func NormalizeMap(m map[string]any) (Map, error) {
	out := make(Map, len(m))
	for k, v := range m {
		nv, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// Clone returns a deep copy of a normalized value.
func Clone(v Value) Value {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Clone(e)
		}
		return out
	default:
		return v
	}
}

// CloneMap returns a deep copy of m. A nil map yields nil.
func CloneMap(m Map) Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = Clone(v)
	}
	return out
}

// Equal reports whether two normalized values are deeply equal.
func Equal(a, b Value) bool {
	return reflect.DeepEqual(a, b)
}

// Decode copies a value (typically creation data or a state map) into a typed
// Go structure using "mapstructure" tags, with weak typing so float64 numbers
// land in integer fields.
func Decode(v Value, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to decode value: %w", err)
	}
	return nil
}
