package domain

import "sort"

// MapDiff represents the changes between two Maps.
// It is designed to be serialized to JSON for partial updates.
type MapDiff struct {
	// Set contains added or modified keys with their new values.
	Set Map `json:"set,omitempty"`

	// Unset lists keys present in the old map but absent from the new one, sorted.
	Unset []string `json:"unset,omitempty"`
}

// Diff calculates the difference between oldMap and newMap.
// If oldMap is nil, the diff sets every key of newMap (initial load).
func Diff(oldMap, newMap Map) *MapDiff {
	diff := &MapDiff{}

	for k, newVal := range newMap {
		oldVal, exists := oldMap[k]
		if !exists || !Equal(oldVal, newVal) {
			if diff.Set == nil {
				diff.Set = make(Map)
			}
			diff.Set[k] = newVal
		}
	}

	for k := range oldMap {
		if _, exists := newMap[k]; !exists {
			diff.Unset = append(diff.Unset, k)
		}
	}
	sort.Strings(diff.Unset)

	return diff
}

// IsEmpty checks if the diff contains any actionable changes.
func (d *MapDiff) IsEmpty() bool {
	return d == nil || (len(d.Set) == 0 && len(d.Unset) == 0)
}

// Keys returns every key touched by the diff, sorted.
func (d *MapDiff) Keys() []string {
	if d == nil {
		return nil
	}
	keys := make([]string, 0, len(d.Set)+len(d.Unset))
	for k := range d.Set {
		keys = append(keys, k)
	}
	keys = append(keys, d.Unset...)
	sort.Strings(keys)
	return keys
}

// Apply returns a copy of base with the diff applied.
func (d *MapDiff) Apply(base Map) Map {
	out := CloneMap(base)
	if out == nil {
		out = make(Map)
	}
	if d == nil {
		return out
	}
	for k, v := range d.Set {
		out[k] = Clone(v)
	}
	for _, k := range d.Unset {
		delete(out, k)
	}
	return out
}
