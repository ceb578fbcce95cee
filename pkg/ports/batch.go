package ports

import "github.com/aretw0/lattice/pkg/domain"

// Touches reports whether the batch changed the entry under key in mapName.
func (b Batch) Touches(mapName, key string) bool {
	for _, c := range b.Changes {
		if c.Map == mapName && c.Key == key {
			return true
		}
	}
	return false
}

// Fold replays the batch's changes for one entry on top of base and returns
// the resulting entry and whether it exists afterwards. base is not modified.
func (b Batch) Fold(mapName, key string, base domain.Map, exists bool) (domain.Map, bool) {
	entry := domain.CloneMap(base)
	for _, c := range b.Changes {
		if c.Map != mapName || c.Key != key {
			continue
		}
		switch {
		case c.Field == "" && c.Action == ChangeDelete:
			entry, exists = nil, false
		case c.Field == "":
			entry, _ = domain.Clone(c.New).(domain.Map)
			if entry == nil {
				entry = make(domain.Map)
			}
			exists = true
		case c.Action == ChangeDelete:
			delete(entry, c.Field)
		default:
			if entry == nil {
				entry = make(domain.Map)
			}
			entry[c.Field] = domain.Clone(c.New)
			exists = true
		}
	}
	return entry, exists
}

// Removed returns the entry deleted under key by this batch, as it was just
// before deletion, or false if the batch did not delete it.
func (b Batch) Removed(mapName, key string) (domain.Map, bool) {
	for _, c := range b.Changes {
		if c.Map == mapName && c.Key == key && c.Field == "" && c.Action == ChangeDelete {
			old, _ := c.Old.(domain.Map)
			return old, true
		}
	}
	return nil, false
}
