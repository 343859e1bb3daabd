package pdm

import (
	"sort"

	"pdm-go/internal/model"
)

// DiffUnits compares two flattened states and returns the changes that
// turn from into to, sorted by unit name.
func DiffUnits(from, to map[string]string) []model.Change {
	var changes []model.Change
	for unit, old := range from {
		nv, ok := to[unit]
		switch {
		case !ok:
			changes = append(changes, model.Change{Unit: unit, Kind: model.ChangeRemoved, Old: old})
		case nv != old:
			changes = append(changes, model.Change{Unit: unit, Kind: model.ChangeChanged, Old: old, New: nv})
		}
	}
	for unit, nv := range to {
		if _, ok := from[unit]; !ok {
			changes = append(changes, model.Change{Unit: unit, Kind: model.ChangeAdded, New: nv})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Unit < changes[j].Unit })
	return changes
}

// attributeUnits assigns each unit of the newest state to the oldest version in
// the unbroken run of versions carrying the same value. chain and units are
// aligned and ordered newest-first.
func attributeUnits(chain []*model.Version, units []map[string]string) map[string]model.Attribution {
	out := make(map[string]model.Attribution)
	if len(chain) == 0 {
		return out
	}
	for unit, value := range units[0] {
		i := 0
		for i+1 < len(chain) {
			prev, ok := units[i+1][unit]
			if !ok || prev != value {
				break
			}
			i++
		}
		v := chain[i]
		out[unit] = model.Attribution{Author: v.Author, VersionID: v.ID, Timestamp: v.Timestamp}
	}
	return out
}
