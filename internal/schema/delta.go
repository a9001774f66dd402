package schema

import "sort"

// ComponentDiff records one component-level change between two snapshots of
// the same entity. Exactly one shape is valid: OldValue nil (added), NewValue
// nil (removed), or both non-nil and unequal (modified). TypeName carries the
// full type identifier resolved from whichever side held the component.
type ComponentDiff struct {
	ComponentType string         `json:"component_type"`
	TypeName      string         `json:"type_name"`
	OldValue      map[string]any `json:"old_value"`
	NewValue      map[string]any `json:"new_value"`
}

// TickDelta records the difference between two consecutive snapshots.
type TickDelta struct {
	Tick      int                     `json:"tick"`
	Timestamp float64                 `json:"timestamp"`
	Spawned   []EntitySnapshot        `json:"spawned"`
	Destroyed []int                   `json:"destroyed"`
	Modified  map[int][]ComponentDiff `json:"modified"`
}

// Empty reports whether the delta carries no entity changes.
func (d *TickDelta) Empty() bool {
	return d == nil || (len(d.Spawned) == 0 && len(d.Destroyed) == 0 && len(d.Modified) == 0)
}

// Clone returns a deep copy of the delta.
func (d *TickDelta) Clone() *TickDelta {
	if d == nil {
		return nil
	}
	out := &TickDelta{
		Tick:      d.Tick,
		Timestamp: d.Timestamp,
		Spawned:   make([]EntitySnapshot, len(d.Spawned)),
		Destroyed: append([]int(nil), d.Destroyed...),
		Modified:  make(map[int][]ComponentDiff, len(d.Modified)),
	}
	for i, e := range d.Spawned {
		out.Spawned[i] = e.Clone()
	}
	for id, diffs := range d.Modified {
		cloned := make([]ComponentDiff, len(diffs))
		for i, diff := range diffs {
			cloned[i] = ComponentDiff{
				ComponentType: diff.ComponentType,
				TypeName:      diff.TypeName,
				OldValue:      CloneValueMap(diff.OldValue),
				NewValue:      CloneValueMap(diff.NewValue),
			}
		}
		out.Modified[id] = cloned
	}
	return out
}

// Diff computes the delta that transforms old into new. Destroyed ids keep
// old's insertion order, spawned entities keep new's order, and per-entity
// component diffs are emitted in ascending type_short order so application
// is deterministic. Entities whose components are all unchanged are omitted
// from Modified.
func Diff(old, new *WorldSnapshot) *TickDelta {
	delta := &TickDelta{
		Tick:      new.Tick,
		Timestamp: new.Timestamp,
		Modified:  make(map[int][]ComponentDiff),
	}

	oldByID := make(map[int]EntitySnapshot, len(old.Entities))
	for _, e := range old.Entities {
		oldByID[e.ID] = e
	}
	newByID := make(map[int]EntitySnapshot, len(new.Entities))
	for _, e := range new.Entities {
		newByID[e.ID] = e
	}

	for _, e := range old.Entities {
		if _, ok := newByID[e.ID]; !ok {
			delta.Destroyed = append(delta.Destroyed, e.ID)
		}
	}

	for _, e := range new.Entities {
		prev, ok := oldByID[e.ID]
		if !ok {
			delta.Spawned = append(delta.Spawned, e.Clone())
			continue
		}
		diffs := diffEntity(prev, e)
		if len(diffs) > 0 {
			delta.Modified[e.ID] = diffs
		}
	}

	return delta
}

func diffEntity(old, new EntitySnapshot) []ComponentDiff {
	oldByShort := make(map[string]ComponentSnapshot, len(old.Components))
	for _, c := range old.Components {
		oldByShort[c.TypeShort] = c
	}
	newByShort := make(map[string]ComponentSnapshot, len(new.Components))
	for _, c := range new.Components {
		newByShort[c.TypeShort] = c
	}

	shorts := make([]string, 0, len(oldByShort)+len(newByShort))
	seen := make(map[string]struct{}, len(oldByShort)+len(newByShort))
	for short := range oldByShort {
		shorts = append(shorts, short)
		seen[short] = struct{}{}
	}
	for short := range newByShort {
		if _, ok := seen[short]; !ok {
			shorts = append(shorts, short)
		}
	}
	sort.Strings(shorts)

	var diffs []ComponentDiff
	for _, short := range shorts {
		oldC, hasOld := oldByShort[short]
		newC, hasNew := newByShort[short]
		switch {
		case hasOld && hasNew:
			if !DataEqual(oldC.Data, newC.Data) {
				diffs = append(diffs, ComponentDiff{
					ComponentType: short,
					TypeName:      newC.TypeName,
					OldValue:      clonePayload(oldC.Data),
					NewValue:      clonePayload(newC.Data),
				})
			}
		case hasNew:
			diffs = append(diffs, ComponentDiff{
				ComponentType: short,
				TypeName:      newC.TypeName,
				NewValue:      clonePayload(newC.Data),
			})
		default:
			diffs = append(diffs, ComponentDiff{
				ComponentType: short,
				TypeName:      oldC.TypeName,
				OldValue:      clonePayload(oldC.Data),
			})
		}
	}
	return diffs
}

// clonePayload deep-copies component data, normalizing nil to an empty map so
// a present-but-empty payload stays distinguishable from an absent side.
func clonePayload(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return CloneValueMap(m)
}

// Apply patches base with delta and returns the successor snapshot. Surviving
// entities keep base's order, spawned entities append in delta order, and the
// result carries the delta's tick and timestamp with base's metadata. A
// modification targeting a destroyed or unknown entity is skipped: the entity
// is gone.
func Apply(base *WorldSnapshot, delta *TickDelta) *WorldSnapshot {
	destroyed := make(map[int]struct{}, len(delta.Destroyed))
	for _, id := range delta.Destroyed {
		destroyed[id] = struct{}{}
	}

	entities := make([]EntitySnapshot, 0, len(base.Entities)+len(delta.Spawned))
	for _, e := range base.Entities {
		if _, gone := destroyed[e.ID]; gone {
			continue
		}
		if diffs, ok := delta.Modified[e.ID]; ok {
			entities = append(entities, patchEntity(e, diffs))
			continue
		}
		entities = append(entities, e.Clone())
	}
	for _, e := range delta.Spawned {
		entities = append(entities, e.Clone())
	}

	out := NewWorldSnapshot(delta.Tick, delta.Timestamp, entities)
	out.Metadata = CloneValueMap(base.Metadata)
	return out
}

func patchEntity(e EntitySnapshot, diffs []ComponentDiff) EntitySnapshot {
	byShort := make(map[string]ComponentSnapshot, len(e.Components))
	order := make([]string, 0, len(e.Components))
	for _, c := range e.Components {
		byShort[c.TypeShort] = c.Clone()
		order = append(order, c.TypeShort)
	}

	for _, diff := range diffs {
		switch {
		case diff.OldValue == nil:
			if _, exists := byShort[diff.ComponentType]; !exists {
				order = append(order, diff.ComponentType)
			}
			byShort[diff.ComponentType] = ComponentSnapshot{
				TypeName:  diff.TypeName,
				TypeShort: diff.ComponentType,
				Data:      CloneValueMap(diff.NewValue),
			}
		case diff.NewValue == nil:
			if _, exists := byShort[diff.ComponentType]; exists {
				delete(byShort, diff.ComponentType)
				for i, short := range order {
					if short == diff.ComponentType {
						order = append(order[:i], order[i+1:]...)
						break
					}
				}
			}
		default:
			prev, exists := byShort[diff.ComponentType]
			name := diff.TypeName
			if name == "" && exists {
				name = prev.TypeName
			}
			if !exists {
				order = append(order, diff.ComponentType)
			}
			byShort[diff.ComponentType] = ComponentSnapshot{
				TypeName:  name,
				TypeShort: diff.ComponentType,
				Data:      CloneValueMap(diff.NewValue),
			}
		}
	}

	out := EntitySnapshot{ID: e.ID, Components: make([]ComponentSnapshot, 0, len(order))}
	for _, short := range order {
		out.Components = append(out.Components, byShort[short])
	}
	return out
}
