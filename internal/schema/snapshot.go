// Package schema defines the world snapshot model, the delta engine, and the
// wire protocol shared between sources, the history store, and sessions.
package schema

import (
	"sort"
)

// ComponentSnapshot records one component attached to an entity. TypeName is
// the fully qualified type identifier used for cross-process disambiguation;
// TypeShort is the display label and the key used for diffing. Data is an
// opaque JSON-compatible payload the core never interprets.
type ComponentSnapshot struct {
	TypeName  string         `json:"type_name"`
	TypeShort string         `json:"type_short"`
	Data      map[string]any `json:"data"`
}

// Clone returns a deep copy of the component snapshot.
func (c ComponentSnapshot) Clone() ComponentSnapshot {
	return ComponentSnapshot{
		TypeName:  c.TypeName,
		TypeShort: c.TypeShort,
		Data:      CloneValueMap(c.Data),
	}
}

// EntitySnapshot records one entity and its components. TypeShort values are
// unique across Components.
type EntitySnapshot struct {
	ID         int                 `json:"id"`
	Components []ComponentSnapshot `json:"components"`
}

// Clone returns a deep copy of the entity snapshot.
func (e EntitySnapshot) Clone() EntitySnapshot {
	out := EntitySnapshot{ID: e.ID}
	if len(e.Components) > 0 {
		out.Components = make([]ComponentSnapshot, len(e.Components))
		for i, c := range e.Components {
			out.Components[i] = c.Clone()
		}
	}
	return out
}

// Component returns the component keyed by the given type_short, if present.
func (e EntitySnapshot) Component(short string) (ComponentSnapshot, bool) {
	for _, c := range e.Components {
		if c.TypeShort == short {
			return c, true
		}
	}
	return ComponentSnapshot{}, false
}

// Archetype derives the entity's archetype: the lexicographically sorted
// tuple of its component type_short values.
func (e EntitySnapshot) Archetype() []string {
	shorts := make([]string, 0, len(e.Components))
	for _, c := range e.Components {
		shorts = append(shorts, c.TypeShort)
	}
	sort.Strings(shorts)
	return shorts
}

// WorldSnapshot records the full world state at one tick. Entity IDs are
// unique across Entities.
type WorldSnapshot struct {
	Tick        int              `json:"tick"`
	Timestamp   float64          `json:"timestamp"`
	EntityCount int              `json:"entity_count"`
	Entities    []EntitySnapshot `json:"entities"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

// NewWorldSnapshot builds a snapshot with EntityCount kept consistent.
func NewWorldSnapshot(tick int, timestamp float64, entities []EntitySnapshot) *WorldSnapshot {
	return &WorldSnapshot{
		Tick:        tick,
		Timestamp:   timestamp,
		EntityCount: len(entities),
		Entities:    entities,
	}
}

// Clone returns a deep copy of the world snapshot.
func (s *WorldSnapshot) Clone() *WorldSnapshot {
	if s == nil {
		return nil
	}
	out := &WorldSnapshot{
		Tick:        s.Tick,
		Timestamp:   s.Timestamp,
		EntityCount: s.EntityCount,
		Metadata:    CloneValueMap(s.Metadata),
	}
	if len(s.Entities) > 0 {
		out.Entities = make([]EntitySnapshot, len(s.Entities))
		for i, e := range s.Entities {
			out.Entities[i] = e.Clone()
		}
	}
	return out
}

// Entity returns the entity with the given id, if present.
func (s *WorldSnapshot) Entity(id int) (EntitySnapshot, bool) {
	for _, e := range s.Entities {
		if e.ID == id {
			return e, true
		}
	}
	return EntitySnapshot{}, false
}

// Archetypes derives the set of unique archetypes present in the snapshot,
// sorted for stable output.
func (s *WorldSnapshot) Archetypes() [][]string {
	seen := make(map[string][]string)
	keys := make([]string, 0)
	for _, e := range s.Entities {
		arch := e.Archetype()
		key := joinKey(arch)
		if _, ok := seen[key]; !ok {
			seen[key] = arch
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := make([][]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, seen[k])
	}
	return out
}

func joinKey(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	n := len(parts) - 1
	for _, p := range parts {
		n += len(p)
	}
	b := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			b = append(b, '\x1f')
		}
		b = append(b, p...)
	}
	return string(b)
}

// CloneValueMap deep-copies a JSON-compatible payload mapping.
func CloneValueMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneValueMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// ValuesEqual reports deep value equality of two JSON-compatible payloads.
// Numeric values compare by magnitude regardless of Go representation, so a
// payload that round-tripped through JSON compares equal to its original.
func ValuesEqual(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !ValuesEqual(v, w) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !ValuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case nil:
		return b == nil
	}
	if af, ok := asFloat(a); ok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		return 0, false
	}
	return 0, false
}

// DataEqual reports value equality of two component data payloads.
func DataEqual(a, b map[string]any) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return len(a) == 0 && len(b) == 0
	}
	return ValuesEqual(a, b)
}
