package state

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
)

// IDField is the record field that identifies an entity.
const IDField = "id"

// Entity is one record as decoded from the wire.
type Entity map[string]any

// ID returns the entity's identifier. Numeric ids are rendered in
// decimal so {"id":1} and {"id":"1"} address the same entity.
func (e Entity) ID() (string, bool) {
	switch v := e[IDField].(type) {
	case string:
		return v, v != ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}

// Collection maps entity id to record.
type Collection map[string]Entity

// Merge returns a new collection holding existing overlaid with
// incoming. For an id present in both, the result is the existing
// record with every incoming field written over it. Ids only in
// existing are kept unchanged, and records without an id are ignored.
// Neither argument is modified.
func Merge(existing Collection, incoming []Entity) Collection {
	out := make(Collection, len(existing)+len(incoming))
	maps.Copy(out, existing)

	for _, in := range incoming {
		id, ok := in.ID()
		if !ok {
			continue
		}
		prev, found := out[id]
		rec := make(Entity, len(prev)+len(in))
		if found {
			maps.Copy(rec, prev)
		}
		maps.Copy(rec, in)
		out[id] = rec
	}
	return out
}

// Replace returns a collection holding exactly the incoming records.
// It is used for kinds whose batches are authoritative.
func Replace(incoming []Entity) Collection {
	out := make(Collection, len(incoming))
	for _, in := range incoming {
		id, ok := in.ID()
		if !ok {
			continue
		}
		out[id] = maps.Clone(in)
	}
	return out
}

// Without returns a copy of c minus the given ids.
func Without(c Collection, ids ...string) Collection {
	out := maps.Clone(c)
	if out == nil {
		out = Collection{}
	}
	for _, id := range ids {
		delete(out, id)
	}
	return out
}

// Equal reports whether two collections hold the same ids with equal
// field sets. Field values are compared through their JSON encoding.
func Equal(a, b Collection) bool {
	if len(a) != len(b) {
		return false
	}
	for id, ea := range a {
		eb, ok := b[id]
		if !ok || len(ea) != len(eb) {
			return false
		}
		ja, errA := json.Marshal(ea)
		jb, errB := json.Marshal(eb)
		if errA != nil || errB != nil || string(ja) != string(jb) {
			return false
		}
	}
	return true
}

// As decodes an entity into a typed record.
func As[T any](e Entity) (T, error) {
	var out T
	raw, err := json.Marshal(e)
	if err != nil {
		return out, fmt.Errorf("encode entity: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode entity: %w", err)
	}
	return out, nil
}

// FromRecord converts a typed record into an Entity.
func FromRecord(v any) (Entity, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	var e Entity
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return e, nil
}
