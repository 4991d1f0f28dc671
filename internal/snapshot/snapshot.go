// Package snapshot holds the schema-free state of a scenario and the
// field-level diff between two such states.
package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Snapshot is the full field bag of a scenario at one point in time. Values
// are restricted to what encoding/json produces when decoding into any:
// string, float64, bool, nil, []any and map[string]any.
type Snapshot map[string]any

type Entry struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

type Change struct {
	Field    string `json:"field"`
	OldValue any    `json:"old_value"`
	NewValue any    `json:"new_value"`
}

// Diff lists every top-level field that differs between two snapshots.
// Each list is sorted by field name.
type Diff struct {
	Added    []Entry  `json:"added"`
	Modified []Change `json:"modified"`
	Deleted  []Entry  `json:"deleted"`
}

func (d Diff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Deleted) == 0
}

// Compute returns the diff that turns old into new. Nil snapshots are
// treated as empty.
func Compute(old, new Snapshot) Diff {
	diff := Diff{
		Added:    []Entry{},
		Modified: []Change{},
		Deleted:  []Entry{},
	}

	for _, field := range unionKeys(old, new) {
		oldValue, inOld := old[field]
		newValue, inNew := new[field]
		switch {
		case !inOld && inNew:
			diff.Added = append(diff.Added, Entry{Field: field, Value: newValue})
		case inOld && !inNew:
			diff.Deleted = append(diff.Deleted, Entry{Field: field, Value: oldValue})
		case !Equal(oldValue, newValue):
			diff.Modified = append(diff.Modified, Change{Field: field, OldValue: oldValue, NewValue: newValue})
		}
	}
	return diff
}

// Equal compares two values by their canonical encoding, so maps with the
// same entries are equal regardless of construction order and 3 equals 3.0.
func Equal(a, b any) bool {
	return bytes.Equal(Canonical(a), Canonical(b))
}

// Canonical encodes v with object keys sorted. Values encoding/json cannot
// represent fall back to their %#v form so comparison stays total.
func Canonical(v any) []byte {
	encoded, err := json.Marshal(v)
	if err != nil {
		return []byte(fmt.Sprintf("%#v", v))
	}
	return encoded
}

// Normalize converts any JSON-encodable map into a Snapshot whose values
// have the canonical decoded shapes.
func Normalize(v any) (Snapshot, error) {
	if v == nil {
		return Snapshot{}, nil
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	var out Snapshot
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if out == nil {
		out = Snapshot{}
	}
	return out, nil
}

// Clone returns a deep copy. Nested maps and slices are never shared with
// the receiver.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	out := make(Snapshot, len(s))
	for key, value := range s {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, value := range typed {
			out[key] = cloneValue(value)
		}
		return out
	case Snapshot:
		return map[string]any(typed.Clone())
	case []any:
		out := make([]any, len(typed))
		for i, value := range typed {
			out[i] = cloneValue(value)
		}
		return out
	default:
		return v
	}
}

// Merge returns a copy of s with every field of patch written over it.
func (s Snapshot) Merge(patch Snapshot) Snapshot {
	out := s.Clone()
	for key, value := range patch {
		out[key] = cloneValue(value)
	}
	return out
}

func unionKeys(a, b Snapshot) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	keys := make([]string, 0, len(a)+len(b))
	for _, m := range []Snapshot{a, b} {
		for key := range m {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
