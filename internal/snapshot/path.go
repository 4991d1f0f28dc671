package snapshot

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyPath    = errors.New("empty field path")
	ErrPathConflict = errors.New("field path crosses a non-object value")
)

// Path addresses a nested field as explicit segments, so keys that contain
// a dot stay addressable.
type Path []string

// ParsePath splits the dot-notation form used by API clients. Empty
// segments are dropped.
func ParsePath(dotted string) Path {
	parts := strings.Split(dotted, ".")
	path := make(Path, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		path = append(path, part)
	}
	return path
}

func (p Path) String() string {
	return strings.Join(p, ".")
}

// Get resolves p inside s.
func Get(s Snapshot, p Path) (any, bool) {
	if len(p) == 0 {
		return nil, false
	}
	var current any = map[string]any(s)
	for _, segment := range p {
		object, ok := asObject(current)
		if !ok {
			return nil, false
		}
		current, ok = object[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Set writes value at p, creating intermediate objects as needed. It fails
// with ErrPathConflict when an intermediate segment holds a scalar or list.
func Set(s Snapshot, p Path, value any) error {
	if len(p) == 0 {
		return ErrEmptyPath
	}
	object := map[string]any(s)
	for i, segment := range p[:len(p)-1] {
		next, ok := object[segment]
		if !ok || next == nil {
			created := map[string]any{}
			object[segment] = created
			object = created
			continue
		}
		nested, ok := asObject(next)
		if !ok {
			return fmt.Errorf("set %s: %w at %s", p, ErrPathConflict, p[:i+1])
		}
		object[segment] = nested
		object = nested
	}
	object[p[len(p)-1]] = value
	return nil
}

func asObject(v any) (map[string]any, bool) {
	switch typed := v.(type) {
	case map[string]any:
		return typed, true
	case Snapshot:
		return map[string]any(typed), true
	default:
		return nil, false
	}
}
