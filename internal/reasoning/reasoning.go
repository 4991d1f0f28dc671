// Package reasoning is the contract with the external LLM-style service
// that returns structured JSON for a prompt and a schema.
package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrFailure = errors.New("reasoning failure")
	ErrTimeout = errors.New("reasoning timeout")
)

// Schema is a JSON-schema-shaped description of the expected output, using
// the upper-case type names of the Gemini schema dialect.
type Schema map[string]any

type Request struct {
	// Purpose labels the call in logs and metrics.
	Purpose     string
	Prompt      string
	Schema      Schema
	UseInternet bool
}

type Reasoner interface {
	Invoke(ctx context.Context, req Request) (json.RawMessage, error)
}

// Func adapts a plain function to Reasoner.
type Func func(ctx context.Context, req Request) (json.RawMessage, error)

func (f Func) Invoke(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// Decode unmarshals a reasoning result, reporting shape mismatches as
// ErrFailure.
func Decode[T any](raw json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: decode result: %v", ErrFailure, err)
	}
	return out, nil
}

// ExtractJSON pulls the first JSON object or array out of free text, which
// is what grounded (search-enabled) responses return.
func ExtractJSON(text string) (json.RawMessage, bool) {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	trimmed = strings.TrimSpace(trimmed)
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), true
	}

	start := strings.IndexAny(trimmed, "{[")
	if start < 0 {
		return nil, false
	}
	decoder := json.NewDecoder(strings.NewReader(trimmed[start:]))
	var raw json.RawMessage
	if err := decoder.Decode(&raw); err != nil {
		return nil, false
	}
	return raw, true
}

// Object builds an OBJECT schema with every property required.
func Object(properties map[string]Schema) Schema {
	required := make([]string, 0, len(properties))
	props := make(map[string]any, len(properties))
	for name, schema := range properties {
		required = append(required, name)
		props[name] = map[string]any(schema)
	}
	sort.Strings(required)
	return Schema{"type": "OBJECT", "properties": props, "required": required}
}

func ArrayOf(item Schema) Schema {
	return Schema{"type": "ARRAY", "items": map[string]any(item)}
}

func String(description string) Schema {
	s := Schema{"type": "STRING"}
	if description != "" {
		s["description"] = description
	}
	return s
}

func Enum(values ...string) Schema {
	return Schema{"type": "STRING", "enum": values}
}
