package schema

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Payload is the field map stored for a record.
//
// Values are restricted to what JSON can carry: nil, bool, string, numbers,
// []any and map[string]any.
type Payload map[string]any

// Clone returns a deep copy of the payload. Nested maps and slices are copied
// so that later edits to either side never leak into the other.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

// Fields returns the field names in lexicographic order.
func (p Payload) Fields() []string {
	fields := make([]string, 0, len(p))
	for k := range p {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

// Validate checks that every value in the payload is representable.
func (p Payload) Validate() error {
	for _, field := range p.Fields() {
		if field == "" {
			return fmt.Errorf("empty field name")
		}
		if err := validateValue(p[field]); err != nil {
			return fmt.Errorf("field %q: %w", field, err)
		}
	}
	return nil
}

// ApplyPatch returns a copy of p with every field of patch set.
//
// The patch is validated in full before anything is copied, so on error the
// returned payload is nil and p is untouched.
func (p Payload) ApplyPatch(patch map[string]any) (Payload, error) {
	if err := Payload(patch).Validate(); err != nil {
		return nil, fmt.Errorf("invalid patch: %w", err)
	}
	out := p.Clone()
	if out == nil {
		out = make(Payload, len(patch))
	}
	for field, value := range patch {
		out[field] = cloneValue(value)
	}
	return out, nil
}

// cloneValue deep-copies the container types a payload may hold.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			m[k] = cloneValue(inner)
		}
		return m
	case Payload:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, inner := range t {
			s[i] = cloneValue(inner)
		}
		return s
	case []string:
		s := make([]string, len(t))
		copy(s, t)
		return s
	default:
		return v
	}
}

// plainValue replaces nested Payload values with map[string]any, the type
// JSON decoding produces. Decoders that fill a Payload directly, such as
// yaml.v3, use the named type for nested mappings too.
func plainValue(v any) any {
	switch t := v.(type) {
	case Payload:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			m[k] = plainValue(inner)
		}
		return m
	case map[string]any:
		for k, inner := range t {
			t[k] = plainValue(inner)
		}
		return t
	case []any:
		for i, inner := range t {
			t[i] = plainValue(inner)
		}
		return t
	default:
		return v
	}
}

// plain normalizes the nested values of p in place. See plainValue.
func (p Payload) plain() Payload {
	for k, v := range p {
		p[k] = plainValue(v)
	}
	return p
}

func validateValue(v any) error {
	switch t := v.(type) {
	case nil, bool, string, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return nil
	case []string:
		return nil
	case []any:
		for i, inner := range t {
			if err := validateValue(inner); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		return nil
	case map[string]any:
		return Payload(t).Validate()
	case Payload:
		return t.Validate()
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
}
