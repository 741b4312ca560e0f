// Package schema defines the schema model and the registry that owns the
// Available -> Approved -> Blocked lifecycle, per-field pointer
// materialization, and embedded transform registration.
package schema

import (
	"github.com/shiba4life/datafold/internal/folderr"
)

// State is a schema's lifecycle position.
type State string

// Schema lifecycle states.
const (
	StateAvailable State = "Available"
	StateApproved  State = "Approved"
	StateBlocked   State = "Blocked"
)

// ParseState converts a string to a State.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateAvailable, StateApproved, StateBlocked:
		return State(s), nil
	default:
		return "", folderr.InvalidData("unknown schema state %q", s)
	}
}

// FieldVariant selects the pointer flavor backing a field.
type FieldVariant string

// Field variants.
const (
	VariantSingle     FieldVariant = "Single"
	VariantCollection FieldVariant = "Collection"
	VariantRange      FieldVariant = "Range"
)

// TransformDecl is a transform embedded in a field definition. The
// declaring field is the transform's output; Inputs are "schema.field"
// paths whose writes trigger it.
type TransformDecl struct {
	Logic  string   `cbor:"logic" json:"logic"`
	Inputs []string `cbor:"inputs" json:"inputs"`
}

// Field is one field of a schema. Permissions and Payment are opaque to
// the core; perimeter policy interprets them.
type Field struct {
	Variant     FieldVariant   `cbor:"variant" json:"variant"`
	Permissions map[string]any `cbor:"permissions,omitempty" json:"permissions,omitempty"`
	Payment     map[string]any `cbor:"payment,omitempty" json:"payment,omitempty"`
	Metadata    map[string]any `cbor:"metadata,omitempty" json:"metadata,omitempty"`
	Transform   *TransformDecl `cbor:"transform,omitempty" json:"transform,omitempty"`
}

// Schema is a named mapping of fields. A schema with RangeKey set is a
// range schema: every field is Range-variant and shares the index domain
// of the range-key field. Schemas are immutable once Approved.
type Schema struct {
	Name     string           `cbor:"name" json:"name"`
	RangeKey string           `cbor:"range_key,omitempty" json:"range_key,omitempty"`
	Fields   map[string]Field `cbor:"fields" json:"fields"`
}

// IsRangeSchema reports whether the schema declares a range key.
func (s *Schema) IsRangeSchema() bool { return s.RangeKey != "" }

// Field returns the named field definition.
func (s *Schema) Field(name string) (Field, error) {
	f, ok := s.Fields[name]
	if !ok {
		return Field{}, folderr.InvalidField("field %q does not exist on schema %q", name, s.Name)
	}

	return f, nil
}

// Validate checks the structural invariants: non-empty name, well-formed
// variants, and — for range schemas — an existing range-key field with
// every field Range-variant.
func (s *Schema) Validate() error {
	if s.Name == "" {
		return folderr.InvalidData("schema name must not be empty")
	}

	if len(s.Fields) == 0 {
		return folderr.InvalidData("schema %q declares no fields", s.Name)
	}

	for name, f := range s.Fields {
		switch f.Variant {
		case VariantSingle, VariantCollection, VariantRange:
		default:
			return folderr.InvalidData("field %q has unknown variant %q", name, f.Variant)
		}

		if f.Transform != nil {
			if f.Transform.Logic == "" {
				return folderr.InvalidData("field %q declares a transform with empty logic", name)
			}

			if len(f.Transform.Inputs) == 0 {
				return folderr.InvalidData("field %q declares a transform with no inputs", name)
			}
		}
	}

	if s.RangeKey != "" {
		if _, ok := s.Fields[s.RangeKey]; !ok {
			return folderr.InvalidData("range_key %q is not a field of schema %q", s.RangeKey, s.Name)
		}

		for name, f := range s.Fields {
			if f.Variant != VariantRange {
				return folderr.InvalidData("range schema %q: all fields must be RangeFields, but %q is %s", s.Name, name, f.Variant)
			}
		}
	}

	return nil
}

// ValidateRangeFilter checks that filter carries a range_filter object
// referencing exactly this schema's range key, and returns the filter
// value for that key.
func (s *Schema) ValidateRangeFilter(filter map[string]any) (any, error) {
	if !s.IsRangeSchema() {
		return nil, folderr.InvalidData("schema %q is not a range schema", s.Name)
	}

	raw, ok := filter["range_filter"]
	if !ok {
		return nil, folderr.InvalidData("query on range schema %q requires a 'range_filter'", s.Name)
	}

	rf, ok := raw.(map[string]any)
	if !ok {
		return nil, folderr.InvalidData("range_filter must be an object keyed by %q", s.RangeKey)
	}

	if len(rf) != 1 {
		return nil, folderr.InvalidData("range_filter must reference exactly the range key %q", s.RangeKey)
	}

	value, ok := rf[s.RangeKey]
	if !ok {
		return nil, folderr.InvalidData("range_filter must reference the range key %q", s.RangeKey)
	}

	return value, nil
}
