// Package row describes the positional rows flowing along hops and the
// schema that names and types their values.
package row

import (
	"encoding/json"
	"fmt"
	"slices"

	errs "hopflow/internal/errors"
)

// Type is the semantic type of a field.
type Type string

const (
	TypeInt       Type = "int"
	TypeNumber    Type = "number"
	TypeBigNumber Type = "bignumber"
	TypeText      Type = "text"
	TypeDate      Type = "date"
	TypeTimestamp Type = "timestamp"
	TypeBoolean   Type = "boolean"
	TypeBinary    Type = "binary"
)

var knownTypes = []Type{TypeInt, TypeNumber, TypeBigNumber, TypeText, TypeDate, TypeTimestamp, TypeBoolean, TypeBinary}

func (t Type) Valid() bool { return slices.Contains(knownTypes, t) }

type Field struct {
	Name     string
	Type     Type
	Nullable bool
}

// Schema is an ordered, immutable list of fields. Field order is significant:
// row values are addressed by position.
type Schema struct {
	fields []Field
}

// NewSchema copies fields into a schema. Names must be unique and non-empty.
// Types are checked later, when the schema is transported.
func NewSchema(fields ...Field) (Schema, error) {
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return Schema{}, fmt.Errorf("row: field with empty name")
		}
		if _, dup := seen[f.Name]; dup {
			return Schema{}, fmt.Errorf("row: duplicate field %q", f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return Schema{fields: slices.Clone(fields)}, nil
}

// MustSchema is NewSchema for literals.
func MustSchema(fields ...Field) Schema {
	s, err := NewSchema(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Schema) Len() int { return len(s.fields) }

func (s Schema) Fields() []Field { return slices.Clone(s.fields) }

func (s Schema) Field(i int) Field { return s.fields[i] }

// Index returns the position of name, or -1.
func (s Schema) Index(name string) int {
	for i, f := range s.fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

func (s Schema) Names() []string {
	out := make([]string, len(s.fields))
	for i, f := range s.fields {
		out[i] = f.Name
	}
	return out
}

// Append returns a new schema with extra fields at the end.
func (s Schema) Append(fields ...Field) (Schema, error) {
	return NewSchema(append(s.Fields(), fields...)...)
}

// Equal compares order, names, types and nullability.
func (s Schema) Equal(o Schema) bool { return slices.Equal(s.fields, o.fields) }

// AssignableTo reports whether rows of s can be handed to a consumer that
// expects the consumer schema.
func (s Schema) AssignableTo(consumer Schema) error {
	if s.Len() != consumer.Len() {
		return fmt.Errorf("row: producer has %d fields, consumer expects %d", s.Len(), consumer.Len())
	}
	for i, p := range s.fields {
		c := consumer.fields[i]
		switch {
		case p.Name != c.Name:
			return fmt.Errorf("row: field %d is %q, consumer expects %q", i, p.Name, c.Name)
		case p.Type != c.Type:
			return fmt.Errorf("row: field %q is %s, consumer expects %s", p.Name, p.Type, c.Type)
		case p.Nullable && !c.Nullable:
			return fmt.Errorf("row: field %q is nullable, consumer requires a value", p.Name)
		}
	}
	return nil
}

func (s Schema) String() string {
	b, err := s.ToTransportDocument()
	if err != nil {
		return fmt.Sprintf("%v", s.fields)
	}
	return string(b)
}

type document struct {
	Fields []fieldDoc `json:"fields"`
}

type fieldDoc struct {
	Name     string `json:"name"`
	Type     Type   `json:"type"`
	Nullable bool   `json:"nullable"`
}

// ToTransportDocument renders the schema as the JSON document workers rebuild
// it from. Unknown types fail here instead of being coerced.
func (s Schema) ToTransportDocument() ([]byte, error) {
	doc := document{Fields: make([]fieldDoc, 0, len(s.fields))}
	for _, f := range s.fields {
		if !f.Type.Valid() {
			return nil, errs.UnsupportedFieldType(f.Name, string(f.Type))
		}
		doc.Fields = append(doc.Fields, fieldDoc(f))
	}
	return json.Marshal(doc)
}

// FromTransportDocument rebuilds a schema. Attributes it does not know about
// are ignored so newer drivers can talk to older workers.
func FromTransportDocument(data []byte) (Schema, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Schema{}, fmt.Errorf("row: decode transport document: %w", err)
	}
	fields := make([]Field, 0, len(doc.Fields))
	for _, f := range doc.Fields {
		if !f.Type.Valid() {
			return Schema{}, errs.UnsupportedFieldType(f.Name, string(f.Type))
		}
		fields = append(fields, Field(f))
	}
	return NewSchema(fields...)
}

func (s Schema) MarshalJSON() ([]byte, error) { return s.ToTransportDocument() }

func (s *Schema) UnmarshalJSON(data []byte) error {
	out, err := FromTransportDocument(data)
	if err != nil {
		return err
	}
	*s = out
	return nil
}
