package schema

import (
	"fmt"
	"sort"
)

// FieldType is the declared type of a schema field.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeBool   FieldType = "bool"
	TypeTime   FieldType = "time"
	TypeObject FieldType = "object"
	TypeArray  FieldType = "array"
	TypeAny    FieldType = "any"
)

// Mode distinguishes strict schemas from observed/dynamic ones.
type Mode string

const (
	// ModeStrict requires consumers and producers to line up field by field.
	ModeStrict Mode = "strict"
	// ModeDynamic accepts any concrete shape; compatibility holds trivially.
	ModeDynamic Mode = "dynamic"
)

// Field is a single typed field in a schema.
type Field struct {
	Name     string    `json:"name" yaml:"name"`
	Type     FieldType `json:"type" yaml:"type"`
	Required bool      `json:"required" yaml:"required"`
	Default  any       `json:"default,omitempty" yaml:"default,omitempty"`
}

// Schema is a named ordered set of typed fields.
type Schema struct {
	Name   string  `json:"name,omitempty" yaml:"name,omitempty"`
	Mode   Mode    `json:"mode" yaml:"mode"`
	Fields []Field `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// Dynamic returns the sentinel schema that bypasses compatibility checks.
func Dynamic() *Schema {
	return &Schema{Mode: ModeDynamic}
}

// Strict builds a strict schema from fields
func Strict(name string, fields ...Field) *Schema {
	return &Schema{Name: name, Mode: ModeStrict, Fields: fields}
}

// IsDynamic reports whether the schema accepts any shape. A nil schema
// counts as dynamic: nodes may omit their input or output declaration.
func (s *Schema) IsDynamic() bool {
	return s == nil || s.Mode == ModeDynamic
}

// FieldByName returns the named field
func (s *Schema) FieldByName(name string) (Field, bool) {
	if s == nil {
		return Field{}, false
	}
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// MissingRequiredFields returns the sorted names of the consumer's
// required fields that the producer does not satisfy. Empty iff the
// edge is compatible. Either side being dynamic satisfies everything.
func MissingRequiredFields(producer, consumer *Schema) []string {
	if producer.IsDynamic() || consumer.IsDynamic() {
		return nil
	}

	var missing []string
	for _, want := range consumer.Fields {
		if !want.Required {
			continue
		}
		got, ok := producer.FieldByName(want.Name)
		if !ok || !typeCompatible(got.Type, want.Type) {
			missing = append(missing, want.Name)
		}
	}

	sort.Strings(missing)
	return missing
}

// Compatible reports whether producer satisfies consumer
func Compatible(producer, consumer *Schema) bool {
	return len(MissingRequiredFields(producer, consumer)) == 0
}

// typeCompatible implements the subtype relation: exact match, numeric
// widening (int feeds float), and `any` on either side.
func typeCompatible(produced, required FieldType) bool {
	if produced == required {
		return true
	}
	if produced == TypeAny || required == TypeAny {
		return true
	}
	if produced == TypeInt && required == TypeFloat {
		return true
	}
	return false
}

// ValidateRow checks a concrete row against the schema. Returns one
// error per violating field; nil means the row satisfies the schema.
// Dynamic schemas accept everything.
func (s *Schema) ValidateRow(row map[string]any) []FieldError {
	if s.IsDynamic() {
		return nil
	}

	var errs []FieldError
	for _, f := range s.Fields {
		val, present := row[f.Name]
		if !present || val == nil {
			if f.Required && f.Default == nil {
				errs = append(errs, FieldError{Field: f.Name, Message: "required field missing"})
			}
			continue
		}
		if !valueMatches(val, f.Type) {
			errs = append(errs, FieldError{
				Field:   f.Name,
				Message: fmt.Sprintf("expected %s, got %T", f.Type, val),
			})
		}
	}
	return errs
}

// ApplyDefaults fills absent optional fields with their declared
// defaults, returning the same map for chaining.
func (s *Schema) ApplyDefaults(row map[string]any) map[string]any {
	if s.IsDynamic() {
		return row
	}
	for _, f := range s.Fields {
		if _, present := row[f.Name]; !present && f.Default != nil {
			row[f.Name] = f.Default
		}
	}
	return row
}

// FieldError describes a single schema violation in a row.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func valueMatches(val any, t FieldType) bool {
	switch t {
	case TypeAny:
		return true
	case TypeString:
		_, ok := val.(string)
		return ok
	case TypeInt:
		switch val.(type) {
		case int, int32, int64:
			return true
		case float64:
			// JSON decoding produces float64 for every number; accept
			// integral values.
			f := val.(float64)
			return f == float64(int64(f))
		}
		return false
	case TypeFloat:
		switch val.(type) {
		case float32, float64, int, int32, int64:
			return true
		}
		return false
	case TypeBool:
		_, ok := val.(bool)
		return ok
	case TypeTime:
		switch val.(type) {
		case string: // RFC3339 text is accepted as-is
			return true
		}
		return timeLike(val)
	case TypeObject:
		_, ok := val.(map[string]any)
		return ok
	case TypeArray:
		_, ok := val.([]any)
		return ok
	}
	return false
}

func timeLike(val any) bool {
	type timeIface interface{ Unix() int64 }
	_, ok := val.(timeIface)
	return ok
}
