// Package grammar models the fuzzing grammar: typed request primitives,
// requests, and the request collection loaded from a declarative grammar
// file. The engine treats the grammar strictly as data.
package grammar

import (
	"fmt"
)

// PrimitiveType discriminates the closed set of primitive variants.
type PrimitiveType string

const (
	// StaticString contributes fixed bytes and nothing to combinations.
	StaticString PrimitiveType = "static_string"
	// Basepath is static but distinguished for logging.
	Basepath PrimitiveType = "basepath"

	FuzzableString   PrimitiveType = "fuzzable_string"
	FuzzableInt      PrimitiveType = "fuzzable_int"
	FuzzableNumber   PrimitiveType = "fuzzable_number"
	FuzzableBool     PrimitiveType = "fuzzable_bool"
	FuzzableDate     PrimitiveType = "fuzzable_date"
	FuzzableDateTime PrimitiveType = "fuzzable_datetime"
	FuzzableUUID4    PrimitiveType = "fuzzable_uuid4"
	FuzzableObject   PrimitiveType = "fuzzable_object"

	// FuzzableGroup enumerates an explicit value list.
	FuzzableGroup PrimitiveType = "fuzzable_group"

	// CustomPayload takes its values from the dictionary by tag.
	CustomPayload PrimitiveType = "custom_payload"
	// CustomPayloadUUIDSuffix appends a fresh uuid4-derived suffix to the
	// dictionary value; the rendered result may bind a dynamic variable.
	CustomPayloadUUIDSuffix PrimitiveType = "custom_payload_uuid4_suffix"

	// DynamicReader renders as a reader placeholder substituted from the
	// dependency table at dependency-resolution time.
	DynamicReader PrimitiveType = "dynamic_reader"
	// RefreshableAuth is replaced with the current auth header block.
	RefreshableAuth PrimitiveType = "refreshable_auth"
)

// Primitive is one building block of a request. Which fields are
// meaningful depends on Type; the loader enforces the shape.
type Primitive struct {
	Type PrimitiveType `json:"type"`

	// Value is the fixed text of statics and the default of fuzzables.
	Value string `json:"value,omitempty"`
	// Values is the explicit enumeration of a fuzzable group.
	Values []string `json:"values,omitempty"`
	// Tag keys dictionary lookups for custom payloads and groups, and
	// names the token slot for refreshable auth.
	Tag string `json:"tag,omitempty"`
	// Quoted wraps the rendered value in double quotes.
	Quoted bool `json:"quoted,omitempty"`
	// Examples are example values for this fuzzable, tried before the
	// dictionary values.
	Examples []string `json:"examples,omitempty"`
	// Writer binds the rendered value to a dynamic variable after a valid
	// response (custom payloads with uuid suffix, and plain payloads that
	// name server-side objects).
	Writer string `json:"writer,omitempty"`
	// Variable names the dynamic variable a reader consumes.
	Variable string `json:"variable,omitempty"`
}

// IsFuzzable reports whether the primitive enumerates candidate values and
// therefore contributes a dimension to the rendering combination space.
func (p *Primitive) IsFuzzable() bool {
	switch p.Type {
	case FuzzableString, FuzzableInt, FuzzableNumber, FuzzableBool,
		FuzzableDate, FuzzableDateTime, FuzzableUUID4, FuzzableObject,
		FuzzableGroup, CustomPayload, CustomPayloadUUIDSuffix:
		return true
	}
	return false
}

func (p *Primitive) validate() error {
	switch p.Type {
	case StaticString, Basepath:
		// Empty statics are legal; the compiler emits them.
		return nil
	case FuzzableString, FuzzableInt, FuzzableNumber, FuzzableBool,
		FuzzableDate, FuzzableDateTime, FuzzableUUID4, FuzzableObject:
		return nil
	case FuzzableGroup:
		if len(p.Values) == 0 {
			return fmt.Errorf("fuzzable_group %q has no values", p.Tag)
		}
		return nil
	case CustomPayload, CustomPayloadUUIDSuffix:
		if p.Tag == "" {
			return fmt.Errorf("%s requires a tag", p.Type)
		}
		return nil
	case DynamicReader:
		if p.Variable == "" {
			return fmt.Errorf("dynamic_reader requires a variable")
		}
		return nil
	case RefreshableAuth:
		return nil
	case "":
		return fmt.Errorf("primitive missing type")
	default:
		return fmt.Errorf("unknown primitive type %q", p.Type)
	}
}
