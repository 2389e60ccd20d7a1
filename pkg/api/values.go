package api

import (
	"encoding/json"
	"slices"
)

// NodeValue is any JSON-representable value flowing along an edge.
type NodeValue = any

// InputValues maps input port names to values.
type InputValues = map[string]NodeValue

// OutputValues maps output port names to values.
type OutputValues = map[string]NodeValue

// Reserved port names.
const (
	// PortError carries a handler-reported error as an output value.
	PortError = "$error"
	// PortExit ends the branch that produced it when truthy.
	PortExit = "exit"
	// PortSchema is the configuration key holding an input node's schema.
	PortSchema = "schema"
)

// CloneValues returns a deep copy of v made through JSON. Values that cannot
// be represented in JSON yield a *SerializationError.
func CloneValues(v map[string]NodeValue) (map[string]NodeValue, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	var out map[string]NodeValue
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &SerializationError{Err: err}
	}
	return out, nil
}

// MergeValues overlays each of layers onto a fresh map, later layers winning.
func MergeValues(layers ...map[string]NodeValue) map[string]NodeValue {
	out := make(map[string]NodeValue)
	for _, l := range layers {
		for k, v := range l {
			out[k] = v
		}
	}
	return out
}

// Truthy follows JSON truthiness: nil, false, 0, "" and empty collections are
// false.
func Truthy(v NodeValue) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// Schema is the subset of JSON Schema used to describe node ports.
type Schema struct {
	Type        string            `json:"type,omitempty"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Properties  map[string]Schema `json:"properties,omitempty"`
	Required    []string          `json:"required,omitempty"`
	Behavior    []string          `json:"behavior,omitempty"`
	Default     any               `json:"default,omitempty"`
}

// Missing lists the required properties absent from values.
func (s *Schema) Missing(values InputValues) []string {
	if s == nil {
		return nil
	}
	var out []string
	for _, name := range s.Required {
		if _, ok := values[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}

// Satisfied reports whether values carries every property of the schema that
// a caller would have to supply. A schema with no required list needs at
// least one of its properties.
func (s *Schema) Satisfied(values InputValues) bool {
	if s == nil {
		return len(values) > 0
	}
	if len(s.Required) > 0 {
		return len(s.Missing(values)) == 0
	}
	if len(s.Properties) == 0 {
		return len(values) > 0
	}
	for name := range s.Properties {
		if _, ok := values[name]; ok {
			return true
		}
	}
	return false
}

// SchemaFromValues extracts the "schema" entry of node inputs. Unknown shapes
// produce nil.
func SchemaFromValues(inputs InputValues) *Schema {
	raw, ok := inputs[PortSchema]
	if !ok || raw == nil {
		return nil
	}
	if s, ok := raw.(*Schema); ok {
		return s
	}
	if s, ok := raw.(Schema); ok {
		return &s
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}
	return &s
}

// PropertyNames returns the schema property names in sorted order.
func (s *Schema) PropertyNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
