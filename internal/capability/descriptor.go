// Package capability holds the named-capability catalog: descriptors with
// explicit parameter schemas, handlers, argument validation and the wire form
// of the schema exposed by list_capabilities.
package capability

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// ParamType is the closed set of parameter types a descriptor may declare.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
)

// Valid reports whether t is one of the known parameter types.
func (t ParamType) Valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray:
		return true
	}
	return false
}

// Param describes one named parameter of a capability.
type Param struct {
	Name        string    `json:"name" yaml:"name"`
	Type        ParamType `json:"type" yaml:"type"`
	Required    bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any       `json:"default,omitempty" yaml:"default,omitempty"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
}

// Descriptor is the public description of a capability.
type Descriptor struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Params      []Param  `json:"params,omitempty" yaml:"params,omitempty"`
	Category    string   `json:"category,omitempty" yaml:"category,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Param returns the parameter named name.
func (d Descriptor) Param(name string) (Param, bool) {
	for _, p := range d.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Check validates the descriptor itself.
func (d Descriptor) Check() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("capability name is empty")
	}
	seen := make(map[string]bool, len(d.Params))
	for i, p := range d.Params {
		if p.Name == "" {
			return fmt.Errorf("capability %q: param %d has no name", d.Name, i)
		}
		if seen[p.Name] {
			return fmt.Errorf("capability %q: duplicate param %q", d.Name, p.Name)
		}
		seen[p.Name] = true
		if !p.Type.Valid() {
			return fmt.Errorf("capability %q: param %q has unknown type %q", d.Name, p.Name, p.Type)
		}
	}
	return nil
}

func (d Descriptor) clone() Descriptor {
	out := d
	out.Params = append([]Param(nil), d.Params...)
	out.Tags = append([]string(nil), d.Tags...)
	return out
}

// Schema is the JSON-schema-shaped wire form of a descriptor's parameters.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property is one entry of Schema.Properties.
type Property struct {
	Type        ParamType `json:"type"`
	Description string    `json:"description,omitempty"`
	Default     any       `json:"default,omitempty"`
}

// InputSchema renders the descriptor's parameters as a Schema.
func (d Descriptor) InputSchema() Schema {
	s := Schema{Type: "object", Properties: make(map[string]Property, len(d.Params))}
	for _, p := range d.Params {
		s.Properties[p.Name] = Property{Type: p.Type, Description: p.Description, Default: p.Default}
		if p.Required {
			s.Required = append(s.Required, p.Name)
		}
	}
	return s
}

// ParseInputSchema converts a schema back into parameters, sorted by name.
//
// Accepted inputs are a Schema, raw JSON, or a decoded map in either the full
// form ({type, properties, required}) or the compact form ({name: type}).
func ParseInputSchema(raw any) ([]Param, error) {
	var s Schema
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case Schema:
		s = v
	case *Schema:
		s = *v
	case json.RawMessage:
		return parseSchemaJSON(v)
	case []byte:
		return parseSchemaJSON(v)
	case map[string]any:
		if _, full := v["type"]; !full {
			return parseCompact(v)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to re-encode schema: %w", err)
		}
		return parseSchemaJSON(data)
	default:
		return nil, fmt.Errorf("unsupported schema value %T", raw)
	}
	return schemaParams(s)
}

func parseSchemaJSON(data []byte) ([]Param, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid schema JSON: %w", err)
	}
	if _, full := m["type"]; !full {
		return parseCompact(m)
	}
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return schemaParams(s)
}

func schemaParams(s Schema) ([]Param, error) {
	if s.Type != "" && s.Type != "object" {
		return nil, fmt.Errorf("schema type must be object, got %q", s.Type)
	}
	required := make(map[string]bool, len(s.Required))
	for _, name := range s.Required {
		if _, ok := s.Properties[name]; !ok {
			return nil, fmt.Errorf("required param %q has no property", name)
		}
		required[name] = true
	}
	params := make([]Param, 0, len(s.Properties))
	for name, prop := range s.Properties {
		if !prop.Type.Valid() {
			return nil, fmt.Errorf("param %q has unknown type %q", name, prop.Type)
		}
		params = append(params, Param{
			Name:        name,
			Type:        prop.Type,
			Required:    required[name],
			Default:     prop.Default,
			Description: prop.Description,
		})
	}
	sortParams(params)
	return params, nil
}

// parseCompact reads the {name: type} shorthand; every param is optional.
func parseCompact(m map[string]any) ([]Param, error) {
	params := make([]Param, 0, len(m))
	for name, v := range m {
		var t ParamType
		switch tv := v.(type) {
		case string:
			t = ParamType(tv)
		case map[string]any:
			s, _ := tv["type"].(string)
			t = ParamType(s)
		}
		if !t.Valid() {
			return nil, fmt.Errorf("param %q has unknown type %v", name, v)
		}
		params = append(params, Param{Name: name, Type: t})
	}
	sortParams(params)
	return params, nil
}

func sortParams(params []Param) {
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })
}

// DescribeStruct derives parameters from the exported fields of a struct.
//
// The json tag supplies the name (fields tagged "-" are skipped); fields
// without omitempty and not pointers are required. The desc tag supplies the
// description.
func DescribeStruct(v any) ([]Param, error) {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("DescribeStruct needs a struct, got %T", v)
	}

	params := make([]Param, 0, t.NumField())
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		omitempty := false
		if tag, ok := f.Tag.Lookup("json"); ok {
			parts := strings.Split(tag, ",")
			if parts[0] == "-" {
				continue
			}
			if parts[0] != "" {
				name = parts[0]
			}
			for _, opt := range parts[1:] {
				if opt == "omitempty" || opt == "omitzero" {
					omitempty = true
				}
			}
		}
		ft := f.Type
		optional := omitempty
		if ft.Kind() == reflect.Pointer {
			optional = true
			ft = ft.Elem()
		}
		params = append(params, Param{
			Name:        name,
			Type:        kindType(ft),
			Required:    !optional,
			Description: f.Tag.Get("desc"),
		})
	}
	return params, nil
}

func kindType(t reflect.Type) ParamType {
	switch t.Kind() {
	case reflect.String:
		return TypeString
	case reflect.Bool:
		return TypeBoolean
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return TypeInteger
	case reflect.Float32, reflect.Float64:
		return TypeNumber
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return TypeString
		}
		return TypeArray
	default:
		return TypeObject
	}
}
