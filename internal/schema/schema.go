// Package schema renders JSON schemas for prompts: as TypeScript type
// declarations, indented JSON or block YAML.
package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

// Format selects how a schema is written into a prompt.
type Format string

const (
	TypeScript Format = "typescript"
	JSON       Format = "json"
	YAML       Format = "yaml"
)

// ErrUnknownFormat is returned for formats other than typescript, json and yaml.
var ErrUnknownFormat = errors.New("unknown schema format")

// Schema is the JSON schema model used across the module.
type Schema = jsonschema.Schema

// Object builds an object schema from ordered name/schema pairs.
func Object(description string, required []string, props ...Property) *Schema {
	s := &Schema{Type: "object", Description: description, Required: required}
	s.Properties = jsonschema.NewProperties()
	for _, p := range props {
		s.Properties.Set(p.Name, p.Schema)
	}
	return s
}

// Property is one named entry of an object schema.
type Property struct {
	Name   string
	Schema *Schema
}

// Prop is shorthand for a Property.
func Prop(name string, s *Schema) Property {
	return Property{Name: name, Schema: s}
}

// String, Number, Integer and Boolean build primitive schemas.
func String(description string) *Schema  { return &Schema{Type: "string", Description: description} }
func Number(description string) *Schema  { return &Schema{Type: "number", Description: description} }
func Integer(description string) *Schema { return &Schema{Type: "integer", Description: description} }
func Boolean(description string) *Schema { return &Schema{Type: "boolean", Description: description} }

// Array builds an array schema.
func Array(description string, items *Schema) *Schema {
	return &Schema{Type: "array", Description: description, Items: items}
}

// Reflect derives an inline schema from a Go value, typically a pointer to
// an arguments struct.
func Reflect(v any) *Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
		Anonymous:      true,
	}
	s := r.Reflect(v)
	s.Version = ""
	return s
}

// Stringify renders the schema in the requested format. An empty format
// means TypeScript.
func Stringify(name string, s *Schema, format Format) (string, error) {
	switch format {
	case "", TypeScript:
		return ToTypeScript(s, name), nil
	case JSON:
		return ToJSON(s)
	case YAML:
		return ToYAML(s)
	default:
		return "", errors.Wrapf(ErrUnknownFormat, "%q", format)
	}
}

// ToJSON renders the schema as indented JSON.
func ToJSON(s *Schema) (string, error) {
	out, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "encode schema")
	}
	return string(out), nil
}

// ToYAML renders the schema as block-style YAML, keeping property order.
func ToYAML(s *Schema) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", errors.Wrap(err, "encode schema")
	}
	// JSON is valid YAML; decoding into a node keeps key order.
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return "", errors.Wrap(err, "decode schema yaml")
	}
	clearStyle(&doc)
	var b strings.Builder
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return "", errors.Wrap(err, "encode schema yaml")
	}
	if err := enc.Close(); err != nil {
		return "", errors.Wrap(err, "encode schema yaml")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func clearStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		clearStyle(c)
	}
}

var identRx = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// ToTypeScript renders the schema as a TypeScript type alias.
func ToTypeScript(s *Schema, typeName string) string {
	var b strings.Builder
	if s != nil && s.Description != "" {
		writeComment(&b, s.Description, "")
	}
	fmt.Fprintf(&b, "type %s = %s", tsName(typeName), tsType(s, ""))
	return b.String()
}

func tsName(name string) string {
	if identRx.MatchString(name) {
		return name
	}
	var b strings.Builder
	up := true
	for _, r := range name {
		switch {
		case r == '_' || r == '$' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9' && b.Len() > 0):
			if up {
				b.WriteString(strings.ToUpper(string(r)))
			} else {
				b.WriteRune(r)
			}
			up = false
		default:
			up = true
		}
	}
	if b.Len() == 0 {
		return "Schema"
	}
	return b.String()
}

func writeComment(b *strings.Builder, text, indent string) {
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		fmt.Fprintf(b, "%s// %s\n", indent, strings.TrimSpace(line))
	}
}

func tsType(s *Schema, indent string) string {
	if s == nil {
		return "any"
	}
	if s.Ref != "" {
		return tsName(s.Ref[strings.LastIndex(s.Ref, "/")+1:])
	}
	if len(s.Enum) > 0 {
		vals := make([]string, 0, len(s.Enum))
		for _, v := range s.Enum {
			raw, _ := json.Marshal(v)
			vals = append(vals, string(raw))
		}
		return strings.Join(vals, " | ")
	}
	if s.Const != nil {
		raw, _ := json.Marshal(s.Const)
		return string(raw)
	}
	if alts := append(append([]*Schema{}, s.AnyOf...), s.OneOf...); len(alts) > 0 {
		parts := make([]string, 0, len(alts))
		for _, alt := range alts {
			parts = append(parts, tsType(alt, indent))
		}
		return strings.Join(parts, " | ")
	}

	switch s.Type {
	case "string":
		return "string"
	case "number", "integer":
		return "number"
	case "boolean":
		return "boolean"
	case "null":
		return "null"
	case "array":
		item := tsType(s.Items, indent)
		if strings.ContainsAny(item, " |{") {
			return "Array<" + item + ">"
		}
		return item + "[]"
	case "object", "":
		if s.Properties != nil && s.Properties.Len() > 0 {
			return tsObject(s, indent)
		}
		if s.AdditionalProperties != nil && s.AdditionalProperties != jsonschema.TrueSchema && s.AdditionalProperties != jsonschema.FalseSchema {
			return "Record<string, " + tsType(s.AdditionalProperties, indent) + ">"
		}
		if s.Type == "object" {
			return "Record<string, any>"
		}
		return "any"
	default:
		return "any"
	}
}

func tsObject(s *Schema, indent string) string {
	required := make(map[string]bool, len(s.Required))
	for _, r := range s.Required {
		required[r] = true
	}
	inner := indent + "  "

	var b strings.Builder
	b.WriteString("{\n")
	for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value != nil && pair.Value.Description != "" {
			writeComment(&b, pair.Value.Description, inner)
		}
		key := pair.Key
		if !identRx.MatchString(key) {
			key = fmt.Sprintf("%q", key)
		}
		opt := "?"
		if required[pair.Key] {
			opt = ""
		}
		fmt.Fprintf(&b, "%s%s%s: %s,\n", inner, key, opt, tsType(pair.Value, inner))
	}
	b.WriteString(indent + "}")
	return b.String()
}
