// Package schema handles structured-output schemas for AI-task turns:
// normalizing user-supplied schemas into the strict form the gateway
// expects, and validating returned data against them.
//
// Schemas are plain JSON Schema maps. A shorthand form mapping field
// names straight to type names ({"temperature": "number"}) is accepted
// and expanded to a full object schema.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// knownTypes are the JSON Schema primitive type names.
var knownTypes = map[string]bool{
	"object":  true,
	"array":   true,
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
	"null":    true,
}

// MismatchError reports data that does not satisfy the schema. The raw
// payload rides along for diagnostics; it is attached to the task failure,
// never logged wholesale.
type MismatchError struct {
	Path string // JSON path to the offending value, "" for the root
	Want string
	Got  string
	Raw  json.RawMessage
}

func (e *MismatchError) Error() string {
	path := e.Path
	if path == "" {
		path = "$"
	}
	return fmt.Sprintf("structured output mismatch at %s: want %s, got %s", path, e.Want, e.Got)
}

// Normalize expands shorthand schemas and applies the strictness
// adjustments the gateway expects: objects become strict with
// additionalProperties=false, every property is required, and properties
// not originally required get a null-able type. Arrays recurse into items.
// The input map is not modified.
func Normalize(in map[string]any) map[string]any {
	out := expand(in)
	adjust(out)
	return out
}

// expand deep-copies the schema, converting the shorthand field→type form
// into a full object schema.
func expand(in map[string]any) map[string]any {
	if _, hasType := in["type"]; !hasType {
		// Shorthand only when every value is a type name.
		shorthand := len(in) > 0
		for _, v := range in {
			if s, ok := v.(string); !ok || !knownTypes[s] {
				shorthand = false
				break
			}
		}
		if shorthand {
			props := make(map[string]any, len(in))
			required := make([]any, 0, len(in))
			for k, v := range in {
				props[k] = map[string]any{"type": v}
				required = append(required, k)
			}
			return map[string]any{
				"type":       "object",
				"properties": props,
				"required":   required,
			}
		}
	}
	return deepCopy(in)
}

func deepCopy(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case map[string]any:
			out[k] = deepCopy(t)
		case []any:
			cp := make([]any, len(t))
			for i, e := range t {
				if m, ok := e.(map[string]any); ok {
					cp[i] = deepCopy(m)
				} else {
					cp[i] = e
				}
			}
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// adjust applies the strict-mode rewrites in place.
func adjust(s map[string]any) {
	switch s["type"] {
	case "object":
		if _, ok := s["strict"]; !ok {
			s["strict"] = true
		}
		if _, ok := s["additionalProperties"]; !ok {
			s["additionalProperties"] = false
		}

		props, ok := s["properties"].(map[string]any)
		if !ok {
			return
		}

		required, _ := s["required"].([]any)
		wasRequired := make(map[string]bool, len(required))
		for _, r := range required {
			if name, ok := r.(string); ok {
				wasRequired[name] = true
			}
		}

		// Strict mode demands every property be listed as required;
		// originally-optional ones become null-able instead.
		for name, p := range props {
			prop, ok := p.(map[string]any)
			if !ok {
				continue
			}
			adjust(prop)
			if !wasRequired[name] {
				if t, ok := prop["type"]; ok {
					prop["type"] = []any{t, "null"}
				}
				required = append(required, name)
			}
		}
		s["required"] = required

	case "array":
		if items, ok := s["items"].(map[string]any); ok {
			adjust(items)
		}
	}
}

// Validate checks data against the schema, returning a *MismatchError on
// the first violation. The schema should already be normalized.
func Validate(data any, s map[string]any, raw json.RawMessage) error {
	return validate(data, s, "", raw)
}

func validate(data any, s map[string]any, path string, raw json.RawMessage) error {
	types := typeNames(s["type"])
	if len(types) == 0 {
		return nil // untyped schema accepts anything
	}

	got := typeOf(data)
	matched := ""
	for _, t := range types {
		if typeMatches(t, data) {
			matched = t
			break
		}
	}
	if matched == "" {
		return &MismatchError{Path: path, Want: strings.Join(types, " or "), Got: got, Raw: raw}
	}

	switch matched {
	case "object":
		obj := data.(map[string]any)
		props, _ := s["properties"].(map[string]any)
		if required, ok := s["required"].([]any); ok {
			for _, r := range required {
				name, ok := r.(string)
				if !ok {
					continue
				}
				if _, present := obj[name]; !present {
					// Null-able required fields may be absent entirely.
					if prop, ok := props[name].(map[string]any); ok && nullable(prop) {
						continue
					}
					return &MismatchError{Path: join(path, name), Want: typeString(props[name]), Got: "missing", Raw: raw}
				}
			}
		}
		for name, v := range obj {
			prop, ok := props[name].(map[string]any)
			if !ok {
				continue
			}
			if err := validate(v, prop, join(path, name), raw); err != nil {
				return err
			}
		}

	case "array":
		items, ok := s["items"].(map[string]any)
		if !ok {
			return nil
		}
		for i, v := range data.([]any) {
			if err := validate(v, items, fmt.Sprintf("%s[%d]", path, i), raw); err != nil {
				return err
			}
		}
	}

	return nil
}

// typeNames flattens the schema "type" field, which may be a single name
// or a list of alternatives.
func typeNames(t any) []string {
	switch v := t.(type) {
	case string:
		return []string{v}
	case []any:
		var names []string
		for _, e := range v {
			if s, ok := e.(string); ok {
				names = append(names, s)
			}
		}
		return names
	}
	return nil
}

func typeString(p any) string {
	if prop, ok := p.(map[string]any); ok {
		if names := typeNames(prop["type"]); len(names) > 0 {
			return strings.Join(names, " or ")
		}
	}
	return "value"
}

func nullable(prop map[string]any) bool {
	for _, t := range typeNames(prop["type"]) {
		if t == "null" {
			return true
		}
	}
	return false
}

func typeMatches(name string, data any) bool {
	switch name {
	case "object":
		_, ok := data.(map[string]any)
		return ok
	case "array":
		_, ok := data.([]any)
		return ok
	case "string":
		_, ok := data.(string)
		return ok
	case "number":
		_, ok := data.(float64)
		return ok
	case "integer":
		// encoding/json decodes all numbers as float64.
		f, ok := data.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := data.(bool)
		return ok
	case "null":
		return data == nil
	}
	return false
}

func typeOf(data any) string {
	switch data.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case nil:
		return "null"
	}
	return fmt.Sprintf("%T", data)
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
