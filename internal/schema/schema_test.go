package schema

import (
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"strings"
	"testing"
)

func TestNormalizeShorthand(t *testing.T) {
	got := Normalize(map[string]any{
		"temperature": "number",
		"condition":   "string",
	})

	if got["type"] != "object" {
		t.Fatalf("type = %v, want object", got["type"])
	}
	if got["strict"] != true {
		t.Error("strict not set")
	}
	if got["additionalProperties"] != false {
		t.Error("additionalProperties not set to false")
	}

	props := got["properties"].(map[string]any)
	temp := props["temperature"].(map[string]any)
	if temp["type"] != "number" {
		t.Errorf("temperature type = %v", temp["type"])
	}

	required := got["required"].([]any)
	names := make([]string, len(required))
	for i, r := range required {
		names[i] = r.(string)
	}
	sort.Strings(names)
	if !reflect.DeepEqual(names, []string{"condition", "temperature"}) {
		t.Errorf("required = %v", names)
	}
}

func TestNormalizeOptionalBecomesNullable(t *testing.T) {
	got := Normalize(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
			"note": map[string]any{"type": "string"},
		},
		"required": []any{"name"},
	})

	props := got["properties"].(map[string]any)

	// Originally-required field keeps its plain type.
	name := props["name"].(map[string]any)
	if name["type"] != "string" {
		t.Errorf("name type = %v", name["type"])
	}

	// Originally-optional field becomes null-able and required.
	note := props["note"].(map[string]any)
	if !reflect.DeepEqual(note["type"], []any{"string", "null"}) {
		t.Errorf("note type = %v, want [string null]", note["type"])
	}

	required := got["required"].([]any)
	if len(required) != 2 {
		t.Errorf("required = %v, want both properties", required)
	}
}

func TestNormalizeArrayItems(t *testing.T) {
	got := Normalize(map[string]any{
		"type": "array",
		"items": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entity_id": map[string]any{"type": "string"},
			},
			"required": []any{"entity_id"},
		},
	})

	items := got["items"].(map[string]any)
	if items["strict"] != true || items["additionalProperties"] != false {
		t.Errorf("array items not adjusted: %v", items)
	}
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	in := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"x": map[string]any{"type": "string"},
		},
	}
	Normalize(in)

	if _, ok := in["strict"]; ok {
		t.Error("Normalize mutated the input schema")
	}
	if _, ok := in["properties"].(map[string]any)["x"].(map[string]any)["type"].([]any); ok {
		t.Error("Normalize mutated a nested property")
	}
}

// mustValidate parses raw JSON and validates it against the normalized
// form of shorthand.
func mustValidate(t *testing.T, shorthand map[string]any, rawJSON string) error {
	t.Helper()
	raw := json.RawMessage(rawJSON)
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		t.Fatalf("test data is not JSON: %v", err)
	}
	return Validate(data, Normalize(shorthand), raw)
}

func TestValidateSuccess(t *testing.T) {
	tests := []struct {
		name      string
		shorthand map[string]any
		data      string
	}{
		{
			"shorthand match",
			map[string]any{"temperature": "number", "condition": "string"},
			`{"temperature": 21.5, "condition": "sunny"}`,
		},
		{
			"integer accepts whole number",
			map[string]any{"count": "integer"},
			`{"count": 3}`,
		},
		{
			"nested object",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"device": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"id": map[string]any{"type": "string"},
						},
						"required": []any{"id"},
					},
				},
				"required": []any{"device"},
			},
			`{"device": {"id": "light.kitchen"}}`,
		},
		{
			"array of strings",
			map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			`["a", "b"]`,
		},
		{
			"optional field absent",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{"type": "string"},
					"note": map[string]any{"type": "string"},
				},
				"required": []any{"name"},
			},
			`{"name": "x"}`,
		},
		{
			"optional field null",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{"type": "string"},
					"note": map[string]any{"type": "string"},
				},
				"required": []any{"name"},
			},
			`{"name": "x", "note": null}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := mustValidate(t, tt.shorthand, tt.data); err != nil {
				t.Errorf("Validate() error = %v", err)
			}
		})
	}
}

func TestValidateMismatch(t *testing.T) {
	tests := []struct {
		name      string
		shorthand map[string]any
		data      string
		wantPath  string
	}{
		{
			"wrong scalar type",
			map[string]any{"temperature": "number"},
			`{"temperature": "warm"}`,
			"temperature",
		},
		{
			"float for integer",
			map[string]any{"count": "integer"},
			`{"count": 3.5}`,
			"count",
		},
		{
			"missing required field",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{"type": "string"},
				},
				"required": []any{"name"},
			},
			`{}`,
			"name",
		},
		{
			"root not an object",
			map[string]any{"temperature": "number"},
			`"just text"`,
			"",
		},
		{
			"bad array element",
			map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			`["ok", 5]`,
			"[1]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mustValidate(t, tt.shorthand, tt.data)
			var mismatch *MismatchError
			if !errors.As(err, &mismatch) {
				t.Fatalf("error = %v (%T), want *MismatchError", err, err)
			}
			if mismatch.Path != tt.wantPath {
				t.Errorf("Path = %q, want %q", mismatch.Path, tt.wantPath)
			}
			if len(mismatch.Raw) == 0 {
				t.Error("Raw payload missing from mismatch")
			}
		})
	}
}

func TestMismatchErrorMessage(t *testing.T) {
	err := &MismatchError{Path: "device.id", Want: "string", Got: "number"}
	msg := err.Error()
	for _, part := range []string{"device.id", "string", "number"} {
		if !strings.Contains(msg, part) {
			t.Errorf("Error() = %q, missing %q", msg, part)
		}
	}

	root := &MismatchError{Want: "object", Got: "string"}
	if !strings.Contains(root.Error(), "$") {
		t.Errorf("root error = %q, want $ placeholder", root.Error())
	}
}
