package llm

import (
	"testing"
)

type verdictFixture struct {
	Grounded bool    `json:"grounded" jsonschema:"required,description=Whether the draft is grounded"`
	Coverage float64 `json:"coverage" jsonschema:"required"`
	Notes    string  `json:"notes,omitempty"`
}

func TestSchemaFor(t *testing.T) {
	schema, err := SchemaFor[verdictFixture]("verdict")
	if err != nil {
		t.Fatalf("SchemaFor() error = %v", err)
	}

	if schema.Name != "verdict" {
		t.Errorf("Name = %q, want verdict", schema.Name)
	}

	def := schema.Definition
	if def["type"] != "object" {
		t.Errorf("type = %v, want object", def["type"])
	}

	if _, found := def["$schema"]; found {
		t.Error("$schema should be stripped")
	}
	if _, found := def["$id"]; found {
		t.Error("$id should be stripped")
	}

	props, ok := def["properties"].(map[string]any)
	if !ok {
		t.Fatalf("properties missing or wrong type: %T", def["properties"])
	}
	for _, field := range []string{"grounded", "coverage", "notes"} {
		if _, found := props[field]; !found {
			t.Errorf("properties missing %q", field)
		}
	}

	grounded, ok := props["grounded"].(map[string]any)
	if !ok {
		t.Fatalf("grounded property wrong type: %T", props["grounded"])
	}
	if grounded["description"] != "Whether the draft is grounded" {
		t.Errorf("grounded description = %v", grounded["description"])
	}

	required, ok := def["required"].([]any)
	if !ok {
		t.Fatalf("required missing or wrong type: %T", def["required"])
	}
	want := map[string]bool{"grounded": true, "coverage": true}
	if len(required) != len(want) {
		t.Errorf("required = %v, want grounded and coverage only", required)
	}
	for _, r := range required {
		if !want[r.(string)] {
			t.Errorf("unexpected required field %v", r)
		}
	}
}

func TestMustSchemaFor(t *testing.T) {
	schema := MustSchemaFor[verdictFixture]("verdict")
	if schema == nil || schema.Name != "verdict" {
		t.Fatalf("MustSchemaFor() = %+v", schema)
	}
}
