package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Schema is the subset of JSON Schema the engine interprets directly:
	// a type, named properties and a required list. Definitions may embed
	// richer schema documents; those still compile (see Compile) but only
	// the fields below drive input validation and output projection.
	Schema struct {
		// Type names the expected JSON type: string, number, integer,
		// boolean, array or object.
		Type string `json:"type,omitempty"`
		// Properties describes object members by name.
		Properties map[string]*Schema `json:"properties,omitempty"`
		// Required lists property names that must be present and non-null.
		Required []string `json:"required,omitempty"`
		// Items describes array elements.
		Items *Schema `json:"items,omitempty"`
		// Description is free-form documentation.
		Description string `json:"description,omitempty"`
	}

	// ValidationError reports the first input violation found. The engine
	// maps it to the INVALID_INPUT error code.
	ValidationError struct {
		// Field is the offending input key.
		Field string
		// Expected is the schema type the value should conform to, or
		// "required" for missing keys.
		Expected string
	}
)

// Error implements error.
func (e *ValidationError) Error() string {
	if e.Expected == "required" {
		return fmt.Sprintf("input field %q is required", e.Field)
	}
	return fmt.Sprintf("input field %q must be of type %s", e.Field, e.Expected)
}

// ValidateInput checks the instance input against the schema: every required
// key must be present with a non-null value, and every provided value whose
// property declares a known type must conform by runtime type test. The
// first violation is returned as a *ValidationError.
func (s *Schema) ValidateInput(input map[string]any) error {
	if s == nil {
		return nil
	}
	for _, key := range s.Required {
		v, ok := input[key]
		if !ok || v == nil {
			return &ValidationError{Field: key, Expected: "required"}
		}
	}
	for key, v := range input {
		prop, ok := s.Properties[key]
		if !ok || prop == nil || prop.Type == "" || v == nil {
			continue
		}
		if !conforms(v, prop.Type) {
			return &ValidationError{Field: key, Expected: prop.Type}
		}
	}
	return nil
}

// Compile verifies the schema is a valid JSON Schema document. Definition
// validation runs this at save time so malformed schemas are rejected before
// any instance references them.
func (s *Schema) Compile() error {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	if _, err := c.Compile("schema.json"); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return nil
}

func conforms(v any, typ string) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		return isNumber(v)
	case "integer":
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == float64(int64(n))
		case float32:
			return n == float32(int64(n))
		case json.Number:
			_, err := n.Int64()
			return err == nil
		}
		return false
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	}
	// Unknown type keywords do not constrain input.
	return true
}

func isNumber(v any) bool {
	switch n := v.(type) {
	case int, int32, int64, float32, float64:
		return true
	case json.Number:
		_, err := n.Float64()
		return err == nil
	}
	return false
}
