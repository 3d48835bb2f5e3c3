package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/steward/pkg/schema"
)

const processSchemaURL = "https://steward.dev/schemas/process.json"

// processSchemaJSON is the structural schema of a ProcessDefinition.
const processSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://steward.dev/schemas/process.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "id": {"type": "string"},
    "version": {"type": "integer", "minimum": 0},
    "organization_id": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "created_at": {"type": "string"},
    "steps": {
      "type": ["array", "null"],
      "items": {"$ref": "#/$defs/step"}
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "title", "action"],
      "properties": {
        "id": {"type": "string", "minLength": 1, "pattern": "^[A-Za-z0-9_.-]+$"},
        "title": {"type": "string", "minLength": 1},
        "action": {"type": "string", "minLength": 1},
        "expected_duration": {"type": ["string", "null"]},
        "assignee": {"type": "string"},
        "params": {"type": ["object", "null"]}
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks the structure of process definitions against
// JSON Schema Draft 2020-12. Safe for concurrent use.
type JSONSchemaValidator struct {
	process *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the process schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(processSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal process schema: %w", err)
	}
	if err := c.AddResource(processSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add process schema resource: %w", err)
	}
	compiled, err := c.Compile(processSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile process schema: %w", err)
	}
	return &JSONSchemaValidator{process: compiled}, nil
}

// Validate checks def's JSON form and reports each violation separately.
func (v *JSONSchemaValidator) Validate(def *schema.ProcessDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "cannot serialize process definition: "+err.Error())
		return result
	}
	if err := v.process.Validate(doc); err != nil {
		verr, ok := err.(*jsonschema.ValidationError)
		if !ok {
			result.AddError("/", schema.ErrCodeValidation, err.Error())
			return result
		}
		for _, viol := range collectViolations(verr) {
			result.AddError(viol.path, schema.ErrCodeValidation, viol.message)
		}
	}
	return result
}

// toJSONValue round-trips v through JSON so numbers become json.Number, as
// the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

type violation struct {
	path    string
	message string
}

// collectViolations flattens a ValidationError tree to its leaves.
func collectViolations(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		return []violation{{path: "/" + strings.Join(verr.InstanceLocation, "/"), message: verr.Error()}}
	}
	var out []violation
	for _, c := range verr.Causes {
		out = append(out, collectViolations(c)...)
	}
	return out
}
