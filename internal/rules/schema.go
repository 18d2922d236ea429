// internal/rules/schema.go
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/zephix/governance/internal/types"
)

// definitionSchema describes the stored definition document. Shape checks
// live here; semantic checks (operand kinds, limits) live in Compile.
const definitionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["condition"],
  "additionalProperties": false,
  "properties": {
    "condition": {"$ref": "#/definitions/node"},
    "message": {"type": "string", "maxLength": 1024},
    "pass_message": {"type": "string", "maxLength": 1024}
  },
  "definitions": {
    "scalar": {"type": ["number", "string", "boolean"]},
    "node": {
      "oneOf": [
        {
          "type": "object",
          "required": ["and"],
          "additionalProperties": false,
          "properties": {"and": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/node"}}}
        },
        {
          "type": "object",
          "required": ["or"],
          "additionalProperties": false,
          "properties": {"or": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/node"}}}
        },
        {
          "type": "object",
          "required": ["not"],
          "additionalProperties": false,
          "properties": {"not": {"$ref": "#/definitions/node"}}
        },
        {
          "type": "object",
          "required": ["op", "left", "right"],
          "additionalProperties": false,
          "properties": {
            "op": {"enum": ["eq", "neq", "lt", "lte", "gt", "gte", "in", "add", "sub", "mul", "div"]},
            "left": {"$ref": "#/definitions/node"},
            "right": {"$ref": "#/definitions/node"}
          }
        },
        {
          "type": "object",
          "required": ["field"],
          "additionalProperties": false,
          "properties": {"field": {"type": "string", "minLength": 1, "maxLength": 128}}
        },
        {
          "type": "object",
          "required": ["value"],
          "additionalProperties": false,
          "properties": {
            "value": {
              "oneOf": [
                {"$ref": "#/definitions/scalar"},
                {"type": "array", "items": {"$ref": "#/definitions/scalar"}}
              ]
            }
          }
        }
      ]
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("governance-rule-definition.json", definitionSchema)

// ValidateDocument checks raw against the definition schema.
func ValidateDocument(raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty definition", types.ErrInvalidDefinition)
	}
	if len(raw) > types.MaxDefinitionSize {
		return fmt.Errorf("%w: definition exceeds %d bytes", types.ErrInvalidDefinition, types.MaxDefinitionSize)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidDefinition, err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidDefinition, err)
	}
	return nil
}
