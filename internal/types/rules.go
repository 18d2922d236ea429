// internal/types/rules.go
package types

/*
 * Wire form of rule definitions.
 *
 * Definition and Node mirror the JSON document stored in
 * governance_rules.definition. internal/rules validates the document against
 * its JSON Schema and compiles a Node tree into a closed set of typed
 * expression nodes. These types carry no behavior.
 *
 * Node kinds (exactly one shape per node):
 *   - {"and": [node, ...]}
 *   - {"or": [node, ...]}
 *   - {"not": node}
 *   - {"op": "eq|neq|lt|lte|gt|gte|in", "left": node, "right": node}
 *   - {"op": "add|sub|mul|div", "left": node, "right": node}
 *   - {"field": "snapshotKey"}
 *   - {"value": scalar-or-list}
 *
 * Literal values stay as raw JSON so numbers reach the decimal parser
 * without passing through float64.
 */

import "encoding/json"

// Definition is a complete rule definition document.
type Definition struct {
	Condition   Node   `json:"condition" yaml:"condition"`
	Message     string `json:"message,omitempty" yaml:"message,omitempty"`
	PassMessage string `json:"pass_message,omitempty" yaml:"pass_message,omitempty"`
}

// Node is one node of a definition's expression tree.
type Node struct {
	And   []Node          `json:"and,omitempty"`
	Or    []Node          `json:"or,omitempty"`
	Not   *Node           `json:"not,omitempty"`
	Op    string          `json:"op,omitempty"`
	Left  *Node           `json:"left,omitempty"`
	Right *Node           `json:"right,omitempty"`
	Field *string         `json:"field,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}
