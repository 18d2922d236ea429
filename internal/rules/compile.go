// internal/rules/compile.go
package rules

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/zephix/governance/internal/types"
)

/*
 * Rule compilation and validation.
 *
 * Compiles a stored types.Rule into a CompiledRule: the definition document
 * is schema-validated, decoded into types.Node, then lowered into a closed
 * set of typed expression nodes.
 *
 * Compilation workflow:
 *   1. Validate the raw document against the embedded JSON Schema
 *   2. Lower each Node into an Expr, checking operand kinds
 *   3. Enforce depth, node count and IN list limits
 *   4. Collect referenced snapshot fields (sorted, unique)
 *   5. Collect message-only placeholder fields
 *
 * Kind checking: boolean positions (condition root, and/or/not terms)
 * accept comparisons, boolean combinators, field references and boolean
 * literals. Operand positions (left/right of op) accept fields, literals and
 * arithmetic. A comparison can never appear as an operand, so every tree
 * that compiles has a well-defined evaluation order and terminates.
 *
 * Literals are decoded once here; evaluation never touches JSON.
 */

// Expr is a compiled expression node. The set of implementations is closed.
type Expr interface {
	exprNode()
}

// AndExpr is true when every term is true.
type AndExpr struct{ Terms []Expr }

// OrExpr is true when any term is true.
type OrExpr struct{ Terms []Expr }

// NotExpr negates its term.
type NotExpr struct{ Term Expr }

// CompareExpr compares two operands.
type CompareExpr struct {
	Op          Operator
	Left, Right Expr
}

// ArithExpr combines two numeric operands.
type ArithExpr struct {
	Op          Operator
	Left, Right Expr
}

// FieldExpr reads a snapshot field.
type FieldExpr struct{ Name string }

// LiteralExpr is a constant.
type LiteralExpr struct{ Value Value }

func (AndExpr) exprNode()     {}
func (OrExpr) exprNode()      {}
func (NotExpr) exprNode()     {}
func (CompareExpr) exprNode() {}
func (ArithExpr) exprNode()   {}
func (FieldExpr) exprNode()   {}
func (LiteralExpr) exprNode() {}

// CompiledRule is fully validated and ready for evaluation.
type CompiledRule struct {
	RuleID      types.RuleID
	RuleSetID   types.RuleSetID
	Code        string
	Version     int
	Condition   Expr
	Message     string
	PassMessage string
	Fields      []string // referenced snapshot fields, sorted

	// MessageFields are placeholders in Message or PassMessage that the
	// condition does not reference. They fill messages but never fail
	// the rule when absent.
	MessageFields []string
	NodeCount     int
}

// Compile validates and lowers a rule for evaluation.
func Compile(rule *types.Rule) (*CompiledRule, error) {
	def, err := ParseDefinition(rule.Definition)
	if err != nil {
		return nil, err
	}

	c := &compiler{fields: make(map[string]struct{})}
	cond, err := c.boolean(&def.Condition, 1)
	if err != nil {
		return nil, err
	}

	fields := make([]string, 0, len(c.fields))
	for f := range c.fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var messageFields []string
	for _, name := range append(Placeholders(def.Message), Placeholders(def.PassMessage)...) {
		if _, ok := c.fields[name]; ok {
			continue
		}
		c.fields[name] = struct{}{}
		messageFields = append(messageFields, name)
	}
	sort.Strings(messageFields)

	return &CompiledRule{
		RuleID:      rule.ID,
		RuleSetID:   rule.RuleSetID,
		Code:        rule.Code,
		Version:     rule.Version,
		Condition:   cond,
		Message:     def.Message,
		PassMessage: def.PassMessage,
		Fields:      fields,
		NodeCount:   c.nodes,

		MessageFields: messageFields,
	}, nil
}

// ParseDefinition validates raw against the schema and decodes it.
func ParseDefinition(raw json.RawMessage) (*types.Definition, error) {
	if err := ValidateDocument(raw); err != nil {
		return nil, err
	}
	var def types.Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidDefinition, err)
	}
	return &def, nil
}

// Validate checks that raw compiles without keeping the result.
// Used when publishing so broken definitions never reach storage.
func Validate(raw json.RawMessage) error {
	_, err := Compile(&types.Rule{Definition: raw})
	return err
}

type compiler struct {
	nodes  int
	fields map[string]struct{}
}

// enter accounts for one node at the given depth.
func (c *compiler) enter(depth int) error {
	if depth > types.MaxExpressionDepth {
		return types.ErrExpressionTooDeep
	}
	c.nodes++
	if c.nodes > types.MaxExpressionNodes {
		return types.ErrExpressionTooLarge
	}
	return nil
}

// boolean lowers a node that must produce a boolean.
func (c *compiler) boolean(n *types.Node, depth int) (Expr, error) {
	if err := c.enter(depth); err != nil {
		return nil, err
	}

	switch {
	case len(n.And) > 0:
		terms, err := c.terms(n.And, depth)
		if err != nil {
			return nil, err
		}
		return AndExpr{Terms: terms}, nil

	case len(n.Or) > 0:
		terms, err := c.terms(n.Or, depth)
		if err != nil {
			return nil, err
		}
		return OrExpr{Terms: terms}, nil

	case n.Not != nil:
		term, err := c.boolean(n.Not, depth+1)
		if err != nil {
			return nil, err
		}
		return NotExpr{Term: term}, nil

	case n.Op != "":
		op, err := ParseOperator(n.Op)
		if err != nil {
			return nil, err
		}
		if !op.IsComparison() {
			return nil, fmt.Errorf("%w: %s yields a number where a condition is required", types.ErrInvalidDefinition, op)
		}
		left, right, err := c.operands(n, depth)
		if err != nil {
			return nil, err
		}
		if op == OpIn {
			if lit, ok := right.(LiteralExpr); ok {
				if lit.Value.Kind != KindList {
					return nil, fmt.Errorf("%w: in requires a list on the right", types.ErrInvalidDefinition)
				}
				if len(lit.Value.List) > types.MaxInOperatorValues {
					return nil, types.ErrTooManyInValues
				}
			}
		}
		return CompareExpr{Op: op, Left: left, Right: right}, nil

	case n.Field != nil:
		c.fields[*n.Field] = struct{}{}
		return FieldExpr{Name: *n.Field}, nil

	case len(n.Value) > 0:
		v, err := CoerceJSON(n.Value)
		if err != nil {
			return nil, err
		}
		if v.Kind != KindBool {
			return nil, fmt.Errorf("%w: %s literal where a condition is required", types.ErrInvalidDefinition, v.Kind)
		}
		return LiteralExpr{Value: v}, nil

	default:
		return nil, fmt.Errorf("%w: empty node", types.ErrInvalidDefinition)
	}
}

// operand lowers a node that must produce a value.
func (c *compiler) operand(n *types.Node, depth int) (Expr, error) {
	if err := c.enter(depth); err != nil {
		return nil, err
	}

	switch {
	case n.Field != nil:
		c.fields[*n.Field] = struct{}{}
		return FieldExpr{Name: *n.Field}, nil

	case len(n.Value) > 0:
		v, err := CoerceJSON(n.Value)
		if err != nil {
			return nil, err
		}
		if v.Kind == KindList && len(v.List) > types.MaxInOperatorValues {
			return nil, types.ErrTooManyInValues
		}
		return LiteralExpr{Value: v}, nil

	case n.Op != "":
		op, err := ParseOperator(n.Op)
		if err != nil {
			return nil, err
		}
		if !op.IsArithmetic() {
			return nil, fmt.Errorf("%w: %s yields a condition where a value is required", types.ErrInvalidDefinition, op)
		}
		left, right, err := c.operands(n, depth)
		if err != nil {
			return nil, err
		}
		return ArithExpr{Op: op, Left: left, Right: right}, nil

	default:
		return nil, fmt.Errorf("%w: boolean combinator where a value is required", types.ErrInvalidDefinition)
	}
}

func (c *compiler) operands(n *types.Node, depth int) (Expr, Expr, error) {
	if n.Left == nil || n.Right == nil {
		return nil, nil, fmt.Errorf("%w: %s needs left and right", types.ErrInvalidDefinition, n.Op)
	}
	left, err := c.operand(n.Left, depth+1)
	if err != nil {
		return nil, nil, err
	}
	right, err := c.operand(n.Right, depth+1)
	if err != nil {
		return nil, nil, err
	}
	return left, right, nil
}

func (c *compiler) terms(nodes []types.Node, depth int) ([]Expr, error) {
	terms := make([]Expr, 0, len(nodes))
	for i := range nodes {
		t, err := c.boolean(&nodes[i], depth+1)
		if err != nil {
			return nil, err
		}
		terms = append(terms, t)
	}
	return terms, nil
}
