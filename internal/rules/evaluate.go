// internal/rules/evaluate.go
package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zephix/governance/internal/types"
)

/*
 * Rule evaluation.
 *
 * Evaluates a CompiledRule against a flat snapshot and produces a Verdict.
 *
 * Evaluation flow:
 *   1. Resolve every referenced field once (coerce to Value)
 *   2. Any missing/null field -> FAIL "required input missing: a, b"
 *   3. Coercion, type or arithmetic error -> FAIL "evaluation error: ..."
 *   4. Condition true -> PASS (pass_message), false -> FAIL (message)
 *
 * Messages are interpolated from the condition's fields plus any other
 * placeholder the snapshot supplies. Message-only fields never fail a rule;
 * an absent one is left as written.
 *
 * Fail-closed: step 2 runs before the tree is walked, so a missing field
 * inside an OR branch that would otherwise short-circuit to true still
 * fails the rule. Governance rules never pass on incomplete data.
 *
 * Short-circuiting applies only within one rule's AND/OR terms. Callers
 * evaluate each rule independently so every verdict is reported.
 *
 * Evaluation is pure: no I/O, no clock, bounded by the compile-time node
 * limit.
 */

// Verdict is the outcome of evaluating one rule.
type Verdict struct {
	RuleID    types.RuleID
	RuleSetID types.RuleSetID
	Code      string
	Version   int
	Outcome   types.VerdictOutcome
	Message   string
	Missing   []string
	Err       error
}

// Reason converts the verdict into an audit/decision reason.
func (v Verdict) Reason() types.Reason {
	return types.Reason{
		RuleCode:  v.Code,
		Outcome:   v.Outcome,
		Message:   v.Message,
		RuleSetID: v.RuleSetID,
		RuleID:    v.RuleID,
		Version:   v.Version,
	}
}

// Evaluate checks the rule against snapshot.
func Evaluate(rule *CompiledRule, snapshot types.Snapshot) Verdict {
	verdict := Verdict{
		RuleID:    rule.RuleID,
		RuleSetID: rule.RuleSetID,
		Code:      rule.Code,
		Version:   rule.Version,
	}

	values, missing, err := resolveFields(rule, snapshot)
	if len(missing) > 0 {
		verdict.Outcome = types.VerdictFail
		verdict.Missing = missing
		verdict.Message = fmt.Sprintf("%s: %s", types.ErrMissingInputField, strings.Join(missing, ", "))
		verdict.Err = fmt.Errorf("%w: %s", types.ErrMissingInputField, strings.Join(missing, ", "))
		return verdict
	}
	if err != nil {
		return failed(verdict, err)
	}

	ok, err := evalBool(rule.Condition, values)
	if err != nil {
		return failed(verdict, err)
	}

	addMessageFields(rule, snapshot, values)
	if ok {
		verdict.Outcome = types.VerdictPass
		verdict.Message = Interpolate(rule.PassMessage, values)
		return verdict
	}

	verdict.Outcome = types.VerdictFail
	msg := rule.Message
	if msg == "" {
		msg = fmt.Sprintf("rule %s violated", rule.Code)
	}
	verdict.Message = Interpolate(msg, values)
	return verdict
}

// NotConfigured builds the verdict for a code with no active version.
func NotConfigured(ruleSetID types.RuleSetID, code string) Verdict {
	return Verdict{
		RuleSetID: ruleSetID,
		Code:      code,
		Outcome:   types.VerdictNotConfigured,
		Message:   fmt.Sprintf("%s: %s", types.ErrRuleNotConfigured, code),
		Err:       types.ErrRuleNotConfigured,
	}
}

func failed(v Verdict, err error) Verdict {
	v.Outcome = types.VerdictFail
	v.Message = "evaluation error: " + err.Error()
	v.Err = err
	return v
}

// evalBool evaluates a boolean-position node.
func evalBool(e Expr, values map[string]Value) (bool, error) {
	switch n := e.(type) {
	case AndExpr:
		for _, t := range n.Terms {
			ok, err := evalBool(t, values)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case OrExpr:
		for _, t := range n.Terms {
			ok, err := evalBool(t, values)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case NotExpr:
		ok, err := evalBool(n.Term, values)
		return !ok, err

	case CompareExpr:
		left, err := evalValue(n.Left, values)
		if err != nil {
			return false, err
		}
		right, err := evalValue(n.Right, values)
		if err != nil {
			return false, err
		}
		return Compare(n.Op, left, right)

	case FieldExpr, LiteralExpr:
		v, err := evalValue(n, values)
		if err != nil {
			return false, err
		}
		if v.Kind != KindBool {
			return false, fmt.Errorf("%w: condition is %s, want boolean", types.ErrTypeMismatch, v.Kind)
		}
		return v.Bool, nil

	default:
		return false, fmt.Errorf("%w: unexpected node %T", types.ErrInvalidDefinition, e)
	}
}

// evalValue evaluates an operand-position node.
func evalValue(e Expr, values map[string]Value) (Value, error) {
	switch n := e.(type) {
	case FieldExpr:
		v, ok := values[n.Name]
		if !ok {
			return Value{}, fmt.Errorf("%w: %s", types.ErrMissingInputField, n.Name)
		}
		return v, nil

	case LiteralExpr:
		return n.Value, nil

	case ArithExpr:
		left, err := evalValue(n.Left, values)
		if err != nil {
			return Value{}, err
		}
		right, err := evalValue(n.Right, values)
		if err != nil {
			return Value{}, err
		}
		return Apply(n.Op, left, right)

	default:
		return Value{}, fmt.Errorf("%w: unexpected operand %T", types.ErrInvalidDefinition, e)
	}
}

// IsFailClosed reports whether the verdict failed because of missing input
// or an evaluation error rather than a violated condition.
func (v Verdict) IsFailClosed() bool {
	return v.Outcome == types.VerdictFail && v.Err != nil && !errors.Is(v.Err, types.ErrRuleNotConfigured)
}
