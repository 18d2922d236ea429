// internal/rules/operators.go
package rules

import (
	"fmt"
	"math/big"

	"github.com/zephix/governance/internal/types"
)

/*
 * Operator logic.
 *
 * Comparison operators (eq, neq, lt, lte, gt, gte, in) produce booleans.
 * Arithmetic operators (add, sub, mul, div) produce numbers.
 *
 * Equality: numbers compare by value (2 == 2.00); a number and a numeric
 * string compare numerically; otherwise kinds must match. Null and list
 * operands are type errors for everything except the right side of IN.
 *
 * Ordering and arithmetic require both sides to be numeric after string
 * coercion. Both work on exact rationals, so division never rounds. Type errors are returned, never swallowed: the evaluator turns
 * them into a FAIL verdict.
 */

// Operator enumerates comparison and arithmetic operators.
type Operator int

const (
	OpUnspecified Operator = iota
	OpEq
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte
	OpIn
	OpAdd
	OpSub
	OpMul
	OpDiv
)

var operatorNames = map[string]Operator{
	"eq":  OpEq,
	"neq": OpNeq,
	"lt":  OpLt,
	"lte": OpLte,
	"gt":  OpGt,
	"gte": OpGte,
	"in":  OpIn,
	"add": OpAdd,
	"sub": OpSub,
	"mul": OpMul,
	"div": OpDiv,
}

// ParseOperator maps a definition op name to an Operator.
func ParseOperator(name string) (Operator, error) {
	op, ok := operatorNames[name]
	if !ok {
		return OpUnspecified, fmt.Errorf("%w: %q", types.ErrInvalidOperator, name)
	}
	return op, nil
}

// IsComparison reports whether op yields a boolean.
func (op Operator) IsComparison() bool {
	return op >= OpEq && op <= OpIn
}

// IsArithmetic reports whether op yields a number.
func (op Operator) IsArithmetic() bool {
	return op >= OpAdd && op <= OpDiv
}

func (op Operator) String() string {
	for name, o := range operatorNames {
		if o == op {
			return name
		}
	}
	return "unspecified"
}

// Compare applies a comparison operator.
func Compare(op Operator, left, right Value) (bool, error) {
	switch op {
	case OpEq:
		return equal(left, right)
	case OpNeq:
		eq, err := equal(left, right)
		return !eq, err
	case OpLt, OpLte, OpGt, OpGte:
		c, err := compareNumeric(left, right)
		if err != nil {
			return false, err
		}
		switch op {
		case OpLt:
			return c < 0, nil
		case OpLte:
			return c <= 0, nil
		case OpGt:
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	case OpIn:
		return member(left, right)
	default:
		return false, fmt.Errorf("%w: %s is not a comparison", types.ErrInvalidOperator, op)
	}
}

// Apply applies an arithmetic operator.
func Apply(op Operator, left, right Value) (Value, error) {
	a, okA := asRat(left)
	b, okB := asRat(right)
	if !okA || !okB {
		return Value{}, fmt.Errorf("%w: %s needs numbers, got %s and %s", types.ErrTypeMismatch, op, left.Kind, right.Kind)
	}
	switch op {
	case OpAdd:
		return exactNumber(new(big.Rat).Add(a, b)), nil
	case OpSub:
		return exactNumber(new(big.Rat).Sub(a, b)), nil
	case OpMul:
		return exactNumber(new(big.Rat).Mul(a, b)), nil
	case OpDiv:
		if b.Sign() == 0 {
			return Value{}, types.ErrDivisionByZero
		}
		return exactNumber(new(big.Rat).Quo(a, b)), nil
	default:
		return Value{}, fmt.Errorf("%w: %s is not arithmetic", types.ErrInvalidOperator, op)
	}
}

// equal performs kind-aware equality.
func equal(a, b Value) (bool, error) {
	if a.Kind == KindNull || b.Kind == KindNull || a.Kind == KindList || b.Kind == KindList {
		return false, fmt.Errorf("%w: cannot compare %s with %s", types.ErrTypeMismatch, a.Kind, b.Kind)
	}
	if a.Kind == KindNumber || b.Kind == KindNumber {
		na, okA := asRat(a)
		nb, okB := asRat(b)
		if okA && okB {
			return na.Cmp(nb) == 0, nil
		}
		return false, nil
	}
	if a.Kind != b.Kind {
		return false, nil
	}
	switch a.Kind {
	case KindString:
		return a.Str == b.Str, nil
	default:
		return a.Bool == b.Bool, nil
	}
}

// compareNumeric performs three-way numeric comparison.
func compareNumeric(a, b Value) (int, error) {
	na, okA := asRat(a)
	nb, okB := asRat(b)
	if !okA || !okB {
		return 0, fmt.Errorf("%w: ordering needs numbers, got %s and %s", types.ErrTypeMismatch, a.Kind, b.Kind)
	}
	return na.Cmp(nb), nil
}

// member checks whether value is in set using equality semantics.
func member(value, set Value) (bool, error) {
	if set.Kind != KindList {
		return false, fmt.Errorf("%w: IN needs a list, got %s", types.ErrTypeMismatch, set.Kind)
	}
	for _, elem := range set.List {
		eq, err := equal(value, elem)
		if err != nil {
			return false, err
		}
		if eq {
			return true, nil
		}
	}
	return false, nil
}
