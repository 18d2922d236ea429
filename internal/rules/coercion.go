// internal/rules/coercion.go
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zephix/governance/internal/types"
)

/*
 * Value model and type coercion for rule evaluation.
 *
 * Snapshot inputs arrive as loosely typed Go values (JSON-decoded numbers,
 * strings, booleans, lists). Coerce normalizes them into Value, a tagged
 * union over NUMBER, STRING, BOOLEAN, LIST and NULL.
 *
 * Inputs and literals are decimal.Decimal. JSON numbers are decoded with
 * UseNumber so "0.1" stays exactly 0.1; float64 inputs go through
 * decimal.NewFromFloat which picks the shortest representation. NaN and
 * Inf are rejected.
 *
 * Arithmetic and comparison run on exact rationals. A quotient with no
 * finite decimal form (1/3) keeps its big.Rat, so (1/3)*3 is exactly 1;
 * Num then holds a rounded copy for messages only.
 *
 * Strings are never silently turned into numbers here. Ordering operators
 * apply numeric coercion to strings (trimmed) at comparison time, matching
 * how counts arrive from form posts.
 *
 * Nested objects are rejected: snapshots are flat by contract.
 */

// Kind is the runtime type of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindNumber
	KindString
	KindBool
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "boolean"
	case KindList:
		return "list"
	default:
		return "null"
	}
}

// Value is a normalized operand.
type Value struct {
	Kind Kind
	Num  decimal.Decimal
	Rat  *big.Rat // set when the number has no finite decimal form
	Str  string
	Bool bool
	List []Value
}

// displayPrecision is the number of fraction digits shown for
// non-terminating quotients.
const displayPrecision = 16

// Number builds a numeric Value.
func Number(d decimal.Decimal) Value { return Value{Kind: KindNumber, Num: d} }

// String builds a string Value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// exactNumber builds a numeric Value from an exact rational.
func exactNumber(r *big.Rat) Value {
	if d, ok := terminating(r); ok {
		return Number(d)
	}
	return Value{Kind: KindNumber, Num: decimal.NewFromBigRat(r, displayPrecision), Rat: r}
}

// terminating converts r to a decimal when its denominator has no prime
// factors other than 2 and 5.
func terminating(r *big.Rat) (decimal.Decimal, bool) {
	den := new(big.Int).Set(r.Denom())
	twos := stripFactor(den, 2)
	fives := stripFactor(den, 5)
	if den.Cmp(big.NewInt(1)) != 0 {
		return decimal.Decimal{}, false
	}

	k := max(twos, fives)
	scaled := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(k)), nil)
	scaled.Mul(scaled, r.Num())
	scaled.Quo(scaled, r.Denom())
	return decimal.NewFromBigInt(scaled, -int32(k)), true
}

// stripFactor divides n by f while it divides evenly and returns the count.
func stripFactor(n *big.Int, f int64) int {
	div := big.NewInt(f)
	q, m := new(big.Int), new(big.Int)
	count := 0
	for {
		q.QuoRem(n, div, m)
		if m.Sign() != 0 {
			return count
		}
		n.Set(q)
		count++
	}
}

// Bool builds a boolean Value.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// String renders v for reason messages.
func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return v.Num.String()
	case KindString:
		return v.Str
	case KindBool:
		if v.Bool {
			return "true"
		}
		return "false"
	case KindList:
		parts := make([]string, len(v.List))
		for i, e := range v.List {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return "null"
	}
}

// Coerce converts a snapshot or literal value into a Value.
// Returns ErrTypeMismatch for values outside the supported set.
func Coerce(value any) (Value, error) {
	switch v := value.(type) {
	case nil:
		return Value{Kind: KindNull}, nil
	case Value:
		return v, nil
	case decimal.Decimal:
		return Number(v), nil
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return Value{}, fmt.Errorf("%w: number %q", types.ErrTypeMismatch, v.String())
		}
		return Number(d), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Value{}, fmt.Errorf("%w: non-finite number", types.ErrTypeMismatch)
		}
		return Number(decimal.NewFromFloat(v)), nil
	case float32:
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Value{}, fmt.Errorf("%w: non-finite number", types.ErrTypeMismatch)
		}
		return Number(decimal.NewFromFloat32(v)), nil
	case int:
		return Number(decimal.NewFromInt(int64(v))), nil
	case int8:
		return Number(decimal.NewFromInt(int64(v))), nil
	case int16:
		return Number(decimal.NewFromInt(int64(v))), nil
	case int32:
		return Number(decimal.NewFromInt(int64(v))), nil
	case int64:
		return Number(decimal.NewFromInt(v)), nil
	case uint:
		return Number(decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(v)), 0)), nil
	case uint8:
		return Number(decimal.NewFromInt(int64(v))), nil
	case uint16:
		return Number(decimal.NewFromInt(int64(v))), nil
	case uint32:
		return Number(decimal.NewFromInt(int64(v))), nil
	case uint64:
		return Number(decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)), nil
	case string:
		return String(v), nil
	case bool:
		return Bool(v), nil
	case []string:
		list := make([]Value, len(v))
		for i, s := range v {
			list[i] = String(s)
		}
		return Value{Kind: KindList, List: list}, nil
	case []any:
		list := make([]Value, 0, len(v))
		for _, elem := range v {
			ev, err := Coerce(elem)
			if err != nil {
				return Value{}, err
			}
			if ev.Kind == KindList {
				return Value{}, fmt.Errorf("%w: nested list", types.ErrTypeMismatch)
			}
			list = append(list, ev)
		}
		return Value{Kind: KindList, List: list}, nil
	default:
		return Value{}, fmt.Errorf("%w: unsupported input type %T", types.ErrTypeMismatch, value)
	}
}

// CoerceJSON decodes a raw JSON literal with exact number handling.
func CoerceJSON(raw json.RawMessage) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Value{}, fmt.Errorf("%w: literal: %v", types.ErrInvalidDefinition, err)
	}
	return Coerce(v)
}

// asRat returns v as an exact rational, coercing numeric strings.
// Whitespace-only and non-numeric strings fail.
func asRat(v Value) (*big.Rat, bool) {
	switch v.Kind {
	case KindNumber:
		if v.Rat != nil {
			return v.Rat, true
		}
		return v.Num.Rat(), true
	case KindString:
		s := strings.TrimSpace(v.Str)
		if s == "" {
			return nil, false
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, false
		}
		return d.Rat(), true
	default:
		return nil, false
	}
}
