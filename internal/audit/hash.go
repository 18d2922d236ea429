package audit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/gowebpki/jcs"
	"github.com/shopspring/decimal"

	"github.com/zephix/governance/internal/types"
)

// maxExponent bounds the decimal exponent of snapshot numbers so the
// canonical text of a value like 1e400 stays small.
const maxExponent = 1000

// HashSnapshot returns the hex sha256 of the canonical JSON form of snapshot,
// plus the canonical bytes. Equal snapshots hash equally regardless of key
// order or number formatting (1.0 and 1 are the same number). A nil snapshot
// hashes as {}.
//
// Canonicalisation follows RFC 8785 except for numbers: JCS renders them as
// IEEE doubles, which would merge distinct inputs and corrupt money amounts.
// Numbers are written instead as their exact shortest decimal text, so the
// canonical bytes decode back to the values that were evaluated.
func HashSnapshot(snapshot types.Snapshot) (string, json.RawMessage, error) {
	n := &numbers{}
	if err := n.init(); err != nil {
		return "", nil, err
	}

	prepared := make(map[string]any, len(snapshot))
	for k, v := range snapshot {
		pv, err := n.prepare(v)
		if err != nil {
			return "", nil, fmt.Errorf("%w: snapshot field %q: %v", types.ErrInvalidRequest, k, err)
		}
		prepared[k] = pv
	}

	raw, err := json.Marshal(prepared)
	if err != nil {
		return "", nil, fmt.Errorf("%w: snapshot is not JSON: %v", types.ErrInvalidRequest, err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", nil, fmt.Errorf("%w: canonicalize snapshot: %v", types.ErrInvalidRequest, err)
	}
	canonical = n.restore(canonical)

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), canonical, nil
}

// numbers swaps each snapshot number for a unique string token before JCS
// and writes the exact decimal text back afterwards. The token carries a
// random nonce so no snapshot string can collide with it.
type numbers struct {
	nonce string
	texts []string
}

func (n *numbers) init() error {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Errorf("snapshot nonce: %w", err)
	}
	n.nonce = hex.EncodeToString(b[:])
	return nil
}

func (n *numbers) token(i int) string {
	return n.nonce + ":" + strconv.Itoa(i)
}

func (n *numbers) restore(canonical []byte) []byte {
	if len(n.texts) == 0 {
		return canonical
	}
	pairs := make([]string, 0, 2*len(n.texts))
	for i, text := range n.texts {
		pairs = append(pairs, `"`+n.token(i)+`"`, text)
	}
	return []byte(strings.NewReplacer(pairs...).Replace(string(canonical)))
}

// prepare replaces numbers inside v with tokens, descending into lists and
// string-keyed maps.
func (n *numbers) prepare(v any) (any, error) {
	d, isNum, err := exactNumber(v)
	if err != nil {
		return nil, err
	}
	if isNum {
		if exp := d.Exponent(); exp > maxExponent || exp < -maxExponent {
			return nil, fmt.Errorf("number exponent %d out of range", exp)
		}
		n.texts = append(n.texts, d.String())
		return n.token(len(n.texts) - 1), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return v, nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return v, nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			pv, err := n.prepare(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = pv
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String || rv.IsNil() {
			return v, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			pv, err := n.prepare(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = pv
		}
		return out, nil
	}
	return v, nil
}

// exactNumber reports whether v is a number and returns its exact value.
func exactNumber(v any) (decimal.Decimal, bool, error) {
	switch x := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return decimal.Decimal{}, true, fmt.Errorf("number %q: %v", x.String(), err)
		}
		return d, true, nil
	case decimal.Decimal:
		return x, true, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return decimal.Decimal{}, true, fmt.Errorf("non-finite number")
		}
		return decimal.NewFromFloat(x), true, nil
	case float32:
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return decimal.Decimal{}, true, fmt.Errorf("non-finite number")
		}
		return decimal.NewFromFloat32(x), true, nil
	case int:
		return decimal.NewFromInt(int64(x)), true, nil
	case int8:
		return decimal.NewFromInt(int64(x)), true, nil
	case int16:
		return decimal.NewFromInt(int64(x)), true, nil
	case int32:
		return decimal.NewFromInt(int64(x)), true, nil
	case int64:
		return decimal.NewFromInt(x), true, nil
	case uint:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(x)), 0), true, nil
	case uint8:
		return decimal.NewFromInt(int64(x)), true, nil
	case uint16:
		return decimal.NewFromInt(int64(x)), true, nil
	case uint32:
		return decimal.NewFromInt(int64(x)), true, nil
	case uint64:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(x), 0), true, nil
	}
	return decimal.Decimal{}, false, nil
}
