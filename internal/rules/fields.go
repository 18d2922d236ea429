// internal/rules/fields.go
package rules

import (
	"github.com/zephix/governance/internal/types"
)

/*
 * Snapshot field resolution.
 *
 * Snapshots are flat maps, so resolution is a single key lookup. A field is
 * missing when the key is absent or explicitly null; both fail closed.
 *
 * Resolution walks the rule's pre-collected field list (sorted at compile
 * time), so the reported order is stable across identical inputs.
 */

// Lookup returns the coerced value of a snapshot field.
// found is false for absent keys and explicit nulls.
func Lookup(snapshot types.Snapshot, name string) (v Value, found bool, err error) {
	raw, ok := snapshot[name]
	if !ok || raw == nil {
		return Value{}, false, nil
	}
	v, err = Coerce(raw)
	if err != nil {
		return Value{}, true, err
	}
	if v.Kind == KindNull {
		return Value{}, false, nil
	}
	return v, true, nil
}

// resolveFields coerces every referenced field once per evaluation.
// Missing fields take precedence over coercion errors so the reason names
// every absent input.
func resolveFields(rule *CompiledRule, snapshot types.Snapshot) (map[string]Value, []string, error) {
	values := make(map[string]Value, len(rule.Fields))
	var missing []string
	var firstErr error
	for _, name := range rule.Fields {
		v, found, err := Lookup(snapshot, name)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !found {
			missing = append(missing, name)
			continue
		}
		values[name] = v
	}
	if len(missing) > 0 {
		return nil, missing, nil
	}
	if firstErr != nil {
		return nil, nil, firstErr
	}
	return values, nil, nil
}

// addMessageFields adds message-only placeholders present in snapshot to
// values. Absent or unusable ones are skipped.
func addMessageFields(rule *CompiledRule, snapshot types.Snapshot, values map[string]Value) {
	for _, name := range rule.MessageFields {
		v, found, err := Lookup(snapshot, name)
		if found && err == nil {
			values[name] = v
		}
	}
}
