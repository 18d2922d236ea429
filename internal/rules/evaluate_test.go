// internal/rules/evaluate_test.go
package rules

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/zephix/governance/internal/types"
)

const maxWipV1 = `{
	"condition": {"op": "lte", "left": {"field": "currentWipCount"}, "right": {"field": "wipLimit"}},
	"message": "WIP limit exceeded: {currentWipCount} > {wipLimit}",
	"pass_message": "WIP {currentWipCount} within limit {wipLimit}"
}`

const maxWipV2 = `{
	"condition": {"op": "lte",
		"left": {"field": "currentWipCount"},
		"right": {"op": "add", "left": {"field": "wipLimit"}, "right": {"value": 1}}},
	"message": "WIP limit exceeded: {currentWipCount} > {wipLimit} + 1"
}`

func mustCompile(t *testing.T, code, definition string) *CompiledRule {
	t.Helper()
	compiled, err := Compile(rule(code, definition))
	if err != nil {
		t.Fatalf("Compile() error = %v, want nil", err)
	}
	return compiled
}

func TestEvaluate_MaxWip(t *testing.T) {
	v1 := mustCompile(t, "MAX_WIP", maxWipV1)
	v2 := mustCompile(t, "MAX_WIP", maxWipV2)

	tests := []struct {
		name        string
		rule        *CompiledRule
		snapshot    types.Snapshot
		wantOutcome types.VerdictOutcome
		wantMessage string
	}{
		{
			name:        "v1 under limit",
			rule:        v1,
			snapshot:    types.Snapshot{"currentWipCount": 2, "wipLimit": 3},
			wantOutcome: types.VerdictPass,
			wantMessage: "WIP 2 within limit 3",
		},
		{
			name:        "v1 at limit",
			rule:        v1,
			snapshot:    types.Snapshot{"currentWipCount": 3, "wipLimit": 3},
			wantOutcome: types.VerdictPass,
			wantMessage: "WIP 3 within limit 3",
		},
		{
			name:        "v1 over limit",
			rule:        v1,
			snapshot:    types.Snapshot{"currentWipCount": 4, "wipLimit": 3},
			wantOutcome: types.VerdictFail,
			wantMessage: "WIP limit exceeded: 4 > 3",
		},
		{
			name:        "v2 tolerates one over",
			rule:        v2,
			snapshot:    types.Snapshot{"currentWipCount": 4, "wipLimit": 3},
			wantOutcome: types.VerdictPass,
			wantMessage: "",
		},
		{
			name:        "v2 over tolerance",
			rule:        v2,
			snapshot:    types.Snapshot{"currentWipCount": 5, "wipLimit": 3},
			wantOutcome: types.VerdictFail,
			wantMessage: "WIP limit exceeded: 5 > 3 + 1",
		},
		{
			name:        "numeric strings from form posts",
			rule:        v1,
			snapshot:    types.Snapshot{"currentWipCount": "4", "wipLimit": " 3 "},
			wantOutcome: types.VerdictFail,
			wantMessage: "WIP limit exceeded: 4 >  3 ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.rule, tt.snapshot)
			if got.Outcome != tt.wantOutcome {
				t.Errorf("Outcome = %v, want %v (message %q)", got.Outcome, tt.wantOutcome, got.Message)
			}
			if got.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", got.Message, tt.wantMessage)
			}
			if got.Code != "MAX_WIP" || got.RuleID != "rule-001" || got.RuleSetID != "set-001" || got.Version != 1 {
				t.Errorf("identity = %+v, want MAX_WIP/rule-001/set-001/1", got)
			}
		})
	}
}

func TestEvaluate_MissingFieldsFailClosed(t *testing.T) {
	v1 := mustCompile(t, "MAX_WIP", maxWipV1)

	tests := []struct {
		name        string
		snapshot    types.Snapshot
		wantMissing []string
		wantMessage string
	}{
		{
			name:        "empty snapshot",
			snapshot:    types.Snapshot{},
			wantMissing: []string{"currentWipCount", "wipLimit"},
			wantMessage: "required input missing: currentWipCount, wipLimit",
		},
		{
			name:        "nil snapshot",
			snapshot:    nil,
			wantMissing: []string{"currentWipCount", "wipLimit"},
			wantMessage: "required input missing: currentWipCount, wipLimit",
		},
		{
			name:        "explicit null",
			snapshot:    types.Snapshot{"currentWipCount": 1, "wipLimit": nil},
			wantMissing: []string{"wipLimit"},
			wantMessage: "required input missing: wipLimit",
		},
		{
			name:        "missing wins over bad type",
			snapshot:    types.Snapshot{"currentWipCount": map[string]any{"x": 1}},
			wantMissing: []string{"wipLimit"},
			wantMessage: "required input missing: wipLimit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(v1, tt.snapshot)
			if got.Outcome != types.VerdictFail {
				t.Fatalf("Outcome = %v, want FAIL", got.Outcome)
			}
			if got.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", got.Message, tt.wantMessage)
			}
			if len(got.Missing) != len(tt.wantMissing) {
				t.Fatalf("Missing = %v, want %v", got.Missing, tt.wantMissing)
			}
			for i := range got.Missing {
				if got.Missing[i] != tt.wantMissing[i] {
					t.Errorf("Missing[%d] = %v, want %v", i, got.Missing[i], tt.wantMissing[i])
				}
			}
			if !errors.Is(got.Err, types.ErrMissingInputField) {
				t.Errorf("Err = %v, want %v", got.Err, types.ErrMissingInputField)
			}
			if !got.IsFailClosed() {
				t.Errorf("IsFailClosed() = false, want true")
			}
		})
	}
}

func TestEvaluate_MissingFieldInShortCircuitBranch(t *testing.T) {
	compiled := mustCompile(t, "APPROVAL", `{
		"condition": {"or": [{"field": "isAdmin"}, {"field": "hasApproval"}]}
	}`)

	got := Evaluate(compiled, types.Snapshot{"isAdmin": true})
	if got.Outcome != types.VerdictFail {
		t.Fatalf("Outcome = %v, want FAIL", got.Outcome)
	}
	if got.Message != "required input missing: hasApproval" {
		t.Errorf("Message = %q", got.Message)
	}
}

func TestEvaluate_EvaluationErrors(t *testing.T) {
	tests := []struct {
		name       string
		definition string
		snapshot   types.Snapshot
		wantErr    error
	}{
		{
			name:       "ordering on text",
			definition: `{"condition": {"op": "lt", "left": {"field": "name"}, "right": {"value": 5}}}`,
			snapshot:   types.Snapshot{"name": "abc"},
			wantErr:    types.ErrTypeMismatch,
		},
		{
			name:       "division by zero",
			definition: `{"condition": {"op": "gt", "left": {"op": "div", "left": {"field": "a"}, "right": {"field": "b"}}, "right": {"value": 1}}}`,
			snapshot:   types.Snapshot{"a": 10, "b": 0},
			wantErr:    types.ErrDivisionByZero,
		},
		{
			name:       "non boolean field as condition",
			definition: `{"condition": {"field": "count"}}`,
			snapshot:   types.Snapshot{"count": 3},
			wantErr:    types.ErrTypeMismatch,
		},
		{
			name:       "nested object input",
			definition: `{"condition": {"op": "eq", "left": {"field": "meta"}, "right": {"value": "x"}}}`,
			snapshot:   types.Snapshot{"meta": map[string]any{"k": "v"}},
			wantErr:    types.ErrTypeMismatch,
		},
		{
			name:       "list input compared with eq",
			definition: `{"condition": {"op": "eq", "left": {"field": "tags"}, "right": {"value": "x"}}}`,
			snapshot:   types.Snapshot{"tags": []string{"x"}},
			wantErr:    types.ErrTypeMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(mustCompile(t, "CODE", tt.definition), tt.snapshot)
			if got.Outcome != types.VerdictFail {
				t.Fatalf("Outcome = %v, want FAIL", got.Outcome)
			}
			if !errors.Is(got.Err, tt.wantErr) {
				t.Errorf("Err = %v, want %v", got.Err, tt.wantErr)
			}
			if want := "evaluation error: " + got.Err.Error(); got.Message != want {
				t.Errorf("Message = %q, want %q", got.Message, want)
			}
		})
	}
}

func TestEvaluate_DefaultFailMessage(t *testing.T) {
	compiled := mustCompile(t, "REQUIRES_OWNER", `{"condition": {"field": "hasOwner"}}`)

	got := Evaluate(compiled, types.Snapshot{"hasOwner": false})
	if got.Outcome != types.VerdictFail {
		t.Fatalf("Outcome = %v, want FAIL", got.Outcome)
	}
	if got.Message != "rule REQUIRES_OWNER violated" {
		t.Errorf("Message = %q", got.Message)
	}
	if got.IsFailClosed() {
		t.Errorf("IsFailClosed() = true for a violated condition")
	}
}

func TestEvaluate_BooleanCombinators(t *testing.T) {
	compiled := mustCompile(t, "PHASE_GATE", `{
		"condition": {"or": [
			{"op": "in", "left": {"field": "actorRole"}, "right": {"value": ["ADMIN", "OWNER"]}},
			{"and": [
				{"field": "hasApproval"},
				{"not": {"op": "eq", "left": {"field": "toPhase"}, "right": {"value": "CLOSED"}}}
			]}
		]}
	}`)

	tests := []struct {
		name     string
		snapshot types.Snapshot
		want     types.VerdictOutcome
	}{
		{"owner bypass", types.Snapshot{"actorRole": "OWNER", "hasApproval": false, "toPhase": "CLOSED"}, types.VerdictPass},
		{"approved open phase", types.Snapshot{"actorRole": "MEMBER", "hasApproval": true, "toPhase": "REVIEW"}, types.VerdictPass},
		{"approved closing", types.Snapshot{"actorRole": "MEMBER", "hasApproval": true, "toPhase": "CLOSED"}, types.VerdictFail},
		{"unapproved", types.Snapshot{"actorRole": "MEMBER", "hasApproval": false, "toPhase": "REVIEW"}, types.VerdictFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(compiled, tt.snapshot); got.Outcome != tt.want {
				t.Errorf("Outcome = %v, want %v (%s)", got.Outcome, tt.want, got.Message)
			}
		})
	}
}

func TestEvaluate_DecimalExactness(t *testing.T) {
	compiled := mustCompile(t, "BUDGET", `{
		"condition": {"op": "eq",
			"left": {"op": "add", "left": {"field": "a"}, "right": {"field": "b"}},
			"right": {"value": 0.3}}
	}`)

	got := Evaluate(compiled, types.Snapshot{"a": 0.1, "b": 0.2})
	if got.Outcome != types.VerdictPass {
		t.Errorf("Outcome = %v, want PASS (%s)", got.Outcome, got.Message)
	}
}

func TestEvaluate_MessageUsesSnapshotFields(t *testing.T) {
	compiled := mustCompile(t, "MAX_WIP", `{
		"condition": {"op": "lte", "left": {"field": "currentWipCount"}, "right": {"field": "wipLimit"}},
		"message": "WIP exceeded for {assignee}: {currentWipCount} > {wipLimit}",
		"pass_message": "{assignee} is within limit"
	}`)
	if got := strings.Join(compiled.MessageFields, ","); got != "assignee" {
		t.Fatalf("MessageFields = %q, want assignee", got)
	}
	if got := strings.Join(compiled.Fields, ","); got != "currentWipCount,wipLimit" {
		t.Fatalf("Fields = %q, want currentWipCount,wipLimit", got)
	}

	tests := []struct {
		name        string
		snapshot    types.Snapshot
		wantOutcome types.VerdictOutcome
		wantMessage string
	}{
		{
			name:        "fail fills message-only field",
			snapshot:    types.Snapshot{"currentWipCount": 4, "wipLimit": 3, "assignee": "alice"},
			wantOutcome: types.VerdictFail,
			wantMessage: "WIP exceeded for alice: 4 > 3",
		},
		{
			name:        "pass fills message-only field",
			snapshot:    types.Snapshot{"currentWipCount": 1, "wipLimit": 3, "assignee": "bob"},
			wantOutcome: types.VerdictPass,
			wantMessage: "bob is within limit",
		},
		{
			name:        "absent message-only field does not fail closed",
			snapshot:    types.Snapshot{"currentWipCount": 1, "wipLimit": 3},
			wantOutcome: types.VerdictPass,
			wantMessage: "{assignee} is within limit",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(compiled, tt.snapshot)
			if got.Outcome != tt.wantOutcome {
				t.Fatalf("Outcome = %v, want %v (%s)", got.Outcome, tt.wantOutcome, got.Message)
			}
			if got.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", got.Message, tt.wantMessage)
			}
		})
	}
}

func TestEvaluate_DivisionExact(t *testing.T) {
	compiled := mustCompile(t, "RATIO", `{
		"condition": {"op": "gte",
			"left": {"op": "mul",
				"left": {"op": "div", "left": {"field": "done"}, "right": {"field": "total"}},
				"right": {"field": "total"}},
			"right": {"field": "done"}},
		"message": "ratio"
	}`)

	tests := []struct {
		name     string
		snapshot types.Snapshot
	}{
		{name: "one third", snapshot: types.Snapshot{"done": 1, "total": 3}},
		{name: "two sevenths", snapshot: types.Snapshot{"done": 2, "total": 7}},
		{name: "decimal inputs", snapshot: types.Snapshot{"done": json.Number("0.1"), "total": json.Number("0.3")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(compiled, tt.snapshot)
			if got.Outcome != types.VerdictPass {
				t.Errorf("Outcome = %v, want PASS (%s)", got.Outcome, got.Message)
			}
		})
	}
}

func TestNotConfigured(t *testing.T) {
	got := NotConfigured("set-001", "MAX_WIP")
	if got.Outcome != types.VerdictNotConfigured {
		t.Errorf("Outcome = %v, want NOT_CONFIGURED", got.Outcome)
	}
	if got.Message != "rule not configured: MAX_WIP" {
		t.Errorf("Message = %q", got.Message)
	}
	if got.IsFailClosed() {
		t.Errorf("IsFailClosed() = true, want false")
	}

	reason := got.Reason()
	if reason.RuleCode != "MAX_WIP" || reason.RuleSetID != "set-001" || reason.Outcome != types.VerdictNotConfigured {
		t.Errorf("Reason() = %+v", reason)
	}
}

// Property-based test: verdict tracks the comparison for all integer inputs
func TestEvaluate_PropertyMatchesComparison(t *testing.T) {
	compiled, err := Compile(rule("MAX_WIP", maxWipV1))
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("PASS iff count <= limit", prop.ForAll(
		func(count, limit int64) bool {
			got := Evaluate(compiled, types.Snapshot{"currentWipCount": count, "wipLimit": limit})
			if count <= limit {
				return got.Outcome == types.VerdictPass
			}
			return got.Outcome == types.VerdictFail
		},
		gen.Int64Range(-1000, 1000),
		gen.Int64Range(-1000, 1000),
	))

	properties.TestingRun(t)
}

// Property-based test: evaluation is deterministic
func TestEvaluate_PropertyIdempotent(t *testing.T) {
	compiled, err := Compile(rule("MAX_WIP", maxWipV2))
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("same snapshot yields same verdict", prop.ForAll(
		func(count int, limit string, drop bool) bool {
			snapshot := types.Snapshot{"currentWipCount": count, "wipLimit": limit}
			if drop {
				delete(snapshot, "wipLimit")
			}
			a := Evaluate(compiled, snapshot)
			b := Evaluate(compiled, snapshot)
			return a.Outcome == b.Outcome && a.Message == b.Message
		},
		gen.IntRange(0, 50),
		gen.AlphaString(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
