package governance

import (
	"testing"

	"github.com/zephix/governance/internal/rules"
	"github.com/zephix/governance/internal/types"
)

func verdicts(outcomes ...types.VerdictOutcome) []rules.Verdict {
	out := make([]rules.Verdict, len(outcomes))
	for i, o := range outcomes {
		out[i] = rules.Verdict{Code: "R", Outcome: o}
	}
	return out
}

func TestDecide(t *testing.T) {
	pass, fail, nc := types.VerdictPass, types.VerdictFail, types.VerdictNotConfigured

	tests := []struct {
		name     string
		mode     types.EnforcementMode
		verdicts []rules.Verdict
		want     types.Outcome
	}{
		{"off ignores failures", types.ModeOff, verdicts(fail, fail), types.OutcomeAllow},
		{"warn all pass", types.ModeWarn, verdicts(pass, pass), types.OutcomeAllow},
		{"warn one fails", types.ModeWarn, verdicts(pass, fail), types.OutcomeWarn},
		{"block all pass", types.ModeBlock, verdicts(pass), types.OutcomeAllow},
		{"block one fails", types.ModeBlock, verdicts(fail, pass), types.OutcomeBlock},
		{"no verdicts", types.ModeBlock, nil, types.OutcomeAllow},
		{"not configured is neutral", types.ModeBlock, verdicts(nc, pass), types.OutcomeAllow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.mode, tt.verdicts); got != tt.want {
				t.Errorf("Decide() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCombine(t *testing.T) {
	allow, warn, block := types.OutcomeAllow, types.OutcomeWarn, types.OutcomeBlock

	tests := []struct {
		in   []types.Outcome
		want types.Outcome
	}{
		{nil, allow},
		{[]types.Outcome{allow, allow}, allow},
		{[]types.Outcome{warn, allow}, warn},
		{[]types.Outcome{warn, block}, block},
		{[]types.Outcome{block, warn}, block},
		{[]types.Outcome{allow, warn, block, allow}, block},
	}

	for _, tt := range tests {
		if got := Combine(tt.in...); got != tt.want {
			t.Errorf("Combine(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
