package governance

import (
	"github.com/zephix/governance/internal/rules"
	"github.com/zephix/governance/internal/types"
)

// Decide reduces one rule set's verdicts under its enforcement mode.
// NOT_CONFIGURED verdicts neither pass nor fail.
func Decide(mode types.EnforcementMode, verdicts []rules.Verdict) types.Outcome {
	if mode == types.ModeOff {
		return types.OutcomeAllow
	}

	for _, v := range verdicts {
		if v.Outcome != types.VerdictFail {
			continue
		}
		if mode == types.ModeWarn {
			return types.OutcomeWarn
		}
		// Unknown modes enforce like BLOCK.
		return types.OutcomeBlock
	}
	return types.OutcomeAllow
}

// Combine returns the most restrictive decision: BLOCK > WARN > ALLOW.
// Scope order does not matter.
func Combine(decisions ...types.Outcome) types.Outcome {
	out := types.OutcomeAllow
	for _, d := range decisions {
		if d.Severity() > out.Severity() {
			out = d
		}
	}
	return out
}
