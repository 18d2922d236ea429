package governance

import (
	"context"
	"sync"

	"github.com/zephix/governance/internal/rules"
	"github.com/zephix/governance/internal/store"
	"github.com/zephix/governance/internal/types"
)

// Resolver pins the active version of each rule code and compiles it.
// Rule versions are immutable, so compiled rules are memoized by rule id.
type Resolver struct {
	compiled sync.Map // types.RuleID -> *rules.CompiledRule
}

// NewResolver creates a resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve returns the rule currently pointed to for (set, code).
// Returns types.ErrRuleNotConfigured when the code has no pointer.
func (v *Resolver) Resolve(ctx context.Context, r store.Reader, set *types.RuleSet, code string) (*types.Rule, error) {
	return r.ResolveActiveRule(ctx, set.ID, code)
}

// ActiveRules returns the active rule of every code in set, ordered by code.
func (v *Resolver) ActiveRules(ctx context.Context, r store.Reader, set *types.RuleSet) ([]types.Rule, error) {
	return r.ActiveRules(ctx, set.ID)
}

// Compile returns the compiled form of rule.
func (v *Resolver) Compile(rule *types.Rule) (*rules.CompiledRule, error) {
	if c, ok := v.compiled.Load(rule.ID); ok {
		return c.(*rules.CompiledRule), nil
	}
	c, err := rules.Compile(rule)
	if err != nil {
		return nil, err
	}
	v.compiled.Store(rule.ID, c)
	return c, nil
}
