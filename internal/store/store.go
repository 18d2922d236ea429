// Package store persists rule sets, versioned rules, active version pointers
// and the append-only evaluation log.
//
// Two implementations share one contract: SQLStore (sqlx + dotsql over
// SQLite or PostgreSQL) and MemoryStore (maps behind a RWMutex) for tests
// and embedding. Evaluation reads go through View so rule set, pointer and
// rule reads observe one snapshot.
package store

import (
	"context"
	"time"

	"github.com/zephix/governance/internal/types"
)

// Reader is the read surface used while evaluating.
type Reader interface {
	// ActiveRuleSets lists active sets for one scope target and entity type,
	// oldest first. scopeID is "" for SYSTEM.
	ActiveRuleSets(ctx context.Context, scope types.Scope, scopeID, entityType string) ([]types.RuleSet, error)

	// ResolveActiveRule follows the active pointer for (ruleSetID, code) in
	// one lookup. Returns types.ErrRuleNotConfigured when no pointer exists
	// or the set is inactive.
	ResolveActiveRule(ctx context.Context, ruleSetID types.RuleSetID, code string) (*types.Rule, error)

	// ActiveRules returns the pointed-to rule of every code in the set,
	// ordered by code.
	ActiveRules(ctx context.Context, ruleSetID types.RuleSetID) ([]types.Rule, error)
}

// EvaluationLog is the append-only audit trail. There is deliberately no
// update or delete.
type EvaluationLog interface {
	AppendEvaluation(ctx context.Context, rec *types.EvaluationRecord) error
	ListEvaluations(ctx context.Context, filter types.EvaluationFilter) ([]types.EvaluationRecord, error)
}

// Admin is the write surface for rule authors.
type Admin interface {
	CreateRuleSet(ctx context.Context, rs *types.RuleSet) error
	GetRuleSet(ctx context.Context, id types.RuleSetID) (*types.RuleSet, error)
	ListRuleSets(ctx context.Context) ([]types.RuleSet, error)
	SetEnforcementMode(ctx context.Context, id types.RuleSetID, mode types.EnforcementMode) (*types.RuleSet, error)
	DeactivateRuleSet(ctx context.Context, id types.RuleSetID) (*types.RuleSet, error)

	// InsertRule stores rule as the next version of its code. Version is
	// assigned by the store; ID and CreatedAt are filled when empty.
	InsertRule(ctx context.Context, rule *types.Rule) error
	GetRule(ctx context.Context, id types.RuleID) (*types.Rule, error)
	ListRuleVersions(ctx context.Context, ruleSetID types.RuleSetID, code string) ([]types.Rule, error)

	GetPointer(ctx context.Context, ruleSetID types.RuleSetID, code string) (*types.ActivePointer, error)

	// CreatePointer activates the first version of a new code. Losing a race
	// with another creator returns types.ErrConcurrentPointerConflict.
	CreatePointer(ctx context.Context, ruleSetID types.RuleSetID, code string, ruleID types.RuleID, updatedBy string) (*types.ActivePointer, error)

	// SwapPointer repoints (ruleSetID, code) from expected to next only if
	// the pointer still names expected. next must belong to the same set and
	// code.
	SwapPointer(ctx context.Context, ruleSetID types.RuleSetID, code string, expected, next types.RuleID, updatedBy string) (*types.ActivePointer, error)
}

// Store is the full persistence contract.
type Store interface {
	Reader
	EvaluationLog
	Admin

	// View runs fn against a consistent read snapshot.
	View(ctx context.Context, fn func(Reader) error) error

	Close() error
}

var (
	epoch     = time.Unix(0, 0).UTC()
	endOfTime = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
)

// normalizeFilter applies limit defaults and open time bounds.
func normalizeFilter(f types.EvaluationFilter) types.EvaluationFilter {
	switch {
	case f.Limit <= 0:
		f.Limit = types.DefaultEvaluationQueryLimit
	case f.Limit > types.MaxEvaluationQueryLimit:
		f.Limit = types.MaxEvaluationQueryLimit
	}
	if f.Since.IsZero() {
		f.Since = epoch
	}
	if f.Until.IsZero() {
		f.Until = endOfTime
	}
	f.Since = f.Since.UTC()
	f.Until = f.Until.UTC()
	return f
}
