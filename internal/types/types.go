// Package types provides domain models shared across governance components.
//
// Types here are storage and wire-format agnostic. The SQL layer maps rows
// into them with db tags; the gRPC layer marshals them with json tags.
// Definitions stay as raw JSON until internal/rules compiles them.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// RuleSetID represents a UUIDv7 rule set identifier.
type RuleSetID string

// RuleID represents a UUIDv7 rule identifier.
// A new version of a rule gets a new RuleID; Code stays stable.
type RuleID string

// EvaluationID represents a UUIDv7 evaluation record identifier.
// UUIDv7 time-ordering keeps the append-only table clustered by insert time.
type EvaluationID string

// Scope is the level a rule set is attached to.
type Scope string

const (
	ScopeSystem    Scope = "SYSTEM"
	ScopeOrg       Scope = "ORG"
	ScopeWorkspace Scope = "WORKSPACE"
)

// Valid reports whether s is one of the known scopes.
func (s Scope) Valid() bool {
	switch s {
	case ScopeSystem, ScopeOrg, ScopeWorkspace:
		return true
	}
	return false
}

// EnforcementMode controls what a failing rule does to the action.
type EnforcementMode string

const (
	ModeOff   EnforcementMode = "OFF"
	ModeWarn  EnforcementMode = "WARN"
	ModeBlock EnforcementMode = "BLOCK"
)

// Valid reports whether m is one of the known modes.
func (m EnforcementMode) Valid() bool {
	switch m {
	case ModeOff, ModeWarn, ModeBlock:
		return true
	}
	return false
}

// Outcome is the final decision handed back to the caller.
type Outcome string

const (
	OutcomeAllow Outcome = "ALLOW"
	OutcomeWarn  Outcome = "WARN"
	OutcomeBlock Outcome = "BLOCK"
)

// Severity orders outcomes by restrictiveness: BLOCK > WARN > ALLOW.
func (o Outcome) Severity() int {
	switch o {
	case OutcomeBlock:
		return 2
	case OutcomeWarn:
		return 1
	default:
		return 0
	}
}

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeAllow, OutcomeWarn, OutcomeBlock:
		return true
	}
	return false
}

// VerdictOutcome is the result of evaluating a single rule.
type VerdictOutcome string

const (
	VerdictPass          VerdictOutcome = "PASS"
	VerdictFail          VerdictOutcome = "FAIL"
	VerdictNotConfigured VerdictOutcome = "NOT_CONFIGURED"
)

// RuleSet is a named, scoped collection of rules with one enforcement mode.
type RuleSet struct {
	ID              RuleSetID       `db:"rule_set_id" json:"id"`
	Scope           Scope           `db:"scope_type" json:"scope"`
	OrganizationID  *string         `db:"organization_id" json:"organization_id,omitempty"`
	WorkspaceID     *string         `db:"workspace_id" json:"workspace_id,omitempty"`
	EntityType      string          `db:"entity_type" json:"entity_type"`
	Name            string          `db:"name" json:"name"`
	Description     string          `db:"description" json:"description,omitempty"`
	EnforcementMode EnforcementMode `db:"enforcement_mode" json:"enforcement_mode"`
	IsActive        bool            `db:"is_active" json:"is_active"`
	CreatedBy       string          `db:"created_by" json:"created_by,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// ScopeID returns the identifier the set is attached to at its scope.
// SYSTEM sets have no scope target and return "".
func (rs RuleSet) ScopeID() string {
	switch rs.Scope {
	case ScopeWorkspace:
		if rs.WorkspaceID != nil {
			return *rs.WorkspaceID
		}
	case ScopeOrg:
		if rs.OrganizationID != nil {
			return *rs.OrganizationID
		}
	}
	return ""
}

// Validate checks the scope invariants: SYSTEM sets carry no ids, ORG sets
// carry only an organization, WORKSPACE sets carry both.
func (rs RuleSet) Validate() error {
	if !rs.Scope.Valid() {
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidRuleSet, rs.Scope)
	}
	if !rs.EnforcementMode.Valid() {
		return fmt.Errorf("%w: unknown enforcement mode %q", ErrInvalidRuleSet, rs.EnforcementMode)
	}
	if rs.EntityType == "" || rs.Name == "" {
		return fmt.Errorf("%w: entity type and name are required", ErrInvalidRuleSet)
	}
	org := rs.OrganizationID != nil && *rs.OrganizationID != ""
	ws := rs.WorkspaceID != nil && *rs.WorkspaceID != ""
	switch rs.Scope {
	case ScopeSystem:
		if org || ws {
			return fmt.Errorf("%w: SYSTEM sets take no organization or workspace", ErrInvalidRuleSet)
		}
	case ScopeOrg:
		if !org || ws {
			return fmt.Errorf("%w: ORG sets take an organization and no workspace", ErrInvalidRuleSet)
		}
	case ScopeWorkspace:
		if !org || !ws {
			return fmt.Errorf("%w: WORKSPACE sets take an organization and a workspace", ErrInvalidRuleSet)
		}
	}
	return nil
}

// Rule is one immutable version of a rule definition.
type Rule struct {
	ID         RuleID          `db:"rule_id" json:"id"`
	RuleSetID  RuleSetID       `db:"rule_set_id" json:"rule_set_id"`
	Code       string          `db:"code" json:"code"`
	Version    int             `db:"version" json:"version"`
	IsActive   bool            `db:"is_active" json:"is_active"`
	Definition json.RawMessage `db:"definition" json:"definition"`
	CreatedBy  string          `db:"created_by" json:"created_by,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// ActivePointer names the rule version currently enforced for a code.
type ActivePointer struct {
	RuleSetID RuleSetID `db:"rule_set_id" json:"rule_set_id"`
	Code      string    `db:"code" json:"code"`
	RuleID    RuleID    `db:"active_rule_id" json:"rule_id"`
	Version   int       `db:"active_version" json:"version"`
	UpdatedBy string    `db:"updated_by" json:"updated_by,omitempty"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Actor identifies who asked for the transition.
type Actor struct {
	UserID        string `json:"user_id"`
	PlatformRole  string `json:"platform_role,omitempty"`
	WorkspaceRole string `json:"workspace_role,omitempty"`
}

// Reason explains a single rule verdict.
type Reason struct {
	RuleCode  string         `json:"rule_code"`
	Outcome   VerdictOutcome `json:"outcome"`
	Message   string         `json:"message,omitempty"`
	RuleSetID RuleSetID      `json:"rule_set_id,omitempty"`
	RuleID    RuleID         `json:"rule_id,omitempty"`
	Version   int            `json:"version,omitempty"`
}

// Snapshot is the flat mapping of named inputs a rule is evaluated against.
type Snapshot map[string]any

// EvaluationRecord is the immutable audit row for one evaluate() call.
type EvaluationRecord struct {
	ID              EvaluationID    `json:"id"`
	OrganizationID  string          `json:"organization_id"`
	WorkspaceID     string          `json:"workspace_id,omitempty"`
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	TransitionType  string          `json:"transition_type"`
	FromValue       string          `json:"from_value,omitempty"`
	ToValue         string          `json:"to_value,omitempty"`
	RuleSetID       RuleSetID       `json:"rule_set_id,omitempty"`
	RuleID          RuleID          `json:"rule_id,omitempty"`
	RuleVersion     int             `json:"rule_version,omitempty"`
	EnforcementMode EnforcementMode `json:"enforcement_mode,omitempty"`
	Decision        Outcome         `json:"decision"`
	Reasons         []Reason        `json:"reasons"`
	InputHash       string          `json:"input_hash"`
	InputSnapshot   json.RawMessage `json:"input_snapshot,omitempty"`
	Actor           Actor           `json:"actor"`
	RequestID       string          `json:"request_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// OrderingKey groups records whose relative order must survive async writes.
func (r *EvaluationRecord) OrderingKey() string {
	return r.EntityType + "/" + r.EntityID + "/" + r.TransitionType
}

// EvaluationFilter narrows compliance queries over evaluation records.
// Zero-valued fields are ignored.
type EvaluationFilter struct {
	OrganizationID string
	WorkspaceID    string
	EntityType     string
	EntityID       string
	Decision       Outcome
	Since          time.Time
	Until          time.Time
	Limit          int
}

// Resource limits enforced when compiling and evaluating rules.
const (
	// MaxExpressionDepth bounds recursion during compile and evaluation.
	MaxExpressionDepth = 16

	// MaxExpressionNodes bounds total evaluation work per rule.
	MaxExpressionNodes = 256

	// MaxInOperatorValues limits IN list size.
	MaxInOperatorValues = 64

	// MaxDefinitionSize limits the stored JSON definition.
	MaxDefinitionSize = 64 * 1024

	// MaxSnapshotFields bounds the input snapshot.
	MaxSnapshotFields = 256

	// MaxCodeLength limits rule codes such as "MAX_WIP_PER_ASSIGNEE".
	MaxCodeLength = 128

	// DefaultEvaluationQueryLimit applies when a filter leaves Limit at zero.
	DefaultEvaluationQueryLimit = 100

	// MaxEvaluationQueryLimit caps compliance query page size.
	MaxEvaluationQueryLimit = 1000
)
