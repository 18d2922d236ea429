package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zephix/governance/internal/cache"
	"github.com/zephix/governance/internal/rules"
	"github.com/zephix/governance/internal/store"
	"github.com/zephix/governance/internal/types"
)

/*
 * Administrative operations.
 *
 * Rule authors create and retire rule sets, publish rule versions and move
 * the active version pointer. Every write that changes what evaluation sees
 * invalidates the affected cache key before returning, locally and, when an
 * Invalidator is configured, on every other instance.
 *
 * Publishing workflow:
 *   1. Validate the code and compile the definition (never store a broken rule)
 *   2. Insert as the next version of the code
 *   3. First version of a code: create its pointer
 *   4. Later versions: repoint only when asked, by compare-and-swap
 *
 * A lost compare-and-swap returns types.ErrConcurrentPointerConflict and
 * aborts the operation; callers retry with fresh state.
 */

// PublishRequest describes a new rule version.
type PublishRequest struct {
	RuleSetID  types.RuleSetID `json:"rule_set_id"`
	Code       string          `json:"code"`
	Definition json.RawMessage `json:"definition"`
	CreatedBy  string          `json:"created_by,omitempty"`

	// Activate repoints an existing code to the new version.
	Activate bool `json:"activate,omitempty"`
}

// PublishResult is the stored rule and, when it is active, its pointer.
type PublishResult struct {
	Rule    *types.Rule          `json:"rule"`
	Pointer *types.ActivePointer `json:"pointer,omitempty"`
}

// ActivateRequest repoints a code to one of its versions.
type ActivateRequest struct {
	RuleSetID types.RuleSetID `json:"rule_set_id"`
	Code      string          `json:"code"`
	Version   int             `json:"version"`

	// ExpectedRuleID is the rule the caller believes is active. Empty means
	// whatever is active right now.
	ExpectedRuleID types.RuleID `json:"expected_rule_id,omitempty"`
	UpdatedBy      string       `json:"updated_by,omitempty"`
}

// AdminOption configures Admin.
type AdminOption func(*Admin)

// WithInvalidator broadcasts invalidations to other instances.
func WithInvalidator(inv cache.Invalidator) AdminOption {
	return func(a *Admin) { a.invalidator = inv }
}

// WithAdminLogger sets the logger. Default: slog.Default().
func WithAdminLogger(logger *slog.Logger) AdminOption {
	return func(a *Admin) { a.logger = logger }
}

// Admin performs rule authoring operations.
type Admin struct {
	store       store.Admin
	cache       *cache.RuleSetCache
	invalidator cache.Invalidator
	logger      *slog.Logger
}

// NewAdmin creates an Admin writing to st and invalidating c.
func NewAdmin(st store.Admin, c *cache.RuleSetCache, opts ...AdminOption) *Admin {
	a := &Admin{
		store:  st,
		cache:  c,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "governance.admin")
	return a
}

// CreateRuleSet stores a new active rule set.
func (a *Admin) CreateRuleSet(ctx context.Context, rs *types.RuleSet) (*types.RuleSet, error) {
	rs.IsActive = true
	if rs.EnforcementMode == "" {
		rs.EnforcementMode = types.ModeOff
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	if err := a.store.CreateRuleSet(ctx, rs); err != nil {
		return nil, fmt.Errorf("create rule set: %w", err)
	}

	a.invalidate(ctx, rs)
	a.logger.Info("rule set created",
		"rule_set_id", rs.ID,
		"scope", rs.Scope,
		"scope_id", rs.ScopeID(),
		"entity_type", rs.EntityType,
		"mode", rs.EnforcementMode,
	)
	return rs, nil
}

// DeactivateRuleSet retires a rule set. Rule sets are never deleted.
func (a *Admin) DeactivateRuleSet(ctx context.Context, id types.RuleSetID) (*types.RuleSet, error) {
	rs, err := a.store.DeactivateRuleSet(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("deactivate rule set: %w", err)
	}

	a.invalidate(ctx, rs)
	a.logger.Info("rule set deactivated", "rule_set_id", id)
	return rs, nil
}

// SetEnforcementMode switches a rule set between OFF, WARN and BLOCK.
func (a *Admin) SetEnforcementMode(ctx context.Context, id types.RuleSetID, mode types.EnforcementMode) (*types.RuleSet, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: unknown enforcement mode %q", types.ErrInvalidRuleSet, mode)
	}
	rs, err := a.store.SetEnforcementMode(ctx, id, mode)
	if err != nil {
		return nil, fmt.Errorf("set enforcement mode: %w", err)
	}

	a.invalidate(ctx, rs)
	a.logger.Info("enforcement mode changed", "rule_set_id", id, "mode", mode)
	return rs, nil
}

// PublishRule stores req.Definition as the next version of req.Code.
func (a *Admin) PublishRule(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	if err := validateCode(req.Code); err != nil {
		return nil, err
	}
	if err := rules.Validate(req.Definition); err != nil {
		return nil, err
	}

	rs, err := a.store.GetRuleSet(ctx, req.RuleSetID)
	if err != nil {
		return nil, fmt.Errorf("publish rule: %w", err)
	}
	if !rs.IsActive {
		return nil, fmt.Errorf("publish rule: %w: %s", types.ErrRuleSetInactive, rs.ID)
	}

	current, err := a.store.GetPointer(ctx, req.RuleSetID, req.Code)
	if err != nil && !errors.Is(err, types.ErrRuleNotConfigured) {
		return nil, fmt.Errorf("publish rule: %w", err)
	}

	rule := &types.Rule{
		RuleSetID:  req.RuleSetID,
		Code:       req.Code,
		IsActive:   true,
		Definition: req.Definition,
		CreatedBy:  req.CreatedBy,
	}
	if err := a.store.InsertRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("publish rule: %w", err)
	}
	result := &PublishResult{Rule: rule}

	switch {
	case current == nil:
		result.Pointer, err = a.store.CreatePointer(ctx, rule.RuleSetID, rule.Code, rule.ID, req.CreatedBy)
	case req.Activate:
		result.Pointer, err = a.store.SwapPointer(ctx, rule.RuleSetID, rule.Code, current.RuleID, rule.ID, req.CreatedBy)
	}
	if err != nil {
		return nil, fmt.Errorf("publish rule %s v%d: %w", rule.Code, rule.Version, err)
	}

	if result.Pointer != nil {
		a.invalidate(ctx, rs)
	}
	a.logger.Info("rule published",
		"rule_set_id", rule.RuleSetID,
		"code", rule.Code,
		"version", rule.Version,
		"rule_id", rule.ID,
		"active", result.Pointer != nil,
	)
	return result, nil
}

// ActivateVersion repoints req.Code to req.Version by compare-and-swap.
func (a *Admin) ActivateVersion(ctx context.Context, req ActivateRequest) (*types.ActivePointer, error) {
	rs, err := a.store.GetRuleSet(ctx, req.RuleSetID)
	if err != nil {
		return nil, fmt.Errorf("activate version: %w", err)
	}

	versions, err := a.store.ListRuleVersions(ctx, req.RuleSetID, req.Code)
	if err != nil {
		return nil, fmt.Errorf("activate version: %w", err)
	}
	var target *types.Rule
	for i := range versions {
		if versions[i].Version == req.Version {
			target = &versions[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("activate version: %w: %s v%d", types.ErrRuleNotFound, req.Code, req.Version)
	}

	expected := req.ExpectedRuleID
	if expected == "" {
		current, err := a.store.GetPointer(ctx, req.RuleSetID, req.Code)
		if err != nil {
			return nil, fmt.Errorf("activate version: %w", err)
		}
		expected = current.RuleID
	}

	ptr, err := a.store.SwapPointer(ctx, req.RuleSetID, req.Code, expected, target.ID, req.UpdatedBy)
	if err != nil {
		return nil, fmt.Errorf("activate version: %w", err)
	}

	a.invalidate(ctx, rs)
	a.logger.Info("active version changed",
		"rule_set_id", req.RuleSetID,
		"code", req.Code,
		"version", ptr.Version,
		"rule_id", ptr.RuleID,
	)
	return ptr, nil
}

// invalidate drops the set's cache key here and, best effort, elsewhere.
// Remote instances fall back to the TTL when the broadcast fails.
func (a *Admin) invalidate(ctx context.Context, rs *types.RuleSet) {
	key := cache.KeyFor(rs)
	if a.cache != nil {
		a.cache.Invalidate(key)
	}
	if a.invalidator == nil {
		return
	}
	if err := a.invalidator.Publish(ctx, key); err != nil {
		a.logger.Warn("failed to broadcast cache invalidation",
			"key", key.String(),
			"error", err,
		)
	}
}

func validateCode(code string) error {
	if code == "" {
		return fmt.Errorf("%w: rule code is required", types.ErrInvalidDefinition)
	}
	if len(code) > types.MaxCodeLength {
		return fmt.Errorf("%w: rule code exceeds %d characters", types.ErrInvalidDefinition, types.MaxCodeLength)
	}
	return nil
}
