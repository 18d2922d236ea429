// Package api exposes the governance engine over gRPC.
//
// Messages are plain Go structs encoded with the JSON codec in codec.go; the
// service descriptor in desc.go is declared by hand. Handlers are thin: they
// validate transport-level input, delegate to internal/governance and map
// errors to status codes.
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/zephix/governance/internal/governance"
	"github.com/zephix/governance/internal/store"
	"github.com/zephix/governance/internal/types"
)

// ListEvaluationsRequest filters the evaluation trail.
type ListEvaluationsRequest struct {
	OrganizationID string        `json:"organization_id,omitempty"`
	WorkspaceID    string        `json:"workspace_id,omitempty"`
	EntityType     string        `json:"entity_type,omitempty"`
	EntityID       string        `json:"entity_id,omitempty"`
	Decision       types.Outcome `json:"decision,omitempty"`
	Since          time.Time     `json:"since,omitempty"`
	Until          time.Time     `json:"until,omitempty"`
	Limit          int           `json:"limit,omitempty"`
}

// ListEvaluationsResponse holds matching records, newest first.
type ListEvaluationsResponse struct {
	Evaluations []types.EvaluationRecord `json:"evaluations"`
}

// SetEnforcementModeRequest switches a rule set's mode.
type SetEnforcementModeRequest struct {
	RuleSetID types.RuleSetID       `json:"rule_set_id"`
	Mode      types.EnforcementMode `json:"mode"`
}

// DeactivateRuleSetRequest retires a rule set.
type DeactivateRuleSetRequest struct {
	RuleSetID types.RuleSetID `json:"rule_set_id"`
}

// GovernanceService implements GovernanceAPIServer.
type GovernanceService struct {
	engine *governance.Engine
	admin  *governance.Admin
	log    store.EvaluationLog
}

// NewGovernanceService creates service instance with dependencies.
func NewGovernanceService(engine *governance.Engine, admin *governance.Admin, log store.EvaluationLog) (*GovernanceService, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if admin == nil {
		return nil, fmt.Errorf("admin cannot be nil")
	}
	if log == nil {
		return nil, fmt.Errorf("evaluation log cannot be nil")
	}
	return &GovernanceService{engine: engine, admin: admin, log: log}, nil
}

// Evaluate decides one proposed transition.
func (s *GovernanceService) Evaluate(ctx context.Context, req *governance.Request) (*governance.Decision, error) {
	d, err := s.engine.Evaluate(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return &d, nil
}

// CreateRuleSet stores a new active rule set.
func (s *GovernanceService) CreateRuleSet(ctx context.Context, req *types.RuleSet) (*types.RuleSet, error) {
	// Server-assigned fields.
	req.ID = ""
	req.CreatedAt, req.UpdatedAt = time.Time{}, time.Time{}

	rs, err := s.admin.CreateRuleSet(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return rs, nil
}

// SetEnforcementMode switches a rule set between OFF, WARN and BLOCK.
func (s *GovernanceService) SetEnforcementMode(ctx context.Context, req *SetEnforcementModeRequest) (*types.RuleSet, error) {
	rs, err := s.admin.SetEnforcementMode(ctx, req.RuleSetID, req.Mode)
	if err != nil {
		return nil, toStatus(err)
	}
	return rs, nil
}

// DeactivateRuleSet retires a rule set.
func (s *GovernanceService) DeactivateRuleSet(ctx context.Context, req *DeactivateRuleSetRequest) (*types.RuleSet, error) {
	rs, err := s.admin.DeactivateRuleSet(ctx, req.RuleSetID)
	if err != nil {
		return nil, toStatus(err)
	}
	return rs, nil
}

// PublishRule stores a new rule version.
func (s *GovernanceService) PublishRule(ctx context.Context, req *governance.PublishRequest) (*governance.PublishResult, error) {
	res, err := s.admin.PublishRule(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

// ActivateVersion repoints a rule code by compare-and-swap.
func (s *GovernanceService) ActivateVersion(ctx context.Context, req *governance.ActivateRequest) (*types.ActivePointer, error) {
	ptr, err := s.admin.ActivateVersion(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return ptr, nil
}

// ListEvaluations answers compliance queries over the evaluation trail.
func (s *GovernanceService) ListEvaluations(ctx context.Context, req *ListEvaluationsRequest) (*ListEvaluationsResponse, error) {
	if req.Decision != "" && !req.Decision.Valid() {
		return nil, toStatus(fmt.Errorf("%w: unknown decision %q", types.ErrInvalidRequest, req.Decision))
	}
	if req.Limit < 0 {
		return nil, toStatus(fmt.Errorf("%w: negative limit", types.ErrInvalidRequest))
	}

	recs, err := s.log.ListEvaluations(ctx, types.EvaluationFilter{
		OrganizationID: req.OrganizationID,
		WorkspaceID:    req.WorkspaceID,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		Decision:       req.Decision,
		Since:          req.Since,
		Until:          req.Until,
		Limit:          req.Limit,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	if recs == nil {
		recs = []types.EvaluationRecord{}
	}
	return &ListEvaluationsResponse{Evaluations: recs}, nil
}
