// Package governance evaluates proposed entity transitions against the
// active governance rules and records every decision.
//
// One Evaluate call:
//
//  1. Hashes the snapshot (canonical JSON, sha256)
//  2. Inside one read snapshot: finds applicable rule sets, pins the active
//     version of each rule code and evaluates it
//  3. Reduces each set's verdicts under its enforcement mode, then takes
//     the most restrictive decision across sets
//  4. Records one evaluation record; recording never fails the call
//
// The read path holds no mutable state besides the rule set cache and the
// compiled-rule memo, so Evaluate is safe for concurrent use.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zephix/governance/internal/audit"
	"github.com/zephix/governance/internal/core/metrics"
	"github.com/zephix/governance/internal/rules"
	"github.com/zephix/governance/internal/store"
	"github.com/zephix/governance/internal/types"
)

// TracerName is the instrumentation scope of evaluation spans.
const TracerName = "github.com/zephix/governance/internal/governance"

// Request describes one proposed transition.
type Request struct {
	OrganizationID string         `json:"organization_id"`
	WorkspaceID    string         `json:"workspace_id,omitempty"`
	EntityType     string         `json:"entity_type"`
	EntityID       string         `json:"entity_id"`
	TransitionType string         `json:"transition_type"`
	FromValue      string         `json:"from_value,omitempty"`
	ToValue        string         `json:"to_value,omitempty"`
	Actor          types.Actor    `json:"actor"`
	Snapshot       types.Snapshot `json:"snapshot"`
	RequestID      string         `json:"request_id,omitempty"`

	// RuleCodes limits evaluation to these codes. Empty evaluates every
	// active rule of every applicable set.
	RuleCodes []string `json:"rule_codes,omitempty"`
}

// Validate checks the fields every evaluation needs.
func (r *Request) Validate() error {
	switch {
	case r.EntityType == "":
		return fmt.Errorf("%w: entity type is required", types.ErrInvalidRequest)
	case r.EntityID == "":
		return fmt.Errorf("%w: entity id is required", types.ErrInvalidRequest)
	case r.TransitionType == "":
		return fmt.Errorf("%w: transition type is required", types.ErrInvalidRequest)
	case r.WorkspaceID != "" && r.OrganizationID == "":
		return fmt.Errorf("%w: workspace requires an organization", types.ErrInvalidRequest)
	case len(r.Snapshot) > types.MaxSnapshotFields:
		return fmt.Errorf("%w: %w: %d > %d", types.ErrInvalidRequest, types.ErrSnapshotTooLarge,
			len(r.Snapshot), types.MaxSnapshotFields)
	}
	return nil
}

// Decision is the result handed back to the caller.
type Decision struct {
	Outcome      types.Outcome      `json:"outcome"`
	Reasons      []types.Reason     `json:"reasons"`
	RuleSetID    types.RuleSetID    `json:"rule_set_id,omitempty"`
	EvaluatedAt  time.Time          `json:"evaluated_at"`
	InputHash    string             `json:"input_hash"`
	EvaluationID types.EvaluationID `json:"evaluation_id"`
}

// setResult is one rule set's contribution to a decision.
type setResult struct {
	set      types.RuleSet
	verdicts []rules.Verdict
	outcome  types.Outcome
}

// Option configures an Engine.
type Option func(*Engine)

// WithRegistry shares a registry, and so its cache, with Admin.
func WithRegistry(registry *Registry) Option {
	return func(e *Engine) { e.registry = registry }
}

// WithMetrics records evaluation metrics in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithTracer overrides the global tracer provider's tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the evaluate() facade.
type Engine struct {
	store    store.Store
	registry *Registry
	resolver *Resolver
	recorder *audit.Recorder
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates an engine reading from st and recording through rec.
func NewEngine(st store.Store, rec *audit.Recorder, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		resolver: NewResolver(),
		recorder: rec,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = NewRegistry(nil)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(TracerName)
	}
	e.logger = e.logger.With("component", "governance.engine")
	return e
}

// Evaluate decides whether the transition in req may proceed.
//
// Errors are returned only for malformed requests and store read failures.
// Rule problems (missing inputs, bad definitions, unconfigured codes) become
// reasons; audit failures go to the recorder's side channel.
func (e *Engine) Evaluate(ctx context.Context, req Request) (Decision, error) {
	start := e.now()

	ctx, span := e.tracer.Start(ctx, "governance.Evaluate", trace.WithAttributes(
		attribute.String("governance.entity_type", req.EntityType),
		attribute.String("governance.transition_type", req.TransitionType),
		attribute.String("governance.request_id", req.RequestID),
	))
	defer span.End()

	if err := req.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Decision{}, err
	}

	hash, canonical, err := audit.HashSnapshot(req.Snapshot)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Decision{}, err
	}

	var results []setResult
	var unconfigured []string
	err = e.store.View(ctx, func(r store.Reader) error {
		var err error
		results, unconfigured, err = e.evaluateSets(ctx, r, &req)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("evaluation read failed",
			"request_id", req.RequestID,
			"entity_type", req.EntityType,
			"entity_id", req.EntityID,
			"error", err,
		)
		return Decision{}, fmt.Errorf("evaluate: %w", err)
	}

	decision := Decision{
		Outcome:     types.OutcomeAllow,
		Reasons:     []types.Reason{},
		EvaluatedAt: e.now().UTC(),
		InputHash:   hash,
	}

	outcomes := make([]types.Outcome, 0, len(results))
	for _, res := range results {
		outcomes = append(outcomes, res.outcome)
		for _, v := range res.verdicts {
			decision.Reasons = append(decision.Reasons, v.Reason())
			e.metrics.ObserveVerdict(v.Outcome)
		}
	}
	for _, code := range unconfigured {
		v := rules.NotConfigured("", code)
		decision.Reasons = append(decision.Reasons, v.Reason())
		e.metrics.ObserveVerdict(v.Outcome)
	}
	decision.Outcome = Combine(outcomes...)

	rec := &types.EvaluationRecord{
		OrganizationID: req.OrganizationID,
		WorkspaceID:    req.WorkspaceID,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		TransitionType: req.TransitionType,
		FromValue:      req.FromValue,
		ToValue:        req.ToValue,
		Decision:       decision.Outcome,
		Reasons:        decision.Reasons,
		InputHash:      hash,
		InputSnapshot:  canonical,
		Actor:          req.Actor,
		RequestID:      req.RequestID,
		CreatedAt:      decision.EvaluatedAt,
	}
	if d := decisive(results, decision.Outcome); d != nil {
		decision.RuleSetID = d.set.ID
		rec.RuleSetID = d.set.ID
		rec.EnforcementMode = d.set.EnforcementMode
		if v := consulted(d.verdicts); v != nil {
			rec.RuleID = v.RuleID
			rec.RuleVersion = v.Version
		}
	}

	if e.recorder != nil {
		e.recorder.Record(ctx, rec)
	}
	decision.EvaluationID = rec.ID

	elapsed := e.now().Sub(start)
	e.metrics.ObserveEvaluation(decision.Outcome, elapsed)
	span.SetAttributes(
		attribute.String("governance.decision", string(decision.Outcome)),
		attribute.String("governance.rule_set_id", string(decision.RuleSetID)),
		attribute.Int("governance.reasons", len(decision.Reasons)),
	)

	e.logger.Debug("evaluation completed",
		"request_id", req.RequestID,
		"entity_type", req.EntityType,
		"entity_id", req.EntityID,
		"decision", decision.Outcome,
		"rule_sets", len(results),
		"duration_ms", elapsed.Milliseconds(),
	)
	return decision, nil
}

// evaluateSets runs every applicable set against req inside one snapshot.
// It returns the per-set results and the requested codes that no
// applicable set configures.
func (e *Engine) evaluateSets(ctx context.Context, r store.Reader, req *Request) ([]setResult, []string, error) {
	sets, err := e.registry.Applicable(ctx, r, req.EntityType, req.OrganizationID, req.WorkspaceID)
	if err != nil {
		return nil, nil, fmt.Errorf("applicable rule sets: %w", err)
	}

	found := make(map[string]bool, len(req.RuleCodes))
	results := make([]setResult, 0, len(sets))
	for i := range sets {
		set := &sets[i]

		active, err := e.activeRules(ctx, r, set, req.RuleCodes)
		if err != nil {
			return nil, nil, err
		}
		if len(active) == 0 {
			continue
		}

		verdicts := make([]rules.Verdict, 0, len(active))
		for j := range active {
			found[active[j].Code] = true
			verdicts = append(verdicts, e.evaluateRule(&active[j], req.Snapshot))
		}
		results = append(results, setResult{
			set:      *set,
			verdicts: verdicts,
			outcome:  Decide(set.EnforcementMode, verdicts),
		})
	}

	var unconfigured []string
	seen := make(map[string]bool, len(req.RuleCodes))
	for _, code := range req.RuleCodes {
		if !found[code] && !seen[code] {
			unconfigured = append(unconfigured, code)
		}
		seen[code] = true
	}
	return results, unconfigured, nil
}

// activeRules returns the rules to evaluate in set: every active rule, or
// only the requested codes that the set configures.
func (e *Engine) activeRules(ctx context.Context, r store.Reader, set *types.RuleSet, want []string) ([]types.Rule, error) {
	if len(want) == 0 {
		active, err := e.resolver.ActiveRules(ctx, r, set)
		if err != nil {
			return nil, fmt.Errorf("active rules of %s: %w", set.ID, err)
		}
		return active, nil
	}

	active := make([]types.Rule, 0, len(want))
	seen := make(map[string]bool, len(want))
	for _, code := range want {
		if seen[code] {
			continue
		}
		seen[code] = true

		rule, err := e.resolver.Resolve(ctx, r, set, code)
		if errors.Is(err, types.ErrRuleNotConfigured) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve %s in %s: %w", code, set.ID, err)
		}
		active = append(active, *rule)
	}
	return active, nil
}

// evaluateRule compiles and evaluates one rule. A definition that no longer
// compiles fails closed.
func (e *Engine) evaluateRule(rule *types.Rule, snapshot types.Snapshot) rules.Verdict {
	compiled, err := e.resolver.Compile(rule)
	if err != nil {
		e.logger.Warn("active rule does not compile",
			"rule_id", rule.ID,
			"code", rule.Code,
			"version", rule.Version,
			"error", err,
		)
		return rules.Verdict{
			RuleID:    rule.ID,
			RuleSetID: rule.RuleSetID,
			Code:      rule.Code,
			Version:   rule.Version,
			Outcome:   types.VerdictFail,
			Message:   "evaluation error: " + err.Error(),
			Err:       err,
		}
	}
	return rules.Evaluate(compiled, snapshot)
}

// decisive picks the set the final outcome is attributed to: the first set,
// in scope order, whose own decision equals the outcome.
func decisive(results []setResult, outcome types.Outcome) *setResult {
	for i := range results {
		if results[i].outcome == outcome {
			return &results[i]
		}
	}
	return nil
}

// consulted picks the rule recorded on the audit row: the first failing
// rule, else the first evaluated one.
func consulted(verdicts []rules.Verdict) *rules.Verdict {
	for i := range verdicts {
		if verdicts[i].Outcome == types.VerdictFail {
			return &verdicts[i]
		}
	}
	if len(verdicts) > 0 {
		return &verdicts[0]
	}
	return nil
}
