package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zephix/governance/internal/types"
)

// MemoryStore implements Store in process memory.
// Values are copied on the way in and out so callers cannot mutate state.
type MemoryStore struct {
	mu          sync.RWMutex
	ruleSets    map[types.RuleSetID]types.RuleSet
	rules       map[types.RuleID]types.Rule
	pointers    map[pointerKey]types.ActivePointer
	evaluations []types.EvaluationRecord
	now         func() time.Time
}

type pointerKey struct {
	ruleSetID types.RuleSetID
	code      string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ruleSets: make(map[types.RuleSetID]types.RuleSet),
		rules:    make(map[types.RuleID]types.Rule),
		pointers: make(map[pointerKey]types.ActivePointer),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Close() error { return nil }

// View holds the read lock for the duration of fn.
func (m *MemoryStore) View(ctx context.Context, fn func(Reader) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(memView{m})
}

func (m *MemoryStore) ActiveRuleSets(ctx context.Context, scope types.Scope, scopeID, entityType string) ([]types.RuleSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memView{m}.ActiveRuleSets(ctx, scope, scopeID, entityType)
}

func (m *MemoryStore) ResolveActiveRule(ctx context.Context, ruleSetID types.RuleSetID, code string) (*types.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memView{m}.ResolveActiveRule(ctx, ruleSetID, code)
}

func (m *MemoryStore) ActiveRules(ctx context.Context, ruleSetID types.RuleSetID) ([]types.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memView{m}.ActiveRules(ctx, ruleSetID)
}

// memView reads without locking; callers hold m.mu.
type memView struct {
	m *MemoryStore
}

func (v memView) ActiveRuleSets(_ context.Context, scope types.Scope, scopeID, entityType string) ([]types.RuleSet, error) {
	var sets []types.RuleSet
	for _, rs := range v.m.ruleSets {
		if rs.IsActive && rs.Scope == scope && rs.EntityType == entityType && rs.ScopeID() == scopeID {
			sets = append(sets, copyRuleSet(rs))
		}
	}
	sort.Slice(sets, func(i, j int) bool {
		if !sets[i].CreatedAt.Equal(sets[j].CreatedAt) {
			return sets[i].CreatedAt.Before(sets[j].CreatedAt)
		}
		return sets[i].ID < sets[j].ID
	})
	return sets, nil
}

func (v memView) ResolveActiveRule(_ context.Context, ruleSetID types.RuleSetID, code string) (*types.Rule, error) {
	rs, ok := v.m.ruleSets[ruleSetID]
	p, found := v.m.pointers[pointerKey{ruleSetID, code}]
	if !ok || !rs.IsActive || !found {
		return nil, fmt.Errorf("%w: %s", types.ErrRuleNotConfigured, code)
	}
	rule := copyRule(v.m.rules[p.RuleID])
	return &rule, nil
}

func (v memView) ActiveRules(_ context.Context, ruleSetID types.RuleSetID) ([]types.Rule, error) {
	rs, ok := v.m.ruleSets[ruleSetID]
	if !ok || !rs.IsActive {
		return nil, nil
	}
	var out []types.Rule
	for key, p := range v.m.pointers {
		if key.ruleSetID == ruleSetID {
			out = append(out, copyRule(v.m.rules[p.RuleID]))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *MemoryStore) CreateRuleSet(_ context.Context, rs *types.RuleSet) error {
	if err := rs.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rs.ID == "" {
		rs.ID = types.NewRuleSetID()
	}
	if _, exists := m.ruleSets[rs.ID]; exists {
		return fmt.Errorf("insert rule set: duplicate id %s", rs.ID)
	}
	now := m.now()
	rs.CreatedAt, rs.UpdatedAt = now, now
	m.ruleSets[rs.ID] = copyRuleSet(*rs)
	return nil
}

func (m *MemoryStore) GetRuleSet(_ context.Context, id types.RuleSetID) (*types.RuleSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rs, ok := m.ruleSets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrRuleSetNotFound, id)
	}
	out := copyRuleSet(rs)
	return &out, nil
}

func (m *MemoryStore) ListRuleSets(_ context.Context) ([]types.RuleSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sets := make([]types.RuleSet, 0, len(m.ruleSets))
	for _, rs := range m.ruleSets {
		sets = append(sets, copyRuleSet(rs))
	}
	sort.Slice(sets, func(i, j int) bool {
		if !sets[i].CreatedAt.Equal(sets[j].CreatedAt) {
			return sets[i].CreatedAt.Before(sets[j].CreatedAt)
		}
		return sets[i].ID < sets[j].ID
	})
	return sets, nil
}

func (m *MemoryStore) SetEnforcementMode(_ context.Context, id types.RuleSetID, mode types.EnforcementMode) (*types.RuleSet, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: unknown enforcement mode %q", types.ErrInvalidRuleSet, mode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rs, err := m.activeRuleSet(id)
	if err != nil {
		return nil, err
	}
	rs.EnforcementMode = mode
	rs.UpdatedAt = m.now()
	m.ruleSets[id] = rs
	out := copyRuleSet(rs)
	return &out, nil
}

func (m *MemoryStore) DeactivateRuleSet(_ context.Context, id types.RuleSetID) (*types.RuleSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, err := m.activeRuleSet(id)
	if err != nil {
		return nil, err
	}
	rs.IsActive = false
	rs.UpdatedAt = m.now()
	m.ruleSets[id] = rs
	out := copyRuleSet(rs)
	return &out, nil
}

func (m *MemoryStore) activeRuleSet(id types.RuleSetID) (types.RuleSet, error) {
	rs, ok := m.ruleSets[id]
	if !ok {
		return types.RuleSet{}, fmt.Errorf("%w: %s", types.ErrRuleSetNotFound, id)
	}
	if !rs.IsActive {
		return types.RuleSet{}, fmt.Errorf("%w: %s", types.ErrRuleSetInactive, id)
	}
	return rs, nil
}

func (m *MemoryStore) InsertRule(_ context.Context, rule *types.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.activeRuleSet(rule.RuleSetID); err != nil {
		return err
	}

	latest := 0
	for _, r := range m.rules {
		if r.RuleSetID == rule.RuleSetID && r.Code == rule.Code && r.Version > latest {
			latest = r.Version
		}
	}

	if rule.ID == "" {
		rule.ID = types.NewRuleID()
	}
	if _, exists := m.rules[rule.ID]; exists {
		return fmt.Errorf("insert rule: duplicate id %s", rule.ID)
	}
	rule.Version = latest + 1
	rule.CreatedAt = m.now()
	m.rules[rule.ID] = copyRule(*rule)
	return nil
}

func (m *MemoryStore) GetRule(_ context.Context, id types.RuleID) (*types.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrRuleNotFound, id)
	}
	out := copyRule(r)
	return &out, nil
}

func (m *MemoryStore) ListRuleVersions(_ context.Context, ruleSetID types.RuleSetID, code string) ([]types.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.Rule
	for _, r := range m.rules {
		if r.RuleSetID == ruleSetID && r.Code == code {
			out = append(out, copyRule(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *MemoryStore) GetPointer(_ context.Context, ruleSetID types.RuleSetID, code string) (*types.ActivePointer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pointers[pointerKey{ruleSetID, code}]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrRuleNotConfigured, code)
	}
	return &p, nil
}

func (m *MemoryStore) pointerTarget(ruleSetID types.RuleSetID, code string, ruleID types.RuleID) (types.Rule, error) {
	if _, err := m.activeRuleSet(ruleSetID); err != nil {
		return types.Rule{}, err
	}
	rule, ok := m.rules[ruleID]
	if !ok {
		return types.Rule{}, fmt.Errorf("%w: %s", types.ErrRuleNotFound, ruleID)
	}
	if rule.RuleSetID != ruleSetID || rule.Code != code {
		return types.Rule{}, fmt.Errorf("%w: %s is %s/%s, pointer is %s/%s",
			types.ErrPointerMismatch, ruleID, rule.RuleSetID, rule.Code, ruleSetID, code)
	}
	return rule, nil
}

func (m *MemoryStore) CreatePointer(_ context.Context, ruleSetID types.RuleSetID, code string, ruleID types.RuleID, updatedBy string) (*types.ActivePointer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, err := m.pointerTarget(ruleSetID, code, ruleID)
	if err != nil {
		return nil, err
	}
	key := pointerKey{ruleSetID, code}
	if _, exists := m.pointers[key]; exists {
		return nil, fmt.Errorf("%w: pointer for %s already exists", types.ErrConcurrentPointerConflict, code)
	}
	p := types.ActivePointer{
		RuleSetID: ruleSetID,
		Code:      code,
		RuleID:    rule.ID,
		Version:   rule.Version,
		UpdatedBy: updatedBy,
		UpdatedAt: m.now(),
	}
	m.pointers[key] = p
	return &p, nil
}

func (m *MemoryStore) SwapPointer(_ context.Context, ruleSetID types.RuleSetID, code string, expected, next types.RuleID, updatedBy string) (*types.ActivePointer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, err := m.pointerTarget(ruleSetID, code, next)
	if err != nil {
		return nil, err
	}
	key := pointerKey{ruleSetID, code}
	current, ok := m.pointers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrRuleNotConfigured, code)
	}
	if current.RuleID != expected {
		return nil, fmt.Errorf("%w: %s no longer points at %s", types.ErrConcurrentPointerConflict, code, expected)
	}
	p := types.ActivePointer{
		RuleSetID: ruleSetID,
		Code:      code,
		RuleID:    rule.ID,
		Version:   rule.Version,
		UpdatedBy: updatedBy,
		UpdatedAt: m.now(),
	}
	m.pointers[key] = p
	return &p, nil
}

func (m *MemoryStore) AppendEvaluation(_ context.Context, rec *types.EvaluationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ID == "" {
		rec.ID = types.NewEvaluationID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now()
	}
	m.evaluations = append(m.evaluations, copyRecord(*rec))
	return nil
}

func (m *MemoryStore) ListEvaluations(_ context.Context, filter types.EvaluationFilter) ([]types.EvaluationRecord, error) {
	f := normalizeFilter(filter)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.EvaluationRecord
	for _, rec := range m.evaluations {
		if matches(f, rec) {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(f types.EvaluationFilter, rec types.EvaluationRecord) bool {
	switch {
	case f.OrganizationID != "" && rec.OrganizationID != f.OrganizationID:
		return false
	case f.WorkspaceID != "" && rec.WorkspaceID != f.WorkspaceID:
		return false
	case f.EntityType != "" && rec.EntityType != f.EntityType:
		return false
	case f.EntityID != "" && rec.EntityID != f.EntityID:
		return false
	case f.Decision != "" && rec.Decision != f.Decision:
		return false
	case rec.CreatedAt.Before(f.Since) || !rec.CreatedAt.Before(f.Until):
		return false
	}
	return true
}

func copyRuleSet(rs types.RuleSet) types.RuleSet {
	if rs.OrganizationID != nil {
		org := *rs.OrganizationID
		rs.OrganizationID = &org
	}
	if rs.WorkspaceID != nil {
		ws := *rs.WorkspaceID
		rs.WorkspaceID = &ws
	}
	return rs
}

func copyRule(r types.Rule) types.Rule {
	r.Definition = append(json.RawMessage(nil), r.Definition...)
	return r
}

func copyRecord(rec types.EvaluationRecord) types.EvaluationRecord {
	rec.Reasons = append([]types.Reason(nil), rec.Reasons...)
	if rec.InputSnapshot != nil {
		rec.InputSnapshot = append(json.RawMessage(nil), rec.InputSnapshot...)
	}
	return rec
}
