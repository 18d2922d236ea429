// Package seed bootstraps rule sets and rules from a YAML file.
//
// Seeding is idempotent: a rule set matching an existing one by scope
// target, entity type and name is reused, and a rule whose definition equals
// its active version is left alone. Changed definitions are published as a
// new active version.
package seed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/zephix/governance/internal/governance"
	"github.com/zephix/governance/internal/store"
	"github.com/zephix/governance/internal/types"
)

// File is the seed document.
type File struct {
	RuleSets []RuleSet `yaml:"rule_sets"`
}

// RuleSet is one seeded rule set with its rules.
type RuleSet struct {
	Name            string                `yaml:"name"`
	Description     string                `yaml:"description"`
	Scope           types.Scope           `yaml:"scope"`
	OrganizationID  string                `yaml:"organization_id"`
	WorkspaceID     string                `yaml:"workspace_id"`
	EntityType      string                `yaml:"entity_type"`
	EnforcementMode types.EnforcementMode `yaml:"enforcement_mode"`
	Rules           []Rule                `yaml:"rules"`
}

// Rule is one seeded rule. Definition is either a YAML mapping or a string
// holding the JSON document.
type Rule struct {
	Code       string    `yaml:"code"`
	Definition yaml.Node `yaml:"definition"`
}

// Summary counts what Apply changed.
type Summary struct {
	RuleSetsCreated int
	RuleSetsReused  int
	RulesPublished  int
	RulesUnchanged  int
}

// Load parses a seed document.
func Load(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &f, nil
		}
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return &f, nil
}

// DefinitionJSON returns the rule definition as compact JSON.
func (r *Rule) DefinitionJSON() (json.RawMessage, error) {
	switch r.Definition.Kind {
	case yaml.ScalarNode:
		var buf bytes.Buffer
		if err := json.Compact(&buf, []byte(r.Definition.Value)); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", types.ErrInvalidDefinition, r.Code, err)
		}
		return buf.Bytes(), nil
	case yaml.MappingNode:
		var doc map[string]any
		if err := r.Definition.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", types.ErrInvalidDefinition, r.Code, err)
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", types.ErrInvalidDefinition, r.Code, err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("%w: %s: definition must be a mapping or a JSON string", types.ErrInvalidDefinition, r.Code)
	}
}

// Seeder applies seed files.
type Seeder struct {
	store  store.Admin
	admin  *governance.Admin
	logger *slog.Logger
}

// NewSeeder creates a seeder reading from st and writing through admin.
func NewSeeder(st store.Admin, admin *governance.Admin) *Seeder {
	return &Seeder{
		store:  st,
		admin:  admin,
		logger: slog.Default().With("component", "seed"),
	}
}

// Apply creates missing rule sets and publishes changed rules.
func (s *Seeder) Apply(ctx context.Context, f *File, author string) (Summary, error) {
	var sum Summary

	existing, err := s.store.ListRuleSets(ctx)
	if err != nil {
		return sum, fmt.Errorf("list rule sets: %w", err)
	}

	for i := range f.RuleSets {
		entry := &f.RuleSets[i]

		rs := findRuleSet(existing, entry)
		if rs != nil {
			sum.RuleSetsReused++
			if entry.EnforcementMode != "" && entry.EnforcementMode != rs.EnforcementMode {
				if rs, err = s.admin.SetEnforcementMode(ctx, rs.ID, entry.EnforcementMode); err != nil {
					return sum, fmt.Errorf("rule set %q: %w", entry.Name, err)
				}
			}
		} else {
			rs, err = s.admin.CreateRuleSet(ctx, entry.toRuleSet(author))
			if err != nil {
				return sum, fmt.Errorf("rule set %q: %w", entry.Name, err)
			}
			sum.RuleSetsCreated++
		}

		for j := range entry.Rules {
			changed, err := s.applyRule(ctx, rs, &entry.Rules[j], author)
			if err != nil {
				return sum, fmt.Errorf("rule set %q: %w", entry.Name, err)
			}
			if changed {
				sum.RulesPublished++
			} else {
				sum.RulesUnchanged++
			}
		}
	}

	s.logger.Info("seed applied",
		"rule_sets_created", sum.RuleSetsCreated,
		"rule_sets_reused", sum.RuleSetsReused,
		"rules_published", sum.RulesPublished,
		"rules_unchanged", sum.RulesUnchanged,
	)
	return sum, nil
}

func (s *Seeder) applyRule(ctx context.Context, rs *types.RuleSet, rule *Rule, author string) (bool, error) {
	def, err := rule.DefinitionJSON()
	if err != nil {
		return false, err
	}

	ptr, err := s.store.GetPointer(ctx, rs.ID, rule.Code)
	switch {
	case errors.Is(err, types.ErrRuleNotConfigured):
	case err != nil:
		return false, fmt.Errorf("rule %s: %w", rule.Code, err)
	default:
		active, err := s.store.GetRule(ctx, ptr.RuleID)
		if err != nil {
			return false, fmt.Errorf("rule %s: %w", rule.Code, err)
		}
		if sameJSON(active.Definition, def) {
			return false, nil
		}
	}

	_, err = s.admin.PublishRule(ctx, governance.PublishRequest{
		RuleSetID:  rs.ID,
		Code:       rule.Code,
		Definition: def,
		CreatedBy:  author,
		Activate:   true,
	})
	if err != nil {
		return false, fmt.Errorf("rule %s: %w", rule.Code, err)
	}
	return true, nil
}

func (r *RuleSet) toRuleSet(author string) *types.RuleSet {
	rs := &types.RuleSet{
		Scope:           r.Scope,
		EntityType:      r.EntityType,
		Name:            r.Name,
		Description:     r.Description,
		EnforcementMode: r.EnforcementMode,
		CreatedBy:       author,
	}
	if r.OrganizationID != "" {
		rs.OrganizationID = &r.OrganizationID
	}
	if r.WorkspaceID != "" {
		rs.WorkspaceID = &r.WorkspaceID
	}
	return rs
}

func findRuleSet(sets []types.RuleSet, entry *RuleSet) *types.RuleSet {
	want := entry.toRuleSet("")
	for i := range sets {
		rs := &sets[i]
		if rs.IsActive && rs.Scope == want.Scope && rs.ScopeID() == want.ScopeID() &&
			rs.EntityType == want.EntityType && rs.Name == want.Name {
			return rs
		}
	}
	return nil
}

// sameJSON compares two documents ignoring whitespace and key order.
func sameJSON(a, b json.RawMessage) bool {
	var x, y any
	if json.Unmarshal(a, &x) != nil || json.Unmarshal(b, &y) != nil {
		return false
	}
	ca, _ := json.Marshal(x)
	cb, _ := json.Marshal(y)
	return bytes.Equal(ca, cb)
}
