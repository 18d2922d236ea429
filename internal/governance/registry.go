package governance

import (
	"context"

	"github.com/zephix/governance/internal/cache"
	"github.com/zephix/governance/internal/store"
	"github.com/zephix/governance/internal/types"
)

// Registry finds the rule sets that apply to an entity.
type Registry struct {
	cache *cache.RuleSetCache
}

// NewRegistry creates a registry. A nil cache disables caching.
func NewRegistry(c *cache.RuleSetCache) *Registry {
	if c == nil {
		c = cache.New(&cache.Config{Enabled: false})
	}
	return &Registry{cache: c}
}

// Applicable returns the active rule sets for entityType in scope order:
// WORKSPACE sets of workspaceID, then ORG sets of orgID, then SYSTEM sets.
// An empty result is valid and means nothing is enforced.
func (g *Registry) Applicable(ctx context.Context, r store.Reader, entityType, orgID, workspaceID string) ([]types.RuleSet, error) {
	var out []types.RuleSet

	if workspaceID != "" {
		sets, err := g.lookup(ctx, r, cache.Key{Scope: types.ScopeWorkspace, ScopeID: workspaceID, EntityType: entityType})
		if err != nil {
			return nil, err
		}
		for _, rs := range sets {
			// A workspace id from another organization never matches.
			if orgID != "" && rs.OrganizationID != nil && *rs.OrganizationID != orgID {
				continue
			}
			out = append(out, rs)
		}
	}

	if orgID != "" {
		sets, err := g.lookup(ctx, r, cache.Key{Scope: types.ScopeOrg, ScopeID: orgID, EntityType: entityType})
		if err != nil {
			return nil, err
		}
		out = append(out, sets...)
	}

	sets, err := g.lookup(ctx, r, cache.Key{Scope: types.ScopeSystem, EntityType: entityType})
	if err != nil {
		return nil, err
	}
	return append(out, sets...), nil
}

func (g *Registry) lookup(ctx context.Context, r store.Reader, key cache.Key) ([]types.RuleSet, error) {
	return g.cache.Get(ctx, key, func(ctx context.Context) ([]types.RuleSet, error) {
		return r.ActiveRuleSets(ctx, key.Scope, key.ScopeID, key.EntityType)
	})
}
