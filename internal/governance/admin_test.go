package governance

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zephix/governance/internal/cache"
	"github.com/zephix/governance/internal/store"
	"github.com/zephix/governance/internal/types"
)

type recordingInvalidator struct {
	keys []cache.Key
	err  error
}

func (r *recordingInvalidator) Publish(ctx context.Context, keys ...cache.Key) error {
	r.keys = append(r.keys, keys...)
	return r.err
}

func TestAdmin_CreateRuleSetDefaults(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		rs, err := h.admin.CreateRuleSet(context.Background(), &types.RuleSet{
			Scope:      types.ScopeSystem,
			EntityType: "project",
			Name:       "phase gates",
		})
		require.NoError(t, err)
		require.NotEmpty(t, rs.ID)
		require.True(t, rs.IsActive)
		require.Equal(t, types.ModeOff, rs.EnforcementMode)
	})
}

func TestAdmin_CreateRuleSetRejectsScopeMismatch(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore())

	tests := []*types.RuleSet{
		{Scope: types.ScopeSystem, OrganizationID: strptr("org-1"), EntityType: "task", Name: "x"},
		{Scope: types.ScopeOrg, EntityType: "task", Name: "x"},
		{Scope: types.ScopeWorkspace, OrganizationID: strptr("org-1"), EntityType: "task", Name: "x"},
		{Scope: "TEAM", EntityType: "task", Name: "x"},
		{Scope: types.ScopeSystem, EntityType: "task", Name: "x", EnforcementMode: "STRICT"},
	}
	for _, rs := range tests {
		_, err := h.admin.CreateRuleSet(context.Background(), rs)
		require.ErrorIs(t, err, types.ErrInvalidRuleSet)
	}
}

func TestAdmin_PublishRuleValidates(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		rs := h.ruleSet(t, types.ScopeOrg, types.ModeBlock)

		bad := []PublishRequest{
			{RuleSetID: rs.ID, Code: "", Definition: json.RawMessage(maxWipV1)},
			{RuleSetID: rs.ID, Code: strings.Repeat("X", types.MaxCodeLength+1), Definition: json.RawMessage(maxWipV1)},
			{RuleSetID: rs.ID, Code: "BAD", Definition: json.RawMessage(`{"condition": {"op": "like"}}`)},
			{RuleSetID: rs.ID, Code: "BAD", Definition: json.RawMessage(`{"condition": {"op": "add", "left": {"value": 1}, "right": {"value": 2}}}`)},
		}
		for _, req := range bad {
			_, err := h.admin.PublishRule(ctx, req)
			require.ErrorIs(t, err, types.ErrInvalidDefinition)
		}

		versions, err := h.store.ListRuleVersions(ctx, rs.ID, "BAD")
		require.NoError(t, err)
		require.Empty(t, versions)

		_, err = h.admin.PublishRule(ctx, PublishRequest{RuleSetID: types.NewRuleSetID(), Code: "MAX_WIP", Definition: json.RawMessage(maxWipV1)})
		require.ErrorIs(t, err, types.ErrRuleSetNotFound)
	})
}

func TestAdmin_PublishRuleIntoInactiveSet(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		rs := h.ruleSet(t, types.ScopeOrg, types.ModeBlock)
		_, err := h.admin.DeactivateRuleSet(ctx, rs.ID)
		require.NoError(t, err)

		_, err = h.admin.PublishRule(ctx, PublishRequest{RuleSetID: rs.ID, Code: "MAX_WIP", Definition: json.RawMessage(maxWipV1)})
		require.ErrorIs(t, err, types.ErrRuleSetInactive)
	})
}

func TestAdmin_PublishVersions(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		rs := h.ruleSet(t, types.ScopeOrg, types.ModeBlock)

		v1 := h.publish(t, rs.ID, "MAX_WIP", maxWipV1, false)
		require.Equal(t, 1, v1.Rule.Version)
		require.Equal(t, v1.Rule.ID, v1.Pointer.RuleID)

		v2 := h.publish(t, rs.ID, "MAX_WIP", maxWipV2, false)
		require.Equal(t, 2, v2.Rule.Version)
		require.Nil(t, v2.Pointer)

		v3 := h.publish(t, rs.ID, "MAX_WIP", maxWipV1, true)
		require.Equal(t, 3, v3.Rule.Version)
		require.Equal(t, 3, v3.Pointer.Version)

		ptr, err := h.store.GetPointer(ctx, rs.ID, "MAX_WIP")
		require.NoError(t, err)
		require.Equal(t, v3.Rule.ID, ptr.RuleID)
	})
}

func TestAdmin_ActivateVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		rs := h.ruleSet(t, types.ScopeOrg, types.ModeBlock)
		v1 := h.publish(t, rs.ID, "MAX_WIP", maxWipV1, false)
		v2 := h.publish(t, rs.ID, "MAX_WIP", maxWipV2, false)

		ptr, err := h.admin.ActivateVersion(ctx, ActivateRequest{
			RuleSetID: rs.ID, Code: "MAX_WIP", Version: 2, ExpectedRuleID: v1.Rule.ID,
		})
		require.NoError(t, err)
		require.Equal(t, v2.Rule.ID, ptr.RuleID)

		// A caller holding stale state loses.
		_, err = h.admin.ActivateVersion(ctx, ActivateRequest{
			RuleSetID: rs.ID, Code: "MAX_WIP", Version: 1, ExpectedRuleID: v1.Rule.ID,
		})
		require.ErrorIs(t, err, types.ErrConcurrentPointerConflict)

		// Rolling back with fresh state works.
		ptr, err = h.admin.ActivateVersion(ctx, ActivateRequest{RuleSetID: rs.ID, Code: "MAX_WIP", Version: 1})
		require.NoError(t, err)
		require.Equal(t, 1, ptr.Version)

		_, err = h.admin.ActivateVersion(ctx, ActivateRequest{RuleSetID: rs.ID, Code: "MAX_WIP", Version: 9})
		require.ErrorIs(t, err, types.ErrRuleNotFound)

		_, err = h.admin.ActivateVersion(ctx, ActivateRequest{RuleSetID: rs.ID, Code: "NOPE", Version: 1})
		require.ErrorIs(t, err, types.ErrRuleNotFound)
	})
}

func TestAdmin_SetEnforcementModeRejectsUnknown(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore())
	rs := h.ruleSet(t, types.ScopeOrg, types.ModeBlock)

	_, err := h.admin.SetEnforcementMode(context.Background(), rs.ID, "LOUD")
	require.ErrorIs(t, err, types.ErrInvalidRuleSet)

	_, err = h.admin.SetEnforcementMode(context.Background(), types.NewRuleSetID(), types.ModeWarn)
	require.ErrorIs(t, err, types.ErrRuleSetNotFound)
}

func TestAdmin_BroadcastsInvalidations(t *testing.T) {
	st := store.NewMemoryStore()
	inv := &recordingInvalidator{err: errors.New("redis down")}
	admin := NewAdmin(st, cache.New(cache.DefaultConfig()), WithInvalidator(inv))
	ctx := context.Background()

	rs, err := admin.CreateRuleSet(ctx, &types.RuleSet{
		Scope:          types.ScopeOrg,
		OrganizationID: strptr("org-1"),
		EntityType:     "task",
		Name:           "org rules",
	})
	require.NoError(t, err, "broadcast failures must not fail the write")

	_, err = admin.SetEnforcementMode(ctx, rs.ID, types.ModeWarn)
	require.NoError(t, err)

	want := cache.Key{Scope: types.ScopeOrg, ScopeID: "org-1", EntityType: "task"}
	require.Equal(t, []cache.Key{want, want}, inv.keys)
}
