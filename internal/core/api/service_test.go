package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/zephix/governance/internal/audit"
	"github.com/zephix/governance/internal/cache"
	"github.com/zephix/governance/internal/governance"
	"github.com/zephix/governance/internal/store"
	"github.com/zephix/governance/internal/types"
)

const maxWip = `{
	"condition": {"op": "lte", "left": {"field": "currentWipCount"}, "right": {"field": "wipLimit"}},
	"message": "WIP limit exceeded: {currentWipCount} > {wipLimit}"
}`

func newService(t *testing.T) (*GovernanceService, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	c := cache.New(cache.DefaultConfig())
	rec := audit.NewRecorder(st, audit.DefaultConfig())
	t.Cleanup(func() { rec.Close() })

	engine := governance.NewEngine(st, rec, governance.WithRegistry(governance.NewRegistry(c)))
	svc, err := NewGovernanceService(engine, governance.NewAdmin(st, c), st)
	require.NoError(t, err)
	return svc, st
}

// dial serves svc on an in-memory listener and returns a client.
func dial(t *testing.T, svc GovernanceAPIServer) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterGovernanceAPIServer(srv, svc)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func strptr(s string) *string { return &s }

func TestGovernanceAPI_EndToEnd(t *testing.T) {
	svc, _ := newService(t)
	client := dial(t, svc)
	ctx := context.Background()

	rs, err := client.CreateRuleSet(ctx, &types.RuleSet{
		Scope:           types.ScopeWorkspace,
		OrganizationID:  strptr("org-1"),
		WorkspaceID:     strptr("ws-1"),
		EntityType:      "task",
		Name:            "delivery rules",
		EnforcementMode: types.ModeBlock,
	})
	require.NoError(t, err)
	require.NotEmpty(t, rs.ID)

	pub, err := client.PublishRule(ctx, &governance.PublishRequest{
		RuleSetID:  rs.ID,
		Code:       "MAX_WIP",
		Definition: json.RawMessage(maxWip),
	})
	require.NoError(t, err)
	require.Equal(t, 1, pub.Rule.Version)

	req := &governance.Request{
		OrganizationID: "org-1",
		WorkspaceID:    "ws-1",
		EntityType:     "task",
		EntityID:       "task-1",
		TransitionType: "STATUS_CHANGE",
		Snapshot:       types.Snapshot{"currentWipCount": 4, "wipLimit": 3},
		RequestID:      "req-1",
	}
	d, err := client.Evaluate(ctx, req)
	require.NoError(t, err)
	require.Equal(t, types.OutcomeBlock, d.Outcome)
	require.Equal(t, "WIP limit exceeded: 4 > 3", d.Reasons[0].Message)
	require.Equal(t, rs.ID, d.RuleSetID)

	list, err := client.ListEvaluations(ctx, &ListEvaluationsRequest{Decision: types.OutcomeBlock})
	require.NoError(t, err)
	require.Len(t, list.Evaluations, 1)
	require.Equal(t, d.EvaluationID, list.Evaluations[0].ID)
}

func TestGovernanceAPI_StatusCodes(t *testing.T) {
	svc, _ := newService(t)
	client := dial(t, svc)
	ctx := context.Background()

	_, err := client.Evaluate(ctx, &governance.Request{EntityType: "task"})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.PublishRule(ctx, &governance.PublishRequest{
		RuleSetID:  types.NewRuleSetID(),
		Code:       "MAX_WIP",
		Definition: json.RawMessage(maxWip),
	})
	require.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.PublishRule(ctx, &governance.PublishRequest{
		RuleSetID:  types.NewRuleSetID(),
		Code:       "MAX_WIP",
		Definition: json.RawMessage(`{"condition": {"field": ""}}`),
	})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.ListEvaluations(ctx, &ListEvaluationsRequest{Decision: "MAYBE"})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGovernanceAPI_ActivateConflictIsAborted(t *testing.T) {
	svc, _ := newService(t)
	client := dial(t, svc)
	ctx := context.Background()

	rs, err := client.CreateRuleSet(ctx, &types.RuleSet{
		Scope:          types.ScopeOrg,
		OrganizationID: strptr("org-1"),
		EntityType:     "task",
		Name:           "org rules",
	})
	require.NoError(t, err)
	v1, err := client.PublishRule(ctx, &governance.PublishRequest{RuleSetID: rs.ID, Code: "MAX_WIP", Definition: json.RawMessage(maxWip)})
	require.NoError(t, err)
	_, err = client.PublishRule(ctx, &governance.PublishRequest{RuleSetID: rs.ID, Code: "MAX_WIP", Definition: json.RawMessage(maxWip), Activate: true})
	require.NoError(t, err)

	_, err = client.ActivateVersion(ctx, &governance.ActivateRequest{
		RuleSetID:      rs.ID,
		Code:           "MAX_WIP",
		Version:        1,
		ExpectedRuleID: v1.Rule.ID,
	})
	require.Equal(t, codes.Aborted, status.Code(err))
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{fmt.Errorf("evaluate: %w", types.ErrInvalidRequest), codes.InvalidArgument},
		{types.ErrExpressionTooDeep, codes.InvalidArgument},
		{fmt.Errorf("x: %w", types.ErrRuleSetNotFound), codes.NotFound},
		{fmt.Errorf("x: %w", types.ErrConcurrentPointerConflict), codes.Aborted},
		{types.ErrVersionConflict, codes.Aborted},
		{types.ErrRuleSetInactive, codes.FailedPrecondition},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("connection reset"), codes.Unavailable},
		{status.Error(codes.PermissionDenied, "no"), codes.PermissionDenied},
	}
	for _, tt := range tests {
		if got := status.Code(toStatus(tt.err)); got != tt.want {
			t.Errorf("toStatus(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
	if toStatus(nil) != nil {
		t.Error("toStatus(nil) != nil")
	}
}

func TestNewGovernanceService_NilDependencies(t *testing.T) {
	if _, err := NewGovernanceService(nil, nil, nil); err == nil {
		t.Error("expected error for nil engine")
	}
}
