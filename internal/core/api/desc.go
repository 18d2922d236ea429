package api

import (
	"context"

	"google.golang.org/grpc"

	"github.com/zephix/governance/internal/governance"
	"github.com/zephix/governance/internal/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "governance.v1.GovernanceAPI"

// GovernanceAPIServer is the server API for the governance service.
type GovernanceAPIServer interface {
	Evaluate(context.Context, *governance.Request) (*governance.Decision, error)
	CreateRuleSet(context.Context, *types.RuleSet) (*types.RuleSet, error)
	SetEnforcementMode(context.Context, *SetEnforcementModeRequest) (*types.RuleSet, error)
	DeactivateRuleSet(context.Context, *DeactivateRuleSetRequest) (*types.RuleSet, error)
	PublishRule(context.Context, *governance.PublishRequest) (*governance.PublishResult, error)
	ActivateVersion(context.Context, *governance.ActivateRequest) (*types.ActivePointer, error)
	ListEvaluations(context.Context, *ListEvaluationsRequest) (*ListEvaluationsResponse, error)
}

// ServiceDesc describes GovernanceAPI for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GovernanceAPIServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Evaluate", GovernanceAPIServer.Evaluate),
		unary("CreateRuleSet", GovernanceAPIServer.CreateRuleSet),
		unary("SetEnforcementMode", GovernanceAPIServer.SetEnforcementMode),
		unary("DeactivateRuleSet", GovernanceAPIServer.DeactivateRuleSet),
		unary("PublishRule", GovernanceAPIServer.PublishRule),
		unary("ActivateVersion", GovernanceAPIServer.ActivateVersion),
		unary("ListEvaluations", GovernanceAPIServer.ListEvaluations),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "governance/v1/governance.json",
}

// RegisterGovernanceAPIServer registers srv with s.
func RegisterGovernanceAPIServer(s grpc.ServiceRegistrar, srv GovernanceAPIServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// unary builds the method descriptor for one request/response call.
func unary[Req, Resp any](method string, call func(GovernanceAPIServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(GovernanceAPIServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(GovernanceAPIServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Client calls GovernanceAPI over conn using the JSON codec.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.CallContentSubtype(CodecName))
}

// Evaluate calls GovernanceAPI.Evaluate.
func (c *Client) Evaluate(ctx context.Context, in *governance.Request) (*governance.Decision, error) {
	out := new(governance.Decision)
	if err := c.invoke(ctx, "Evaluate", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateRuleSet calls GovernanceAPI.CreateRuleSet.
func (c *Client) CreateRuleSet(ctx context.Context, in *types.RuleSet) (*types.RuleSet, error) {
	out := new(types.RuleSet)
	if err := c.invoke(ctx, "CreateRuleSet", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// PublishRule calls GovernanceAPI.PublishRule.
func (c *Client) PublishRule(ctx context.Context, in *governance.PublishRequest) (*governance.PublishResult, error) {
	out := new(governance.PublishResult)
	if err := c.invoke(ctx, "PublishRule", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ActivateVersion calls GovernanceAPI.ActivateVersion.
func (c *Client) ActivateVersion(ctx context.Context, in *governance.ActivateRequest) (*types.ActivePointer, error) {
	out := new(types.ActivePointer)
	if err := c.invoke(ctx, "ActivateVersion", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListEvaluations calls GovernanceAPI.ListEvaluations.
func (c *Client) ListEvaluations(ctx context.Context, in *ListEvaluationsRequest) (*ListEvaluationsResponse, error) {
	out := new(ListEvaluationsResponse)
	if err := c.invoke(ctx, "ListEvaluations", in, out); err != nil {
		return nil, err
	}
	return out, nil
}
