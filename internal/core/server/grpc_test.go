package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/zephix/governance/internal/core/api"
	"github.com/zephix/governance/internal/core/config"
	"github.com/zephix/governance/internal/core/metrics"
	"github.com/zephix/governance/internal/governance"
	"github.com/zephix/governance/internal/types"
)

var (
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
	info    = &grpc.UnaryServerInfo{FullMethod: "/governance.v1.GovernanceAPI/Evaluate"}
)

func TestRecoveryInterceptor(t *testing.T) {
	_, err := RecoveryInterceptor(discard)(context.Background(), nil, info,
		func(ctx context.Context, req any) (any, error) {
			panic("boom")
		})
	if status.Code(err) != codes.Internal {
		t.Errorf("code = %v, want Internal", status.Code(err))
	}
}

func TestTimeoutInterceptor(t *testing.T) {
	_, err := TimeoutInterceptor(10*time.Millisecond)(context.Background(), nil, info,
		func(ctx context.Context, req any) (any, error) {
			deadline, ok := ctx.Deadline()
			if !ok || time.Until(deadline) > 10*time.Millisecond {
				return nil, errors.New("deadline not applied")
			}
			return nil, nil
		})
	if err != nil {
		t.Error(err)
	}
}

func TestLoggingInterceptorPassesThrough(t *testing.T) {
	want := status.Error(codes.NotFound, "missing")
	resp, err := LoggingInterceptor(discard)(context.Background(), "req", info,
		func(ctx context.Context, req any) (any, error) {
			return "resp", want
		})
	if resp != "resp" || err != want {
		t.Errorf("got (%v, %v), want (resp, %v)", resp, err, want)
	}
}

func TestNewGRPCServer_Validation(t *testing.T) {
	if _, err := NewGRPCServer(nil, nil, nil); err == nil {
		t.Error("expected error for nil cfg")
	}
	if _, err := NewGRPCServer(&config.DefaultGovernanceConfig().Server, nil, nil); err == nil {
		t.Error("expected error for nil service")
	}
}

func TestMetricsServer(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	m.AuditFailure()
	srv := NewMetricsServer(":0", m.Handler(), discard)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "governance_audit_failures_total") {
		t.Errorf("metrics output missing counter")
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rec.Code)
	}
}

// echoService answers Evaluate with the request entity id as the hash.
type echoService struct {
	api.GovernanceAPIServer
}

func (echoService) Evaluate(ctx context.Context, req *governance.Request) (*governance.Decision, error) {
	return &governance.Decision{Outcome: types.OutcomeAllow, InputHash: req.EntityID}, nil
}

// protoNamedJSON sends JSON bodies under the default "proto" subtype, as a
// client that does not negotiate the content subtype would.
type protoNamedJSON struct{}

func (protoNamedJSON) Marshal(v any) ([]byte, error)      { return api.Codec().Marshal(v) }
func (protoNamedJSON) Unmarshal(data []byte, v any) error { return api.Codec().Unmarshal(data, v) }
func (protoNamedJSON) Name() string                       { return "proto" }

func dialServer(t *testing.T) *grpc.ClientConn {
	t.Helper()
	srv, err := NewGRPCServer(&config.DefaultGovernanceConfig().Server, echoService{}, discard)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	go srv.Serve(lis)
	t.Cleanup(srv.server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPCServer_JSONWithoutSubtype(t *testing.T) {
	conn := dialServer(t)
	ctx := context.Background()

	in := &governance.Request{
		EntityType: "task",
		EntityID:   "task-7",
		Snapshot:   types.Snapshot{"budget": json.Number("12345678901234567890.01")},
	}
	out := new(governance.Decision)
	err := conn.Invoke(ctx, "/"+api.ServiceName+"/Evaluate", in, out, grpc.ForceCodec(protoNamedJSON{}))
	require.NoError(t, err)
	require.Equal(t, types.OutcomeAllow, out.Outcome)
	require.Equal(t, "task-7", out.InputHash)

	// The json subtype keeps working.
	out, err = api.NewClient(conn).Evaluate(ctx, in)
	require.NoError(t, err)
	require.Equal(t, "task-7", out.InputHash)
}

func TestGRPCServer_HealthCheckStaysProtobuf(t *testing.T) {
	conn := dialServer(t)

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(context.Background(),
		&grpc_health_v1.HealthCheckRequest{Service: api.ServiceName})
	require.NoError(t, err)
	require.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)
}
