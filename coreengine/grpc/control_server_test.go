package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/deskpilot/coreengine/approval"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/kernel"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/planner"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/testutil"
)

func newTestServer(t *testing.T) (*ControlServer, *kernel.Kernel) {
	t.Helper()
	cfg := kernel.DefaultConfig()
	cfg.Policy.WriteLock = false
	k := kernel.NewKernel(nil, cfg, approval.NewMemoryStore(), nil)
	t.Cleanup(func() { _ = k.Shutdown(context.Background()) })
	return NewControlServer(&TestLogger{}, k, 10*time.Second), k
}

func req(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func field(t *testing.T, s *structpb.Struct, path ...string) any {
	t.Helper()
	var cur any = s.AsMap()
	for _, p := range path {
		m, ok := cur.(map[string]any)
		require.True(t, ok, "no object at %q", p)
		cur = m[p]
	}
	return cur
}

// =============================================================================
// APPROVALS
// =============================================================================

func TestApprovalLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	order := map[string]any{"action": "Place order", "intent": "checkout", "session_id": "run-7"}

	resp, err := s.PreviewApproval(ctx, req(t, order))
	require.NoError(t, err)
	assert.Equal(t, "pending", field(t, resp, "decision", "status"))
	assert.Equal(t, "high", field(t, resp, "decision", "risk_level"))

	resp, err = s.EvaluateApproval(ctx, req(t, order))
	require.NoError(t, err)
	id, _ := field(t, resp, "request", "id").(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "run-7", field(t, resp, "request", "session_id"))

	list, err := s.ListPending(ctx, req(t, map[string]any{}))
	require.NoError(t, err)
	assert.Len(t, field(t, list, "requests"), 1)

	resp, err = s.ResolvePending(ctx, req(t, map[string]any{"request_id": id, "policy": "allow_once"}))
	require.NoError(t, err)
	assert.Equal(t, "resolved", field(t, resp, "request", "status"))

	_, err = s.ResolvePending(ctx, req(t, map[string]any{"request_id": id, "policy": "allow_once"}))
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	resp, err = s.EvaluateApproval(ctx, req(t, order))
	require.NoError(t, err)
	assert.Equal(t, "approved", field(t, resp, "decision", "status"))
	assert.Equal(t, "allow_once", field(t, resp, "decision", "policy"))
	assert.Nil(t, field(t, resp, "request"))

	resp, err = s.EvaluateApproval(ctx, req(t, order))
	require.NoError(t, err)
	assert.Equal(t, "pending", field(t, resp, "decision", "status"), "allow_once is consumed")
}

func TestRegisterAndClearDecision(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	args := map[string]any{"action": "Submit form", "intent": "form_fill"}

	resp, err := s.RegisterDecision(ctx, req(t, map[string]any{"action": "Submit form", "intent": "form_fill", "policy": "deny_always"}))
	require.NoError(t, err)
	assert.Equal(t, "form_fill::submit form", field(t, resp, "key"))

	resp, err = s.EvaluateApproval(ctx, req(t, args))
	require.NoError(t, err)
	assert.Equal(t, "denied", field(t, resp, "decision", "status"))

	_, err = s.ClearDecision(ctx, req(t, args))
	require.NoError(t, err)
	resp, err = s.PreviewApproval(ctx, req(t, args))
	require.NoError(t, err)
	assert.Equal(t, "pending", field(t, resp, "decision", "status"))
}

func TestApprovalArgumentErrors(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	_, err := s.EvaluateApproval(ctx, req(t, map[string]any{"intent": "x"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = s.RegisterDecision(ctx, req(t, map[string]any{"action": "a", "policy": "sometimes"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = s.ResolvePending(ctx, req(t, map[string]any{"policy": "allow_once"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = s.ResolvePending(ctx, req(t, map[string]any{"request_id": "apr_missing", "policy": "allow_once"}))
	assert.Equal(t, codes.NotFound, status.Code(err))
}

// =============================================================================
// POLICY
// =============================================================================

func TestCheckPolicy(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	resp, err := s.CheckPolicy(ctx, req(t, map[string]any{
		"action": map[string]any{"action_type": "shell", "structured_data": map[string]any{"command": "rm -rf /"}},
	}))
	require.NoError(t, err)
	assert.Equal(t, false, field(t, resp, "allowed"))
	assert.Equal(t, true, field(t, resp, "critical"))
	assert.Equal(t, "critical", field(t, resp, "tier"))

	resp, err = s.CheckPolicy(ctx, req(t, map[string]any{"action_type": "screenshot"}))
	require.NoError(t, err)
	assert.Equal(t, true, field(t, resp, "allowed"))
	assert.Equal(t, "safe", field(t, resp, "tier"))

	_, err = s.CheckPolicy(ctx, req(t, map[string]any{"action_type": "teleport"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestSetWriteLock(t *testing.T) {
	s, k := newTestServer(t)
	ctx := context.Background()

	_, err := s.SetWriteLock(ctx, req(t, map[string]any{}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	resp, err := s.SetWriteLock(ctx, req(t, map[string]any{"locked": true}))
	require.NoError(t, err)
	assert.Equal(t, true, field(t, resp, "locked"))
	assert.True(t, k.Policy().Locked())

	resp, err = s.CheckPolicy(ctx, req(t, map[string]any{"action_type": "click", "x": 1, "y": 2}))
	require.NoError(t, err)
	assert.Equal(t, false, field(t, resp, "allowed"))
	assert.Equal(t, "write_lock", field(t, resp, "stage"))
}

// =============================================================================
// EXECUTION
// =============================================================================

func TestExecShell(t *testing.T) {
	s, k := newTestServer(t)
	ctx := context.Background()

	resp, err := s.ExecShell(ctx, req(t, map[string]any{"command": "echo hi", "cwd": t.TempDir()}))
	require.NoError(t, err)
	assert.Equal(t, "executed", field(t, resp, "status"))
	assert.Equal(t, "hi\n", field(t, resp, "output"))

	resp, err = s.ExecShell(ctx, req(t, map[string]any{"command": "exit 2"}))
	require.NoError(t, err)
	assert.Equal(t, "failed", field(t, resp, "status"))
	assert.Contains(t, field(t, resp, "error"), "status 2")

	stats, err := s.LaneStats(ctx, req(t, map[string]any{}))
	require.NoError(t, err)
	lanes := field(t, stats, "lanes").([]any)
	require.Len(t, lanes, 1)
	assert.Equal(t, kernel.LaneShell, lanes[0].(map[string]any)["lane"])

	for _, cmd := range []string{"rm -rf /", `bash -c "sudo rm -rf /"`, "env rm -rf /"} {
		_, err = s.ExecShell(ctx, req(t, map[string]any{"command": cmd}))
		assert.Equal(t, codes.PermissionDenied, status.Code(err), cmd)
	}

	k.Policy().Lock()
	_, err = s.ExecShell(ctx, req(t, map[string]any{"command": "echo locked"}))
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestExecShellNeedsApproval(t *testing.T) {
	s, k := newTestServer(t)
	ctx := context.Background()

	resp, err := s.ExecShell(ctx, req(t, map[string]any{"command": "echo purchase"}))
	require.NoError(t, err)
	assert.Equal(t, "pending", field(t, resp, "status"))
	assert.Nil(t, field(t, resp, "output"), "nothing runs until approved")
	assert.Len(t, k.Approvals().ListPending(DefaultSessionID), 1)

	_, err = s.ExecShell(ctx, req(t, map[string]any{}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestExecShellEvents(t *testing.T) {
	s, _ := newTestServer(t)
	sink := &testutil.MockEventSink{}
	s.WithEvents(sink)
	ctx := context.Background()

	_, err := s.ExecShell(ctx, req(t, map[string]any{"command": "echo ok", "session_id": "run-1"}))
	require.NoError(t, err)
	_, err = s.ExecShell(ctx, req(t, map[string]any{"command": "exit 1", "session_id": "run-1"}))
	require.NoError(t, err)
	_, err = s.ExecShell(ctx, req(t, map[string]any{"command": "echo purchase", "session_id": "run-1"}))
	require.NoError(t, err)
	_, err = s.ExecShell(ctx, req(t, map[string]any{"command": "rm -rf /", "session_id": "run-1"}))
	require.Error(t, err)

	assert.Equal(t, []string{
		planner.StatusExecuted,
		planner.StatusFailed,
		planner.StatusApprovalPending,
		planner.StatusPolicyDenied,
	}, sink.Statuses())
	for _, ev := range sink.Events {
		assert.Equal(t, "run-1", ev.RunID)
		assert.NotEmpty(t, ev.Action)
	}
}

func TestStatus(t *testing.T) {
	s, _ := newTestServer(t)
	resp, err := s.Status(context.Background(), req(t, map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, false, field(t, resp, "policy", "write_lock"))
	assert.NotNil(t, field(t, resp, "uptime_seconds"))
}

// =============================================================================
// END TO END
// =============================================================================

func TestControlServiceOverGRPC(t *testing.T) {
	control, _ := newTestServer(t)
	logger := &TestLogger{}
	srv := NewGracefulServer(control, logger, "bufnet")

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	conn, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	client := NewClient(conn)

	out, err := client.Call(ctx, MethodPreviewApproval, map[string]any{"action": "Open settings"})
	require.NoError(t, err)
	assert.Equal(t, "approved", out["decision"].(map[string]any)["status"])

	_, err = client.Call(ctx, MethodCheckPolicy, map[string]any{"action_type": "nope"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	out, err = client.Call(ctx, MethodSetWriteLock, map[string]any{"locked": true})
	require.NoError(t, err)
	assert.Equal(t, true, out["locked"])

	require.NoError(t, conn.Close())
	cancel()
	require.NoError(t, <-done)
}
