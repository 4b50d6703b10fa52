package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/deskpilot/coreengine/action"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/approval"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/kernel"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/planner"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/policy"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/tools"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/typeutil"
)

// Logger is the structured logger used by the server.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// DefaultSessionID tags approval requests opened through the control
// service when the caller gives no session.
const DefaultSessionID = "control"

// ControlServer implements ControlService over a kernel.
// Thread-safe: delegates to kernel services which handle synchronization.
type ControlServer struct {
	logger       Logger
	kernel       *kernel.Kernel
	shellTimeout time.Duration
	events       planner.EventSink
}

var _ ControlService = (*ControlServer)(nil)

// NewControlServer creates a control server. shellTimeout bounds ExecShell;
// zero means 60s.
func NewControlServer(logger Logger, k *kernel.Kernel, shellTimeout time.Duration) *ControlServer {
	if shellTimeout <= 0 {
		shellTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &ControlServer{logger: logger, kernel: k, shellTimeout: shellTimeout}
}

// WithEvents publishes an event for each ExecShell outcome to sink.
func (s *ControlServer) WithEvents(sink planner.EventSink) *ControlServer {
	s.events = sink
	return s
}

func (s *ControlServer) emit(session, text, st, reason string) {
	if s.events == nil {
		return
	}
	s.events.TrySend(planner.Event{
		RunID:  session,
		Action: text,
		Status: st,
		Reason: reason,
		TS:     time.Now().UTC(),
	})
}

// =============================================================================
// Approvals
// =============================================================================

func approvalArgs(req *structpb.Struct) (string, approval.Plan, error) {
	f := req.AsMap()
	text := typeutil.FirstString(f, "action", "action_text")
	if err := validateRequired(strings.TrimSpace(text), "action"); err != nil {
		return "", approval.Plan{}, err
	}
	return text, approval.Plan{
		Intent:      typeutil.SafeStringDefault(f["intent"], ""),
		Description: typeutil.SafeStringDefault(f["description"], ""),
	}, nil
}

func sessionOf(req *structpb.Struct) string {
	if s := typeutil.FirstString(req.AsMap(), "session_id"); s != "" {
		return s
	}
	return DefaultSessionID
}

// PreviewApproval evaluates without consuming allow_once grants.
func (s *ControlServer) PreviewApproval(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	text, plan, err := approvalArgs(req)
	if err != nil {
		return nil, err
	}
	d, err := s.kernel.Approvals().Preview(ctx, text, plan)
	if err != nil {
		return nil, toStatus("preview approval", err)
	}
	return respond(map[string]any{"decision": d})
}

// EvaluateApproval evaluates and consumes a grant. A pending result opens
// an approval request, returned as "request".
func (s *ControlServer) EvaluateApproval(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	text, plan, err := approvalArgs(req)
	if err != nil {
		return nil, err
	}
	gate := s.kernel.Approvals()
	d, err := gate.Evaluate(ctx, text, plan)
	if err != nil {
		return nil, toStatus("evaluate approval", err)
	}
	out := map[string]any{"decision": d}
	if d.Status == approval.StatusPending {
		out["request"] = gate.OpenRequest(sessionOf(req), text, plan, d)
	}
	return respond(out)
}

// RegisterDecision records a grant for an action.
func (s *ControlServer) RegisterDecision(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	text, plan, err := approvalArgs(req)
	if err != nil {
		return nil, err
	}
	p, err := approval.ParsePolicy(typeutil.SafeStringDefault(req.AsMap()["policy"], ""))
	if err != nil {
		return nil, status400(err)
	}
	gate := s.kernel.Approvals()
	if err := gate.RegisterDecision(ctx, p, text, plan); err != nil {
		return nil, toStatus("register decision", err)
	}
	s.logger.Info("approval_decision_registered", "key", approval.Key(text, plan), "policy", string(p))
	return respond(map[string]any{
		"key":              approval.Key(text, plan),
		"policy":           p,
		"allow_once_count": gate.AllowOnceCount(text, plan),
	})
}

// ClearDecision removes every grant for an action.
func (s *ControlServer) ClearDecision(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	text, plan, err := approvalArgs(req)
	if err != nil {
		return nil, err
	}
	if err := s.kernel.Approvals().Clear(ctx, text, plan); err != nil {
		return nil, toStatus("clear decision", err)
	}
	return respond(map[string]any{"key": approval.Key(text, plan), "cleared": true})
}

// ListPending lists open approval requests. An empty session_id lists all.
func (s *ControlServer) ListPending(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	session := typeutil.FirstString(req.AsMap(), "session_id")
	requests := s.kernel.Approvals().ListPending(session)
	if requests == nil {
		requests = []approval.Request{}
	}
	return respond(map[string]any{"requests": requests})
}

// ResolvePending closes a request with a policy.
func (s *ControlServer) ResolvePending(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.AsMap()
	id := typeutil.FirstString(f, "request_id", "id")
	if err := validateRequired(id, "request_id"); err != nil {
		return nil, err
	}
	p, err := approval.ParsePolicy(typeutil.SafeStringDefault(f["policy"], ""))
	if err != nil {
		return nil, status400(err)
	}
	r, err := s.kernel.Approvals().Resolve(ctx, id, p)
	if err != nil {
		return nil, toStatus("resolve approval", err)
	}
	return respond(map[string]any{"request": r})
}

// =============================================================================
// Policy
// =============================================================================

// CheckPolicy runs the policy engine on an action proposal.
func (s *ControlServer) CheckPolicy(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.AsMap()
	a, err := action.Normalize(f)
	if err != nil {
		return nil, toStatus("check policy", err)
	}
	cwd := typeutil.SafeStringDefault(f["cwd"], "")

	engine := s.kernel.Policy()
	out := map[string]any{
		"action":  action.ToMap(a),
		"tier":    engine.Classify(a).String(),
		"allowed": true,
	}
	var rejection *policy.RejectionError
	if err := engine.Check(a, cwd); errors.As(err, &rejection) {
		out["allowed"] = false
		out["stage"] = rejection.Stage
		out["reason"] = rejection.Reason
		out["critical"] = errors.Is(err, policy.ErrCriticalAction)
	} else if err != nil {
		return nil, toStatus("check policy", err)
	}
	return respond(out)
}

// SetWriteLock engages or releases the write lock.
func (s *ControlServer) SetWriteLock(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	locked, ok := typeutil.SafeBool(req.AsMap()["locked"])
	if !ok {
		return nil, InvalidArgument("locked")
	}
	engine := s.kernel.Policy()
	if locked {
		engine.Lock()
	} else {
		engine.Unlock()
	}
	return respond(map[string]any{"locked": engine.Locked()})
}

// =============================================================================
// Execution
// =============================================================================

// ExecShell authorizes a shell command (policy, then approval) and runs it
// on the shell lane. A command that needs approval is not run; the opened
// request is returned with status "pending".
func (s *ControlServer) ExecShell(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.AsMap()
	cmd := action.Shell{
		Meta: action.Meta{
			Desc:   typeutil.SafeStringDefault(f["description"], ""),
			Intent: typeutil.SafeStringDefault(f["intent"], ""),
		},
		Command: typeutil.SafeStringDefault(f["command"], ""),
		Cwd:     typeutil.SafeStringDefault(f["cwd"], ""),
	}
	if err := validateRequired(strings.TrimSpace(cmd.Command), "command"); err != nil {
		return nil, err
	}

	text := action.Format(cmd)
	session := sessionOf(req)
	if err := s.kernel.Policy().Check(cmd, cmd.Cwd); err != nil {
		s.logger.Warn("exec_shell_rejected", "command", cmd.Command, "error", err.Error())
		s.emit(session, text, planner.StatusPolicyDenied, err.Error())
		return nil, toStatus("exec shell", err)
	}

	plan := approval.Plan{Intent: action.IntentOf(cmd), Description: cmd.Desc}
	gate := s.kernel.Approvals()
	d, err := gate.Evaluate(ctx, text, plan)
	if err != nil {
		return nil, toStatus("exec shell", err)
	}
	switch d.Status {
	case approval.StatusDenied:
		s.emit(session, text, planner.StatusApprovalDenied, d.Message)
		return nil, PermissionDenied("exec shell", d.Message)
	case approval.StatusPending:
		r := gate.OpenRequest(session, text, plan, d)
		s.emit(session, text, planner.StatusApprovalPending, d.Message)
		return respond(map[string]any{"status": "pending", "decision": d, "request": r})
	}

	out, runErr := s.kernel.Exec(ctx, kernel.LaneShell, func(ctx context.Context) (string, error) {
		return tools.RunShell(ctx, cmd.Command, cmd.Cwd, s.shellTimeout)
	})
	if errors.Is(runErr, kernel.ErrQueueClosed) || errors.Is(runErr, kernel.ErrDroppedBeforeCompletion) ||
		errors.Is(runErr, context.Canceled) {
		return nil, toStatus("exec shell", runErr)
	}
	resp := map[string]any{"status": planner.StatusExecuted, "output": out, "decision": d}
	if runErr != nil {
		resp["status"] = planner.StatusFailed
		resp["error"] = runErr.Error()
		s.emit(session, text, planner.StatusFailed, runErr.Error())
	} else {
		s.emit(session, text, planner.StatusExecuted, "")
	}
	s.logger.Debug("exec_shell_completed", "command", cmd.Command, "status", resp["status"])
	return respond(resp)
}

// LaneStats returns a snapshot of every lane.
func (s *ControlServer) LaneStats(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	stats := s.kernel.Queue().Stats()
	if stats == nil {
		stats = []kernel.LaneStats{}
	}
	return respond(map[string]any{"lanes": stats})
}

// Status returns the kernel's system status.
func (s *ControlServer) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return respond(s.kernel.GetSystemStatus())
}

// =============================================================================
// Encoding
// =============================================================================

// respond converts v to a Struct through its JSON form, so json tags on
// core types define the wire field names.
func respond(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, Internal("encode response", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, Internal("encode response", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, Internal("encode response", err)
	}
	return out, nil
}

func status400(err error) error {
	return status.Error(codes.InvalidArgument, err.Error())
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
