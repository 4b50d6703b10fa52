package planner

import (
	"context"

	"github.com/jeeves-cluster-organization/deskpilot/coreengine/action"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/approval"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/supervisor"
)

// =============================================================================
// Collaborators
// =============================================================================

// Observation is one environment snapshot.
type Observation struct {
	Image    []byte
	Metadata map[string]any
}

// Observer captures the screen.
type Observer interface {
	CaptureScreen(ctx context.Context) (Observation, error)
}

// VisionPlanner proposes the next action as raw JSON-shaped data.
type VisionPlanner interface {
	PlanVisionStep(ctx context.Context, goal string, obs Observation, history []string) (map[string]any, error)
}

// BlockingDetector reports a transient UI condition (a modal, a spinner)
// that should be waited out rather than planned against.
type BlockingDetector interface {
	DetectBlocking(obs Observation) (reason string, blocked bool)
}

// ActionRunner executes a normalized action. It may append to the
// session's history.
type ActionRunner interface {
	Execute(ctx context.Context, a action.Action, session *Session) error
}

// Supervisor reviews a proposed step.
type Supervisor interface {
	Consult(ctx context.Context, goal string, plan action.Action, history []string) (supervisor.Decision, error)
}

// PolicyChecker is the policy engine.
type PolicyChecker interface {
	Check(a action.Action, cwd string) error
}

// ApprovalGate is the approval gate.
type ApprovalGate interface {
	Evaluate(ctx context.Context, actionText string, plan approval.Plan) (approval.Decision, error)
	OpenRequest(sessionID, actionText string, plan approval.Plan, d approval.Decision) approval.Request
}

// Logger is the structured logger used by the controller.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}
