// Package planner runs the agent's step loop:
//
//	observe -> plan -> validate -> supervise -> loop-check -> authorize -> execute
//
// One Run owns one Session; steps never overlap. Runs may execute
// concurrently against the same Controller, sharing its collaborators
// (policy engine, approval gate, command queue) but nothing else.
package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jeeves-cluster-organization/deskpilot/coreengine/action"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/approval"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/loopdetect"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/observability"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/policy"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/retry"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/supervisor"
)

// Step statuses reported in events and metrics.
const (
	StatusExecuted        = "executed"
	StatusFailed          = "failed"
	StatusBlocked         = "blocked"
	StatusSchemaError     = "schema_error"
	StatusPlanRejected    = "plan_rejected"
	StatusPolicyDenied    = "policy_denied"
	StatusApprovalDenied  = "approval_denied"
	StatusApprovalPending = "approval_pending"
	StatusLoopOverride    = "loop_override"
	StatusEscalated       = "escalated"
	StatusError           = "error"
)

// Deps are the controller's collaborators. Blocking, Events and Logger are
// optional.
type Deps struct {
	Observer   Observer
	Planner    VisionPlanner
	Blocking   BlockingDetector
	Runner     ActionRunner
	Supervisor Supervisor
	Policy     PolicyChecker
	Approval   ApprovalGate
	Events     EventSink
	Logger     Logger
}

// Config tunes the controller.
type Config struct {
	MaxSteps int
	// Cwd is the working directory handed to the policy engine.
	Cwd   string
	Retry retry.Config
}

// DefaultConfig returns a 25-step budget and the default retry policy.
func DefaultConfig() Config {
	return Config{MaxSteps: 25, Retry: retry.DefaultConfig()}
}

// Controller drives runs.
type Controller struct {
	deps Deps
	cfg  Config
}

// New validates deps and creates a Controller.
func New(deps Deps, cfg Config) (*Controller, error) {
	switch {
	case deps.Observer == nil:
		return nil, errors.New("planner: observer is required")
	case deps.Planner == nil:
		return nil, errors.New("planner: vision planner is required")
	case deps.Runner == nil:
		return nil, errors.New("planner: action runner is required")
	case deps.Supervisor == nil:
		return nil, errors.New("planner: supervisor is required")
	case deps.Policy == nil:
		return nil, errors.New("planner: policy checker is required")
	case deps.Approval == nil:
		return nil, errors.New("planner: approval gate is required")
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultConfig().MaxSteps
	}
	if cfg.Retry.Logger == nil && deps.Logger != nil {
		cfg.Retry.Logger = deps.Logger
	}
	return &Controller{deps: deps, cfg: cfg}, nil
}

// Run drives goal for at most maxSteps iterations (the configured budget
// when maxSteps <= 0) and reports how the run ended.
func (c *Controller) Run(ctx context.Context, goal string, maxSteps int) Outcome {
	if maxSteps <= 0 {
		maxSteps = c.cfg.MaxSteps
	}
	s := newSession(uuid.NewString(), goal, c.cfg.Cwd)
	start := time.Now()

	ctx, span := observability.StartSpan(ctx, "planner.run",
		attribute.String("run_id", s.RunID),
		attribute.Int("max_steps", maxSteps),
	)
	c.log().Info("planner_run_started", "run_id", s.RunID, "goal", goal, "max_steps", maxSteps)

	out := c.loop(ctx, s, maxSteps)
	out.RunID = s.RunID
	out.Steps = s.Steps
	out.History = s.History()

	elapsed := int(time.Since(start).Milliseconds())
	observability.RecordPlannerRun(string(out.Kind), elapsed)
	span.SetAttributes(attribute.String("outcome", string(out.Kind)))
	observability.EndSpan(span, out.Err)

	c.log().Info("planner_run_finished",
		"run_id", s.RunID,
		"outcome", string(out.Kind),
		"reason", out.Reason,
		"steps", out.Steps,
		"failures", s.TotalFailures,
		"duration_ms", elapsed,
	)
	return out
}

func (c *Controller) loop(ctx context.Context, s *Session, maxSteps int) Outcome {
	for step := 1; step <= maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Kind: OutcomeError, Reason: "run cancelled", Err: err}
		}
		if out, done := c.step(ctx, s, step); done {
			return out
		}
	}
	return Outcome{
		Kind:   OutcomeBudgetExhausted,
		Reason: fmt.Sprintf("step budget of %d exhausted", maxSteps),
	}
}

// =============================================================================
// Step
// =============================================================================

// step runs one iteration. done reports whether the run is over.
func (c *Controller) step(ctx context.Context, s *Session, step int) (out Outcome, done bool) {
	ctx, span := observability.StartSpan(ctx, "planner.step",
		attribute.String("run_id", s.RunID),
		attribute.Int("step", step),
	)
	defer func() { observability.EndSpan(span, out.Err) }()

	obs, err := c.deps.Observer.CaptureScreen(ctx)
	if err != nil {
		s.Append(entry(EntryError, "screen capture failed: "+err.Error()))
		c.emit(s, step, "", "", StatusError, err.Error())
		return Outcome{Kind: OutcomeError, Reason: "screen capture failed", Err: err}, true
	}

	key := PlanKey(s.Goal, obs)
	attempt := s.visit(key)
	span.SetAttributes(attribute.String("plan_key", key), attribute.Int("attempt", attempt))

	if c.deps.Blocking != nil {
		if reason, blocked := c.deps.Blocking.DetectBlocking(obs); blocked {
			s.Append(entry(EntryBlocked, reason))
			c.emit(s, step, key, "", StatusBlocked, reason)
			return Outcome{}, false
		}
	}

	history := s.History()
	request := history
	if attempt > 1 || s.failing() {
		rc := RetryContext(attempt, key, s.lastActionAt(key), LastFailure(history))
		request = append(history[:len(history):len(history)], rc)
	}

	raw, err := retry.Do(ctx, c.cfg.Retry, "plan_vision_step", func(ctx context.Context) (map[string]any, error) {
		t0 := time.Now()
		r, err := c.deps.Planner.PlanVisionStep(ctx, s.Goal, obs, request)
		observability.RecordLLMCall("planner", callStatus(err), int(time.Since(t0).Milliseconds()))
		return r, err
	})
	if err != nil {
		s.Append(entry(EntryError, "planner call failed: "+err.Error()))
		c.emit(s, step, key, "", StatusError, err.Error())
		return Outcome{Kind: OutcomeError, Reason: "planner call failed", Err: err}, true
	}

	a, err := action.Normalize(raw)
	if err != nil {
		s.Append(entry(EntrySchemaError, err.Error()))
		s.fail()
		c.emit(s, step, key, "", StatusSchemaError, err.Error())
		return Outcome{}, false
	}
	formatted := action.Format(a)

	verdict, err := retry.Do(ctx, c.cfg.Retry, "supervisor_consult", func(ctx context.Context) (supervisor.Decision, error) {
		d, err := c.deps.Supervisor.Consult(ctx, s.Goal, a, history)
		if supervisor.IsMalformed(err) {
			return d, retry.Permanent(err)
		}
		return d, err
	})
	if err != nil {
		s.Append(entry(EntryError, "supervisor call failed: "+err.Error()))
		c.emit(s, step, key, formatted, StatusError, err.Error())
		return Outcome{Kind: OutcomeError, Reason: "supervisor call failed", Err: err}, true
	}
	switch verdict.Action {
	case supervisor.VerdictReview:
		s.Append(entry(EntryPlanRejected, formatted+": "+verdict.Reason))
		s.fail()
		c.emit(s, step, key, formatted, StatusPlanRejected, verdict.Reason)
		return Outcome{}, false
	case supervisor.VerdictEscalate:
		s.Append(entry(EntryEscalated, "supervisor: "+verdict.Reason))
		c.emit(s, step, key, formatted, StatusEscalated, verdict.Reason)
		return Outcome{Kind: OutcomeEscalated, Reason: "supervisor escalated: " + verdict.Reason}, true
	}

	// Loop override runs after supervision as the last word on execution.
	if loopdetect.Detect(s.Actions(), formatted) {
		return c.overrideLoop(ctx, s, step, key, formatted), true
	}
	s.recordAction(key, formatted)

	if out, done, ok := c.authorize(ctx, s, step, key, a, formatted); !ok {
		return out, done
	}

	if err := c.deps.Runner.Execute(ctx, a, s); err != nil {
		s.Append(entry(EntryFailed, formatted+": "+err.Error()))
		s.fail()
		c.log().Warn("planner_action_failed", "run_id", s.RunID, "step", step, "action", formatted, "error", err.Error())
		c.emit(s, step, key, formatted, StatusFailed, err.Error())
		return Outcome{}, false
	}
	s.Append(formatted)
	s.succeed()
	c.emit(s, step, key, formatted, StatusExecuted, "")

	if action.IsTerminal(a) {
		return Outcome{Kind: OutcomeCompleted, Reason: terminalReason(a)}, true
	}
	return Outcome{}, false
}

// authorize runs the policy engine then the approval gate. ok is false when
// the action must not run; out and done then say what the loop does next.
func (c *Controller) authorize(ctx context.Context, s *Session, step int, key string, a action.Action, formatted string) (out Outcome, done, ok bool) {
	if err := c.deps.Policy.Check(a, s.Cwd); err != nil {
		s.Append(entry(EntryPolicyDenied, formatted+": "+err.Error()))
		if errors.Is(err, policy.ErrCriticalAction) {
			c.emit(s, step, key, formatted, StatusEscalated, err.Error())
			return Outcome{Kind: OutcomeEscalated, Reason: err.Error(), Err: err}, true, false
		}
		s.fail()
		c.emit(s, step, key, formatted, StatusPolicyDenied, err.Error())
		return Outcome{}, false, false
	}

	plan := approval.Plan{Intent: action.IntentOf(a), Description: a.Description()}
	d, err := c.deps.Approval.Evaluate(ctx, formatted, plan)
	if err != nil {
		s.Append(entry(EntryError, "approval lookup failed: "+err.Error()))
		c.emit(s, step, key, formatted, StatusError, err.Error())
		return Outcome{Kind: OutcomeError, Reason: "approval lookup failed", Err: err}, true, false
	}

	switch d.Status {
	case approval.StatusDenied:
		s.Append(entry(EntryApprovalDenied, formatted+": "+d.Message))
		s.fail()
		c.emit(s, step, key, formatted, StatusApprovalDenied, d.Message)
		return Outcome{}, false, false
	case approval.StatusPending:
		req := c.deps.Approval.OpenRequest(s.RunID, formatted, plan, d)
		s.Append(entry(EntryApprovalPending, req.ID+": "+d.Message))
		c.emit(s, step, key, formatted, StatusApprovalPending, d.Message)
		return Outcome{Kind: OutcomeEscalated, Reason: d.Message, ApprovalRequestID: req.ID}, true, false
	}
	return Outcome{}, false, true
}

func (c *Controller) overrideLoop(ctx context.Context, s *Session, step int, key, formatted string) Outcome {
	report := action.Report{
		Meta:    action.Meta{Desc: "loop detected"},
		Message: fmt.Sprintf("stopped after repeated proposals of %s without progress", formatted),
	}
	s.Append(entry(EntryLoopOverride, formatted))
	c.log().Warn("planner_loop_override", "run_id", s.RunID, "step", step, "action", formatted)

	if err := c.deps.Runner.Execute(ctx, report, s); err != nil {
		s.Append(entry(EntryFailed, action.Format(report)+": "+err.Error()))
		c.log().Warn("planner_report_failed", "run_id", s.RunID, "error", err.Error())
	}
	c.emit(s, step, key, formatted, StatusLoopOverride, "loop detected")
	return Outcome{Kind: OutcomeEscalated, Reason: "loop detected"}
}

func (c *Controller) emit(s *Session, step int, key, act, status, reason string) {
	observability.RecordPlannerStep(status)
	c.log().Debug("planner_step_completed",
		"run_id", s.RunID,
		"step", step,
		"status", status,
		"action", act,
	)
	if c.deps.Events == nil {
		return
	}
	c.deps.Events.TrySend(Event{
		RunID:   s.RunID,
		Step:    step,
		PlanKey: key,
		Action:  act,
		Status:  status,
		Reason:  reason,
		TS:      time.Now().UTC(),
	})
}

func (c *Controller) log() Logger {
	if c.deps.Logger == nil {
		return nopLogger{}
	}
	return c.deps.Logger
}

func terminalReason(a action.Action) string {
	switch v := a.(type) {
	case action.Done:
		if v.Summary != "" {
			return v.Summary
		}
	case action.Report:
		if v.Message != "" {
			return v.Message
		}
	}
	if d := a.Description(); d != "" {
		return d
	}
	return "goal reported complete"
}

func callStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
