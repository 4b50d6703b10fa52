package planner_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/deskpilot/coreengine/action"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/approval"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/planner"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/policy"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/retry"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/supervisor"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/testutil"
)

type harness struct {
	observer *testutil.MockObserver
	vision   *testutil.MockVisionPlanner
	super    *testutil.MockSupervisor
	runner   *testutil.MockActionRunner
	engine   *policy.Engine
	gate     *approval.Gate
	events   *testutil.MockEventSink
	logger   *testutil.MockLogger
	deps     planner.Deps
}

func newHarness(raw ...map[string]any) *harness {
	h := &harness{
		observer: testutil.NewMockObserver(),
		vision:   testutil.NewMockVisionPlanner(raw...),
		super:    testutil.NewMockSupervisor(),
		runner:   testutil.NewMockActionRunner(),
		engine:   policy.NewEngine(nil, policy.Config{WriteLock: false}, nil),
		events:   &testutil.MockEventSink{},
		logger:   testutil.NewMockLogger(),
	}
	h.gate, _ = testutil.NewApprovalGate()
	h.deps = planner.Deps{
		Observer:   h.observer,
		Planner:    h.vision,
		Runner:     h.runner,
		Supervisor: h.super,
		Policy:     h.engine,
		Approval:   h.gate,
		Events:     h.events,
		Logger:     h.logger,
	}
	return h
}

func (h *harness) run(t *testing.T, maxSteps int) planner.Outcome {
	t.Helper()
	cfg := planner.DefaultConfig()
	cfg.Retry = retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}
	c, err := planner.New(h.deps, cfg)
	require.NoError(t, err)
	return c.Run(context.Background(), "test goal", maxSteps)
}

func clickVisual(target string) map[string]any {
	return testutil.Raw("click_visual", "press "+target, map[string]any{"target": target})
}

func countPrefix(history []string, prefix string) int {
	n := 0
	for _, h := range history {
		if strings.HasPrefix(h, prefix) {
			n++
		}
	}
	return n
}

// =============================================================================
// Terminal conditions
// =============================================================================

func TestRunCompletesOnDone(t *testing.T) {
	h := newHarness(clickVisual("OK"), testutil.Raw("done", "", map[string]any{"summary": "dialog closed"}))
	out := h.run(t, 10)

	assert.Equal(t, planner.OutcomeCompleted, out.Kind)
	assert.Equal(t, "dialog closed", out.Reason)
	assert.Equal(t, 2, out.Steps)
	assert.NotEmpty(t, out.RunID)
	assert.Equal(t, []action.Kind{action.KindClickVisual, action.KindDone}, h.runner.Kinds())
	assert.Equal(t, []string{planner.StatusExecuted, planner.StatusExecuted}, h.events.Statuses())
}

func TestRunBudgetExhausted(t *testing.T) {
	h := newHarness(
		testutil.Raw("scroll", "", map[string]any{"amount": 1}),
		testutil.Raw("scroll", "", map[string]any{"amount": 2}),
		testutil.Raw("scroll", "", map[string]any{"amount": 3}),
	)
	out := h.run(t, 3)

	assert.Equal(t, planner.OutcomeBudgetExhausted, out.Kind)
	assert.Equal(t, 3, out.Steps)
	assert.Contains(t, out.Reason, "3")
}

func TestRunUsesConfiguredBudgetWhenZero(t *testing.T) {
	h := newHarness()
	cfg := planner.Config{MaxSteps: 1}
	c, err := planner.New(h.deps, cfg)
	require.NoError(t, err)

	out := c.Run(context.Background(), "g", 0)
	assert.Equal(t, planner.OutcomeCompleted, out.Kind, "mock planner proposes done when unscripted")
}

func TestNewRequiresCollaborators(t *testing.T) {
	h := newHarness()
	deps := h.deps
	deps.Approval = nil
	_, err := planner.New(deps, planner.DefaultConfig())
	assert.Error(t, err)
}

// =============================================================================
// Loop override
// =============================================================================

func TestLoopOverrideEndToEnd(t *testing.T) {
	h := newHarness(clickVisual("Next"), clickVisual("Next"), clickVisual("Next"), clickVisual("Next"))
	out := h.run(t, 10)

	assert.Equal(t, planner.OutcomeEscalated, out.Kind)
	assert.Equal(t, "loop detected", out.Reason)
	assert.Equal(t, 1, countPrefix(out.History, planner.EntryLoopOverride+":"), "exactly one override entry")
	assert.Equal(t, 2, countPrefix(out.History, "click_visual"), "no further click attempts after the override")
	assert.Equal(t,
		[]action.Kind{action.KindClickVisual, action.KindClickVisual, action.KindReport},
		h.runner.Kinds())
	assert.Equal(t, 3, h.super.CallCount, "override applies after supervision")
	assert.True(t, h.logger.HasLog("warn", "planner_loop_override"))
}

func TestLoopNotTriggeredByAlternatingActions(t *testing.T) {
	h := newHarness(
		clickVisual("A"),
		testutil.Raw("type", "", map[string]any{"text": "hi"}),
		clickVisual("A"),
		testutil.Raw("done", "", nil),
	)
	out := h.run(t, 10)
	assert.Equal(t, planner.OutcomeCompleted, out.Kind)
	assert.Zero(t, countPrefix(out.History, planner.EntryLoopOverride))
}

// =============================================================================
// Validation and supervision
// =============================================================================

func TestSchemaErrorIsRecordedAndRetriedWithContext(t *testing.T) {
	h := newHarness(testutil.Raw("teleport", "", nil), testutil.Raw("done", "", nil))
	out := h.run(t, 5)

	assert.Equal(t, planner.OutcomeCompleted, out.Kind)
	assert.Equal(t, 1, countPrefix(out.History, planner.EntrySchemaError+":"))
	assert.Equal(t, []action.Kind{action.KindDone}, h.runner.Kinds(), "malformed plan never executes")

	last := h.vision.LastHistory()
	require.NotEmpty(t, last)
	rc := last[len(last)-1]
	assert.True(t, strings.HasPrefix(rc, planner.EntryRetryContext+":"))
	assert.Contains(t, rc, "attempt=2")
	assert.Contains(t, rc, "last_failure=SCHEMA_ERROR")
	assert.NotContains(t, out.History, rc, "retry context is request-only")
}

func TestSupervisorReviewSkipsExecution(t *testing.T) {
	h := newHarness(clickVisual("Wrong"), testutil.Raw("done", "", nil))
	h.super.Then(supervisor.VerdictReview)
	out := h.run(t, 5)

	assert.Equal(t, planner.OutcomeCompleted, out.Kind)
	assert.Equal(t, 1, countPrefix(out.History, planner.EntryPlanRejected+":"))
	assert.Equal(t, []action.Kind{action.KindDone}, h.runner.Kinds())
}

func TestSupervisorEscalationEndsRun(t *testing.T) {
	h := newHarness(clickVisual("Delete all"))
	h.super.Then(supervisor.VerdictEscalate)
	out := h.run(t, 5)

	assert.Equal(t, planner.OutcomeEscalated, out.Kind)
	assert.Contains(t, out.Reason, "supervisor escalated")
	assert.Empty(t, h.runner.Kinds())
}

func TestSupervisorTransientErrorIsRetried(t *testing.T) {
	h := newHarness(testutil.Raw("done", "", nil))
	h.super.ThenError(errors.New("timeout"))
	out := h.run(t, 5)

	assert.Equal(t, planner.OutcomeCompleted, out.Kind)
	assert.Equal(t, 2, h.super.CallCount)
}

func TestMalformedSupervisorReplyFailsClosed(t *testing.T) {
	h := newHarness(clickVisual("OK"))
	chat := &testutil.MockChatClient{Replies: []string{"sure, go ahead"}}
	h.deps.Supervisor = supervisor.New(chat, nil)
	out := h.run(t, 5)

	assert.Equal(t, planner.OutcomeError, out.Kind)
	assert.True(t, supervisor.IsMalformed(out.Err))
	assert.Len(t, chat.Calls, 1, "malformed replies are not retried")
	assert.Empty(t, h.runner.Kinds())
}

func TestPlannerExhaustionIsRunError(t *testing.T) {
	boom := errors.New("model unavailable")
	h := newHarness()
	h.vision.ThenError(boom).ThenError(boom).ThenError(boom)
	out := h.run(t, 5)

	assert.Equal(t, planner.OutcomeError, out.Kind)
	assert.ErrorIs(t, out.Err, boom)
	assert.Equal(t, 3, h.vision.CallCount)
}

func TestCaptureErrorFailsRun(t *testing.T) {
	h := newHarness()
	h.observer.WithError(errors.New("no display"))
	out := h.run(t, 5)

	assert.Equal(t, planner.OutcomeError, out.Kind)
	assert.Zero(t, h.vision.CallCount)
}

func TestBlockedIterationSkipsPlanning(t *testing.T) {
	h := newHarness(testutil.Raw("done", "", nil))
	h.deps.Blocking = &testutil.MockBlockingDetector{Reasons: []string{"spinner visible"}}
	out := h.run(t, 5)

	assert.Equal(t, planner.OutcomeCompleted, out.Kind)
	assert.Equal(t, "BLOCKED: spinner visible", out.History[0])
	assert.Equal(t, 1, h.vision.CallCount)
	assert.Contains(t, h.vision.LastHistory()[len(h.vision.LastHistory())-1], "last_failure=BLOCKED")
}

// =============================================================================
// Authorization
// =============================================================================

func TestWriteLockRejectionContinuesRun(t *testing.T) {
	h := newHarness(clickVisual("OK"), testutil.Raw("done", "", nil))
	h.engine.Lock()
	out := h.run(t, 5)

	assert.Equal(t, planner.OutcomeCompleted, out.Kind)
	assert.Equal(t, 1, countPrefix(out.History, planner.EntryPolicyDenied+":"))
	assert.Equal(t, []action.Kind{action.KindDone}, h.runner.Kinds())
}

func TestCriticalActionEscalates(t *testing.T) {
	for _, locked := range []bool{true, false} {
		h := newHarness(testutil.Raw("shell", "", map[string]any{"command": "sudo rm -rf /"}))
		if locked {
			h.engine.Lock()
		}
		out := h.run(t, 5)

		assert.Equal(t, planner.OutcomeEscalated, out.Kind, "locked=%v", locked)
		assert.ErrorIs(t, out.Err, policy.ErrCriticalAction)
		assert.Empty(t, h.runner.Kinds())
	}
}

func TestApprovalPendingOpensRequestAndEscalates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(clickVisual("Checkout"))
	out := h.run(t, 5)

	assert.Equal(t, planner.OutcomeEscalated, out.Kind)
	require.NotEmpty(t, out.ApprovalRequestID)
	pending := h.gate.ListPending(out.RunID)
	require.Len(t, pending, 1)
	assert.Equal(t, approval.RiskHigh, pending[0].Decision.RiskLevel)
	assert.Empty(t, h.runner.Kinds())

	_, err := h.gate.Resolve(ctx, out.ApprovalRequestID, approval.PolicyAllowOnce)
	require.NoError(t, err)

	h.vision.Then(clickVisual("Checkout"), testutil.Raw("done", "", nil))
	again := h.run(t, 5)
	assert.Equal(t, planner.OutcomeCompleted, again.Kind)
	assert.Equal(t, []action.Kind{action.KindClickVisual, action.KindDone}, h.runner.Kinds())
}

func TestApprovalGatesKeywordInsideTarget(t *testing.T) {
	h := newHarness(testutil.Raw("click_visual", "", map[string]any{"target": "checkout_button"}))
	out := h.run(t, 5)

	assert.Equal(t, planner.OutcomeEscalated, out.Kind)
	pending := h.gate.ListPending(out.RunID)
	require.Len(t, pending, 1)
	assert.Contains(t, pending[0].ActionText, "checkout_button")
	assert.Equal(t, approval.RiskHigh, pending[0].Decision.RiskLevel)
	assert.Empty(t, h.runner.Kinds())
}

func TestApprovalDenyAlwaysContinuesRun(t *testing.T) {
	ctx := context.Background()
	raw := clickVisual("Spam")
	a, err := action.Normalize(raw)
	require.NoError(t, err)

	h := newHarness(raw, testutil.Raw("done", "", nil))
	plan := approval.Plan{Intent: action.IntentOf(a), Description: a.Description()}
	require.NoError(t, h.gate.RegisterDecision(ctx, approval.PolicyDenyAlways, action.Format(a), plan))

	out := h.run(t, 5)
	assert.Equal(t, planner.OutcomeCompleted, out.Kind)
	assert.Equal(t, 1, countPrefix(out.History, planner.EntryApprovalDenied+":"))
	assert.Equal(t, []action.Kind{action.KindDone}, h.runner.Kinds())
}

// =============================================================================
// Execution
// =============================================================================

func TestExecutionFailureDoesNotAbort(t *testing.T) {
	h := newHarness(testutil.Raw("type", "", map[string]any{"text": "hi"}), testutil.Raw("done", "", nil))
	h.runner.WithError(action.KindType, errors.New("no focused field"))
	out := h.run(t, 5)

	assert.Equal(t, planner.OutcomeCompleted, out.Kind)
	assert.Equal(t, 1, out.Steps)
	assert.Equal(t, 1, countPrefix(out.History, planner.EntryFailed+":"))
	assert.Contains(t, h.vision.LastHistory()[len(h.vision.LastHistory())-1], "last_failure=FAILED")
	assert.Equal(t, []string{planner.StatusFailed, planner.StatusExecuted}, h.events.Statuses())
}

func TestCancelledContextStopsRun(t *testing.T) {
	h := newHarness()
	c, err := planner.New(h.deps, planner.DefaultConfig())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := c.Run(ctx, "g", 5)
	assert.Equal(t, planner.OutcomeError, out.Kind)
	assert.ErrorIs(t, out.Err, context.Canceled)
}

// =============================================================================
// Sinks
// =============================================================================

func TestChannelSinkNeverBlocks(t *testing.T) {
	ch := make(chan planner.Event, 1)
	sink := planner.NewChannelSink(ch)

	sink.TrySend(planner.Event{Step: 1})
	sink.TrySend(planner.Event{Step: 2}) // full: dropped
	assert.Equal(t, 1, (<-ch).Step)

	close(ch)
	assert.NotPanics(t, func() { sink.TrySend(planner.Event{Step: 3}) })
}

func TestNATSSinkPublishesJSON(t *testing.T) {
	pub := &testutil.MockPublisher{}
	sink := planner.NewNATSSink(pub, "deskpilot.steps", nil)
	sink.TrySend(planner.Event{RunID: "r1", Step: 4, Status: planner.StatusExecuted})

	require.Len(t, pub.Payloads, 1)
	assert.Equal(t, "deskpilot.steps", pub.Subjects[0])
	var ev map[string]any
	require.NoError(t, json.Unmarshal(pub.Payloads[0], &ev))
	assert.Equal(t, "r1", ev["run_id"])
	assert.Equal(t, float64(4), ev["step"])

	failing := planner.NewNATSSink(&testutil.MockPublisher{Error: errors.New("disconnected")}, "s", testutil.NewMockLogger())
	assert.NotPanics(t, func() { failing.TrySend(planner.Event{}) })
}

func TestMultiSinkFansOut(t *testing.T) {
	a, b := &testutil.MockEventSink{}, &testutil.MockEventSink{}
	planner.MultiSink{a, nil, b}.TrySend(planner.Event{Status: "x"})
	assert.Equal(t, []string{"x"}, a.Statuses())
	assert.Equal(t, []string{"x"}, b.Statuses())
}
