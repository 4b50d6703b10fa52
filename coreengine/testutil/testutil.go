// Package testutil provides shared mocks for exercising the planner and its
// collaborators without a screen, a model or a native action backend.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/deskpilot/coreengine/action"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/approval"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/planner"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/supervisor"
)

// =============================================================================
// MOCK OBSERVER
// =============================================================================

// MockObserver implements planner.Observer. It returns Frames in order and
// repeats the last one once they run out.
type MockObserver struct {
	Frames []planner.Observation
	Error  error

	CallCount int
	mu        sync.Mutex
}

// NewMockObserver returns an observer that always sees the same screen.
func NewMockObserver() *MockObserver {
	return &MockObserver{Frames: []planner.Observation{{Image: []byte("screen")}}}
}

// WithFrames replaces the frames.
func (m *MockObserver) WithFrames(frames ...planner.Observation) *MockObserver {
	m.Frames = frames
	return m
}

// WithError makes every capture fail.
func (m *MockObserver) WithError(err error) *MockObserver {
	m.Error = err
	return m
}

func (m *MockObserver) CaptureScreen(ctx context.Context) (planner.Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCount++
	if m.Error != nil {
		return planner.Observation{}, m.Error
	}
	if len(m.Frames) == 0 {
		return planner.Observation{}, nil
	}
	i := m.CallCount - 1
	if i >= len(m.Frames) {
		i = len(m.Frames) - 1
	}
	return m.Frames[i], nil
}

// =============================================================================
// MOCK VISION PLANNER
// =============================================================================

// PlanStep is one scripted planner reply.
type PlanStep struct {
	Raw   map[string]any
	Error error
}

// MockVisionPlanner implements planner.VisionPlanner from a script. Once
// the script runs out it proposes done.
type MockVisionPlanner struct {
	Script []PlanStep

	CallCount int
	Histories [][]string
	mu        sync.Mutex
}

// NewMockVisionPlanner creates a planner that replies with raw in order.
func NewMockVisionPlanner(raw ...map[string]any) *MockVisionPlanner {
	m := &MockVisionPlanner{}
	for _, r := range raw {
		m.Script = append(m.Script, PlanStep{Raw: r})
	}
	return m
}

// ThenError appends a failing reply.
func (m *MockVisionPlanner) ThenError(err error) *MockVisionPlanner {
	m.Script = append(m.Script, PlanStep{Error: err})
	return m
}

// Then appends raw replies.
func (m *MockVisionPlanner) Then(raw ...map[string]any) *MockVisionPlanner {
	for _, r := range raw {
		m.Script = append(m.Script, PlanStep{Raw: r})
	}
	return m
}

func (m *MockVisionPlanner) PlanVisionStep(ctx context.Context, goal string, obs planner.Observation, history []string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := make([]string, len(history))
	copy(h, history)
	m.Histories = append(m.Histories, h)
	i := m.CallCount
	m.CallCount++
	if i >= len(m.Script) {
		return Raw("done", "finished", nil), nil
	}
	return m.Script[i].Raw, m.Script[i].Error
}

// LastHistory returns the history passed on the most recent call.
func (m *MockVisionPlanner) LastHistory() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Histories) == 0 {
		return nil
	}
	return m.Histories[len(m.Histories)-1]
}

// Raw builds a wire-shaped action.
func Raw(kind, description string, data map[string]any) map[string]any {
	m := map[string]any{"action_type": kind, "description": description}
	if data != nil {
		m["structured_data"] = data
	}
	return m
}

// =============================================================================
// MOCK SUPERVISOR
// =============================================================================

// MockSupervisor implements planner.Supervisor. Decisions are returned in
// order; once they run out every step is accepted.
type MockSupervisor struct {
	Decisions []supervisor.Decision
	Errors    []error

	CallCount int
	mu        sync.Mutex
}

// NewMockSupervisor creates a supervisor that accepts everything.
func NewMockSupervisor() *MockSupervisor {
	return &MockSupervisor{}
}

// Then queues verdicts.
func (m *MockSupervisor) Then(verdicts ...supervisor.Verdict) *MockSupervisor {
	for _, v := range verdicts {
		m.Decisions = append(m.Decisions, supervisor.Decision{Action: v, Reason: "scripted " + string(v)})
	}
	return m
}

// ThenError queues an error, consumed before any decision.
func (m *MockSupervisor) ThenError(err error) *MockSupervisor {
	m.Errors = append(m.Errors, err)
	return m
}

func (m *MockSupervisor) Consult(ctx context.Context, goal string, plan action.Action, history []string) (supervisor.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCount++
	if len(m.Errors) > 0 {
		err := m.Errors[0]
		m.Errors = m.Errors[1:]
		return supervisor.Decision{}, err
	}
	if len(m.Decisions) == 0 {
		return supervisor.Decision{Action: supervisor.VerdictAccept, Reason: "ok"}, nil
	}
	d := m.Decisions[0]
	m.Decisions = m.Decisions[1:]
	return d, nil
}

// MockChatClient implements supervisor.ChatClient with canned replies.
type MockChatClient struct {
	Replies []string
	Error   error

	Calls [][]supervisor.Message
	mu    sync.Mutex
}

func (m *MockChatClient) ChatCompletion(ctx context.Context, messages []supervisor.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, messages)
	if m.Error != nil {
		return "", m.Error
	}
	if len(m.Replies) == 0 {
		return `{"action":"accept","reason":"ok"}`, nil
	}
	r := m.Replies[0]
	if len(m.Replies) > 1 {
		m.Replies = m.Replies[1:]
	}
	return r, nil
}

// =============================================================================
// MOCK ACTION RUNNER
// =============================================================================

// MockActionRunner implements planner.ActionRunner and records what ran.
type MockActionRunner struct {
	Executed []action.Action
	Errors   map[action.Kind]error
	Delay    time.Duration

	mu sync.Mutex
}

// NewMockActionRunner creates a runner where every action succeeds.
func NewMockActionRunner() *MockActionRunner {
	return &MockActionRunner{Errors: make(map[action.Kind]error)}
}

// WithError makes actions of kind fail.
func (m *MockActionRunner) WithError(kind action.Kind, err error) *MockActionRunner {
	m.Errors[kind] = err
	return m
}

func (m *MockActionRunner) Execute(ctx context.Context, a action.Action, session *planner.Session) error {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Executed = append(m.Executed, a)
	return m.Errors[a.Kind()]
}

// Kinds returns the kinds executed so far, in order.
func (m *MockActionRunner) Kinds() []action.Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]action.Kind, len(m.Executed))
	for i, a := range m.Executed {
		out[i] = a.Kind()
	}
	return out
}

// =============================================================================
// MOCK BLOCKING DETECTOR
// =============================================================================

// MockBlockingDetector reports Reasons in order; "" means not blocked.
type MockBlockingDetector struct {
	Reasons []string
	calls   int
	mu      sync.Mutex
}

func (m *MockBlockingDetector) DetectBlocking(obs planner.Observation) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	if i >= len(m.Reasons) || m.Reasons[i] == "" {
		return "", false
	}
	return m.Reasons[i], true
}

// =============================================================================
// MOCK POLICY / APPROVAL
// =============================================================================

// MockPolicy implements planner.PolicyChecker with per-kind errors.
type MockPolicy struct {
	Errors map[action.Kind]error
	Checks int
	mu     sync.Mutex
}

func (m *MockPolicy) Check(a action.Action, cwd string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Checks++
	return m.Errors[a.Kind()]
}

// NewApprovalGate returns a real gate over an in-memory store.
func NewApprovalGate() (*approval.Gate, *approval.MemoryStore) {
	store := approval.NewMemoryStore()
	return approval.NewGate(nil, store, approval.DefaultConfig()), store
}

// =============================================================================
// MOCK EVENT SINK
// =============================================================================

// MockEventSink records events.
type MockEventSink struct {
	Events []planner.Event
	mu     sync.Mutex
}

func (m *MockEventSink) TrySend(ev planner.Event) {
	m.mu.Lock()
	m.Events = append(m.Events, ev)
	m.mu.Unlock()
}

// Statuses returns the recorded statuses in order.
func (m *MockEventSink) Statuses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Events))
	for i, ev := range m.Events {
		out[i] = ev.Status
	}
	return out
}

// MockPublisher implements planner.Publisher.
type MockPublisher struct {
	Subjects []string
	Payloads [][]byte
	Error    error
	mu       sync.Mutex
}

func (m *MockPublisher) Publish(subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Error != nil {
		return m.Error
	}
	m.Subjects = append(m.Subjects, subject)
	m.Payloads = append(m.Payloads, data)
	return nil
}

// =============================================================================
// MOCK LOGGER
// =============================================================================

// MockLogger captures log entries.
type MockLogger struct {
	Logs []LogEntry
	mu   sync.Mutex
}

// LogEntry is one captured log call.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// NewMockLogger creates a MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{}
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) { m.log("debug", msg, keysAndValues...) }
func (m *MockLogger) Info(msg string, keysAndValues ...any)  { m.log("info", msg, keysAndValues...) }
func (m *MockLogger) Warn(msg string, keysAndValues ...any)  { m.log("warn", msg, keysAndValues...) }
func (m *MockLogger) Error(msg string, keysAndValues ...any) { m.log("error", msg, keysAndValues...) }

func (m *MockLogger) log(level, msg string, keysAndValues ...any) {
	fields := make(map[string]any)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	m.mu.Lock()
	m.Logs = append(m.Logs, LogEntry{Level: level, Message: msg, Fields: fields})
	m.mu.Unlock()
}

// HasLog reports whether message was logged at level.
func (m *MockLogger) HasLog(level, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.Logs {
		if l.Level == level && l.Message == message {
			return true
		}
	}
	return false
}

// Count returns how many times message was logged at any level.
func (m *MockLogger) Count(message string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.Logs {
		if l.Message == message {
			n++
		}
	}
	return n
}
