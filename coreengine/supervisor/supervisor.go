// Package supervisor asks an independent model to review each proposed step
// before it runs. It fails closed: a reply that does not decode into a
// known verdict is an error, never an implicit accept.
package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jeeves-cluster-organization/deskpilot/coreengine/action"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/observability"
)

// Verdict is the supervisor's ruling on one step.
type Verdict string

const (
	VerdictAccept   Verdict = "accept"
	VerdictReview   Verdict = "review"
	VerdictEscalate Verdict = "escalate"
)

func (v Verdict) valid() bool {
	switch v {
	case VerdictAccept, VerdictReview, VerdictEscalate:
		return true
	}
	return false
}

// Decision is the decoded supervisor reply.
type Decision struct {
	Action        Verdict  `json:"action"`
	Reason        string   `json:"reason"`
	FocusKeywords []string `json:"focus_keywords"`
	Notes         string   `json:"notes"`
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatClient is the model transport. Implementations own their timeouts.
type ChatClient interface {
	ChatCompletion(ctx context.Context, messages []Message) (string, error)
}

// Logger is the structured logger used by the supervisor.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// SystemPrompt is the fixed role prompt sent with every consultation.
const SystemPrompt = `You supervise a desktop automation agent. Review the proposed next step against the goal and the history so far.
Reply with a single JSON object and nothing else:
{"action": "accept" | "review" | "escalate", "reason": string, "focus_keywords": [string], "notes": string}
Use "accept" when the step plausibly advances the goal, "review" when the agent should propose a different step, and "escalate" when a human must take over (unsafe, irreversible, or clearly off-goal).`

// Supervisor reviews plan steps through a ChatClient.
type Supervisor struct {
	client ChatClient
	logger Logger
}

// New creates a Supervisor.
func New(client ChatClient, logger Logger) *Supervisor {
	return &Supervisor{client: client, logger: logger}
}

// BuildMessages renders the request for one consultation. The shape is
// fixed: system prompt, then a user turn holding the goal, the
// newline-joined history and the pretty-printed plan.
func BuildMessages(goal string, plan action.Action, history []string) []Message {
	hist := strings.Join(history, "\n")
	if hist == "" {
		hist = "(none)"
	}
	var b strings.Builder
	b.WriteString("GOAL:\n")
	b.WriteString(goal)
	b.WriteString("\n\nHISTORY:\n")
	b.WriteString(hist)
	b.WriteString("\n\nPROPOSED STEP:\n")
	b.WriteString(action.Pretty(plan))
	return []Message{
		{Role: "system", Content: SystemPrompt},
		{Role: "user", Content: b.String()},
	}
}

// Consult asks the model to rule on plan. Transport errors are returned
// wrapped so the caller may retry; malformed replies return a
// *MalformedResponseError, which callers should not retry.
func (s *Supervisor) Consult(ctx context.Context, goal string, plan action.Action, history []string) (Decision, error) {
	ctx, span := observability.StartSpan(ctx, "supervisor.consult",
		attribute.String("action_type", string(plan.Kind())),
		attribute.Int("history_len", len(history)),
	)
	start := time.Now()

	raw, err := s.client.ChatCompletion(ctx, BuildMessages(goal, plan, history))
	elapsed := int(time.Since(start).Milliseconds())
	if err != nil {
		observability.RecordLLMCall("supervisor", "error", elapsed)
		observability.EndSpan(span, err)
		return Decision{}, fmt.Errorf("supervisor call: %w", err)
	}

	d, err := ParseDecision(raw)
	if err != nil {
		observability.RecordLLMCall("supervisor", "malformed", elapsed)
		observability.EndSpan(span, err)
		if s.logger != nil {
			s.logger.Warn("supervisor_malformed_response", "error", err.Error())
		}
		return Decision{}, err
	}

	observability.RecordLLMCall("supervisor", "success", elapsed)
	span.SetAttributes(attribute.String("verdict", string(d.Action)))
	observability.EndSpan(span, nil)
	if s.logger != nil {
		s.logger.Debug("supervisor_decision",
			"verdict", string(d.Action),
			"reason", d.Reason,
			"duration_ms", elapsed,
		)
	}
	return d, nil
}
