// Package approval maps (intent, action) pairs to durable or transient
// approval grants, layered over keyword risk assessment.
//
// Lookup order for a key "intent::action":
//
//	durable deny_always   -> denied
//	durable allow_always  -> approved
//	transient allow_once  -> approved (consumed by Evaluate, not by Preview)
//	otherwise             -> risk assessment; high (or gated medium) -> pending
//
// The durable store is always consulted first, so a saved deny wins over
// any outstanding allow_once grant. allow_once grants live in memory only.
package approval

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/deskpilot/coreengine/observability"
)

// =============================================================================
// Types
// =============================================================================

// Status is the outcome of an evaluation.
type Status string

const (
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusPending  Status = "pending"
)

// Policy is a grant recorded for a key.
type Policy string

const (
	PolicyNone        Policy = "none"
	PolicyAllowOnce   Policy = "allow_once"
	PolicyAllowAlways Policy = "allow_always"
	PolicyDenyAlways  Policy = "deny_always"
)

// ParsePolicy parses a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyNone, PolicyAllowOnce, PolicyAllowAlways, PolicyDenyAlways:
		return p, nil
	}
	return "", fmt.Errorf("unknown approval policy %q", s)
}

// Decision is the gate's verdict for one action.
type Decision struct {
	Status           Status    `json:"status"`
	RequiresApproval bool      `json:"requires_approval"`
	Message          string    `json:"message"`
	RiskLevel        RiskLevel `json:"risk_level"`
	Policy           Policy    `json:"policy"`
}

// Plan is the context an action is evaluated in.
type Plan struct {
	Intent      string `json:"intent"`
	Description string `json:"description"`
}

// Key returns the policy key "intent::lowercased action text".
func Key(actionText string, plan Plan) string {
	return normalizeIntent(plan.Intent) + "::" + strings.ToLower(strings.TrimSpace(actionText))
}

func normalizeIntent(intent string) string {
	intent = strings.ToLower(strings.TrimSpace(intent))
	if intent == "" {
		return "general"
	}
	return intent
}

// PolicyStore is the durable home of allow_always/deny_always records.
// GetDecision returns PolicyNone when the key has no record.
type PolicyStore interface {
	GetDecision(ctx context.Context, key string) (Policy, error)
	UpsertDecision(ctx context.Context, key string, policy Policy) error
	DeleteDecision(ctx context.Context, key string) error
}

// Logger is the structured logger used by the gate.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// Config configures a Gate.
type Config struct {
	// GateMediumRisk makes medium-risk actions require approval too.
	GateMediumRisk bool
	// PendingTTL bounds how long an open request stays pending. Zero keeps
	// requests until resolved.
	PendingTTL time.Duration
}

// DefaultConfig gates high risk only; pending requests expire after an hour.
func DefaultConfig() Config {
	return Config{PendingTTL: time.Hour}
}

// =============================================================================
// Gate
// =============================================================================

// Gate is the approval gate. Safe for concurrent use; shared by every run
// in the process.
type Gate struct {
	logger Logger
	store  PolicyStore

	allowOnce  map[string]int
	gateMedium bool
	pendingTTL time.Duration
	mu         sync.Mutex

	pending *pendingBook
}

// NewGate creates a gate over store.
func NewGate(logger Logger, store PolicyStore, cfg Config) *Gate {
	return &Gate{
		logger:     logger,
		store:      store,
		allowOnce:  make(map[string]int),
		gateMedium: cfg.GateMediumRisk,
		pendingTTL: cfg.PendingTTL,
		pending:    newPendingBook(),
	}
}

// SetGateMediumRisk toggles medium-risk gating at runtime.
func (g *Gate) SetGateMediumRisk(enabled bool) {
	g.mu.Lock()
	g.gateMedium = enabled
	g.mu.Unlock()
	if g.logger != nil {
		g.logger.Info("approval_medium_gating_set", "enabled", enabled)
	}
}

// GateMediumRisk reports whether medium-risk gating is on.
func (g *Gate) GateMediumRisk() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gateMedium
}

// Evaluate decides actionText under plan, consuming an allow_once grant if
// one applies. A store error is returned as-is and no decision is made.
func (g *Gate) Evaluate(ctx context.Context, actionText string, plan Plan) (Decision, error) {
	return g.evaluate(ctx, actionText, plan, true)
}

// Preview is Evaluate without consuming allow_once grants.
func (g *Gate) Preview(ctx context.Context, actionText string, plan Plan) (Decision, error) {
	return g.evaluate(ctx, actionText, plan, false)
}

func (g *Gate) evaluate(ctx context.Context, actionText string, plan Plan, consume bool) (Decision, error) {
	key := Key(actionText, plan)

	durable, err := g.store.GetDecision(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("load approval policy: %w", err)
	}

	var d Decision
	switch durable {
	case PolicyDenyAlways:
		d = Decision{Status: StatusDenied, Message: "denied by saved policy", RiskLevel: RiskLow, Policy: PolicyDenyAlways}
	case PolicyAllowAlways:
		d = Decision{Status: StatusApproved, Message: "approved by saved policy", RiskLevel: RiskLow, Policy: PolicyAllowAlways}
	default:
		d = g.transientOrAssess(key, actionText, plan, consume)
	}

	observability.RecordApprovalDecision(string(d.Status), string(d.Policy), string(d.RiskLevel))
	if g.logger != nil {
		g.logger.Debug("approval_evaluated",
			"key", key,
			"status", string(d.Status),
			"policy", string(d.Policy),
			"risk", string(d.RiskLevel),
			"preview", !consume,
		)
	}
	return d, nil
}

func (g *Gate) transientOrAssess(key, actionText string, plan Plan, consume bool) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if n := g.allowOnce[key]; n > 0 {
		if consume {
			if n == 1 {
				delete(g.allowOnce, key)
			} else {
				g.allowOnce[key] = n - 1
			}
		}
		return Decision{Status: StatusApproved, Message: "approved once", RiskLevel: RiskLow, Policy: PolicyAllowOnce}
	}

	risk := AssessRisk(actionText+" "+plan.Description, plan.Intent)
	requires := risk == RiskHigh || (risk == RiskMedium && g.gateMedium)
	if requires {
		return Decision{
			Status:           StatusPending,
			RequiresApproval: true,
			Message:          fmt.Sprintf("%s-risk action requires approval: %s", risk, strings.TrimSpace(actionText)),
			RiskLevel:        risk,
			Policy:           PolicyNone,
		}
	}
	return Decision{Status: StatusApproved, Message: "auto-approved", RiskLevel: risk, Policy: PolicyNone}
}

// RegisterDecision records a user's decision. allow_always and deny_always
// are persisted; allow_once adds one in-memory grant. PolicyNone is a no-op.
func (g *Gate) RegisterDecision(ctx context.Context, policy Policy, actionText string, plan Plan) error {
	key := Key(actionText, plan)

	switch policy {
	case PolicyAllowAlways, PolicyDenyAlways:
		if err := g.store.UpsertDecision(ctx, key, policy); err != nil {
			return fmt.Errorf("save approval policy: %w", err)
		}
	case PolicyAllowOnce:
		g.mu.Lock()
		g.allowOnce[key]++
		g.mu.Unlock()
	case PolicyNone:
		return nil
	default:
		return fmt.Errorf("unknown approval policy %q", policy)
	}

	if g.logger != nil {
		g.logger.Info("approval_decision_registered", "key", key, "policy", string(policy))
	}
	return nil
}

// Clear removes the durable record and any allow_once grants for the key.
func (g *Gate) Clear(ctx context.Context, actionText string, plan Plan) error {
	key := Key(actionText, plan)

	g.mu.Lock()
	delete(g.allowOnce, key)
	g.mu.Unlock()

	if err := g.store.DeleteDecision(ctx, key); err != nil {
		return fmt.Errorf("delete approval policy: %w", err)
	}
	if g.logger != nil {
		g.logger.Info("approval_decision_cleared", "key", key)
	}
	return nil
}

// AllowOnceCount returns the outstanding allow_once grants for the key.
func (g *Gate) AllowOnceCount(actionText string, plan Plan) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.allowOnce[Key(actionText, plan)]
}
