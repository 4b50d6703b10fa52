// Package config holds the agent core configuration.
//
// AgentConfig is a plain struct; core packages receive the pieces they need
// through the builder methods below and never read the environment. Parsing
// files and environment variables happens in Load, which only binaries call.
package config

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/deskpilot/coreengine/approval"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/kernel"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/planner"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/policy"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/retry"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/typeutil"
)

// AgentConfig holds the agent core configuration.
type AgentConfig struct {
	// Safety
	WriteLock      bool `json:"write_lock"`
	GateMediumRisk bool `json:"gate_medium_risk"`

	// Shell policy
	AllowShellSubstitution bool     `json:"allow_shell_substitution"`
	AllowShellComposite    bool     `json:"allow_shell_composite"`
	ShellAllowlist         []string `json:"shell_allowlist"`
	ShellDenylist          []string `json:"shell_denylist"`
	RequireShellAllowlist  bool     `json:"require_shell_allowlist"`

	// Tool policy (globs over action kinds)
	ToolAllowlist []string `json:"tool_allowlist"`
	ToolDenylist  []string `json:"tool_denylist"`

	// Command Queue
	QueueWarnAfterMs int            `json:"queue_warn_after_ms"`
	LaneConcurrency  map[string]int `json:"lane_concurrency"`
	ShellTimeoutMs   int            `json:"shell_timeout_ms"`

	// Retry Executor
	RetryMaxAttempts int     `json:"retry_max_attempts"`
	RetryBaseDelayMs int     `json:"retry_base_delay_ms"`
	RetryMultiplier  float64 `json:"retry_multiplier"`
	RetryMaxDelayMs  int     `json:"retry_max_delay_ms"`

	// Planner
	MaxSteps int `json:"max_steps"`

	// Approvals
	PendingApprovalTTLMs int `json:"pending_approval_ttl_ms"`

	// Endpoints
	DBPath       string `json:"db_path"`
	GRPCAddr     string `json:"grpc_addr"`
	MetricsAddr  string `json:"metrics_addr"`
	OTLPEndpoint string `json:"otlp_endpoint"`
	NATSURL      string `json:"nats_url"`
	NATSSubject  string `json:"nats_subject"`

	// Logging
	LogLevel string `json:"log_level"`
}

// DefaultAgentConfig returns an AgentConfig with default values.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		WriteLock: true,

		QueueWarnAfterMs: 2000,
		LaneConcurrency:  map[string]int{},
		ShellTimeoutMs:   60000,

		RetryMaxAttempts: 3,
		RetryBaseDelayMs: 500,
		RetryMultiplier:  2.0,

		MaxSteps: 25,

		PendingApprovalTTLMs: 3600000, // 1 hour

		DBPath:      "deskpilot.db",
		GRPCAddr:    "127.0.0.1:50061",
		MetricsAddr: "127.0.0.1:9464",
		NATSSubject: "deskpilot.steps",

		LogLevel: "INFO",
	}
}

// AgentConfigFromMap creates an AgentConfig from a map on top of the
// defaults. Unknown keys are ignored.
func AgentConfigFromMap(m map[string]any) *AgentConfig {
	c := DefaultAgentConfig()
	c.apply(m)
	return c
}

// apply overlays the keys present in m. Values may be native (TOML, JSON)
// or strings (environment); list values may be comma-separated strings.
func (c *AgentConfig) apply(m map[string]any) {
	setBool := func(key string, dst *bool) {
		if v, ok := typeutil.SafeBool(m[key]); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := typeutil.SafeInt(m[key]); ok {
			*dst = v
		}
	}
	setString := func(key string, dst *string) {
		if v, ok := typeutil.SafeString(m[key]); ok {
			*dst = v
		}
	}
	setList := func(key string, dst *[]string) {
		if v, ok := stringList(m[key]); ok {
			*dst = v
		}
	}

	setBool("write_lock", &c.WriteLock)
	setBool("gate_medium_risk", &c.GateMediumRisk)
	setBool("allow_shell_substitution", &c.AllowShellSubstitution)
	setBool("allow_shell_composite", &c.AllowShellComposite)
	setList("shell_allowlist", &c.ShellAllowlist)
	setList("shell_denylist", &c.ShellDenylist)
	setBool("require_shell_allowlist", &c.RequireShellAllowlist)
	setList("tool_allowlist", &c.ToolAllowlist)
	setList("tool_denylist", &c.ToolDenylist)

	setInt("queue_warn_after_ms", &c.QueueWarnAfterMs)
	if v, ok := laneMap(m["lane_concurrency"]); ok {
		c.LaneConcurrency = v
	}
	setInt("shell_timeout_ms", &c.ShellTimeoutMs)

	setInt("retry_max_attempts", &c.RetryMaxAttempts)
	setInt("retry_base_delay_ms", &c.RetryBaseDelayMs)
	if v, ok := typeutil.SafeFloat64(m["retry_multiplier"]); ok {
		c.RetryMultiplier = v
	}
	setInt("retry_max_delay_ms", &c.RetryMaxDelayMs)

	setInt("max_steps", &c.MaxSteps)
	setInt("pending_approval_ttl_ms", &c.PendingApprovalTTLMs)

	setString("db_path", &c.DBPath)
	setString("grpc_addr", &c.GRPCAddr)
	setString("metrics_addr", &c.MetricsAddr)
	setString("otlp_endpoint", &c.OTLPEndpoint)
	setString("nats_url", &c.NATSURL)
	setString("nats_subject", &c.NATSSubject)
	setString("log_level", &c.LogLevel)
}

func stringList(v any) ([]string, bool) {
	if s, ok := v.(string); ok {
		var out []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, true
	}
	return typeutil.SafeStringSlice(v)
}

// laneMap accepts a table ({shell = 1}) or "shell=1,read=4".
func laneMap(v any) (map[string]int, bool) {
	out := map[string]int{}
	switch t := v.(type) {
	case map[string]int:
		for k, n := range t {
			out[k] = n
		}
	case map[string]any:
		for k, raw := range t {
			n, ok := typeutil.SafeInt(raw)
			if !ok {
				return nil, false
			}
			out[k] = n
		}
	case string:
		for _, part := range strings.Split(t, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			name, num, found := strings.Cut(part, "=")
			if !found {
				return nil, false
			}
			n, ok := typeutil.SafeInt(num)
			if !ok {
				return nil, false
			}
			out[strings.TrimSpace(name)] = n
		}
	default:
		return nil, false
	}
	return out, true
}

// ToMap converts config to a map.
func (c *AgentConfig) ToMap() map[string]any {
	lanes := make(map[string]any, len(c.LaneConcurrency))
	for k, v := range c.LaneConcurrency {
		lanes[k] = v
	}
	return map[string]any{
		"write_lock":               c.WriteLock,
		"gate_medium_risk":         c.GateMediumRisk,
		"allow_shell_substitution": c.AllowShellSubstitution,
		"allow_shell_composite":    c.AllowShellComposite,
		"shell_allowlist":          c.ShellAllowlist,
		"shell_denylist":           c.ShellDenylist,
		"require_shell_allowlist":  c.RequireShellAllowlist,
		"tool_allowlist":           c.ToolAllowlist,
		"tool_denylist":            c.ToolDenylist,
		"queue_warn_after_ms":      c.QueueWarnAfterMs,
		"lane_concurrency":         lanes,
		"shell_timeout_ms":         c.ShellTimeoutMs,
		"retry_max_attempts":       c.RetryMaxAttempts,
		"retry_base_delay_ms":      c.RetryBaseDelayMs,
		"retry_multiplier":         c.RetryMultiplier,
		"retry_max_delay_ms":       c.RetryMaxDelayMs,
		"max_steps":                c.MaxSteps,
		"pending_approval_ttl_ms":  c.PendingApprovalTTLMs,
		"db_path":                  c.DBPath,
		"grpc_addr":                c.GRPCAddr,
		"metrics_addr":             c.MetricsAddr,
		"otlp_endpoint":            c.OTLPEndpoint,
		"nats_url":                 c.NATSURL,
		"nats_subject":             c.NATSSubject,
		"log_level":                c.LogLevel,
	}
}

// Keys returns every recognised key, sorted.
func Keys() []string {
	m := DefaultAgentConfig().ToMap()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate reports the first invalid setting.
func (c *AgentConfig) Validate() error {
	switch {
	case c.MaxSteps < 1:
		return fmt.Errorf("max_steps must be at least 1, got %d", c.MaxSteps)
	case c.RetryMaxAttempts < 1:
		return fmt.Errorf("retry_max_attempts must be at least 1, got %d", c.RetryMaxAttempts)
	case c.RetryBaseDelayMs < 0:
		return fmt.Errorf("retry_base_delay_ms must not be negative")
	case c.RetryMultiplier < 1:
		return fmt.Errorf("retry_multiplier must be at least 1, got %g", c.RetryMultiplier)
	case c.RetryMaxDelayMs < 0:
		return fmt.Errorf("retry_max_delay_ms must not be negative")
	case c.QueueWarnAfterMs < 0:
		return fmt.Errorf("queue_warn_after_ms must not be negative")
	case c.ShellTimeoutMs < 0:
		return fmt.Errorf("shell_timeout_ms must not be negative")
	case c.PendingApprovalTTLMs < 0:
		return fmt.Errorf("pending_approval_ttl_ms must not be negative")
	case c.NATSURL != "" && c.NATSSubject == "":
		return fmt.Errorf("nats_subject is required when nats_url is set")
	}
	for lane, n := range c.LaneConcurrency {
		if n < 1 {
			return fmt.Errorf("lane %q concurrency must be at least 1, got %d", lane, n)
		}
	}
	for _, list := range [][]string{c.ToolAllowlist, c.ToolDenylist} {
		for _, pat := range list {
			if _, err := path.Match(pat, ""); err != nil {
				return fmt.Errorf("bad tool pattern %q: %w", pat, err)
			}
		}
	}
	return nil
}

// =============================================================================
// SERVICE CONFIGS
// =============================================================================

// ToolPolicy returns the tool allow/deny list.
func (c *AgentConfig) ToolPolicy() policy.ToolPolicy {
	return policy.ToolPolicy{Allow: c.ToolAllowlist, Deny: c.ToolDenylist}
}

// ShellPolicy returns the shell analyzer policy.
func (c *AgentConfig) ShellPolicy() policy.ShellPolicy {
	return policy.ShellPolicy{
		AllowSubstitution: c.AllowShellSubstitution,
		AllowComposite:    c.AllowShellComposite,
		Allowlist:         c.ShellAllowlist,
		Denylist:          c.ShellDenylist,
		RequireAllowlist:  c.RequireShellAllowlist,
	}
}

// PolicyConfig returns the policy engine's initial state.
func (c *AgentConfig) PolicyConfig() policy.Config {
	return policy.Config{WriteLock: c.WriteLock, Tools: c.ToolPolicy(), Shell: c.ShellPolicy()}
}

// ApprovalConfig returns the approval gate configuration.
func (c *AgentConfig) ApprovalConfig() approval.Config {
	return approval.Config{
		GateMediumRisk: c.GateMediumRisk,
		PendingTTL:     millis(c.PendingApprovalTTLMs),
	}
}

// RetryConfig returns the Retry Executor configuration without a logger.
func (c *AgentConfig) RetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   millis(c.RetryBaseDelayMs),
		Multiplier:  c.RetryMultiplier,
		MaxDelay:    millis(c.RetryMaxDelayMs),
	}
}

// PlannerConfig returns the controller configuration for runs in cwd.
func (c *AgentConfig) PlannerConfig(cwd string) planner.Config {
	return planner.Config{MaxSteps: c.MaxSteps, Cwd: cwd, Retry: c.RetryConfig()}
}

// KernelConfig returns the kernel configuration.
func (c *AgentConfig) KernelConfig() *kernel.Config {
	kc := kernel.DefaultConfig()
	for lane, n := range c.LaneConcurrency {
		kc.LaneConcurrency[lane] = n
	}
	kc.WarnAfter = millis(c.QueueWarnAfterMs)
	kc.Policy = c.PolicyConfig()
	kc.Approval = c.ApprovalConfig()
	return kc
}

// ShellTimeout returns the per-command shell timeout.
func (c *AgentConfig) ShellTimeout() time.Duration {
	return millis(c.ShellTimeoutMs)
}

// ApplyReloadable pushes the hot-reloadable settings into running services:
// tool and shell policy, and medium-risk gating. The write lock is left
// alone; only Lock and Unlock change it.
func (c *AgentConfig) ApplyReloadable(engine *policy.Engine, gate *approval.Gate) {
	if engine != nil {
		engine.SetToolPolicy(c.ToolPolicy())
		engine.SetShellPolicy(c.ShellPolicy())
	}
	if gate != nil {
		gate.SetGateMediumRisk(c.GateMediumRisk)
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
