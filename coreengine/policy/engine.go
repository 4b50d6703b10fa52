// Package policy decides whether a proposed action may run at all.
//
// Check runs a short-circuiting pipeline: tool allow/deny list, shell
// command analysis (shell actions only), intrinsic risk classification, and
// the global write lock. Critical actions are never allowed by this engine.
package policy

import (
	"sync"

	"github.com/jeeves-cluster-organization/deskpilot/coreengine/action"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/observability"
)

// Logger is the structured logger used by the engine.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// Config is the engine's initial state.
type Config struct {
	WriteLock bool
	Tools     ToolPolicy
	Shell     ShellPolicy
}

// DefaultConfig engages the write lock and allows every tool.
func DefaultConfig() Config {
	return Config{WriteLock: true}
}

// Engine is the policy engine. Safe for concurrent use.
type Engine struct {
	logger Logger
	exec   ExecAllowlist

	tools     ToolPolicy
	shell     ShellPolicy
	writeLock bool
	mu        sync.RWMutex
}

// NewEngine creates an engine. exec may be nil when no durable exec
// allowlist is available.
func NewEngine(logger Logger, cfg Config, exec ExecAllowlist) *Engine {
	return &Engine{
		logger:    logger,
		exec:      exec,
		tools:     cfg.Tools,
		shell:     cfg.Shell,
		writeLock: cfg.WriteLock,
	}
}

// Check returns nil if a may run in cwd, or a *RejectionError. Rejections of
// Critical actions also match ErrCriticalAction. For shell actions, the
// action's own Cwd takes precedence over cwd.
func (e *Engine) Check(a action.Action, cwd string) error {
	e.mu.RLock()
	tools, shell, locked := e.tools, e.shell, e.writeLock
	e.mu.RUnlock()

	tier, tierReason := Classify(a)
	err := e.check(a, cwd, tools, shell, locked, tier, tierReason)

	observability.RecordPolicyCheck(tier.String(), err == nil)
	if err != nil && e.logger != nil {
		e.logger.Warn("policy_rejected",
			"action_type", string(a.Kind()),
			"tier", tier.String(),
			"error", err.Error(),
		)
	}
	return err
}

func (e *Engine) check(a action.Action, cwd string, tools ToolPolicy, shell ShellPolicy, locked bool, tier Tier, tierReason string) error {
	if ok, reason := tools.Allowed(string(a.Kind())); !ok {
		return NewRejectionError(StageToolPolicy, tier, reason)
	}

	if sh, ok := a.(action.Shell); ok {
		if sh.Cwd != "" {
			cwd = sh.Cwd
		}
		analysis, err := AnalyzeShell(sh.Command)
		if err != nil {
			return NewRejectionError(StageShell, tier, err.Error())
		}
		if reason := shell.evaluate(analysis, cwd, e.exec); reason != "" {
			return NewRejectionError(StageShell, tier, reason)
		}
	}

	switch {
	case tier == TierCritical:
		return NewRejectionError(StageRisk, tier, tierReason+" requires explicit human execution")
	case tier == TierCaution && locked:
		return NewRejectionError(StageWriteLock, tier, "write lock engaged: "+tierReason)
	}
	return nil
}

// Classify returns the risk tier of a.
func (e *Engine) Classify(a action.Action) Tier {
	tier, _ := Classify(a)
	return tier
}

// Lock engages the write lock.
func (e *Engine) Lock() {
	e.setLock(true)
}

// Unlock releases the write lock so Caution actions may run.
func (e *Engine) Unlock() {
	e.setLock(false)
}

func (e *Engine) setLock(locked bool) {
	e.mu.Lock()
	changed := e.writeLock != locked
	e.writeLock = locked
	e.mu.Unlock()

	if changed && e.logger != nil {
		e.logger.Info("write_lock_changed", "locked", locked)
	}
}

// Locked reports whether the write lock is engaged.
func (e *Engine) Locked() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.writeLock
}

// SetToolPolicy replaces the tool allow/deny lists.
func (e *Engine) SetToolPolicy(p ToolPolicy) {
	e.mu.Lock()
	e.tools = p
	e.mu.Unlock()
}

// SetShellPolicy replaces the shell policy.
func (e *Engine) SetShellPolicy(p ShellPolicy) {
	e.mu.Lock()
	e.shell = p
	e.mu.Unlock()
}

// Snapshot returns the current configuration.
func (e *Engine) Snapshot() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Config{WriteLock: e.writeLock, Tools: e.tools, Shell: e.shell}
}
