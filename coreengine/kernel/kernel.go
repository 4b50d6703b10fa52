package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/deskpilot/coreengine/approval"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/policy"
)

// =============================================================================
// Kernel Configuration
// =============================================================================

// Config configures the kernel's owned services.
type Config struct {
	// LaneConcurrency presets per-lane concurrency.
	LaneConcurrency map[string]int `json:"lane_concurrency"`
	// WarnAfter is the default queue-pressure threshold.
	WarnAfter time.Duration   `json:"warn_after"`
	Policy    policy.Config   `json:"-"`
	Approval  approval.Config `json:"-"`
	Cleanup   CleanupConfig   `json:"-"`
}

// DefaultConfig returns the default kernel configuration: write lock on,
// high-risk approval gating, one task at a time per lane.
func DefaultConfig() *Config {
	return &Config{
		LaneConcurrency: map[string]int{},
		WarnAfter:       DefaultWarnAfter,
		Policy:          policy.DefaultConfig(),
		Approval:        approval.DefaultConfig(),
		Cleanup:         DefaultCleanupConfig(),
	}
}

// =============================================================================
// Kernel
// =============================================================================

// Kernel owns the process-wide services shared by every planner run:
//
//	queue     Command Queue lanes for side-effecting work
//	policy    Policy Engine (tool policy, shell analysis, write lock)
//	approvals Approval Gate and its pending requests
//
// Usage:
//
//	k := kernel.NewKernel(logger, nil, store, store.ExecAllowlist{Store: st})
//	stop := k.StartCleanupLoop(kernel.DefaultCleanupConfig())
//	defer stop()
//	out, err := k.Queue().Enqueue(ctx, kernel.LaneShell, task, 0)
type Kernel struct {
	config *Config
	logger Logger

	queue     *CommandQueue
	policy    *policy.Engine
	approvals *approval.Gate

	startedAt time.Time
	shutdown  bool
	mu        sync.RWMutex
}

// NewKernel creates a kernel. cfg may be nil for defaults. store persists
// approval policies; exec backs the durable shell allowlist and may be nil.
func NewKernel(logger Logger, cfg *Config, store approval.PolicyStore, exec policy.ExecAllowlist) *Kernel {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.WarnAfter <= 0 {
		cfg.WarnAfter = DefaultWarnAfter
	}
	if store == nil {
		store = approval.NewMemoryStore()
	}

	var (
		policyLog   policy.Logger
		approvalLog approval.Logger
	)
	if logger != nil {
		policyLog, approvalLog = logger, logger
	}

	k := &Kernel{
		config:    cfg,
		logger:    logger,
		queue:     NewCommandQueue(logger, cfg.LaneConcurrency),
		policy:    policy.NewEngine(policyLog, cfg.Policy, exec),
		approvals: approval.NewGate(approvalLog, store, cfg.Approval),
		startedAt: time.Now().UTC(),
	}

	if logger != nil {
		logger.Info("kernel_initialized",
			"write_lock", cfg.Policy.WriteLock,
			"gate_medium_risk", cfg.Approval.GateMediumRisk,
			"lanes", len(cfg.LaneConcurrency),
		)
	}
	return k
}

// Queue returns the command queue.
func (k *Kernel) Queue() *CommandQueue { return k.queue }

// Policy returns the policy engine.
func (k *Kernel) Policy() *policy.Engine { return k.policy }

// Approvals returns the approval gate.
func (k *Kernel) Approvals() *approval.Gate { return k.approvals }

// WarnAfter returns the configured queue-pressure threshold.
func (k *Kernel) WarnAfter() time.Duration { return k.config.WarnAfter }

// Exec runs task on lane with the kernel's default warn threshold.
func (k *Kernel) Exec(ctx context.Context, lane string, task Task) (string, error) {
	if k.isShutdown() {
		return "", ErrQueueClosed
	}
	return k.queue.Enqueue(ctx, lane, task, k.config.WarnAfter)
}

func (k *Kernel) isShutdown() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.shutdown
}

// =============================================================================
// System Status
// =============================================================================

// GetSystemStatus returns a snapshot of every owned service.
func (k *Kernel) GetSystemStatus() map[string]any {
	lanes := make([]map[string]any, 0)
	for _, s := range k.queue.Stats() {
		lanes = append(lanes, map[string]any{
			"lane":           s.Lane,
			"queued":         s.Queued,
			"active":         s.Active,
			"max_concurrent": s.MaxConcurrent,
			"state":          string(s.State),
		})
	}

	return map[string]any{
		"lanes": lanes,
		"policy": map[string]any{
			"write_lock": k.policy.Locked(),
		},
		"approvals": map[string]any{
			"gate_medium_risk": k.approvals.GateMediumRisk(),
			"requests":         k.approvals.RequestStats(),
		},
		"shutdown":       k.isShutdown(),
		"uptime_seconds": time.Since(k.startedAt).Seconds(),
	}
}

// =============================================================================
// Shutdown
// =============================================================================

// ShutdownError aggregates the errors that occurred during shutdown.
type ShutdownError struct {
	Errors []error
}

func (e *ShutdownError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("shutdown error: %v", e.Errors[0])
	}
	return fmt.Sprintf("shutdown completed with %d errors", len(e.Errors))
}

// Unwrap returns the first error for errors.Is/As.
func (e *ShutdownError) Unwrap() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// Shutdown closes the command queue, cancels open approval requests and
// waits for running tasks until ctx is done. Queued tasks are dropped.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.mu.Lock()
	if k.shutdown {
		k.mu.Unlock()
		return nil
	}
	k.shutdown = true
	k.mu.Unlock()

	if k.logger != nil {
		k.logger.Info("kernel_shutdown_initiated")
	}

	var errs []error
	k.queue.Close()

	for _, r := range k.approvals.ListPending("") {
		if err := k.approvals.Cancel(r.ID, "kernel_shutdown"); err != nil {
			errs = append(errs, fmt.Errorf("cancel approval %s: %w", r.ID, err))
		}
	}

	if err := k.queue.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("wait for running tasks: %w", err))
		if k.logger != nil {
			k.logger.Warn("shutdown_cancelled", "error", err.Error())
		}
	}

	if k.logger != nil {
		k.logger.Info("kernel_shutdown_completed", "errors", len(errs))
	}
	if len(errs) > 0 {
		return &ShutdownError{Errors: errs}
	}
	return nil
}
