package kernel

import (
	"time"
)

// CleanupConfig holds the background cleanup parameters.
type CleanupConfig struct {
	// Interval is how often cleanup runs (default: 1 minute).
	Interval time.Duration
	// RequestRetention is how long closed approval requests are kept
	// (default: 24 hours).
	RequestRetention time.Duration
}

// DefaultCleanupConfig returns the default cleanup configuration.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Interval:         time.Minute,
		RequestRetention: 24 * time.Hour,
	}
}

// StartCleanupLoop starts a goroutine that periodically expires overdue
// approval requests and drops old closed ones. The returned function stops
// it.
func (k *Kernel) StartCleanupLoop(cfg CleanupConfig) func() {
	if cfg.Interval <= 0 {
		cfg = DefaultCleanupConfig()
	}

	ticker := time.NewTicker(cfg.Interval)
	done := make(chan struct{})

	SafeGo(k.logger, "kernel_cleanup_loop", func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				k.runCleanupCycle(cfg)
			case <-done:
				return
			}
		}
	}, nil)

	return func() { close(done) }
}

// Cleanup runs one cleanup cycle with the kernel's configured retention.
func (k *Kernel) Cleanup() {
	_ = k.runCleanupCycle(k.config.Cleanup)
}

// runCleanupCycle reports a recovered panic as *PanicError.
func (k *Kernel) runCleanupCycle(cfg CleanupConfig) error {
	return SafeExecute(k.logger, "kernel_cleanup", func() error {
		expired := k.approvals.ExpirePending()
		removed := 0
		if cfg.RequestRetention > 0 {
			removed = k.approvals.CleanupClosed(cfg.RequestRetention)
		}

		if k.logger != nil && (expired > 0 || removed > 0) {
			k.logger.Debug("kernel_cleanup_completed",
				"approvals_expired", expired,
				"approvals_removed", removed,
			)
		}
		return nil
	})
}
