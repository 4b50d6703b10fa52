package policy

import (
	"errors"
	"fmt"
)

// =============================================================================
// Risk Tier
// =============================================================================

// Tier is the intrinsic risk of an action.
type Tier int

const (
	// TierSafe is read-only inspection.
	TierSafe Tier = iota
	// TierCaution mutates UI or machine state; blocked by the write lock.
	TierCaution
	// TierCritical is never auto-approved.
	TierCritical
)

func (t Tier) String() string {
	switch t {
	case TierSafe:
		return "safe"
	case TierCaution:
		return "caution"
	case TierCritical:
		return "critical"
	}
	return "unknown"
}

// =============================================================================
// Errors
// =============================================================================

// ErrCriticalAction matches (errors.Is) any rejection of a Critical action.
// Callers treat it as safety-critical and end the run.
var ErrCriticalAction = errors.New("critical action")

// Rejection stages.
const (
	StageToolPolicy = "tool_policy"
	StageShell      = "shell"
	StageRisk       = "risk"
	StageWriteLock  = "write_lock"
)

// RejectionError is a non-retryable policy refusal.
type RejectionError struct {
	Stage  string
	Tier   Tier
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("policy rejected at %s (%s): %s", e.Stage, e.Tier, e.Reason)
}

// Unwrap exposes ErrCriticalAction for Critical rejections.
func (e *RejectionError) Unwrap() error {
	if e.Tier == TierCritical {
		return ErrCriticalAction
	}
	return nil
}

// NewRejectionError creates a new RejectionError.
func NewRejectionError(stage string, tier Tier, reason string) *RejectionError {
	return &RejectionError{Stage: stage, Tier: tier, Reason: reason}
}

// IsRejection reports whether err is a policy rejection.
func IsRejection(err error) bool {
	var r *RejectionError
	return errors.As(err, &r)
}
