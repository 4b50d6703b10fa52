package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// PlanKey fingerprints a decision point: the goal plus the observation.
// Equal inputs always give equal keys. Keys are bookkeeping only.
func PlanKey(goal string, obs Observation) string {
	d := xxhash.New()
	_, _ = d.WriteString(goal)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(obs.Image)
	_, _ = d.Write([]byte{0})
	if len(obs.Metadata) > 0 {
		// encoding/json sorts map keys.
		if b, err := json.Marshal(obs.Metadata); err == nil {
			_, _ = d.Write(b)
		}
	}
	return fmt.Sprintf("%016x", d.Sum64())
}

// History entry prefixes written by the controller.
const (
	EntryFailed         = "FAILED"
	EntryError          = "ERROR"
	EntrySchemaError    = "SCHEMA_ERROR"
	EntryBlocked        = "BLOCKED"
	EntryPlanRejected   = "PLAN_REJECTED"
	EntryPolicyDenied   = "POLICY_DENIED"
	EntryApprovalDenied = "APPROVAL_DENIED"
	EntryLoopOverride   = "LOOP_OVERRIDE"
	EntryRetryContext   = "RETRY_CONTEXT"

	// Not failures: the run stops without counting against the plan key.
	EntryEscalated       = "ESCALATED"
	EntryApprovalPending = "APPROVAL_PENDING"
)

var failurePrefixes = []string{
	EntryFailed, EntryError, EntrySchemaError, EntryBlocked,
	EntryPlanRejected, EntryPolicyDenied, EntryApprovalDenied,
}

func entry(prefix, msg string) string {
	return prefix + ": " + msg
}

// LastFailure returns the most recent failure or blocked entry, or "".
func LastFailure(history []string) string {
	for i := len(history) - 1; i >= 0; i-- {
		for _, p := range failurePrefixes {
			if strings.HasPrefix(history[i], p+":") {
				return history[i]
			}
		}
	}
	return ""
}

// RetryContext renders the annotation added to a planning request when a
// decision point is revisited or the previous step failed.
func RetryContext(attempt int, planKey, lastAction, lastFailure string) string {
	if lastAction == "" {
		lastAction = "none"
	}
	if lastFailure == "" {
		lastFailure = "none"
	}
	return fmt.Sprintf("%s: attempt=%d plan_key=%s last_action=%s last_failure=%s",
		EntryRetryContext, attempt, planKey, lastAction, lastFailure)
}
