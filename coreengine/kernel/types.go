// Package kernel owns the process-wide services of the agent core: the
// Command Queue that serializes side-effecting work into lanes, the policy
// engine, and the approval gate. Services are constructed once and handed to
// planner runs explicitly; there are no package-level singletons.
package kernel

import (
	"context"
	"errors"
	"time"
)

// Logger is the structured key/value logger used across the kernel.
// A nil Logger is valid and silences output.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// Lane Types
// =============================================================================

// Task is a unit of work run by a lane. The returned string is the task's
// output (for shell tasks, combined stdout/stderr).
type Task func(ctx context.Context) (string, error)

// LaneState is the pump state of a lane.
//
//	Idle -> Draining   on enqueue, or on completion with a non-empty queue
//	Draining -> Idle   when the pump finds the lane empty or saturated
type LaneState string

const (
	// LaneIdle means no pump is responsible for the lane.
	LaneIdle LaneState = "idle"
	// LaneDraining means exactly one pump is dispatching the lane's queue.
	LaneDraining LaneState = "draining"
)

// Well-known lane names.
const (
	LaneShell  = "shell"
	LaneNative = "native"
	LaneRead   = "read"
)

// DefaultLaneConcurrency is the concurrency of a lane nobody configured.
const DefaultLaneConcurrency = 1

// DefaultWarnAfter is the queue-pressure threshold used when none is given.
const DefaultWarnAfter = 2 * time.Second

// LaneStats is a point-in-time snapshot of one lane.
type LaneStats struct {
	Lane          string    `json:"lane"`
	Queued        int       `json:"queued"`
	Active        int       `json:"active"`
	MaxConcurrent int       `json:"max_concurrent"`
	State         LaneState `json:"state"`
}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrDroppedBeforeCompletion is returned to a caller whose task was
	// discarded (queue torn down) before it produced a result.
	ErrDroppedBeforeCompletion = errors.New("task dropped before completion")
	// ErrQueueClosed is returned by Enqueue after Close.
	ErrQueueClosed = errors.New("command queue closed")
)
