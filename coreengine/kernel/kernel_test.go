package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/deskpilot/coreengine/action"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/approval"
	"github.com/jeeves-cluster-organization/deskpilot/coreengine/policy"
)

// testLogger records "LEVEL: msg" lines.
type testLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *testLogger) record(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, level+": "+msg)
}

func (l *testLogger) Debug(msg string, _ ...any) { l.record("DEBUG", msg) }
func (l *testLogger) Info(msg string, _ ...any)  { l.record("INFO", msg) }
func (l *testLogger) Warn(msg string, _ ...any)  { l.record("WARN", msg) }
func (l *testLogger) Error(msg string, _ ...any) { l.record("ERROR", msg) }

func (l *testLogger) has(entry string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e == entry {
			return true
		}
	}
	return false
}

func (l *testLogger) count(entry string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e == entry {
			n++
		}
	}
	return n
}

func openPending(k *Kernel, text string) approval.Request {
	return k.Approvals().OpenRequest("run-1", text, approval.Plan{Intent: "checkout"},
		approval.Decision{Status: approval.StatusPending, RequiresApproval: true, RiskLevel: approval.RiskHigh})
}

// =============================================================================
// CONSTRUCTION
// =============================================================================

func TestNewKernel_Defaults(t *testing.T) {
	logger := &testLogger{}
	k := NewKernel(logger, nil, nil, nil)
	t.Cleanup(func() { _ = k.Shutdown(context.Background()) })

	assert.True(t, k.Policy().Locked(), "write lock is engaged by default")
	assert.False(t, k.Approvals().GateMediumRisk())
	assert.Equal(t, DefaultWarnAfter, k.WarnAfter())
	assert.True(t, logger.has("INFO: kernel_initialized"))

	err := k.Policy().Check(action.Shell{Command: "touch x"}, "")
	assert.True(t, policy.IsRejection(err))
}

func TestNewKernel_CustomConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy.WriteLock = false
	cfg.Approval.GateMediumRisk = true
	cfg.LaneConcurrency = map[string]int{LaneRead: 4}

	k := NewKernel(nil, cfg, approval.NewMemoryStore(), nil)
	t.Cleanup(func() { _ = k.Shutdown(context.Background()) })

	assert.False(t, k.Policy().Locked())
	assert.True(t, k.Approvals().GateMediumRisk())

	_, err := k.Exec(context.Background(), LaneRead, func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	for _, s := range k.Queue().Stats() {
		if s.Lane == LaneRead {
			assert.Equal(t, 4, s.MaxConcurrent)
		}
	}
}

// =============================================================================
// STATUS
// =============================================================================

func TestGetSystemStatus(t *testing.T) {
	k := NewKernel(nil, nil, nil, nil)
	t.Cleanup(func() { _ = k.Shutdown(context.Background()) })

	out, err := k.Exec(context.Background(), LaneShell, func(context.Context) (string, error) { return "done", nil })
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	openPending(k, "Place order")

	status := k.GetSystemStatus()
	lanes := status["lanes"].([]map[string]any)
	require.Len(t, lanes, 1)
	assert.Equal(t, LaneShell, lanes[0]["lane"])

	assert.Equal(t, true, status["policy"].(map[string]any)["write_lock"])
	requests := status["approvals"].(map[string]any)["requests"].(map[string]int)
	assert.Equal(t, 1, requests["pending"])
	assert.Equal(t, false, status["shutdown"])
	assert.GreaterOrEqual(t, status["uptime_seconds"].(float64), 0.0)
}

// =============================================================================
// SHUTDOWN
// =============================================================================

func TestShutdown_CancelsPendingAndClosesQueue(t *testing.T) {
	logger := &testLogger{}
	k := NewKernel(logger, nil, nil, nil)
	req := openPending(k, "Place order")

	require.NoError(t, k.Shutdown(context.Background()))
	require.NoError(t, k.Shutdown(context.Background()), "second shutdown is a no-op")

	got, err := k.Approvals().GetRequest(req.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.RequestCancelled, got.Status)
	assert.Empty(t, k.Approvals().ListPending(""))

	_, err = k.Exec(context.Background(), LaneShell, func(context.Context) (string, error) { return "", nil })
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.True(t, logger.has("INFO: kernel_shutdown_completed"))
	assert.Equal(t, true, k.GetSystemStatus()["shutdown"])
}

func TestShutdown_TimesOutOnRunningTask(t *testing.T) {
	k := NewKernel(nil, nil, nil, nil)
	release := make(chan struct{})
	defer close(release)

	go func() {
		_, _ = k.Exec(context.Background(), LaneShell, func(context.Context) (string, error) {
			<-release
			return "", nil
		})
	}()
	dropped := make(chan error, 1)
	require.Eventually(t, func() bool {
		for _, s := range k.Queue().Stats() {
			if s.Lane == LaneShell && s.Active == 1 {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
	go func() {
		_, err := k.Exec(context.Background(), LaneShell, func(context.Context) (string, error) { return "late", nil })
		dropped <- err
	}()
	require.Eventually(t, func() bool {
		for _, s := range k.Queue().Stats() {
			if s.Lane == LaneShell && s.Queued == 1 {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := k.Shutdown(ctx)

	var se *ShutdownError
	require.True(t, errors.As(err, &se))
	assert.Len(t, se.Errors, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, <-dropped, ErrDroppedBeforeCompletion)
}

func TestShutdownError(t *testing.T) {
	one := &ShutdownError{Errors: []error{errors.New("a")}}
	assert.Equal(t, "shutdown error: a", one.Error())

	two := &ShutdownError{Errors: []error{context.Canceled, errors.New("b")}}
	assert.Equal(t, "shutdown completed with 2 errors", two.Error())
	assert.ErrorIs(t, two, context.Canceled)

	assert.Nil(t, (&ShutdownError{}).Unwrap())
}

// =============================================================================
// CLEANUP
// =============================================================================

func TestCleanup_ExpiresAndRemovesRequests(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Approval.PendingTTL = time.Millisecond
	k := NewKernel(nil, cfg, nil, nil)
	t.Cleanup(func() { _ = k.Shutdown(context.Background()) })

	for i := 0; i < 3; i++ {
		openPending(k, fmt.Sprintf("Submit form %d", i))
	}
	time.Sleep(5 * time.Millisecond)

	k.Cleanup()
	stats := k.Approvals().RequestStats()
	assert.Equal(t, 3, stats["expired"])
	assert.Equal(t, 3, stats["total"], "default retention keeps closed requests")

	k.runCleanupCycle(CleanupConfig{RequestRetention: time.Nanosecond})
	assert.Equal(t, 0, k.Approvals().RequestStats()["total"])
}

func TestStartCleanupLoop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Approval.PendingTTL = time.Millisecond
	k := NewKernel(nil, cfg, nil, nil)
	t.Cleanup(func() { _ = k.Shutdown(context.Background()) })
	openPending(k, "Confirm order")

	stop := k.StartCleanupLoop(CleanupConfig{Interval: 2 * time.Millisecond, RequestRetention: time.Hour})
	defer stop()

	require.Eventually(t, func() bool {
		return k.Approvals().RequestStats()["expired"] == 1
	}, 2*time.Second, 2*time.Millisecond)
}

func TestCleanupCycle_RecoversPanic(t *testing.T) {
	logger := &testLogger{}
	k := &Kernel{logger: logger, config: DefaultConfig()}

	// A kernel without an approval gate panics inside the cycle.
	var err error
	assert.NotPanics(t, func() { err = k.runCleanupCycle(DefaultCleanupConfig()) })
	require.Error(t, err)
	assert.True(t, IsPanic(err))
	assert.True(t, logger.has("ERROR: panic_recovered"))
	assert.False(t, strings.Contains(strings.Join(logger.entries, ","), "kernel_cleanup_completed"))
}

func TestCleanupLoop_SurvivesPanickingCycles(t *testing.T) {
	logger := &testLogger{}
	k := &Kernel{logger: logger, config: DefaultConfig()}

	stop := k.StartCleanupLoop(CleanupConfig{Interval: time.Millisecond})
	defer stop()

	// Every cycle panics; the loop keeps ticking.
	require.Eventually(t, func() bool {
		return logger.count("ERROR: panic_recovered") >= 2
	}, 2*time.Second, time.Millisecond)
}
