package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	mu    sync.Mutex
	warns []string
}

func (l *recordingLogger) Debug(msg string, keysAndValues ...any) {}

func (l *recordingLogger) Warn(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, BaseDelay: time.Millisecond, Multiplier: 2}
}

func TestDo_ExhaustionReturnsLastError(t *testing.T) {
	calls := 0
	var lastErr error

	_, err := Do(context.Background(), fastConfig(3), "always_fails", func(ctx context.Context) (string, error) {
		calls++
		lastErr = fmt.Errorf("attempt %d failed", calls)
		return "", lastErr
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Same(t, lastErr, err)
	assert.EqualError(t, err, "attempt 3 failed")
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	logger := &recordingLogger{}
	cfg := fastConfig(5)
	cfg.Logger = logger

	got, err := Do(context.Background(), cfg, "flaky", func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []string{"retry_attempt_failed", "retry_attempt_failed"}, logger.warns)
}

func TestDo_FirstSuccessNoRetry(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastConfig(3), "ok", func(ctx context.Context) (string, error) {
		calls++
		return "fine", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "fine", got)
	assert.Equal(t, 1, calls)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	denied := errors.New("denied by policy")

	_, err := Do(context.Background(), fastConfig(3), "policy", func(ctx context.Context) (struct{}, error) {
		calls++
		return struct{}{}, Permanent(denied)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, denied)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := Config{MaxAttempts: 5, BaseDelay: time.Hour, Multiplier: 2}

	_, err := Do(ctx, cfg, "slow", func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, errors.New("boom")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Config{}, "zero", func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("nope")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestConfig_Delay(t *testing.T) {
	cfg := Config{BaseDelay: 100 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, cfg.Delay(0))
	assert.Equal(t, 200*time.Millisecond, cfg.Delay(1))
	assert.Equal(t, 400*time.Millisecond, cfg.Delay(2))

	cfg.MaxDelay = 250 * time.Millisecond
	assert.Equal(t, 250*time.Millisecond, cfg.Delay(2))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.BaseDelay)
	assert.InDelta(t, 2.0, cfg.Multiplier, 1e-9)
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(Permanent(errors.New("x"))))
	assert.False(t, IsPermanent(errors.New("x")))
	assert.NoError(t, Permanent(nil))
}
