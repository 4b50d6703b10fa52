// Package retry runs unreliable operations (model calls, shell commands) with
// a bounded number of attempts and exponential backoff between them.
//
// The executor never imposes a deadline on a single attempt; the wrapped
// operation owns its own timeout. Operations must be safe to repeat.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Logger is the structured logger used for retry diagnostics.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// Config bounds one retried call.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration
	Logger   Logger
}

// DefaultConfig returns three attempts starting at 500ms, doubling.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2.0,
	}
}

// Delay returns the wait after the given zero-based failed attempt:
// BaseDelay * Multiplier^attempt, capped by MaxDelay.
func (c Config) Delay(attempt int) time.Duration {
	d := time.Duration(float64(c.BaseDelay) * math.Pow(c.multiplier(), float64(attempt)))
	if c.MaxDelay > 0 && d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

func (c Config) multiplier() float64 {
	if c.Multiplier < 1 {
		return 1
	}
	return c.Multiplier
}

func (c Config) attempts() int {
	if c.MaxAttempts < 1 {
		return 1
	}
	return c.MaxAttempts
}

// newBackOff builds a deterministic exponential schedule (no jitter) that
// stops after MaxAttempts-1 retries or when ctx is done.
func (c Config) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.BaseDelay
	exp.Multiplier = c.multiplier()
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.MaxInterval = time.Duration(math.MaxInt64)
	if c.MaxDelay > 0 {
		exp.MaxInterval = c.MaxDelay
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.attempts()-1)), ctx)
}

// Permanent marks err as non-retryable. Do returns it on the attempt that
// produced it, unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// Do invokes op up to cfg.MaxAttempts times, waiting cfg.Delay(n) after the
// n-th failure, and returns the last attempt's error once all attempts fail.
// A Permanent error or a done ctx stops early. label only feeds diagnostics.
func Do[T any](ctx context.Context, cfg Config, label string, op func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0

	operation := func() (T, error) {
		attempt++
		return op(ctx)
	}

	notify := func(err error, wait time.Duration) {
		if cfg.Logger != nil {
			cfg.Logger.Warn("retry_attempt_failed",
				"label", label,
				"attempt", attempt,
				"max_attempts", cfg.attempts(),
				"next_delay", wait,
				"error", err.Error(),
			)
		}
	}

	v, err := backoff.RetryNotifyWithData(operation, cfg.newBackOff(ctx), notify)
	if cfg.Logger == nil {
		return v, err
	}
	switch {
	case err == nil && attempt > 1:
		cfg.Logger.Debug("retry_succeeded", "label", label, "attempt", attempt)
	case err != nil && attempt >= cfg.attempts():
		cfg.Logger.Warn("retry_exhausted", "label", label, "attempts", attempt, "error", err.Error())
	}
	return v, err
}
