package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxRetries int           // Maximum number of retry attempts
	InitDelay  time.Duration // Initial delay between retries
	MaxDelay   time.Duration // Maximum delay cap
	Multiplier float64       // Backoff multiplier (e.g., 2.0 for doubling)
	Jitter     float64       // Jitter factor (0.0 to 1.0)
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		InitDelay:  100 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// RetryFunc is the function signature for operations that can be retried.
type RetryFunc func(ctx context.Context) error

// RetryCallback is called before each retry attempt.
type RetryCallback func(attempt int, err error, nextDelay time.Duration)

// Retry executes the operation with exponential backoff and jitter.
// Returns the last error if all retries fail.
func Retry(ctx context.Context, cfg RetryConfig, fn RetryFunc) error {
	return RetryWithCallback(ctx, cfg, fn, nil)
}

// RetryWithCallback executes with retry and calls back before each attempt.
func RetryWithCallback(ctx context.Context, cfg RetryConfig, fn RetryFunc, callback RetryCallback) error {
	return retry(ctx, cfg, fn, func(err error) bool { return !IsPermanentError(err) }, callback)
}

func retry(ctx context.Context, cfg RetryConfig, fn RetryFunc, shouldRetry func(error) bool, callback RetryCallback) error {
	attempt := 0
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := fn(ctx)
		if err != nil && !shouldRetry(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		attempt++
		if callback != nil {
			callback(attempt, err, next)
		}
	}

	var b backoff.BackOff = newBackOff(cfg)
	b = backoff.WithMaxRetries(b, uint64(max(cfg.MaxRetries, 0)))
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

func newBackOff(cfg RetryConfig) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitDelay
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = 100 * time.Millisecond
	}
	bo.MaxInterval = cfg.MaxDelay
	if bo.MaxInterval < bo.InitialInterval {
		bo.MaxInterval = bo.InitialInterval
	}
	bo.Multiplier = cfg.Multiplier
	if bo.Multiplier < 1 {
		bo.Multiplier = 1
	}
	bo.RandomizationFactor = cfg.Jitter
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}
