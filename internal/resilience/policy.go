package resilience

import (
	"context"
	"errors"
	"syscall"
	"time"
)

// Policy is a RetryConfig bound to the decision of which failures earn another
// attempt.
type Policy struct {
	Name string
	RetryConfig

	// Retryable reports whether a failed attempt should be repeated. Nil means
	// anything IsPermanentError does not reject.
	Retryable func(error) bool

	// OnRetry observes each failed attempt before the wait.
	OnRetry RetryCallback
}

// Once runs the operation a single time.
var Once = Policy{Name: "once"}

// StateWrite covers rewriting the run's state file. Each attempt is cheap and
// local, so waits stay short; a full disk is not worth waiting on.
var StateWrite = Policy{
	Name: "state-write",
	RetryConfig: RetryConfig{
		MaxRetries: 3,
		InitDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	},
	Retryable: func(err error) bool {
		return !IsPermanentError(err) && !errors.Is(err, syscall.ENOSPC)
	},
}

// Notify returns a copy of p that reports retries to fn.
func (p Policy) Notify(fn RetryCallback) Policy {
	p.OnRetry = fn
	return p
}

// Execute runs fn under the policy.
func (p Policy) Execute(ctx context.Context, fn RetryFunc) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransientError
	}
	return retry(ctx, p.RetryConfig, fn, retryable, p.OnRetry)
}
