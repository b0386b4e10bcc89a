package loop

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

type phaseResult[T any] struct {
	val T
	err error
}

// runPhase races fn against timeout. fn runs on its own goroutine and only
// returns data; when the timeout wins the result is dropped and fn may keep
// running in the background with no further effect. A panic in fn is
// returned as an error. A non-positive timeout means no deadline.
func runPhase[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (val T, timedOut bool, err error) {
	var (
		phaseCtx context.Context
		cancel   context.CancelFunc
	)
	if timeout > 0 {
		phaseCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		phaseCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan phaseResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- phaseResult[T]{err: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}
			}
		}()
		v, err := fn(phaseCtx)
		done <- phaseResult[T]{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r.val, false, r.err
	case <-phaseCtx.Done():
		if ctx.Err() != nil {
			return val, false, ctx.Err()
		}
		return val, true, nil
	}
}
