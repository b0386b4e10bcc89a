package loop

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/chr1sbest/marathon/internal/budget"
	"github.com/chr1sbest/marathon/internal/capability"
	"github.com/chr1sbest/marathon/internal/config"
	"github.com/chr1sbest/marathon/internal/fixtrack"
	"github.com/chr1sbest/marathon/internal/logger"
	"github.com/chr1sbest/marathon/internal/state"
	"github.com/chr1sbest/marathon/internal/status"
)

// Stop reasons reported when Run returns.
const (
	StopCeiling     = "cycle ceiling reached"
	StopDeadline    = "deadline reached"
	StopInterrupted = "interrupted"
)

// Configurable components accept a new config between cycles.
type Configurable interface {
	Configure(cfg *config.Config)
}

// Finisher runs once after the loop exits, with the final state.
type Finisher func(ctx context.Context, rs *state.RunState, reason string) error

// ParamsFromConfig derives the static run parameters from cfg.
func ParamsFromConfig(cfg *config.Config, now time.Time) (state.Params, error) {
	p := state.Params{
		Interval:           cfg.Interval,
		DefaultCeiling:     cfg.DefaultCeiling,
		OverrideCeiling:    cfg.OverrideCeiling,
		CustomRunThreshold: cfg.CustomRunThreshold,
	}
	if cfg.Deadline == "" {
		return p, nil
	}
	d, err := budget.ParseDeadline(cfg.Deadline, now)
	if err != nil {
		return p, fmt.Errorf("deadline %q: %w", cfg.Deadline, err)
	}
	p.Deadline = d
	return p, nil
}

// Runner drives cycles until the budget is spent or ctx is cancelled. It
// owns the RunState; nothing else mutates it while Run is active.
type Runner struct {
	store    *state.Store
	exec     *Executor
	params   state.Params
	reconfig *state.Reconfiguration

	cfg      *config.Config
	pending  atomic.Pointer[config.Config]
	targets  []Configurable
	registry *capability.Registry

	backoff   backoff.BackOff
	sleep     func(ctx context.Context, d time.Duration) error
	onStart   func(rs *state.RunState, info state.LoadInfo)
	finishers []Finisher
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithReconfiguration applies an explicit budget change at startup, after
// the persisted state is loaded.
func WithReconfiguration(rc state.Reconfiguration) RunnerOption {
	return func(r *Runner) { r.reconfig = &rc }
}

// WithConfig sets the config the runner started from and the components
// that follow it on reload.
func WithConfig(cfg *config.Config, registry *capability.Registry, targets ...Configurable) RunnerOption {
	return func(r *Runner) {
		r.cfg = cfg
		r.registry = registry
		r.targets = targets
	}
}

// WithErrorBackoff sets the wait after a failed cycle.
func WithErrorBackoff(d time.Duration) RunnerOption {
	return func(r *Runner) { r.backoff = backoff.NewConstantBackOff(d) }
}

func WithSleep(fn func(ctx context.Context, d time.Duration) error) RunnerOption {
	return func(r *Runner) { r.sleep = fn }
}

// WithStartHook is called once the state is loaded, before the first cycle.
func WithStartHook(fn func(rs *state.RunState, info state.LoadInfo)) RunnerOption {
	return func(r *Runner) { r.onStart = fn }
}

func WithFinisher(f Finisher) RunnerOption {
	return func(r *Runner) { r.finishers = append(r.finishers, f) }
}

func NewRunner(store *state.Store, exec *Executor, params state.Params, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:   store,
		exec:    exec,
		params:  params,
		backoff: backoff.NewConstantBackOff(config.DefaultErrorBackoff),
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reload queues cfg to be applied at the next cycle boundary. Safe to call
// from any goroutine; only the latest queued config is applied.
func (r *Runner) Reload(cfg *config.Config) {
	r.pending.Store(cfg)
}

// Run loads the state, loops, and persists on the way out. Cancellation of
// ctx is a normal stop and returns a nil error.
func (r *Runner) Run(ctx context.Context) (*state.RunState, error) {
	log := r.exec.log
	now := r.exec.now()

	rs, info := r.store.Load(r.params, now)
	switch {
	case info.Fresh && info.Cause != nil:
		log.Warn("State unreadable, starting fresh", logger.F("path", r.store.StatePath), logger.F("error", info.Cause))
	case info.Fresh:
		log.Info("Starting fresh run", logger.F("run_id", rs.RunID))
	case len(info.Defaulted) > 0:
		log.Warn("State fields reset to defaults", logger.F("fields", info.Defaulted))
	}
	if fixed := rs.Normalize(r.params, now); len(fixed) > 0 {
		log.Warn("State normalized", logger.F("fields", fixed))
	}
	if r.reconfig != nil && rs.Reconfigure(*r.reconfig, r.params, now) {
		log.Info("Run budget reconfigured",
			logger.F("ceiling", rs.CycleCeiling),
			logger.F("deadline", rs.Deadline),
		)
	}
	r.persist(ctx, rs)
	if r.onStart != nil {
		r.onStart(rs, info)
	}

	log.Info("Run started",
		logger.F("run_id", rs.RunID),
		logger.F("cycle", rs.CurrentCycle),
		logger.F("ceiling", rs.CycleCeiling),
		logger.F("deadline", rs.Deadline),
		logger.F("interval", rs.Interval()),
	)

	reason := r.loop(ctx, rs)

	r.persist(ctx, rs)
	r.exec.display(func(s *status.Writer) { s.Stopped(rs.CurrentCycle, reason) })
	log.Info("Run stopped",
		logger.F("reason", reason),
		logger.F("cycle", rs.CurrentCycle),
		logger.F("confirmed", len(rs.ConfirmedImprovements)),
		logger.F("false_positives", len(rs.VerificationLedger.FalsePositives)),
	)

	finishCtx := context.WithoutCancel(ctx)
	for _, f := range r.finishers {
		if err := f(finishCtx, rs, reason); err != nil {
			log.Error("Finisher failed", logger.F("error", err))
		}
	}
	return rs, nil
}

func (r *Runner) loop(ctx context.Context, rs *state.RunState) string {
	for {
		if ctx.Err() != nil {
			return StopInterrupted
		}
		r.applyPending(rs)
		if reason, stop := r.stopReason(rs); stop {
			return reason
		}

		start := r.exec.now()
		err := r.safeCycle(ctx, rs)
		if ctx.Err() != nil {
			return StopInterrupted
		}

		var wait time.Duration
		if err != nil {
			wait = r.backoff.NextBackOff()
			r.cycleFailed(ctx, rs, err, wait)
		} else {
			r.backoff.Reset()
			if _, stop := r.stopReason(rs); stop {
				continue
			}
			wait = budget.ComputeSleep(rs.Interval(), r.exec.now().Sub(start))
			if wait > 0 {
				r.exec.display(func(s *status.Writer) { s.Waiting(wait) })
			}
		}
		if err := r.sleep(ctx, wait); err != nil {
			return StopInterrupted
		}
	}
}

func (r *Runner) stopReason(rs *state.RunState) (string, bool) {
	now := r.exec.now()
	if budget.ShouldContinue(now, rs.Deadline, rs.CurrentCycle, rs.CycleCeiling) {
		return "", false
	}
	if rs.Deadline != nil && !now.Before(*rs.Deadline) {
		return StopDeadline, true
	}
	return StopCeiling, true
}

// safeCycle converts anything that escapes the executor into an error. The
// executor records its own errors; only a panic past its recovery is
// recorded here.
func (r *Runner) safeCycle(ctx context.Context, rs *state.RunState) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("cycle %d panicked: %v", rs.CurrentCycle, p)
			rs.AppendError(rs.CurrentCycle, err.Error(), r.exec.now())
		}
	}()
	return r.exec.RunCycle(ctx, rs)
}

func (r *Runner) cycleFailed(ctx context.Context, rs *state.RunState, err error, retryIn time.Duration) {
	now := r.exec.now()
	if fixed := rs.Normalize(r.params, now); len(fixed) > 0 {
		r.exec.log.Warn("State normalized after failure", logger.F("fields", fixed))
	}
	rs.CompactErrors(r.exec.settings.ErrorLogCap)
	r.persist(ctx, rs)

	r.exec.metrics.ErrorRecorded(ctx, "cycle")
	r.exec.log.Error("Cycle failed",
		logger.F("cycle", rs.CurrentCycle),
		logger.F("error", err),
		logger.F("retry_in", retryIn),
	)
	r.exec.display(func(s *status.Writer) { s.CycleFailed(rs.CurrentCycle, err, retryIn) })
}

// applyPending swaps in a queued config. The deadline and override only
// change when their configured values changed, so a reload never undoes a
// budget the run already has. The interval target is fixed at init.
func (r *Runner) applyPending(rs *state.RunState) {
	cfg := r.pending.Swap(nil)
	if cfg == nil {
		return
	}
	log := r.exec.log
	now := r.exec.now()

	for _, t := range r.targets {
		t.Configure(cfg)
	}
	if r.registry != nil {
		r.registry.Replace(capability.FromConfig(cfg.Capabilities, cfg.Root))
	}
	r.exec.SetSettings(SettingsFromConfig(cfg))
	r.exec.SetTracker(fixtrack.New(cfg.FixTracking.Cap))
	r.backoff = backoff.NewConstantBackOff(cfg.ErrorBackoff)

	params, err := ParamsFromConfig(cfg, now)
	if err != nil {
		log.Warn("Ignoring reloaded deadline", logger.F("error", err))
		params.Deadline = r.params.Deadline
	}

	var rc state.Reconfiguration
	prev := r.cfg
	if prev == nil {
		prev = &config.Config{}
	}
	if cfg.Deadline != prev.Deadline && err == nil {
		if params.Deadline == nil {
			rc.ClearDeadline = true
		} else {
			rc.Deadline = params.Deadline
		}
	}
	if cfg.OverrideCeiling != prev.OverrideCeiling {
		o := cfg.OverrideCeiling
		rc.OverrideCeiling = &o
	}

	r.params = params
	r.cfg = cfg
	rs.Reconfigure(rc, params, now)
	rs.Recompute(params)

	log.Info("Config reloaded",
		logger.F("ceiling", rs.CycleCeiling),
		logger.F("deadline", rs.Deadline),
		logger.F("interval", rs.Interval()),
	)
}

func (r *Runner) persist(ctx context.Context, rs *state.RunState) {
	if err := r.store.Save(context.WithoutCancel(ctx), rs); err != nil {
		r.exec.log.Error("Failed to persist state", logger.F("error", err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
