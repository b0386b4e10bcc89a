package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chr1sbest/marathon/internal/capability"
	"github.com/chr1sbest/marathon/internal/config"
	"github.com/chr1sbest/marathon/internal/cyclelog"
	"github.com/chr1sbest/marathon/internal/fixtrack"
	"github.com/chr1sbest/marathon/internal/logger"
	"github.com/chr1sbest/marathon/internal/resilience"
	"github.com/chr1sbest/marathon/internal/state"
	"github.com/chr1sbest/marathon/internal/status"
	"github.com/chr1sbest/marathon/internal/telemetry"
	"github.com/chr1sbest/marathon/internal/verify"
)

// StateSaver persists the run state.
type StateSaver interface {
	Save(ctx context.Context, rs *state.RunState) error
}

// CycleLogger receives one entry per cycle.
type CycleLogger interface {
	Append(ctx context.Context, e cyclelog.Entry) error
}

// Settings are the executor knobs that may change between cycles.
type Settings struct {
	AnalysisTimeout time.Duration
	ActionTimeout   time.Duration
	TopK            int
	SweepEvery      int
	SweepWindow     int // 0 sweeps everything since the previous sweep
	ErrorLogCap     int
}

func DefaultSettings() Settings {
	return SettingsFromConfig(config.Default())
}

func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		AnalysisTimeout: cfg.AnalysisTimeout,
		ActionTimeout:   cfg.ActionTimeout,
		TopK:            cfg.FixTracking.TopK,
		SweepEvery:      cfg.Verification.SweepEvery,
		SweepWindow:     cfg.Verification.SweepWindow,
		ErrorLogCap:     cfg.ErrorLogCap,
	}
}

// Executor runs one cycle: analysis, action, verification, persistence.
type Executor struct {
	analyzer Analyzer
	actor    Actor
	verifier *verify.Verifier
	tracker  *fixtrack.Tracker
	saver    StateSaver
	cycleLog CycleLogger
	settings Settings

	log     logger.Logger
	status  *status.Writer
	metrics *telemetry.Metrics
	now     func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

func WithCycleLog(l CycleLogger) ExecutorOption {
	return func(e *Executor) { e.cycleLog = l }
}

func WithLogger(l logger.Logger) ExecutorOption {
	return func(e *Executor) { e.log = l }
}

func WithStatus(s *status.Writer) ExecutorOption {
	return func(e *Executor) { e.status = s }
}

func WithMetrics(m *telemetry.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

func WithSettings(s Settings) ExecutorOption {
	return func(e *Executor) { e.settings = s }
}

func WithTracker(t *fixtrack.Tracker) ExecutorOption {
	return func(e *Executor) { e.tracker = t }
}

func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

func NewExecutor(analyzer Analyzer, actor Actor, verifier *verify.Verifier, saver StateSaver, opts ...ExecutorOption) *Executor {
	e := &Executor{
		analyzer: analyzer,
		actor:    actor,
		verifier: verifier,
		saver:    saver,
		tracker:  fixtrack.New(fixtrack.DefaultCap),
		settings: DefaultSettings(),
		log:      logger.NewNoopLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetSettings replaces the per-cycle knobs. Only call between cycles.
func (e *Executor) SetSettings(s Settings) { e.settings = s }

// Settings returns the current knobs.
func (e *Executor) Settings() Settings { return e.settings }

// SetTracker replaces the fix tracker. Only call between cycles.
func (e *Executor) SetTracker(t *fixtrack.Tracker) { e.tracker = t }

// cycleMarks remembers log lengths at cycle start so the cycle log gets only
// this cycle's entries.
type cycleMarks struct {
	confirmed, falsePositives, errors int
}

// RunCycle advances rs by one cycle. State is persisted before returning,
// whatever happened. The returned error is the first phase error; a panic
// anywhere in the cycle is converted into one. Either is recorded in the
// error log, and so in the cycle's log entry, unless ctx was cancelled.
func (e *Executor) RunCycle(ctx context.Context, rs *state.RunState) (err error) {
	start := e.now()
	rs.CurrentCycle++
	cycle := rs.CurrentCycle
	marks := cycleMarks{
		confirmed:      len(rs.ConfirmedImprovements),
		falsePositives: len(rs.VerificationLedger.FalsePositives),
		errors:         len(rs.ErrorLog),
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle %d panicked: %v", cycle, r)
		}
		if err != nil && (ctx.Err() == nil || !errors.Is(err, ctx.Err())) {
			rs.AppendError(cycle, err.Error(), e.now())
		}
		e.finish(ctx, rs, cycle, start, marks)
	}()

	return e.cycle(ctx, rs, cycle)
}

func (e *Executor) cycle(ctx context.Context, rs *state.RunState, cycle int) error {
	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	// Analysis
	e.display(func(s *status.Writer) { s.Cycle(cycle, rs.CycleCeiling, "analysis") })
	candidates := e.priorityCandidates(rs)
	fresh, timedOut, err := runPhase(ctx, e.settings.AnalysisTimeout, func(ctx context.Context) ([]Candidate, error) {
		return e.analyzer.Analyze(ctx, cycle)
	})
	switch {
	case timedOut:
		e.phaseTimedOut(ctx, cycle, "analysis", e.settings.AnalysisTimeout)
		fresh = fallbackCandidates
	case err != nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		keep(fmt.Errorf("analysis phase: %w", err))
		if len(fresh) == 0 {
			fresh = fallbackCandidates
		}
	}
	candidates = mergeCandidates(candidates, fresh)

	// Action
	e.display(func(s *status.Writer) { s.Cycle(cycle, rs.CycleCeiling, "action") })
	result, timedOut, err := runPhase(ctx, e.settings.ActionTimeout, func(ctx context.Context) (ActionResult, error) {
		return e.actor.Act(ctx, cycle, candidates)
	})
	switch {
	case timedOut:
		e.phaseTimedOut(ctx, cycle, "action", e.settings.ActionTimeout)
		result = ActionResult{}
	case err != nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		keep(fmt.Errorf("action phase: %w", err))
	}
	e.applyAction(ctx, rs, cycle, result)

	// Verification
	e.display(func(s *status.Writer) { s.Cycle(cycle, rs.CycleCeiling, "verification") })
	e.verifyInline(ctx, rs, cycle, result.Improvements)
	if e.settings.SweepEvery > 0 && cycle%e.settings.SweepEvery == 0 {
		if err := e.sweep(ctx, rs, cycle); err != nil {
			keep(fmt.Errorf("verification sweep: %w", err))
		}
	}
	return firstErr
}

func (e *Executor) priorityCandidates(rs *state.RunState) []Candidate {
	var out []Candidate
	for _, d := range fixtrack.Priorities(&rs.FixTracking, e.settings.TopK) {
		out = append(out, Candidate{Description: d, Kind: state.KindFix, Priority: true, Root: d})
	}
	return out
}

// mergeCandidates appends fresh candidates to the priorities, dropping any
// that re-propose a priority already queued this cycle.
func mergeCandidates(priorities, fresh []Candidate) []Candidate {
	queued := make(map[string]bool, len(priorities))
	for _, c := range priorities {
		queued[c.trackingKey()] = true
	}
	out := priorities
	for _, c := range fresh {
		if queued[c.trackingKey()] {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (e *Executor) phaseTimedOut(ctx context.Context, cycle int, phase string, after time.Duration) {
	e.log.Info("Phase timed out, using fallback",
		logger.F("cycle", cycle),
		logger.F("phase", phase),
		logger.F("timeout", after),
	)
	e.metrics.PhaseTimeout(ctx, phase)
	e.display(func(s *status.Writer) { s.PhaseTimeout(cycle, phase, after) })
}

func (e *Executor) applyAction(ctx context.Context, rs *state.RunState, cycle int, result ActionResult) {
	for _, inv := range result.Invocations {
		e.metrics.CapabilityInvoked(ctx, inv.ID, string(inv.Outcome))
		if errors.Is(inv.Err, resilience.ErrCircuitOpen) {
			e.display(func(s *status.Writer) { s.CircuitOpen(inv.ID) })
		}
	}
	for _, c := range result.FixAttempts {
		e.tracker.Track(&rs.FixTracking, c.Category, c.trackingKey(), cycle)
	}
	for _, f := range result.Failures {
		e.log.Warn("Capability failed",
			logger.F("cycle", cycle),
			logger.F("capability", f.Capability),
			logger.F("outcome", string(f.Outcome)),
			logger.F("error", f.Message),
		)
		rs.AppendError(cycle, fmt.Sprintf("%s (%s): %s", f.Capability, f.Outcome, f.Message), e.now())
		e.metrics.ErrorRecorded(ctx, "capability")

		category := fixtrack.Command
		if f.Outcome == capability.OutcomeTransport {
			category = fixtrack.EPIPE
		}
		e.tracker.Track(&rs.FixTracking, string(category), f.Candidate.trackingKey(), cycle)
	}
}

func (e *Executor) verifyInline(ctx context.Context, rs *state.RunState, cycle int, imps []state.Improvement) {
	confirmed, rejected := 0, 0
	for _, imp := range imps {
		v := e.verifier.Verify(imp)
		if v.Confirmed {
			rs.ConfirmedImprovements = append(rs.ConfirmedImprovements, imp)
			rs.VerificationLedger.Confirmed = append(rs.VerificationLedger.Confirmed, state.LedgerEntry{
				Cycle:       imp.Cycle,
				Description: imp.Description,
			})
			confirmed++
			continue
		}
		rs.VerificationLedger.FalsePositives = append(rs.VerificationLedger.FalsePositives, state.LedgerEntry{
			Cycle:       imp.Cycle,
			Description: imp.Description,
			Reason:      v.Reason,
		})
		rejected++
		e.log.Info("Claim rejected by verification",
			logger.F("cycle", cycle),
			logger.F("description", imp.Description),
			logger.F("reason", v.Reason),
		)
	}
	e.metrics.Verified(ctx, confirmed, rejected, false)
}

func (e *Executor) sweep(ctx context.Context, rs *state.RunState, cycle int) error {
	from := rs.VerificationLedger.CyclesCovered
	if e.settings.SweepWindow > 0 {
		from = max(cycle-e.settings.SweepWindow, 0)
	}
	res, err := e.verifier.Sweep(ctx, &rs.VerificationLedger, rs.ConfirmedImprovements, from, cycle)
	if err != nil {
		return err
	}
	e.metrics.Verified(ctx, 0, len(res.Flagged), true)
	e.log.Info("Retrospective verification sweep",
		logger.F("cycle", cycle),
		logger.F("checked", res.Checked),
		logger.F("flagged", len(res.Flagged)),
	)
	return nil
}

// finish compacts, persists and logs the cycle. Failures are logged and
// swallowed; the next cycle persists again.
func (e *Executor) finish(ctx context.Context, rs *state.RunState, cycle int, start time.Time, marks cycleMarks) {
	ctx = context.WithoutCancel(ctx)
	took := e.now().Sub(start)

	entry := cyclelog.Entry{
		RunID:          rs.RunID,
		Cycle:          cycle,
		Timestamp:      e.now(),
		Duration:       took,
		Improvements:   tailFrom(rs.ConfirmedImprovements, marks.confirmed),
		FalsePositives: tailFrom(rs.VerificationLedger.FalsePositives, marks.falsePositives),
		Errors:         tailFrom(rs.ErrorLog, marks.errors),
	}

	if n := rs.CompactErrors(e.settings.ErrorLogCap); n > 0 {
		e.log.Debug("Compacted error log", logger.F("dropped", n))
	}
	if err := e.saver.Save(ctx, rs); err != nil {
		e.log.Error("Failed to persist state", logger.F("cycle", cycle), logger.F("error", err))
	}
	if e.cycleLog != nil {
		if err := e.cycleLog.Append(ctx, entry); err != nil {
			e.log.Error("Failed to append cycle log", logger.F("cycle", cycle), logger.F("error", err))
		}
	}

	e.metrics.CycleCompleted(ctx, took)
	e.display(func(s *status.Writer) {
		s.CycleDone(cycle, rs.CycleCeiling, len(entry.Improvements), len(entry.FalsePositives), len(entry.Errors), took)
	})
	e.log.Debug("Cycle complete",
		logger.F("cycle", cycle),
		logger.F("confirmed", len(entry.Improvements)),
		logger.F("false_positives", len(entry.FalsePositives)),
		logger.F("errors", len(entry.Errors)),
		logger.F("duration", took),
	)
}

func (e *Executor) display(fn func(*status.Writer)) {
	if e.status != nil {
		fn(e.status)
	}
}

func tailFrom[T any](s []T, from int) []T {
	if from >= len(s) {
		return nil
	}
	return append([]T(nil), s[from:]...)
}
