package loop

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/chr1sbest/marathon/internal/capability"
	"github.com/chr1sbest/marathon/internal/config"
	"github.com/chr1sbest/marathon/internal/state"
)

// Failure is a candidate whose capability did not succeed.
type Failure struct {
	Candidate  Candidate
	Capability string
	Outcome    capability.Outcome
	Message    string
}

// ActionResult is everything the action phase produced. It is plain data;
// the executor applies it to the run state. Each attempted candidate lands in
// exactly one of FixAttempts (fix candidates that ran), Improvements, or
// Failures; a successful fix is in both FixAttempts and Improvements.
type ActionResult struct {
	Improvements []state.Improvement
	Failures     []Failure
	FixAttempts  []Candidate
	Invocations  []capability.Result
}

// Actor attempts candidates.
type Actor interface {
	Act(ctx context.Context, cycle int, candidates []Candidate) (ActionResult, error)
}

// ActorFunc adapts a function into an Actor.
type ActorFunc func(ctx context.Context, cycle int, candidates []Candidate) (ActionResult, error)

func (f ActorFunc) Act(ctx context.Context, cycle int, candidates []Candidate) (ActionResult, error) {
	return f(ctx, cycle, candidates)
}

type actorSettings struct {
	defaultCapability string
	maxActions        int
	cfg               *config.Config
}

// CapabilityActor runs each candidate's capability through the gate.
type CapabilityActor struct {
	gate     *capability.Gate
	settings atomic.Pointer[actorSettings]
	now      func() time.Time
}

func NewCapabilityActor(gate *capability.Gate, cfg *config.Config) *CapabilityActor {
	a := &CapabilityActor{gate: gate, now: time.Now}
	a.Configure(cfg)
	return a
}

func (a *CapabilityActor) Configure(cfg *config.Config) {
	def := cfg.DefaultCapability
	if def == "" {
		def = capability.NoopID
	}
	a.settings.Store(&actorSettings{
		defaultCapability: def,
		maxActions:        cfg.MaxActionsPerCycle,
		cfg:               cfg,
	})
}

func (a *CapabilityActor) Act(ctx context.Context, cycle int, candidates []Candidate) (ActionResult, error) {
	s := a.settings.Load()
	if s.maxActions > 0 && len(candidates) > s.maxActions {
		candidates = candidates[:s.maxActions]
	}

	var res ActionResult
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		id := c.Capability
		if id == "" {
			id = s.defaultCapability
		}
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = s.cfg.TimeoutFor(id)
		}
		inv := a.gate.Invoke(ctx, id, timeout)
		res.Invocations = append(res.Invocations, inv)

		if inv.OK {
			if c.Kind == state.KindFix {
				res.FixAttempts = append(res.FixAttempts, c)
			}
			res.Improvements = append(res.Improvements, state.Improvement{
				Cycle:       cycle,
				Timestamp:   a.now(),
				Kind:        c.Kind,
				Description: c.Description,
				Artifact:    inv.Artifact,
				Subsystem:   id,
			})
			continue
		}
		res.Failures = append(res.Failures, Failure{
			Candidate:  c,
			Capability: id,
			Outcome:    inv.Outcome,
			Message:    inv.Err.Error(),
		})
	}
	return res, nil
}
