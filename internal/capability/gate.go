package capability

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/chr1sbest/marathon/internal/logger"
	"github.com/chr1sbest/marathon/internal/resilience"
)

// Outcome classifies how an invocation ended. Exactly one applies.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeTransport Outcome = "transport"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeFailure   Outcome = "failure"
	OutcomeNotFound  Outcome = "not_found"
)

// DefaultTimeout applies when Invoke is given no timeout.
const DefaultTimeout = 60 * time.Second

// maxOutput bounds how much output a Result keeps.
const maxOutput = 4096

// ErrArtifactMissing downgrades a reported success whose declared artifact
// does not exist.
var ErrArtifactMissing = errors.New("expected output not found")

// ErrTimeout marks an invocation that did not finish in time.
var ErrTimeout = errors.New("timed out")

// Result describes one invocation.
type Result struct {
	ID       string
	OK       bool
	Verified bool // success and the declared artifact exists
	Outcome  Outcome
	Err      error
	Output   string
	Artifact string
	Duration time.Duration
}

// Gate invokes capabilities from a registry.
type Gate struct {
	registry *Registry
	breakers *resilience.CircuitBreakerRegistry
	fs       afero.Fs
	root     string
	log      logger.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

func WithFs(fs afero.Fs) GateOption { return func(g *Gate) { g.fs = fs } }

func WithLogger(l logger.Logger) GateOption { return func(g *Gate) { g.log = l } }

func WithBreakers(b *resilience.CircuitBreakerRegistry) GateOption {
	return func(g *Gate) { g.breakers = b }
}

// NewGate creates a gate resolving artifacts relative to root.
func NewGate(reg *Registry, root string, opts ...GateOption) *Gate {
	g := &Gate{
		registry: reg,
		breakers: resilience.NewCircuitBreakerRegistry(resilience.DefaultCircuitBreakerConfig()),
		fs:       afero.NewOsFs(),
		root:     root,
		log:      logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Registry returns the registry the gate resolves ids against.
func (g *Gate) Registry() *Registry { return g.registry }

type invocation struct {
	out []byte
	err error
}

// Invoke runs capability id with a hard timeout. It never returns an error;
// every failure mode is reported through the Result.
func (g *Gate) Invoke(ctx context.Context, id string, timeout time.Duration) (res Result) {
	start := time.Now()
	res.ID = id
	defer func() {
		res.Duration = time.Since(start)
	}()

	c, err := g.registry.Lookup(id)
	if err == nil {
		err = c.Available()
	}
	if err != nil {
		res.Outcome, res.Err = OutcomeNotFound, err
		return res
	}
	res.Artifact = c.Artifact()

	breaker := g.breakers.Get(id)
	if err := breaker.Allow(); err != nil {
		res.Outcome, res.Err = OutcomeFailure, fmt.Errorf("capability %q: %w", id, err)
		return res
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so an abandoned invocation can still deliver and exit.
	done := make(chan invocation, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invocation{err: fmt.Errorf("capability %q panicked: %v", id, r)}
			}
		}()
		out, err := c.Invoke(runCtx)
		done <- invocation{out: out, err: err}
	}()

	var inv invocation
	select {
	case inv = <-done:
	case <-runCtx.Done():
		inv.err = runCtx.Err()
	}
	res.Output = tail(inv.out)

	switch {
	case inv.err == nil:
		res.Outcome = OutcomeSuccess
	case ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.Outcome = OutcomeTimeout
		res.Err = fmt.Errorf("capability %q %w after %s", id, ErrTimeout, timeout)
	case resilience.IsTransportError(inv.err):
		res.Outcome, res.Err = OutcomeTransport, inv.err
	default:
		res.Outcome, res.Err = OutcomeFailure, inv.err
	}

	if res.Outcome == OutcomeSuccess && res.Artifact != "" {
		if g.exists(res.Artifact) {
			res.Verified = true
		} else {
			res.Outcome = OutcomeFailure
			res.Err = fmt.Errorf("%w: %s", ErrArtifactMissing, res.Artifact)
		}
	}
	res.OK = res.Outcome == OutcomeSuccess

	if res.OK {
		breaker.Record(nil)
	} else {
		breaker.Record(res.Err)
		g.log.Debug("Capability did not succeed",
			logger.F("capability", id),
			logger.F("outcome", string(res.Outcome)),
			logger.F("error", res.Err.Error()),
		)
	}
	return res
}

// BreakerStates exposes circuit state per capability.
func (g *Gate) BreakerStates() map[string]resilience.CircuitState {
	return g.breakers.States()
}

func (g *Gate) exists(p string) bool {
	if !filepath.IsAbs(p) && g.root != "" {
		p = filepath.Join(g.root, p)
	}
	ok, err := afero.Exists(g.fs, p)
	return err == nil && ok
}

func tail(b []byte) string {
	if len(b) > maxOutput {
		b = b[len(b)-maxOutput:]
	}
	return string(b)
}
