package loop

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chr1sbest/marathon/internal/capability"
	"github.com/chr1sbest/marathon/internal/config"
	"github.com/chr1sbest/marathon/internal/state"
)

// Candidate is a proposed unit of work.
type Candidate struct {
	Description string
	Kind        state.Kind
	Capability  string // empty runs the default capability
	Category    string // fix-tracking category; empty is auto-classified
	Timeout     time.Duration
	Priority    bool   // fed back from the fix tracker
	Root        string // tracked description a priority re-feeds
}

// trackingKey is the description fix tracking counts this candidate under.
// Re-fed priorities keep their root so repeated attempts land on one row.
func (c Candidate) trackingKey() string {
	if c.Root != "" {
		return c.Root
	}
	return c.Description
}

// fallbackCandidates replace the analysis output when the phase times out.
var fallbackCandidates = []Candidate{{Description: "continue improving", Kind: state.KindEnhancement}}

// Analyzer produces fresh candidates for a cycle.
type Analyzer interface {
	Analyze(ctx context.Context, cycle int) ([]Candidate, error)
}

// AnalyzerFunc adapts a function into an Analyzer.
type AnalyzerFunc func(ctx context.Context, cycle int) ([]Candidate, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, cycle int) ([]Candidate, error) {
	return f(ctx, cycle)
}

// maxAnalyzerCandidates caps how many lines of analyzer output are used.
const maxAnalyzerCandidates = 5

type policy struct {
	schedule []config.ScheduleEntry
	analyzer string
	timeout  time.Duration
}

// PolicyAnalyzer emits candidates from a schedule table and, optionally, from
// an analyzer capability whose stdout lines read "kind: description".
type PolicyAnalyzer struct {
	gate   *capability.Gate
	policy atomic.Pointer[policy]
}

func NewPolicyAnalyzer(gate *capability.Gate, cfg *config.Config) *PolicyAnalyzer {
	a := &PolicyAnalyzer{gate: gate}
	a.Configure(cfg)
	return a
}

// Configure swaps the policy. Safe to call while an abandoned Analyze is
// still running.
func (a *PolicyAnalyzer) Configure(cfg *config.Config) {
	a.policy.Store(&policy{
		schedule: append([]config.ScheduleEntry(nil), cfg.Schedule...),
		analyzer: cfg.Analyzer,
		timeout:  cfg.TimeoutFor(cfg.Analyzer),
	})
}

func (a *PolicyAnalyzer) Analyze(ctx context.Context, cycle int) ([]Candidate, error) {
	p := a.policy.Load()

	var out []Candidate
	for _, s := range p.schedule {
		if !s.Due(cycle) {
			continue
		}
		out = append(out, Candidate{
			Description: s.Description,
			Kind:        state.ParseKind(s.Kind),
			Capability:  s.Capability,
			Category:    s.Category,
			Timeout:     s.Timeout,
		})
	}

	if p.analyzer == "" {
		return out, nil
	}
	res := a.gate.Invoke(ctx, p.analyzer, p.timeout)
	if !res.OK {
		return out, fmt.Errorf("analyzer %s: %s: %w", p.analyzer, res.Outcome, res.Err)
	}
	return append(out, ParseCandidates(res.Output, maxAnalyzerCandidates)...), nil
}

// ParseCandidates reads up to limit candidates from analyzer output. A line
// "fix: tighten retries" becomes a fix candidate; a line without a known kind
// prefix becomes an enhancement with the whole line as description.
func ParseCandidates(output string, limit int) []Candidate {
	var out []Candidate
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() && len(out) < limit {
		line := strings.TrimSpace(sc.Text())
		line = strings.TrimLeft(line, "-* ")
		if line == "" {
			continue
		}
		c := Candidate{Description: line, Kind: state.KindEnhancement}
		if kind, desc, ok := strings.Cut(line, ":"); ok {
			k := strings.ToLower(strings.TrimSpace(kind))
			if state.ParseKind(k) == state.Kind(k) && strings.TrimSpace(desc) != "" {
				c.Kind = state.Kind(k)
				c.Description = strings.TrimSpace(desc)
			}
		}
		out = append(out, c)
	}
	return out
}
