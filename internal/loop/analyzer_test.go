package loop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chr1sbest/marathon/internal/capability"
	"github.com/chr1sbest/marathon/internal/config"
	"github.com/chr1sbest/marathon/internal/state"
)

func TestParseCandidates(t *testing.T) {
	out := `
fix: tighten retry budget
- enhancement: document the lock file
note: this has an unknown kind
* plain line without kind

fix:
`
	got := ParseCandidates(out, 10)
	require.Len(t, got, 5)
	assert.Equal(t, Candidate{Description: "tighten retry budget", Kind: state.KindFix}, got[0])
	assert.Equal(t, Candidate{Description: "document the lock file", Kind: state.KindEnhancement}, got[1])
	assert.Equal(t, "note: this has an unknown kind", got[2].Description)
	assert.Equal(t, state.KindEnhancement, got[2].Kind)
	assert.Equal(t, "plain line without kind", got[3].Description)
	assert.Equal(t, "fix:", got[4].Description)
}

func TestParseCandidatesLimit(t *testing.T) {
	got := ParseCandidates("a\nb\nc\nd", 2)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[1].Description)
}

func newTestGate(t *testing.T, caps ...capability.Capability) *capability.Gate {
	t.Helper()
	reg := capability.NewRegistry()
	for _, c := range caps {
		reg.Register(c)
	}
	return capability.NewGate(reg, "/repo", capability.WithFs(afero.NewMemMapFs()))
}

func TestPolicyAnalyzerSchedule(t *testing.T) {
	cfg := config.Default()
	cfg.Schedule = []config.ScheduleEntry{
		{Capability: "lint", Every: 2, Kind: "fix", Description: "run linters", Category: "syntax"},
		{Every: 3, Description: "review docs"},
	}
	a := NewPolicyAnalyzer(newTestGate(t), cfg)

	got, err := a.Analyze(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = a.Analyze(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "lint", got[0].Capability)
	assert.Equal(t, state.KindFix, got[0].Kind)
	assert.Equal(t, "syntax", got[0].Category)

	got, err = a.Analyze(context.Background(), 6)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestPolicyAnalyzerCapabilityOutput(t *testing.T) {
	gate := newTestGate(t, capability.Func{
		Name: "suggest",
		Fn: func(ctx context.Context) ([]byte, error) {
			return []byte("fix: handle EPIPE in exporter\nadd a status command\n"), nil
		},
	})
	cfg := config.Default()
	cfg.Analyzer = "suggest"
	a := NewPolicyAnalyzer(gate, cfg)

	got, err := a.Analyze(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, state.KindFix, got[0].Kind)
	assert.Equal(t, "add a status command", got[1].Description)
}

func TestPolicyAnalyzerCapabilityFailureKeepsSchedule(t *testing.T) {
	gate := newTestGate(t, capability.Func{
		Name: "suggest",
		Fn:   func(ctx context.Context) ([]byte, error) { return nil, errors.New("exit status 2") },
	})
	cfg := config.Default()
	cfg.Analyzer = "suggest"
	cfg.Schedule = []config.ScheduleEntry{{Every: 1, Description: "always"}}
	a := NewPolicyAnalyzer(gate, cfg)

	got, err := a.Analyze(context.Background(), 1)
	require.Error(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "always", got[0].Description)
}

func TestPolicyAnalyzerConfigure(t *testing.T) {
	cfg := config.Default()
	a := NewPolicyAnalyzer(newTestGate(t), cfg)

	next := *cfg
	next.Schedule = []config.ScheduleEntry{{Every: 1, Description: "new entry"}}
	a.Configure(&next)

	got, err := a.Analyze(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new entry", got[0].Description)
}

func TestCapabilityActor(t *testing.T) {
	fs := afero.NewMemMapFs()
	reg := capability.NewRegistry()
	reg.Register(capability.Func{
		Name: "write",
		Path: "out/notes.md",
		Fn: func(ctx context.Context) ([]byte, error) {
			return nil, afero.WriteFile(fs, "/repo/out/notes.md", []byte("ok"), 0o644)
		},
	})
	reg.Register(capability.Func{
		Name: "broken",
		Fn:   func(ctx context.Context) ([]byte, error) { return nil, errors.New("exit status 1") },
	})
	gate := capability.NewGate(reg, "/repo", capability.WithFs(fs))

	cfg := config.Default()
	cfg.MaxActionsPerCycle = 3
	actor := NewCapabilityActor(gate, cfg)

	res, err := actor.Act(context.Background(), 4, []Candidate{
		{Description: "write notes", Kind: state.KindEnhancement, Capability: "write"},
		{Description: "fix the build", Kind: state.KindFix, Capability: "broken"},
		{Description: "idle", Kind: state.KindEnhancement},
		{Description: "dropped by the cap", Kind: state.KindEnhancement},
	})
	require.NoError(t, err)

	require.Len(t, res.Invocations, 3)
	require.Len(t, res.Improvements, 2)
	assert.Equal(t, "out/notes.md", res.Improvements[0].Artifact)
	assert.Equal(t, "write", res.Improvements[0].Subsystem)
	assert.Equal(t, 4, res.Improvements[0].Cycle)
	assert.Equal(t, capability.NoopID, res.Improvements[1].Subsystem)

	require.Len(t, res.Failures, 1)
	assert.Equal(t, "broken", res.Failures[0].Capability)
	assert.Equal(t, capability.OutcomeFailure, res.Failures[0].Outcome)
	assert.Equal(t, "fix the build", res.Failures[0].Candidate.Description)
	assert.Empty(t, res.FixAttempts, "a failed fix is reported once, as a failure")
}

func TestCapabilityActorReportsSuccessfulFix(t *testing.T) {
	actor := NewCapabilityActor(newTestGate(t), config.Default())

	res, err := actor.Act(context.Background(), 2, []Candidate{
		{Description: "fix missing import", Kind: state.KindFix, Root: "missing import"},
	})
	require.NoError(t, err)
	require.Len(t, res.FixAttempts, 1)
	assert.Equal(t, "missing import", res.FixAttempts[0].trackingKey())
	require.Len(t, res.Improvements, 1)
	assert.Equal(t, "fix missing import", res.Improvements[0].Description)
}

func TestCapabilityActorStopsOnCancel(t *testing.T) {
	actor := NewCapabilityActor(newTestGate(t), config.Default())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := actor.Act(ctx, 1, []Candidate{{Description: "x"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunPhase(t *testing.T) {
	v, timedOut, err := runPhase(context.Background(), time.Second, func(ctx context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.False(t, timedOut)
	assert.Equal(t, 7, v)

	_, timedOut, err = runPhase(context.Background(), 10*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.NoError(t, err)
	assert.True(t, timedOut)

	_, _, err = runPhase(context.Background(), time.Second, func(ctx context.Context) (int, error) {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, timedOut, err = runPhase(ctx, time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, nil
	})
	assert.False(t, timedOut)
	assert.ErrorIs(t, err, context.Canceled)
}
