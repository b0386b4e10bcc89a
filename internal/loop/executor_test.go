package loop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chr1sbest/marathon/internal/capability"
	"github.com/chr1sbest/marathon/internal/config"
	"github.com/chr1sbest/marathon/internal/cyclelog"
	"github.com/chr1sbest/marathon/internal/fixtrack"
	"github.com/chr1sbest/marathon/internal/state"
	"github.com/chr1sbest/marathon/internal/verify"
)

type recordingSaver struct {
	mu     sync.Mutex
	cycles []int
	err    error
}

func (s *recordingSaver) Save(ctx context.Context, rs *state.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles = append(s.cycles, rs.CurrentCycle)
	return s.err
}

type recordingLog struct {
	entries []cyclelog.Entry
}

func (l *recordingLog) Append(ctx context.Context, e cyclelog.Entry) error {
	l.entries = append(l.entries, e)
	return nil
}

func testSettings() Settings {
	return Settings{
		AnalysisTimeout: time.Second,
		ActionTimeout:   time.Second,
		TopK:            fixtrack.DefaultTopK,
		SweepEvery:      verify.DefaultSweepEvery,
		ErrorLogCap:     100,
	}
}

func newTestState() *state.RunState {
	return state.New(state.Params{Interval: time.Millisecond, OverrideCeiling: 3}, time.Now())
}

func staticAnalyzer(cands ...Candidate) Analyzer {
	return AnalyzerFunc(func(ctx context.Context, cycle int) ([]Candidate, error) {
		return cands, nil
	})
}

// improvingActor claims one improvement per candidate, each backed by artifact.
func improvingActor(artifact string) Actor {
	return ActorFunc(func(ctx context.Context, cycle int, cands []Candidate) (ActionResult, error) {
		var res ActionResult
		for _, c := range cands {
			res.Improvements = append(res.Improvements, state.Improvement{
				Cycle:       cycle,
				Kind:        c.Kind,
				Description: c.Description,
				Artifact:    artifact,
			})
		}
		return res, nil
	})
}

func memVerifier(t *testing.T, files ...string) *verify.Verifier {
	t.Helper()
	fs := afero.NewMemMapFs()
	for _, f := range files {
		require.NoError(t, afero.WriteFile(fs, "/repo/"+f, []byte("x"), 0o644))
	}
	return verify.New(fs, "/repo", false)
}

func TestRunCycleConfirmsVerifiedImprovements(t *testing.T) {
	saver := &recordingSaver{}
	clog := &recordingLog{}
	exec := NewExecutor(
		staticAnalyzer(Candidate{Description: "add retry docs", Kind: state.KindEnhancement}),
		improvingActor("docs/retry.md"),
		memVerifier(t, "docs/retry.md"),
		saver,
		WithSettings(testSettings()),
		WithCycleLog(clog),
	)
	rs := newTestState()

	require.NoError(t, exec.RunCycle(context.Background(), rs))

	assert.Equal(t, 1, rs.CurrentCycle)
	require.Len(t, rs.ConfirmedImprovements, 1)
	assert.Equal(t, "add retry docs", rs.ConfirmedImprovements[0].Description)
	assert.Len(t, rs.VerificationLedger.Confirmed, 1)
	assert.Empty(t, rs.VerificationLedger.FalsePositives)
	assert.Equal(t, []int{1}, saver.cycles)

	require.Len(t, clog.entries, 1)
	assert.Equal(t, 1, clog.entries[0].Cycle)
	assert.Len(t, clog.entries[0].Improvements, 1)
}

func TestRunCycleRejectsUnbackedClaims(t *testing.T) {
	exec := NewExecutor(
		staticAnalyzer(Candidate{Description: "write report", Kind: state.KindEnhancement}),
		improvingActor("missing.md"),
		memVerifier(t),
		&recordingSaver{},
		WithSettings(testSettings()),
	)
	rs := newTestState()

	require.NoError(t, exec.RunCycle(context.Background(), rs))

	assert.Empty(t, rs.ConfirmedImprovements)
	require.Len(t, rs.VerificationLedger.FalsePositives, 1)
	fp := rs.VerificationLedger.FalsePositives[0]
	assert.Equal(t, "write report", fp.Description)
	assert.Contains(t, fp.Reason, verify.ReasonMissingArtifact)
}

func TestRunCycleInjectsRepeatedFixesFirst(t *testing.T) {
	rs := newTestState()
	tracker := fixtrack.New(fixtrack.DefaultCap)
	for i := 0; i < 5; i++ {
		tracker.Track(&rs.FixTracking, "", "import cycle in store", i)
	}

	var seen []Candidate
	actor := ActorFunc(func(ctx context.Context, cycle int, cands []Candidate) (ActionResult, error) {
		seen = cands
		return ActionResult{}, nil
	})
	exec := NewExecutor(
		staticAnalyzer(Candidate{Description: "fresh idea", Kind: state.KindEnhancement}),
		actor,
		memVerifier(t),
		&recordingSaver{},
		WithSettings(testSettings()),
		WithTracker(tracker),
	)

	require.NoError(t, exec.RunCycle(context.Background(), rs))
	require.Len(t, seen, 2)
	assert.True(t, seen[0].Priority)
	assert.Equal(t, state.KindFix, seen[0].Kind)
	assert.Equal(t, "import cycle in store", seen[0].Description)
	assert.Equal(t, "fresh idea", seen[1].Description)
}

func TestRunCycleAnalysisTimeoutFallsBack(t *testing.T) {
	slow := AnalyzerFunc(func(ctx context.Context, cycle int) ([]Candidate, error) {
		<-ctx.Done()
		return []Candidate{{Description: "too late"}}, nil
	})
	var seen []Candidate
	actor := ActorFunc(func(ctx context.Context, cycle int, cands []Candidate) (ActionResult, error) {
		seen = cands
		return ActionResult{}, nil
	})
	settings := testSettings()
	settings.AnalysisTimeout = 20 * time.Millisecond
	exec := NewExecutor(slow, actor, memVerifier(t), &recordingSaver{}, WithSettings(settings))
	rs := newTestState()

	require.NoError(t, exec.RunCycle(context.Background(), rs))
	assert.Equal(t, fallbackCandidates, seen)
	assert.Equal(t, 1, rs.CurrentCycle)
}

func TestRunCycleActionTimeoutYieldsEmptyResult(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	stuck := ActorFunc(func(ctx context.Context, cycle int, cands []Candidate) (ActionResult, error) {
		<-block
		return ActionResult{Improvements: []state.Improvement{{Description: "late"}}}, nil
	})
	settings := testSettings()
	settings.ActionTimeout = 20 * time.Millisecond
	saver := &recordingSaver{}
	exec := NewExecutor(staticAnalyzer(), stuck, memVerifier(t), saver, WithSettings(settings))
	rs := newTestState()

	start := time.Now()
	require.NoError(t, exec.RunCycle(context.Background(), rs))
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, rs.ConfirmedImprovements)
	assert.Empty(t, rs.VerificationLedger.FalsePositives)
	assert.Equal(t, []int{1}, saver.cycles)
}

func TestRunCycleReturnsPhaseErrorAndStillPersists(t *testing.T) {
	boom := ActorFunc(func(ctx context.Context, cycle int, cands []Candidate) (ActionResult, error) {
		panic("actor exploded")
	})
	saver := &recordingSaver{}
	clog := &recordingLog{}
	exec := NewExecutor(staticAnalyzer(), boom, memVerifier(t), saver, WithSettings(testSettings()), WithCycleLog(clog))
	rs := newTestState()

	err := exec.RunCycle(context.Background(), rs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "actor exploded")
	assert.Equal(t, []int{1}, saver.cycles)

	require.Len(t, rs.ErrorLog, 1)
	assert.Equal(t, 1, rs.ErrorLog[0].Cycle)
	assert.Contains(t, rs.ErrorLog[0].Message, "actor exploded")

	require.Len(t, clog.entries, 1)
	require.Len(t, clog.entries[0].Errors, 1, "the cycle's own entry carries its error")
	assert.Contains(t, clog.entries[0].Errors[0].Message, "actor exploded")
}

func TestRunCycleRecordsAnalysisError(t *testing.T) {
	broken := AnalyzerFunc(func(ctx context.Context, cycle int) ([]Candidate, error) {
		return nil, errors.New("analyzer exited 2")
	})
	clog := &recordingLog{}
	exec := NewExecutor(broken, improvingActor(""), memVerifier(t), &recordingSaver{}, WithSettings(testSettings()), WithCycleLog(clog))
	rs := newTestState()

	require.Error(t, exec.RunCycle(context.Background(), rs))
	require.Len(t, clog.entries, 1)
	require.Len(t, clog.entries[0].Errors, 1)
	assert.Contains(t, clog.entries[0].Errors[0].Message, "analysis phase")
}

func TestRunCycleCancelledIsNotRecorded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	analyzer := AnalyzerFunc(func(ctx context.Context, cycle int) ([]Candidate, error) {
		cancel()
		return nil, ctx.Err()
	})
	exec := NewExecutor(analyzer, improvingActor(""), memVerifier(t), &recordingSaver{}, WithSettings(testSettings()))
	rs := newTestState()

	assert.ErrorIs(t, exec.RunCycle(ctx, rs), context.Canceled)
	assert.Empty(t, rs.ErrorLog)
}

func TestRunCycleSaveFailureIsSwallowed(t *testing.T) {
	saver := &recordingSaver{err: errors.New("disk full")}
	exec := NewExecutor(staticAnalyzer(), improvingActor(""), memVerifier(t), saver, WithSettings(testSettings()))
	rs := newTestState()

	assert.NoError(t, exec.RunCycle(context.Background(), rs))
	assert.Equal(t, 1, rs.CurrentCycle)
}

func TestRunCycleTracksCapabilityFailures(t *testing.T) {
	failing := ActorFunc(func(ctx context.Context, cycle int, cands []Candidate) (ActionResult, error) {
		return ActionResult{Failures: []Failure{
			{Candidate: Candidate{Description: "regenerate"}, Capability: "gen", Outcome: capability.OutcomeTransport, Message: "broken pipe"},
			{Candidate: Candidate{Description: "lint"}, Capability: "lint", Outcome: capability.OutcomeFailure, Message: "exit status 1"},
		}}, nil
	})
	exec := NewExecutor(staticAnalyzer(), failing, memVerifier(t), &recordingSaver{}, WithSettings(testSettings()))
	rs := newTestState()

	require.NoError(t, exec.RunCycle(context.Background(), rs))
	require.Len(t, rs.ErrorLog, 2)
	assert.Contains(t, rs.ErrorLog[0].Message, "broken pipe")
	assert.Equal(t, 2, rs.FixTracking.TotalAttempts)
	assert.Equal(t, 1, rs.FixTracking.AttemptsByCategory[string(fixtrack.EPIPE)])
	assert.Equal(t, 1, rs.FixTracking.AttemptsByCategory[string(fixtrack.Command)])

	var descriptions []string
	for _, r := range rs.FixTracking.TopRepeated {
		descriptions = append(descriptions, r.Description)
	}
	assert.ElementsMatch(t, []string{"regenerate", "lint"}, descriptions)
}

func TestRunCycleRepeatedFailureStaysOnOneRow(t *testing.T) {
	gate := newTestGate(t, capability.Func{
		Name: "broken",
		Fn:   func(ctx context.Context) ([]byte, error) { return nil, errors.New("exit status 2") },
	})
	cfg := config.Default()
	cfg.DefaultCapability = "broken"
	exec := NewExecutor(
		staticAnalyzer(Candidate{Description: "fix import cycle", Kind: state.KindFix}),
		NewCapabilityActor(gate, cfg),
		memVerifier(t),
		&recordingSaver{},
		WithSettings(testSettings()),
	)
	rs := state.New(state.Params{Interval: time.Millisecond}, time.Now())

	const cycles = 4
	for i := 0; i < cycles; i++ {
		require.NoError(t, exec.RunCycle(context.Background(), rs))
	}

	ft := rs.FixTracking
	require.Len(t, ft.TopRepeated, 1)
	assert.Equal(t, "fix import cycle", ft.TopRepeated[0].Description)
	assert.Equal(t, cycles, ft.TopRepeated[0].Count)
	assert.Equal(t, cycles, ft.TotalAttempts)
	assert.Equal(t, cycles, ft.AttemptsByCategory[string(fixtrack.Command)])
	assert.Len(t, rs.ErrorLog, cycles)
}

func TestRunCyclePriorityKeepsRootDescription(t *testing.T) {
	rs := newTestState()
	tracker := fixtrack.New(fixtrack.DefaultCap)
	tracker.Track(&rs.FixTracking, "", "flaky checksum test", 0)

	// The actor rewords what it attempted; tracking still counts the root.
	rewording := ActorFunc(func(ctx context.Context, cycle int, cands []Candidate) (ActionResult, error) {
		var res ActionResult
		for _, c := range cands {
			c.Description = "retry: " + c.Description
			res.Failures = append(res.Failures, Failure{Candidate: c, Capability: "test", Outcome: capability.OutcomeFailure, Message: "exit status 1"})
		}
		return res, nil
	})
	exec := NewExecutor(staticAnalyzer(), rewording, memVerifier(t), &recordingSaver{}, WithSettings(testSettings()), WithTracker(tracker))

	require.NoError(t, exec.RunCycle(context.Background(), rs))
	require.NoError(t, exec.RunCycle(context.Background(), rs))

	require.Len(t, rs.FixTracking.TopRepeated, 1)
	assert.Equal(t, "flaky checksum test", rs.FixTracking.TopRepeated[0].Description)
	assert.Equal(t, 3, rs.FixTracking.TopRepeated[0].Count)
}

func TestRunCycleSweepsOnSchedule(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/repo/a.md", []byte("x"), 0o644))
	v := verify.New(fs, "/repo", false)

	settings := testSettings()
	settings.SweepEvery = 2
	exec := NewExecutor(staticAnalyzer(Candidate{Description: "a"}), improvingActor("a.md"), v, &recordingSaver{}, WithSettings(settings))
	rs := newTestState()

	require.NoError(t, exec.RunCycle(context.Background(), rs))
	require.Len(t, rs.ConfirmedImprovements, 1)

	// The artifact disappears before the sweep cycle.
	require.NoError(t, fs.Remove("/repo/a.md"))
	exec.actor = improvingActor("")
	require.NoError(t, exec.RunCycle(context.Background(), rs))

	assert.Equal(t, 2, rs.VerificationLedger.CyclesCovered)
	require.Len(t, rs.VerificationLedger.FalsePositives, 1)
	assert.Equal(t, 1, rs.VerificationLedger.FalsePositives[0].Cycle)
	assert.Len(t, rs.ConfirmedImprovements, 2, "confirmed history is append-only")
}
