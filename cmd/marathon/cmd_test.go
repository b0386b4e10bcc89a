package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/chr1sbest/marathon/internal/config"
	"github.com/chr1sbest/marathon/internal/cyclelog"
	"github.com/chr1sbest/marathon/internal/state"
)

func writeTestConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "marathon.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestInitWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".marathon", "config.yaml")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"init", "--config", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out.String(), "Wrote "+path) {
		t.Errorf("unexpected output %q", out.String())
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.Interval != config.DefaultInterval {
		t.Errorf("interval = %v, want %v", cfg.Interval, config.DefaultInterval)
	}

	root = newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"init", "--config", path})
	if err := root.Execute(); err == nil {
		t.Error("second init without --force should fail")
	}
}

func TestReconfigurationFromFlags(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	rc, err := runOptions{}.reconfiguration(now)
	if err != nil || rc != nil {
		t.Fatalf("no flags: rc=%v err=%v", rc, err)
	}

	rc, err = runOptions{deadline: "3h", ceiling: 25, ceilingSet: true}.reconfiguration(now)
	if err != nil {
		t.Fatal(err)
	}
	if rc.Deadline == nil || !rc.Deadline.Equal(now.Add(3*time.Hour)) {
		t.Errorf("deadline = %v", rc.Deadline)
	}
	if rc.OverrideCeiling == nil || *rc.OverrideCeiling != 25 {
		t.Errorf("override = %v", rc.OverrideCeiling)
	}

	rc, err = runOptions{clearDL: true}.reconfiguration(now)
	if err != nil || rc == nil || !rc.ClearDeadline {
		t.Fatalf("clear deadline: rc=%v err=%v", rc, err)
	}

	if _, err := (runOptions{deadline: "2020-01-01T00:00:00Z"}).reconfiguration(now); err == nil {
		t.Error("past deadline should be rejected")
	}
}

func TestRunLoopCompletesAndResumes(t *testing.T) {
	dir := t.TempDir()
	stateDir := filepath.Join(dir, "state")
	if err := os.WriteFile(filepath.Join(dir, "CHANGES.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	path := writeTestConfig(t, dir, `
state_dir: `+stateDir+`
root: `+dir+`
interval: 10ms
override_ceiling: 2
capabilities:
  - id: touch
    command: "true"
    artifact: CHANGES.md
schedule:
  - capability: touch
    every: 1
    kind: documentation
    description: update CHANGES.md
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := runLoop(ctx, runOptions{configPath: path, noWatch: true}); err != nil {
		t.Fatalf("run: %v", err)
	}

	store := state.NewStore(stateDir)
	rs, err := store.Peek()
	if err != nil {
		t.Fatal(err)
	}
	if rs.CurrentCycle != 2 {
		t.Errorf("current_cycle = %d, want 2", rs.CurrentCycle)
	}
	if got := len(rs.VerificationLedger.FalsePositives); got != 0 {
		t.Errorf("false positives = %d, want 0", got)
	}
	if got := len(rs.ConfirmedImprovements); got != 2 {
		t.Errorf("confirmed = %d, want 2", got)
	}
	if _, err := os.Stat(filepath.Join(stateDir, "summary.md")); err != nil {
		t.Errorf("summary not written: %v", err)
	}
	if store.Holder() != nil {
		t.Error("lock not released")
	}

	clog, err := cyclelog.Open(filepath.Join(stateDir, cycleLogFile))
	if err != nil {
		t.Fatal(err)
	}
	n, err := clog.Count(ctx)
	clog.Close()
	if err != nil || n != 2 {
		t.Errorf("cycle log count = %d, err %v", n, err)
	}

	// Raising the ceiling resumes the same run.
	if err := runLoop(ctx, runOptions{configPath: path, noWatch: true, ceiling: 3, ceilingSet: true}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	resumed, err := store.Peek()
	if err != nil {
		t.Fatal(err)
	}
	if resumed.RunID != rs.RunID || resumed.CurrentCycle != 3 {
		t.Errorf("resumed run %s at cycle %d, want %s at 3", resumed.RunID, resumed.CurrentCycle, rs.RunID)
	}
}

func TestPrintStatus(t *testing.T) {
	rs := state.New(state.Params{Interval: time.Minute, OverrideCeiling: 10}, time.Now())
	rs.CurrentCycle = 3
	rs.ConfirmedImprovements = []state.Improvement{{Cycle: 1, Kind: state.KindFix, Description: "retry saves"}}
	rs.FixTracking.TopRepeated = []state.RepeatedFix{{Description: "import cycle", Count: 3, LastCycle: 2}}

	var buf bytes.Buffer
	printStatus(&buf, rs, nil, []cyclelog.Entry{{
		Cycle:        3,
		Timestamp:    time.Now(),
		Improvements: rs.ConfirmedImprovements,
	}})

	out := buf.String()
	for _, want := range []string{"marathon status", "3 / 10", "import cycle", "cycle 3", "retry saves"} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q:\n%s", want, out)
		}
	}
}

func TestVerifyReportsMissingEvidence(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.Root = "/repo"

	store := state.NewStore(cfg.StateDir)
	rs := state.New(state.Params{Interval: time.Minute, OverrideCeiling: 5}, time.Now())
	rs.CurrentCycle = 2
	rs.ConfirmedImprovements = []state.Improvement{
		{Cycle: 1, Description: "kept", Artifact: "kept.md"},
		{Cycle: 2, Description: "gone", Artifact: "gone.md"},
	}
	if err := store.Save(context.Background(), rs); err != nil {
		t.Fatal(err)
	}

	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/repo/kept.md", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := verifyCmd()
	cmd.SetContext(context.Background())
	var out bytes.Buffer
	cmd.SetOut(&out)

	if err := runVerify(cmd, cfg, fs, false); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "1 of 2") || !strings.Contains(out.String(), "cycle 2: gone") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
	unchanged, _ := store.Peek()
	if len(unchanged.VerificationLedger.FalsePositives) != 0 {
		t.Error("verify without --write must not modify state")
	}

	out.Reset()
	if err := runVerify(cmd, cfg, fs, true); err != nil {
		t.Fatal(err)
	}
	written, _ := store.Peek()
	if len(written.VerificationLedger.FalsePositives) != 1 {
		t.Errorf("false positives = %d, want 1", len(written.VerificationLedger.FalsePositives))
	}
	if len(written.ConfirmedImprovements) != 2 {
		t.Error("confirmed history must not shrink")
	}
}

func TestVersionString(t *testing.T) {
	old := version
	defer func() { version = old }()

	version = "v1.4.0"
	if got := versionString(); got != "v1.4.0" {
		t.Errorf("versionString() = %q", got)
	}
	version = "dev"
	if got := versionString(); !strings.HasPrefix(got, "dev") {
		t.Errorf("versionString() = %q", got)
	}
}
