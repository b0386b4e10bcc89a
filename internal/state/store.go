package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chr1sbest/marathon/internal/budget"
	"github.com/chr1sbest/marathon/internal/resilience"
)

// Store reads and writes the state file inside a run directory.
type Store struct {
	Dir       string
	StatePath string
	LockPath  string

	retry resilience.Policy
}

func NewStore(dir string) *Store {
	return &Store{
		Dir:       dir,
		StatePath: filepath.Join(dir, "state.json"),
		LockPath:  filepath.Join(dir, ".marathon_lock"),
		retry:     resilience.StateWrite,
	}
}

// LoadInfo describes how a RunState was obtained.
type LoadInfo struct {
	Fresh     bool     // no usable file; a new state was initialized
	Defaulted []string // fields that fell back to defaults
	Cause     error    // why the file was unusable, when Fresh and a file existed
}

// Load reconstructs the RunState from disk. It never fails: a missing or
// unreadable file yields a fresh state, and each field falls back to its
// default independently when it is missing or invalid.
func (s *Store) Load(p Params, now time.Time) (*RunState, LoadInfo) {
	b, err := os.ReadFile(s.StatePath)
	if err != nil {
		info := LoadInfo{Fresh: true}
		if !errors.Is(err, os.ErrNotExist) {
			info.Cause = err
		}
		return New(p, now), info
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil || raw == nil {
		if err == nil {
			err = errors.New("state file is not an object")
		}
		return New(p, now), LoadInfo{Fresh: true, Cause: fmt.Errorf("decode %s: %w", s.StatePath, err)}
	}
	rs, defaulted := merge(raw, p, now)
	return rs, LoadInfo{Defaulted: defaulted}
}

func merge(raw map[string]json.RawMessage, p Params, now time.Time) (*RunState, []string) {
	fresh := New(p, now)
	rs := &RunState{}
	var defaulted []string
	fallback := func(name string) { defaulted = append(defaulted, name) }

	if !decode(raw, "run_id", &rs.RunID) || rs.RunID == "" {
		rs.RunID = fresh.RunID
		fallback("run_id")
	}
	if !decode(raw, "started_at", &rs.StartedAt) || rs.StartedAt.IsZero() || rs.StartedAt.After(now) {
		rs.StartedAt = fresh.StartedAt
		fallback("started_at")
	}
	rs.UpdatedAt = now
	if !decode(raw, "cycle_interval_target", &rs.CycleIntervalTarget) || rs.CycleIntervalTarget <= 0 {
		rs.CycleIntervalTarget = fresh.CycleIntervalTarget
		fallback("cycle_interval_target")
	}

	var deadline *time.Time
	if decode(raw, "deadline", &deadline) && budget.ValidDeadline(deadline, now) {
		rs.Deadline = deadline
	} else if _, present := raw["deadline"]; present && string(raw["deadline"]) != "null" {
		fallback("deadline")
	}

	if !decode(raw, "current_cycle", &rs.CurrentCycle) || rs.CurrentCycle < 0 {
		rs.CurrentCycle = 0
		fallback("current_cycle")
	}

	_, hasOverride := raw["override_ceiling"]
	if !decode(raw, "override_ceiling", &rs.OverrideCeiling) || rs.OverrideCeiling < 0 || rs.OverrideCeiling >= p.threshold() {
		rs.OverrideCeiling = 0
	}
	// Files written before override_ceiling existed only carry the derived
	// ceiling. Without a deadline to derive it from, a small one can only
	// have been a custom run, so it is preserved verbatim.
	var ceiling int
	if !hasOverride && rs.Deadline == nil && decode(raw, "cycle_ceiling", &ceiling) && ceiling > 0 && ceiling < p.threshold() {
		rs.OverrideCeiling = ceiling
	}
	rs.Recompute(p)

	if !decode(raw, "confirmed_improvements", &rs.ConfirmedImprovements) {
		rs.ConfirmedImprovements = nil
		fallback("confirmed_improvements")
	}
	if !decode(raw, "error_log", &rs.ErrorLog) {
		rs.ErrorLog = nil
		fallback("error_log")
	}
	if !decode(raw, "fix_tracking", &rs.FixTracking) {
		rs.FixTracking = FixTracking{}
		fallback("fix_tracking")
	}
	if rs.FixTracking.AttemptsByCategory == nil {
		rs.FixTracking.AttemptsByCategory = map[string]int{}
	}
	if !decode(raw, "verification_ledger", &rs.VerificationLedger) {
		rs.VerificationLedger = VerificationLedger{}
		fallback("verification_ledger")
	}
	return rs, defaulted
}

// decode unmarshals raw[key] into dst and reports success. A missing key,
// an explicit null, or a type mismatch all count as failure.
func decode(raw map[string]json.RawMessage, key string, dst any) bool {
	v, ok := raw[key]
	if !ok || string(v) == "null" {
		return false
	}
	return json.Unmarshal(v, dst) == nil
}

// Save writes rs atomically, retrying transient filesystem failures.
func (s *Store) Save(ctx context.Context, rs *RunState) error {
	rs.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(rs, "", "    ")
	if err != nil {
		return resilience.NewPermanentError(err)
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return s.retry.Execute(ctx, func(ctx context.Context) error {
		return writeFileAtomic(s.StatePath, data)
	})
}

func writeFileAtomic(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.tmp.%d", path, time.Now().UnixNano())
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Peek reads the state file as-is, without defaulting. It is meant for
// read-only observers such as the status command.
func (s *Store) Peek() (*RunState, error) {
	b, err := os.ReadFile(s.StatePath)
	if err != nil {
		return nil, err
	}
	var rs RunState
	if err := json.Unmarshal(b, &rs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.StatePath, err)
	}
	return &rs, nil
}
