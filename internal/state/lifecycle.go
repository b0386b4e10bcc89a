package state

import (
	"time"

	"github.com/google/uuid"

	"github.com/chr1sbest/marathon/internal/budget"
)

// Params are the static configuration inputs that shape a fresh RunState and
// the ceiling of a reloaded one.
type Params struct {
	Interval           time.Duration
	DefaultCeiling     int
	OverrideCeiling    int
	CustomRunThreshold int
	Deadline           *time.Time
}

func (p Params) threshold() int {
	if p.CustomRunThreshold <= 0 {
		return budget.CustomRunThreshold
	}
	return p.CustomRunThreshold
}

// New initializes a fresh RunState anchored at now.
func New(p Params, now time.Time) *RunState {
	rs := &RunState{
		RunID:               uuid.NewString(),
		StartedAt:           now,
		UpdatedAt:           now,
		CycleIntervalTarget: Duration(p.Interval),
		FixTracking:         FixTracking{AttemptsByCategory: map[string]int{}},
	}
	if budget.ValidDeadline(p.Deadline, now) {
		d := *p.Deadline
		rs.Deadline = &d
	}
	if p.OverrideCeiling > 0 && p.OverrideCeiling < p.threshold() {
		rs.OverrideCeiling = p.OverrideCeiling
	}
	rs.Recompute(p)
	return rs
}

// Recompute re-derives the ceiling from the durable inputs: the override,
// the deadline and the interval, all measured from StartedAt.
func (rs *RunState) Recompute(p Params) {
	rs.CycleCeiling = budget.ComputeCeiling(
		rs.OverrideCeiling,
		rs.Deadline,
		rs.Interval(),
		p.DefaultCeiling,
		rs.StartedAt,
		p.threshold(),
	)
}

// Reconfiguration is an explicit change to the run's budget. It is the only
// path that may clear a finite deadline.
type Reconfiguration struct {
	Deadline        *time.Time
	ClearDeadline   bool
	OverrideCeiling *int
}

// Reconfigure applies r and recomputes the ceiling. It reports whether
// anything changed.
func (rs *RunState) Reconfigure(r Reconfiguration, p Params, now time.Time) bool {
	changed := false
	switch {
	case r.ClearDeadline:
		if rs.Deadline != nil {
			rs.Deadline = nil
			changed = true
		}
	case r.Deadline != nil && budget.ValidDeadline(r.Deadline, now):
		if rs.Deadline == nil || !rs.Deadline.Equal(*r.Deadline) {
			d := *r.Deadline
			rs.Deadline = &d
			changed = true
		}
	}
	if r.OverrideCeiling != nil {
		o := *r.OverrideCeiling
		if o < 0 || o >= p.threshold() {
			o = 0
		}
		if o != rs.OverrideCeiling {
			rs.OverrideCeiling = o
			changed = true
		}
	}
	if changed {
		rs.Recompute(p)
	}
	return changed
}

// Normalize repairs fields a previous run may have left inconsistent and
// returns the names of the fields it touched. A finite deadline is never
// cleared here.
func (rs *RunState) Normalize(p Params, now time.Time) []string {
	var fixed []string
	if rs.RunID == "" {
		rs.RunID = uuid.NewString()
		fixed = append(fixed, "run_id")
	}
	if rs.StartedAt.IsZero() || rs.StartedAt.After(now) {
		rs.StartedAt = now
		fixed = append(fixed, "started_at")
	}
	if rs.CycleIntervalTarget <= 0 {
		rs.CycleIntervalTarget = Duration(p.Interval)
		fixed = append(fixed, "cycle_interval_target")
	}
	if rs.Deadline != nil && rs.Deadline.IsZero() {
		rs.Deadline = nil
		fixed = append(fixed, "deadline")
	}
	if rs.CurrentCycle < 0 {
		rs.CurrentCycle = 0
		fixed = append(fixed, "current_cycle")
	}
	if rs.OverrideCeiling < 0 || rs.OverrideCeiling >= p.threshold() {
		rs.OverrideCeiling = 0
		fixed = append(fixed, "override_ceiling")
	}
	if rs.FixTracking.AttemptsByCategory == nil {
		rs.FixTracking.AttemptsByCategory = map[string]int{}
		fixed = append(fixed, "fix_tracking")
	}
	if rs.FixTracking.TotalAttempts < 0 {
		rs.FixTracking.TotalAttempts = 0
		fixed = append(fixed, "fix_tracking")
	}
	if rs.VerificationLedger.CyclesCovered > rs.CurrentCycle {
		rs.VerificationLedger.CyclesCovered = rs.CurrentCycle
		fixed = append(fixed, "verification_ledger")
	}

	before := rs.CycleCeiling
	rs.Recompute(p)
	if rs.CycleCeiling != before {
		fixed = append(fixed, "cycle_ceiling")
	}
	return fixed
}
