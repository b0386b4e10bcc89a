// Package state holds the persisted root object of a run and the rules for
// reconstructing it from disk.
package state

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind classifies an Improvement.
type Kind string

const (
	KindFix           Kind = "fix"
	KindEnhancement   Kind = "enhancement"
	KindConnection    Kind = "connection"
	KindDocumentation Kind = "documentation"
	KindLicensing     Kind = "licensing"
	KindCompletion    Kind = "completion"
)

// ParseKind maps free text onto a Kind, defaulting to enhancement.
func ParseKind(s string) Kind {
	switch k := Kind(s); k {
	case KindFix, KindEnhancement, KindConnection, KindDocumentation, KindLicensing, KindCompletion:
		return k
	}
	return KindEnhancement
}

// Improvement is an attempted unit of work recorded by the action phase.
type Improvement struct {
	Cycle       int       `json:"cycle"`
	Timestamp   time.Time `json:"timestamp"`
	Kind        Kind      `json:"kind"`
	Description string    `json:"description"`
	Artifact    string    `json:"artifact,omitempty"`
	Subsystem   string    `json:"subsystem,omitempty"`
}

// ErrorRecord is one entry of the error log. Recoverable is always true while
// the runner is alive.
type ErrorRecord struct {
	Cycle       int       `json:"cycle"`
	Timestamp   time.Time `json:"timestamp"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
}

type RepeatedFix struct {
	Description string `json:"description"`
	Count       int    `json:"count"`
	LastCycle   int    `json:"last_cycle"`
}

type FixTracking struct {
	TotalAttempts      int            `json:"total_attempts"`
	AttemptsByCategory map[string]int `json:"attempts_by_category"`
	LastFixCycle       int            `json:"last_fix_cycle"`
	TopRepeated        []RepeatedFix  `json:"top_repeated"`
}

type LedgerEntry struct {
	Cycle       int    `json:"cycle"`
	Description string `json:"description"`
	Reason      string `json:"reason,omitempty"`
}

type VerificationLedger struct {
	CyclesCovered  int           `json:"cycles_covered"`
	Confirmed      []LedgerEntry `json:"confirmed"`
	FalsePositives []LedgerEntry `json:"false_positives"`
}

// Flagged reports whether a (cycle, description) pair is already a false
// positive.
func (l *VerificationLedger) Flagged(cycle int, description string) bool {
	for _, fp := range l.FalsePositives {
		if fp.Cycle == cycle && fp.Description == description {
			return true
		}
	}
	return false
}

// Duration is a time.Duration persisted as a Go duration string. Plain
// numbers are read as milliseconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var ms float64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("duration must be a string or milliseconds: %s", b)
	}
	*d = Duration(time.Duration(ms * float64(time.Millisecond)))
	return nil
}

// RunState is the single persisted root object. It is owned by the runner
// and only mutated between phases on the runner's goroutine.
type RunState struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`

	CycleIntervalTarget Duration   `json:"cycle_interval_target"`
	Deadline            *time.Time `json:"deadline"`

	CurrentCycle    int `json:"current_cycle"`
	CycleCeiling    int `json:"cycle_ceiling"`
	OverrideCeiling int `json:"override_ceiling"`

	ConfirmedImprovements []Improvement      `json:"confirmed_improvements"`
	ErrorLog              []ErrorRecord      `json:"error_log"`
	FixTracking           FixTracking        `json:"fix_tracking"`
	VerificationLedger    VerificationLedger `json:"verification_ledger"`
}

// Interval returns the fixed cycle interval target.
func (rs *RunState) Interval() time.Duration {
	return time.Duration(rs.CycleIntervalTarget)
}

// AppendError records a recoverable error for the given cycle.
func (rs *RunState) AppendError(cycle int, message string, at time.Time) {
	rs.ErrorLog = append(rs.ErrorLog, ErrorRecord{
		Cycle:       cycle,
		Timestamp:   at,
		Message:     message,
		Recoverable: true,
	})
}

// CompactErrors keeps only the newest limit entries of the error log.
func (rs *RunState) CompactErrors(limit int) int {
	if limit <= 0 || len(rs.ErrorLog) <= limit {
		return 0
	}
	dropped := len(rs.ErrorLog) - limit
	rs.ErrorLog = append([]ErrorRecord(nil), rs.ErrorLog[dropped:]...)
	return dropped
}
