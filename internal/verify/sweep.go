package verify

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/chr1sbest/marathon/internal/state"
)

// DefaultSweepEvery is how often, in cycles, the retrospective sweep runs.
const DefaultSweepEvery = 90

// SweepResult summarizes one retrospective sweep.
type SweepResult struct {
	Checked int
	Flagged []state.LedgerEntry
}

// Sweep re-verifies confirmed improvements from cycles after fromCycle and
// records any that no longer hold as false positives. confirmed is only
// read; entries already flagged are skipped.
func (v *Verifier) Sweep(ctx context.Context, ledger *state.VerificationLedger, confirmed []state.Improvement, fromCycle, currentCycle int) (SweepResult, error) {
	var window []state.Improvement
	for _, imp := range confirmed {
		if imp.Cycle > fromCycle && !ledger.Flagged(imp.Cycle, imp.Description) {
			window = append(window, imp)
		}
	}

	verdicts := make([]Verdict, len(window))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, imp := range window {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			verdicts[i] = v.Verify(imp)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return SweepResult{}, err
	}

	res := SweepResult{Checked: len(window)}
	for i, imp := range window {
		if verdicts[i].Confirmed {
			continue
		}
		entry := state.LedgerEntry{Cycle: imp.Cycle, Description: imp.Description, Reason: ReasonRetrospective}
		ledger.FalsePositives = append(ledger.FalsePositives, entry)
		res.Flagged = append(res.Flagged, entry)
	}
	ledger.CyclesCovered = currentCycle
	return res, nil
}
