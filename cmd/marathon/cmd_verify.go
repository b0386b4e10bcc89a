package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/chr1sbest/marathon/internal/config"
	"github.com/chr1sbest/marathon/internal/state"
	"github.com/chr1sbest/marathon/internal/verify"
)

func verifyCmd() *cobra.Command {
	var write bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-check every confirmed improvement against the filesystem",
		Long: `Run a retrospective verification sweep over the whole confirmed history.

Improvements whose evidence no longer exists are reported. With --write they
are also recorded as false positives in the persisted ledger; confirmed
history itself is never rewritten. --write needs the run lock, so it cannot
be used while a run is active.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath(cmd))
			if err != nil {
				return err
			}
			return runVerify(cmd, cfg, afero.NewOsFs(), write)
		},
	}
	cmd.Flags().BoolVar(&write, "write", false, "Record flagged improvements in the state file")
	return cmd
}

func runVerify(cmd *cobra.Command, cfg *config.Config, fs afero.Fs, write bool) error {
	store := newStore(cfg)
	if write {
		release, err := store.AcquireLock("")
		if err != nil {
			return err
		}
		defer func() { _ = release() }()
	}

	rs, err := store.Peek()
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("no run found in %s", store.Dir)
	}
	if err != nil {
		return err
	}

	v := verify.New(fs, cfg.Root, cfg.Verification.Strict)
	// Sweep only appends to the ledger; work on a copy unless writing.
	ledger := rs.VerificationLedger
	ledger.FalsePositives = append([]state.LedgerEntry(nil), ledger.FalsePositives...)
	res, err := v.Sweep(cmd.Context(), &ledger, rs.ConfirmedImprovements, 0, rs.CurrentCycle)
	if err != nil {
		return err
	}
	printSweep(cmd.OutOrStdout(), res)

	if write && len(res.Flagged) > 0 {
		rs.VerificationLedger = ledger
		if err := store.Save(cmd.Context(), rs); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Recorded %d false positive(s) in %s\n", len(res.Flagged), store.StatePath)
	}
	return nil
}

func printSweep(w io.Writer, res verify.SweepResult) {
	if len(res.Flagged) == 0 {
		fmt.Fprintf(w, "%s %d improvement(s) checked, all still hold\n", color.GreenString("✓"), res.Checked)
		return
	}
	fmt.Fprintf(w, "%s %d of %d improvement(s) no longer hold:\n", color.RedString("✗"), len(res.Flagged), res.Checked)
	for _, e := range res.Flagged {
		fmt.Fprintf(w, "  cycle %d: %s\n", e.Cycle, e.Description)
	}
}
