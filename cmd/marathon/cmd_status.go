package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/chr1sbest/marathon/internal/banner"
	"github.com/chr1sbest/marathon/internal/cyclelog"
	"github.com/chr1sbest/marathon/internal/fixtrack"
	"github.com/chr1sbest/marathon/internal/state"
)

func statusCmd() *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the persisted run and its most recent cycles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath(cmd))
			if err != nil {
				return err
			}
			store := newStore(cfg)
			rs, err := store.Peek()
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(cmd.OutOrStdout(), "No run found in %s. Start one with `marathon run`.\n", store.Dir)
				return nil
			}
			if err != nil {
				return err
			}

			var entries []cyclelog.Entry
			if recent > 0 {
				entries = recentCycles(cmd.Context(), filepath.Join(store.Dir, cycleLogFile), recent)
			}
			printStatus(cmd.OutOrStdout(), rs, store.Holder(), entries)
			return nil
		},
	}
	cmd.Flags().IntVarP(&recent, "recent", "n", 5, "Number of recent cycles to show")
	return cmd
}

// recentCycles reads the cycle log if there is one. The log is an audit
// aid, so any failure just hides the section.
func recentCycles(ctx context.Context, path string, n int) []cyclelog.Entry {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	clog, err := cyclelog.Open(path)
	if err != nil {
		return nil
	}
	defer clog.Close()
	entries, err := clog.Recent(ctx, n)
	if err != nil {
		return nil
	}
	return entries
}

func printStatus(w io.Writer, rs *state.RunState, holder *state.Lock, entries []cyclelog.Entry) {
	running := "no"
	if holder != nil {
		running = fmt.Sprintf("yes (pid %d)", holder.PID)
	}
	rows := []banner.Row{
		{Key: "run", Value: rs.RunID},
		{Key: "running", Value: running},
		{Key: "started", Value: rs.StartedAt.Format(time.RFC3339)},
		{Key: "updated", Value: rs.UpdatedAt.Format(time.RFC3339)},
		{Key: "cycles", Value: fmt.Sprintf("%d / %d", rs.CurrentCycle, rs.CycleCeiling)},
		{Key: "deadline", Value: banner.FormatDeadline(rs.Deadline)},
		{Key: "interval", Value: rs.Interval().String()},
		{Key: "confirmed", Value: fmt.Sprint(len(rs.ConfirmedImprovements))},
		{Key: "false positives", Value: fmt.Sprint(len(rs.VerificationLedger.FalsePositives))},
		{Key: "errors", Value: fmt.Sprint(len(rs.ErrorLog))},
		{Key: "fix attempts", Value: fmt.Sprint(rs.FixTracking.TotalAttempts)},
	}
	fmt.Fprintln(w, banner.Panel("marathon status", rows))

	if top := fixtrack.Priorities(&rs.FixTracking, fixtrack.DefaultTopK); len(top) > 0 {
		fmt.Fprintln(w, "\nRepeated fixes:")
		for _, d := range top {
			fmt.Fprintf(w, "  %s %s\n", color.YellowString("↻"), d)
		}
	}

	if len(entries) == 0 {
		return
	}
	fmt.Fprintln(w, "\nRecent cycles:")
	for _, e := range entries {
		marker := color.GreenString("✓")
		if len(e.Errors) > 0 || len(e.FalsePositives) > 0 {
			marker = color.YellowString("!")
		}
		fmt.Fprintf(w, "  %s cycle %-4d %s  %d confirmed, %d rejected, %d errors (%s)\n",
			marker, e.Cycle, e.Timestamp.Format("15:04:05"),
			len(e.Improvements), len(e.FalsePositives), len(e.Errors),
			e.Duration.Round(time.Millisecond))
		for _, imp := range e.Improvements {
			fmt.Fprintf(w, "      %s %s\n", color.HiBlackString(string(imp.Kind)), strings.TrimSpace(imp.Description))
		}
	}
}
