package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/chr1sbest/marathon/internal/banner"
	"github.com/chr1sbest/marathon/internal/budget"
	"github.com/chr1sbest/marathon/internal/capability"
	"github.com/chr1sbest/marathon/internal/config"
	"github.com/chr1sbest/marathon/internal/cyclelog"
	"github.com/chr1sbest/marathon/internal/fixtrack"
	"github.com/chr1sbest/marathon/internal/logger"
	"github.com/chr1sbest/marathon/internal/loop"
	"github.com/chr1sbest/marathon/internal/report"
	"github.com/chr1sbest/marathon/internal/resilience"
	"github.com/chr1sbest/marathon/internal/state"
	"github.com/chr1sbest/marathon/internal/status"
	"github.com/chr1sbest/marathon/internal/telemetry"
	"github.com/chr1sbest/marathon/internal/verify"
)

// cycleLogFile is the cycle log's name inside the state directory.
const cycleLogFile = "cycles.db"

type runOptions struct {
	configPath string
	deadline   string
	clearDL    bool
	ceiling    int
	ceilingSet bool
	noWatch    bool
	verbose    bool
}

func runCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start or resume the improvement loop",
		Long: `Start a run, or resume the one persisted in the state directory.

--deadline and --ceiling reconfigure the persisted run explicitly; without
them a resumed run keeps the budget it already has. The loop stops at the
deadline, at the cycle ceiling, or on SIGINT/SIGTERM after saving state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.configPath = configPath(cmd)
			opts.ceilingSet = cmd.Flags().Changed("ceiling")
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runLoop(ctx, opts)
		},
	}
	cmd.Flags().StringVar(&opts.deadline, "deadline", "", `Stop at this time: RFC3339, a duration ("10h") or a phrase ("tomorrow at 9am")`)
	cmd.Flags().BoolVar(&opts.clearDL, "no-deadline", false, "Remove the persisted deadline")
	cmd.Flags().IntVar(&opts.ceiling, "ceiling", 0, "Cycle ceiling override (0 removes the override)")
	cmd.Flags().BoolVar(&opts.noWatch, "no-watch", false, "Do not hot-reload the config file")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Also write logs to stderr")
	cmd.MarkFlagsMutuallyExclusive("deadline", "no-deadline")
	return cmd
}

// reconfiguration turns the budget flags into an explicit reconfiguration.
func (o runOptions) reconfiguration(now time.Time) (*state.Reconfiguration, error) {
	var rc state.Reconfiguration
	set := false
	if o.deadline != "" {
		d, err := budget.ParseDeadline(o.deadline, now)
		if err != nil {
			return nil, err
		}
		if !budget.ValidDeadline(d, now) {
			return nil, fmt.Errorf("deadline %s is in the past", d.Format(time.RFC3339))
		}
		rc.Deadline, set = d, true
	}
	if o.clearDL {
		rc.ClearDeadline, set = true, true
	}
	if o.ceilingSet {
		c := o.ceiling
		rc.OverrideCeiling, set = &c, true
	}
	if !set {
		return nil, nil
	}
	return &rc, nil
}

func runLoop(ctx context.Context, opts runOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	now := time.Now()
	rc, err := opts.reconfiguration(now)
	if err != nil {
		return err
	}
	params, err := loop.ParamsFromConfig(cfg, now)
	if err != nil {
		return err
	}

	var verbose io.Writer
	if opts.verbose {
		verbose = os.Stderr
	}
	log, closeLog, err := newLogger(cfg, verbose)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	store := newStore(cfg)
	runID := ""
	if prev, err := store.Peek(); err == nil {
		runID = prev.RunID
	}
	release, err := store.AcquireLock(runID)
	if err != nil {
		if errors.Is(err, state.ErrLockHeld) {
			if h := store.Holder(); h != nil {
				return fmt.Errorf("%w by pid %d (run %s, since %s)", err, h.PID, h.RunID, h.StartedAt.Format(time.RFC3339))
			}
		}
		return err
	}
	defer func() { _ = release() }()

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled: cfg.Telemetry.Enabled,
		Stdout:  cfg.Telemetry.Stdout,
	}, "marathon", versionString())
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.WithoutCancel(ctx)) }()
	metrics, err := telemetry.NewMetrics(telemetry.Meter())
	if err != nil {
		return err
	}

	registry := capability.NewRegistry()
	registry.Replace(capability.FromConfig(cfg.Capabilities, cfg.Root))
	breakers := resilience.NewCircuitBreakerRegistry(resilience.DefaultCircuitBreakerConfig())
	gate := capability.NewGate(registry, cfg.Root,
		capability.WithLogger(log),
		capability.WithBreakers(breakers),
	)
	analyzer := loop.NewPolicyAnalyzer(gate, cfg)
	actor := loop.NewCapabilityActor(gate, cfg)
	verifier := verify.New(afero.NewOsFs(), cfg.Root, cfg.Verification.Strict)
	console := status.New()

	execOpts := []loop.ExecutorOption{
		loop.WithLogger(log),
		loop.WithStatus(console),
		loop.WithMetrics(metrics),
		loop.WithSettings(loop.SettingsFromConfig(cfg)),
		loop.WithTracker(fixtrack.New(cfg.FixTracking.Cap)),
	}
	clog, err := cyclelog.Open(filepath.Join(store.Dir, cycleLogFile))
	if err != nil {
		log.Warn("Cycle log unavailable, continuing without it", logger.F("error", err))
	} else {
		defer clog.Close()
		execOpts = append(execOpts, loop.WithCycleLog(clog))
	}
	exec := loop.NewExecutor(analyzer, actor, verifier, store, execOpts...)

	summary := report.NewWriter(afero.NewOsFs(), store.Dir)
	runnerOpts := []loop.RunnerOption{
		loop.WithConfig(cfg, registry, analyzer, actor),
		loop.WithErrorBackoff(cfg.ErrorBackoff),
		loop.WithStartHook(func(rs *state.RunState, info state.LoadInfo) {
			banner.New().Print(banner.Info{
				Version:      versionString(),
				RunID:        rs.RunID,
				Cycle:        rs.CurrentCycle,
				Ceiling:      rs.CycleCeiling,
				Deadline:     rs.Deadline,
				Interval:     rs.Interval(),
				StateDir:     store.Dir,
				Capabilities: registry.IDs(),
				Resumed:      !info.Fresh,
			})
		}),
		loop.WithFinisher(func(ctx context.Context, rs *state.RunState, reason string) error {
			if err := summary.Write(rs, reason, time.Now()); err != nil {
				return err
			}
			fmt.Printf("Summary written to %s\n", summary.Path())
			return nil
		}),
	}
	if rc != nil {
		runnerOpts = append(runnerOpts, loop.WithReconfiguration(*rc))
	}
	runner := loop.NewRunner(store, exec, params, runnerOpts...)

	if !opts.noWatch {
		if err := watchConfig(ctx, opts.configPath, runner, log); err != nil {
			log.Warn("Config hot reload disabled", logger.F("error", err))
		}
	}

	_, err = runner.Run(ctx)
	return err
}

// watchConfig forwards valid config changes to the runner. Invalid edits
// are logged and the previous config stays in effect.
func watchConfig(ctx context.Context, path string, runner *loop.Runner, log logger.Logger) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	w, err := config.NewWatcher(config.NewLoader(), path)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		_ = w.Stop()
		return err
	}
	go func() {
		defer w.Stop()
		for ev := range w.Events() {
			if ev.Error != nil {
				log.Warn("Config reload rejected", logger.F("path", ev.Path), logger.F("error", ev.Error))
				continue
			}
			log.Info("Config change queued", logger.F("path", ev.Path))
			runner.Reload(ev.Config)
		}
	}()
	return nil
}
