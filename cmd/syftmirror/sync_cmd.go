package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/openmined/syftmirror/internal/config"
	"github.com/openmined/syftmirror/internal/mirror"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newSyncCmd())
}

type syncFlags struct {
	direction    string
	scan         string
	conflict     string
	deletePolicy string
	dryRun       bool
	watch        bool
	interval     time.Duration
	json         bool
}

func newSyncCmd() *cobra.Command {
	var f syncFlags

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile every configured pair once, or continuously with --watch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.runOptions()
			if err != nil {
				return runLevel(err)
			}

			var engineOpts []mirror.Option
			if f.conflict != "" {
				strategy, err := strategyFor(config.ConflictPolicy(f.conflict), f.dryRun)
				if err != nil {
					return runLevel(err)
				}
				engineOpts = append(engineOpts, mirror.WithStrategy(strategy))
			}

			eng, err := openEngine(cmd, engineOpts...)
			if err != nil {
				return err
			}
			defer eng.Close()

			if f.conflict == "" && eng.Config().ConflictPolicy == config.ConflictInteractive {
				strategy, err := strategyFor(config.ConflictInteractive, f.dryRun)
				if err != nil {
					return runLevel(err)
				}
				opts.Strategy = strategy
			}

			cmd.SilenceUsage = true
			out := cmd.OutOrStdout()

			if f.watch {
				return eng.Watch(cmd.Context(), opts, f.interval, func(report *mirror.Report, err error) {
					if err != nil {
						slog.Error("watch run failed", "error", err)
						return
					}
					if err := printReport(out, report, f.json); err != nil {
						slog.Error("print report", "error", err)
					}
				})
			}

			report, err := eng.Run(cmd.Context(), opts)
			if err != nil {
				if report != nil {
					_ = printReport(out, report, f.json)
				}
				return runLevel(err)
			}
			if err := printReport(out, report, f.json); err != nil {
				return runLevel(err)
			}
			if code := report.ExitCode(); code != exitOK {
				return &exitError{code: exitItems}
			}
			return nil
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringVar(&f.direction, "direction", "", "mirror, upload-only or download-only")
	cmd.Flags().StringVar(&f.scan, "scan", "", "change detection: fast (size+mtime) or full (content hash)")
	cmd.Flags().BoolVarP(&f.dryRun, "dry-run", "n", false, "print the plan without changing anything")
	cmd.Flags().StringVar(&f.conflict, "conflict", "", "keep-local, keep-remote, keep-both, skip, newest or interactive")
	cmd.Flags().StringVar(&f.deletePolicy, "delete-policy", "", "report, propagate or restore")
	cmd.Flags().BoolVarP(&f.watch, "watch", "w", false, "keep running and sync on local changes")
	cmd.Flags().DurationVar(&f.interval, "interval", 5*time.Minute, "with --watch, also sync on this interval (0 disables)")
	cmd.Flags().BoolVar(&f.json, "json", false, "print the report as JSON")

	return cmd
}

// runOptions validates the override flags. Empty flags keep the config value.
func (f *syncFlags) runOptions() (mirror.RunOptions, error) {
	opts := mirror.RunOptions{
		Direction:    config.Direction(f.direction),
		ScanMode:     config.ScanMode(f.scan),
		DeletePolicy: config.DeletePolicy(f.deletePolicy),
		DryRun:       f.dryRun,
	}
	if f.direction != "" && !opts.Direction.Supported() {
		return opts, fmt.Errorf("unknown direction %q", f.direction)
	}
	if f.scan != "" && !opts.ScanMode.Supported() {
		return opts, fmt.Errorf("unknown scan mode %q", f.scan)
	}
	if f.deletePolicy != "" && !opts.DeletePolicy.Supported() {
		return opts, fmt.Errorf("unknown delete policy %q", f.deletePolicy)
	}
	if f.conflict != "" && !config.ConflictPolicy(f.conflict).Supported() {
		return opts, fmt.Errorf("unknown conflict policy %q", f.conflict)
	}
	if f.watch && f.dryRun {
		return opts, fmt.Errorf("--watch and --dry-run cannot be combined")
	}
	return opts, nil
}

// strategyFor maps a policy to a strategy. A dry run never prompts: every
// conflict is reported as unresolved instead.
func strategyFor(policy config.ConflictPolicy, dryRun bool) (mirror.Strategy, error) {
	if policy != config.ConflictInteractive {
		return mirror.StrategyFor(policy)
	}
	if dryRun {
		return mirror.PolicyStrategy{Default: mirror.ResolveSkip}, nil
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return nil, fmt.Errorf("interactive conflict resolution needs a terminal")
	}
	return newPromptStrategy(), nil
}
