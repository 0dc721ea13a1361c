package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/valter-silva-au/workloop/internal/core"
)

// RunLockFile guards against two orchestrators sharing a base path.
const RunLockFile = "workloop.lock"

var runOnce bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the work loop",
	Long: `Run the work loop until interrupted. Every interval, each project with
work_loop_enabled runs the cleanup, triage, work, review and analyze phases.

Use --once to run a single cycle and print its report. Only one work loop
may run per base path at a time.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDeps(); err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		release, err := core.AcquireRunLock(filepath.Join(BasePath, RunLockFile))
		if err != nil {
			if errors.Is(err, core.ErrAlreadyRunning) {
				return fmt.Errorf("%w (lock %s)", err, filepath.Join(BasePath, RunLockFile))
			}
			return err
		}
		defer func() { _ = release() }()

		ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
		defer stop()

		tracker := core.NewCapacityTracker(core.CeilingsFromConfig(Deps.Config.WorkLoop), Deps.Logger)
		driver := core.NewDriver(Deps, tracker, Monitor)
		if Audit != nil {
			last, err := Audit.LastCycle(ctx)
			if err != nil {
				return fmt.Errorf("reading last cycle: %w", err)
			}
			driver.SetCycle(last)
		}
		if Monitor != nil {
			if err := driver.Seed(ctx); err != nil {
				return fmt.Errorf("seeding capacity: %w", err)
			}
		}

		if runOnce {
			printCycleReport(out, driver.RunCycle(ctx))
			return nil
		}

		enabled := 0
		for _, p := range Deps.Config.Projects {
			if p.WorkLoopEnabled {
				enabled++
			}
		}
		fmt.Fprintf(out, "Work loop started: %d project(s) enabled, interval %s, %d agent(s) tracked.\n",
			enabled, Deps.Config.WorkLoop.Interval, tracker.ActiveCount())
		if err := driver.Run(ctx); err != nil {
			return fmt.Errorf("running work loop: %w", err)
		}
		fmt.Fprintf(out, "Work loop stopped after cycle %d.\n", driver.Cycle())
		return nil
	},
}

// printCycleReport prints one line per phase of each project, then any
// per-task errors.
func printCycleReport(w io.Writer, r core.CycleReport) {
	fmt.Fprintf(w, "Cycle %d completed in %s\n", r.Cycle, r.Duration)
	if len(r.Projects) == 0 {
		fmt.Fprintln(w, "  No projects have the work loop enabled.")
		return
	}

	projects := make([]string, 0, len(r.Projects))
	for id := range r.Projects {
		projects = append(projects, id)
	}
	sort.Strings(projects)

	for _, id := range projects {
		fmt.Fprintf(w, "\n  %s\n", id)
		for _, res := range r.Projects[id] {
			line := fmt.Sprintf("    %-8s examined %d, dispatched %d, blocked %d, advanced %d, skipped %d",
				res.Phase, res.Examined, res.Dispatched, res.Blocked, res.Advanced, res.Skipped)
			if res.StoppedBy != "" {
				line += fmt.Sprintf(" (stopped by %s ceiling)", res.StoppedBy)
			}
			fmt.Fprintln(w, line)
		}
	}

	if errs := r.Errors(); len(errs) > 0 {
		sort.Strings(errs)
		fmt.Fprintf(w, "\nErrors (%d):\n", len(errs))
		for _, e := range errs {
			fmt.Fprintf(w, "  - %s\n", e)
		}
	}
}

func init() {
	runCmd.Flags().BoolVar(&runOnce, "once", false, "Run a single cycle and exit")
	rootCmd.AddCommand(runCmd)
}
