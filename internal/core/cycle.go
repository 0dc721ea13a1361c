package core

import (
	"context"
	"fmt"
	"time"

	"github.com/valter-silva-au/workloop/pkg/models"
)

// CycleReport summarizes one full pass over every enabled project.
type CycleReport struct {
	Cycle    int64
	Started  time.Time
	Duration time.Duration
	Projects map[string][]PhaseResult
}

// Errors returns every per-task error collected during the cycle.
func (r CycleReport) Errors() []string {
	var out []string
	for project, results := range r.Projects {
		for _, res := range results {
			for _, e := range res.Errors {
				out = append(out, fmt.Sprintf("%s/%s: %s", project, res.Phase, e))
			}
		}
	}
	return out
}

// Driver runs the fixed phase sequence once per tick for every project
// with the work loop enabled. Cycles never overlap.
type Driver struct {
	deps    *Deps
	tracker *CapacityTracker
	monitor AgentMonitor
	phases  []Phase
	cycle   int64
}

// NewDriver creates a driver running cleanup, triage, work, review and
// analyze in that order.
func NewDriver(deps *Deps, tracker *CapacityTracker, monitor AgentMonitor) *Driver {
	return NewDriverWithPhases(deps, tracker, monitor,
		NewCleanupPhase(deps),
		NewTriagePhase(deps),
		NewWorkPhase(deps),
		NewReviewPhase(deps, NewConflictHandler(deps)),
		NewAnalyzePhase(deps),
	)
}

// NewDriverWithPhases creates a driver running the given phases in order.
func NewDriverWithPhases(deps *Deps, tracker *CapacityTracker, monitor AgentMonitor, phases ...Phase) *Driver {
	return &Driver{
		deps:    deps,
		tracker: tracker,
		monitor: monitor,
		phases:  phases,
	}
}

// SetCycle sets the number of the last completed cycle, so numbering
// continues across restarts.
func (d *Driver) SetCycle(n int64) { d.cycle = n }

// Cycle returns the number of the last started cycle.
func (d *Driver) Cycle() int64 { return d.cycle }

// Tracker returns the driver's capacity tracker.
func (d *Driver) Tracker() *CapacityTracker { return d.tracker }

// Seed rebuilds the tracker from agent sessions recorded on tasks of every
// enabled project.
func (d *Driver) Seed(ctx context.Context) error {
	for _, p := range d.enabledProjects() {
		tasks, err := d.deps.Store.ListTasks(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("listing tasks for %s: %w", p.ID, err)
		}
		d.tracker.Seed(ctx, tasks, d.monitor)
	}
	return nil
}

// RunCycle executes one cycle. Per-task failures are collected in the
// report and never abort the cycle.
func (d *Driver) RunCycle(ctx context.Context) CycleReport {
	d.cycle++
	started := d.deps.now()
	report := CycleReport{
		Cycle:    d.cycle,
		Started:  started,
		Projects: make(map[string][]PhaseResult),
	}
	log := d.deps.logger().With("cycle", d.cycle)

	if d.monitor != nil {
		d.tracker.Refresh(ctx, d.monitor)
	}

	ex := executor{deps: d.deps}
	for _, project := range d.enabledProjects() {
		if ctx.Err() != nil {
			break
		}
		cc := NewCycleContext(d.cycle, project, d.tracker)
		projectStart := d.deps.now()
		for _, phase := range d.phases {
			phaseStart := d.deps.now()
			res := d.runPhase(ctx, phase, cc)
			elapsed := d.deps.now().Sub(phaseStart)
			report.Projects[project.ID] = append(report.Projects[project.ID], res)
			ex.auditTimed(ctx, cc, phase.Name(), "phase_completed", "", phaseDetails(res), &elapsed)
			log.Debug("phase completed",
				"project", project.ID,
				"phase", phase.Name(),
				"examined", res.Examined,
				"dispatched", res.Dispatched,
				"blocked", res.Blocked,
				"errors", len(res.Errors),
				"duration", elapsed,
			)
		}
		elapsed := d.deps.now().Sub(projectStart)
		ex.auditTimed(ctx, cc, "cycle", "cycle_completed", "", nil, &elapsed)
	}

	report.Duration = d.deps.now().Sub(started)
	ex.emit(EventTypeCycleCompleted, map[string]any{
		"cycle":         d.cycle,
		"projects":      len(report.Projects),
		"errors":        len(report.Errors()),
		"active_agents": d.tracker.ActiveCount(),
		"duration_ms":   report.Duration.Milliseconds(),
	})
	log.Info("cycle completed",
		"projects", len(report.Projects),
		"active_agents", d.tracker.ActiveCount(),
		"errors", len(report.Errors()),
		"duration", report.Duration,
	)
	return report
}

func (d *Driver) runPhase(ctx context.Context, phase Phase, cc *CycleContext) (res PhaseResult) {
	defer func() {
		if r := recover(); r != nil {
			res = PhaseResult{Phase: phase.Name(), Errors: []string{fmt.Sprintf("panic: %v", r)}}
			d.deps.logger().Error("phase panicked", "phase", phase.Name(), "project", cc.Project.ID, "panic", r)
		}
	}()
	return phase.Run(ctx, cc)
}

// Run executes cycles until ctx is cancelled, sleeping the configured
// interval between them.
func (d *Driver) Run(ctx context.Context) error {
	interval := d.deps.Config.WorkLoop.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		d.RunCycle(ctx)
		timer.Reset(interval)
	}
}

func (d *Driver) enabledProjects() []models.ProjectConfig {
	var out []models.ProjectConfig
	for _, p := range d.deps.Config.Projects {
		if p.WorkLoopEnabled {
			out = append(out, p)
		}
	}
	return out
}

func phaseDetails(res PhaseResult) map[string]any {
	d := map[string]any{
		"examined":   res.Examined,
		"dispatched": res.Dispatched,
		"blocked":    res.Blocked,
		"advanced":   res.Advanced,
		"skipped":    res.Skipped,
	}
	if res.StoppedBy != "" {
		d["stopped_by"] = res.StoppedBy
	}
	if len(res.Errors) > 0 {
		d["errors"] = res.Errors
	}
	return d
}
