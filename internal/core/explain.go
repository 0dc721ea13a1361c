package core

import (
	"context"
	"fmt"

	"github.com/valter-silva-au/workloop/pkg/models"
)

// Explanation is a dry-run decision for one task: the facts gathered and
// the action Decide returned for them.
type Explanation struct {
	Task   models.Task         `json:"task"`
	Input  DecisionInput       `json:"input"`
	Action Action              `json:"action"`
	Agent  *models.AgentHandle `json:"agent,omitempty"`
	PR     *models.PullRequest `json:"pr,omitempty"`
	Active int                 `json:"active_agents"`

	// PRLookupFailed is set when the VCS could not be asked. A cycle skips
	// the task in that case instead of acting on Action.
	PRLookupFailed bool `json:"pr_lookup_failed,omitempty"`
}

// Explain gathers the same facts a cycle would for taskID and runs Decide
// on them without acting. Capacity is rebuilt from the agent sessions
// recorded on tasks of every enabled project; monitor may be nil, in which
// case recorded sessions count as running.
func Explain(ctx context.Context, deps *Deps, monitor AgentMonitor, taskID string) (*Explanation, error) {
	task, err := deps.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	project := deps.Config.Project(task.ProjectID)
	if project == nil {
		return nil, fmt.Errorf("task %s belongs to unknown project %q", task.ID, task.ProjectID)
	}

	tracker := NewCapacityTracker(CeilingsFromConfig(deps.Config.WorkLoop), deps.Logger)
	var lookup func(string) (models.Task, bool)
	for _, p := range deps.Config.Projects {
		if !p.WorkLoopEnabled && p.ID != project.ID {
			continue
		}
		tasks, err := deps.Store.ListTasks(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("listing tasks for %s: %w", p.ID, err)
		}
		if p.ID == project.ID {
			lookup = indexTasks(tasks)
		}
		if monitor != nil {
			tracker.Seed(ctx, tasks, monitor)
			continue
		}
		for _, t := range tasks {
			if t.Agent != nil && t.Agent.SessionKey != "" {
				tracker.Track(handleFromSession(t))
			}
		}
	}

	ex := &Explanation{Task: *task, Active: tracker.ActiveCount()}
	if h, ok := tracker.Get(task.ID); ok {
		ex.Agent = &h
	}

	hasOpenPR := false
	if task.Status == models.StatusInReview && deps.Reconciler != nil {
		pr, ok := deps.Reconciler.FindOpenPR(ctx, *project, *task)
		ex.PR = pr
		ex.PRLookupFailed = !ok
		hasOpenPR = pr != nil
	}

	ex.Input = InputFor(*task,
		tracker.StatusOf(task.ID),
		hasOpenPR,
		DependenciesMet(*task, lookup),
		tracker.RoleAvailable(EffectiveRole(task.Role)),
		tracker.RoleAvailable(models.RoleReviewer),
	)
	ex.Action = Decide(ex.Input)
	return ex, nil
}
