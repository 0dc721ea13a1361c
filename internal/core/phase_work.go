package core

import (
	"context"
	"fmt"
	"sort"

	"github.com/valter-silva-au/workloop/pkg/models"
)

// WorkPhase checks the liveness of in-progress agents and dispatches ready
// tasks while capacity remains.
type WorkPhase struct {
	executor
}

// NewWorkPhase creates the work phase.
func NewWorkPhase(deps *Deps) *WorkPhase {
	return &WorkPhase{executor{deps: deps}}
}

func (p *WorkPhase) Name() string { return PhaseWork }

func (p *WorkPhase) Run(ctx context.Context, cc *CycleContext) PhaseResult {
	res := PhaseResult{Phase: PhaseWork}
	tasks, err := p.deps.Store.ListTasks(ctx, cc.Project.ID)
	if err != nil {
		res.addError("", err)
		return res
	}
	lookup := indexTasks(tasks)

	var inProgress, ready []models.Task
	for _, t := range tasks {
		switch t.Status {
		case models.StatusInProgress:
			inProgress = append(inProgress, t)
		case models.StatusReady:
			ready = append(ready, t)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if !ready[i].Created.Equal(ready[j].Created) {
			return ready[i].Created.Before(ready[j].Created)
		}
		return ready[i].ID < ready[j].ID
	})

	p.forEach(ctx, PhaseWork, inProgress, &res, func(t models.Task) (bool, error) {
		return false, p.checkLiveness(ctx, cc, t, &res)
	})

	if len(ready) > 0 && !cc.Tracker.GlobalAvailable() {
		res.StoppedBy = CeilingGlobal
		res.Skipped += len(ready)
		p.audit(ctx, cc, PhaseWork, "capacity_reached", "", map[string]any{
			"ceiling": CeilingGlobal,
			"active":  cc.Tracker.ActiveCount(),
			"waiting": len(ready),
		})
		return res
	}

	p.forEach(ctx, PhaseWork, ready, &res, func(t models.Task) (bool, error) {
		role := EffectiveRole(t.Role)
		a := Decide(InputFor(t,
			cc.Tracker.StatusOf(t.ID),
			false,
			DependenciesMet(t, lookup),
			cc.Tracker.RoleAvailable(role),
			false,
		))
		switch a.Kind {
		case ActionDispatch:
			if err := p.dispatch(ctx, cc, t, a.Role); err != nil {
				p.audit(ctx, cc, PhaseWork, "dispatch_failed", t.ID, actionDetails(a, map[string]any{"error": err.Error()}))
				return false, err
			}
			res.Dispatched++
			p.audit(ctx, cc, PhaseWork, "dispatched", t.ID, actionDetails(a, nil))
			if !cc.Tracker.GlobalAvailable() {
				res.StoppedBy = CeilingGlobal
				p.audit(ctx, cc, PhaseWork, "capacity_reached", "", map[string]any{
					"ceiling": CeilingGlobal,
					"active":  cc.Tracker.ActiveCount(),
				})
				return true, nil
			}
		case ActionSkip:
			res.Skipped++
			if auditable(a) {
				p.audit(ctx, cc, PhaseWork, "skipped", t.ID, actionDetails(a, nil))
			}
		}
		return false, nil
	})
	return res
}

// checkLiveness blocks an in-progress task whose agent exited without
// moving it forward.
func (p *WorkPhase) checkLiveness(ctx context.Context, cc *CycleContext, t models.Task, res *PhaseResult) error {
	h, _ := cc.Tracker.Get(t.ID)
	a := Decide(InputFor(t, cc.Tracker.StatusOf(t.ID), false, true, false, false))
	if a.Kind != ActionBlock {
		return nil
	}
	msg := fmt.Sprintf("The %s agent (session `%s`) is %s but the task is still `in_progress`. "+
		"It exited without opening a pull request or reporting a blocker. Last activity: %s.",
		displayRole(h.Role), h.SessionKey, h.Status, h.LastActivityAt.Format("2006-01-02 15:04 MST"))
	if err := p.escalate(ctx, cc, PhaseWork, t, a.Reason, msg); err != nil {
		return err
	}
	cc.Tracker.Release(t.ID)
	res.Blocked++
	return nil
}

// dispatch prepares the task workspace and starts an agent with role.
func (p *WorkPhase) dispatch(ctx context.Context, cc *CycleContext, t models.Task, role string) error {
	branch := TaskBranch(p.deps.Config.BranchPattern, t)
	workDir := cc.Project.RepoPath
	if p.deps.Worktrees != nil {
		path, err := p.deps.Worktrees.EnsureWorktree(ctx, cc.Project, t.ID, branch)
		if err != nil {
			return fmt.Errorf("preparing worktree: %w", err)
		}
		workDir = path
	}

	prompt, err := p.deps.Prompts.Build(PromptData{
		Task:       t,
		Role:       role,
		ProjectID:  cc.Project.ID,
		BaseBranch: cc.Project.BaseBranch,
		Branch:     branch,
		Workspace:  workDir,
		Comments:   t.Comments,
	})
	if err != nil {
		return err
	}

	if _, err := p.spawnAgent(ctx, cc, t, role, prompt, workDir, branch); err != nil {
		return err
	}

	return p.transition(ctx, cc, t, models.StatusInProgress, "dispatched", func(task *models.Task) {
		task.Branch = branch
		task.WorktreePath = workDir
		task.ConflictAttempts = 0
	})
}

func displayRole(role string) string {
	if role == "" {
		return "unnamed-role"
	}
	return role
}
