package core

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/valter-silva-au/workloop/pkg/models"
)

// ReviewPhase reconciles in-review tasks with their pull requests: it
// advances merged work, routes conflicts to the conflict handler, and
// dispatches reviewers while capacity remains.
type ReviewPhase struct {
	executor
	conflicts *ConflictHandler
}

// NewReviewPhase creates the review phase.
func NewReviewPhase(deps *Deps, conflicts *ConflictHandler) *ReviewPhase {
	if conflicts == nil {
		conflicts = NewConflictHandler(deps)
	}
	return &ReviewPhase{executor: executor{deps: deps}, conflicts: conflicts}
}

func (p *ReviewPhase) Name() string { return PhaseReview }

func (p *ReviewPhase) Run(ctx context.Context, cc *CycleContext) PhaseResult {
	res := PhaseResult{Phase: PhaseReview}
	tasks, err := p.deps.Store.ListTasks(ctx, cc.Project.ID, models.StatusInReview)
	if err != nil {
		res.addError("", err)
		return res
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Updated.Before(tasks[j].Updated) })

	p.forEach(ctx, PhaseReview, tasks, &res, func(t models.Task) (bool, error) {
		return p.reviewTask(ctx, cc, t, &res)
	})
	return res
}

func (p *ReviewPhase) reviewTask(ctx context.Context, cc *CycleContext, t models.Task, res *PhaseResult) (bool, error) {
	log := p.deps.logger().With("phase", PhaseReview, "project", cc.Project.ID, "task_id", t.ID)

	if cc.Tracker.IsLive(t.ID) {
		h, _ := cc.Tracker.Get(t.ID)
		log.Debug("reviewer already running", "session_key", h.SessionKey)
		p.audit(ctx, cc, PhaseReview, "reviewer_already_running", t.ID, map[string]any{
			"session_key": h.SessionKey,
			"role":        h.Role,
		})
		res.Skipped++
		return false, nil
	}

	pr, ok := p.deps.Reconciler.FindOpenPR(ctx, cc.Project, t)
	if !ok {
		p.lookupFailed(ctx, cc, t, res)
		return false, nil
	}
	if pr == nil {
		if t.PRNumber != nil {
			merged, ok := p.deps.Reconciler.IsMerged(ctx, cc.Project, *t.PRNumber)
			if !ok {
				p.lookupFailed(ctx, cc, t, res)
				return false, nil
			}
			if merged {
				cc.recordPR(t.ID, false)
				return false, p.advanceMerged(ctx, cc, t, *t.PRNumber, res)
			}
		}
		cc.recordPR(t.ID, false)
		log.Info("no open pull request", "reason", "no_open_pr")
		p.audit(ctx, cc, PhaseReview, "no_open_pr", t.ID, map[string]any{
			"branch": TaskBranch(p.deps.Config.BranchPattern, t),
		})
		return false, nil
	}
	cc.recordPR(t.ID, true)

	if t.PRNumber == nil || *t.PRNumber != pr.Number {
		number := pr.Number
		updated, err := p.deps.Store.UpdateTask(ctx, t.ID, func(task *models.Task) error {
			task.PRNumber = &number
			return nil
		})
		if err != nil {
			log.Warn("recording pull request number failed", "pr", number, "error", err)
		} else {
			t = *updated
		}
	}

	status, known := p.deps.Reconciler.MergeableStatus(ctx, cc.Project, pr.Number)
	if known && (status == models.Conflicting || status == models.Dirty) {
		outcome, err := p.conflicts.Handle(ctx, cc, PhaseReview, t, *pr)
		switch outcome {
		case ConflictEscalated:
			res.Blocked++
		case ConflictDispatched:
			res.Dispatched++
			return p.checkCeilings(ctx, cc, res), err
		case ConflictDeferred:
			res.Skipped++
		}
		return false, err
	}
	if known && status == models.Mergeable && t.ConflictAttempts > 0 {
		if _, err := p.deps.Store.UpdateTask(ctx, t.ID, func(task *models.Task) error {
			task.ConflictAttempts = 0
			return nil
		}); err != nil {
			log.Warn("resetting conflict attempts failed", "error", err)
		}
	}

	a := Decide(InputFor(t,
		cc.Tracker.StatusOf(t.ID),
		true,
		true,
		cc.Tracker.GlobalAvailable(),
		cc.Tracker.RoleAvailable(models.RoleReviewer),
	))
	if a.Kind != ActionDispatchReviewer {
		log.Debug("no reviewer dispatched", "action", a.String())
		res.Skipped++
		return false, nil
	}

	if err := p.dispatchReviewer(ctx, cc, t, *pr); err != nil {
		p.audit(ctx, cc, PhaseReview, "dispatch_failed", t.ID, actionDetails(a, map[string]any{
			"pr":    pr.Number,
			"error": err.Error(),
		}))
		return false, err
	}
	res.Dispatched++
	p.audit(ctx, cc, PhaseReview, "reviewer_dispatched", t.ID, actionDetails(a, map[string]any{
		"pr":        pr.Number,
		"mergeable": string(status),
	}))
	return p.checkCeilings(ctx, cc, res), nil
}

// lookupFailed leaves the task untouched for this cycle. Nothing is recorded
// for analyze, so an unreachable VCS never counts as a missing pull request.
func (p *ReviewPhase) lookupFailed(ctx context.Context, cc *CycleContext, t models.Task, res *PhaseResult) {
	details := map[string]any{"reason": "pr_lookup_failed"}
	if t.PRNumber != nil {
		details["pr"] = *t.PRNumber
	}
	p.deps.logger().Warn("pull request lookup failed, retrying next cycle",
		"reason", "pr_lookup_failed",
		"phase", PhaseReview,
		"project", cc.Project.ID,
		"task_id", t.ID,
	)
	p.audit(ctx, cc, PhaseReview, "lookup_failed", t.ID, details)
	res.Skipped++
}

// checkCeilings stops the phase as soon as any ceiling is full.
func (p *ReviewPhase) checkCeilings(ctx context.Context, cc *CycleContext, res *PhaseResult) bool {
	ceiling := cc.Tracker.ExhaustedCeiling()
	if ceiling == "" {
		return false
	}
	res.StoppedBy = ceiling
	p.audit(ctx, cc, PhaseReview, "capacity_reached", "", map[string]any{
		"ceiling":   ceiling,
		"active":    cc.Tracker.ActiveCount(),
		"reviewers": cc.Tracker.ActiveCountByRole(models.RoleReviewer),
		"resolvers": cc.Tracker.ActiveCountByRole(models.RoleConflictResolver),
	})
	return true
}

func (p *ReviewPhase) dispatchReviewer(ctx context.Context, cc *CycleContext, t models.Task, pr models.PullRequest) error {
	branch := pr.HeadBranch
	if branch == "" {
		branch = TaskBranch(p.deps.Config.BranchPattern, t)
	}
	workDir := t.WorktreePath
	if p.deps.Worktrees != nil {
		path, err := p.deps.Worktrees.EnsureWorktree(ctx, cc.Project, t.ID, branch)
		if err != nil {
			return fmt.Errorf("preparing review worktree: %w", err)
		}
		workDir = path
	}
	if workDir == "" {
		workDir = cc.Project.RepoPath
	}

	prompt, err := p.deps.Prompts.Build(PromptData{
		Task:       t,
		Role:       models.RoleReviewer,
		ProjectID:  cc.Project.ID,
		BaseBranch: cc.Project.BaseBranch,
		Branch:     branch,
		Workspace:  workDir,
		Comments:   t.Comments,
		PR:         &pr,
	})
	if err != nil {
		return err
	}
	_, err = p.spawnAgent(ctx, cc, t, models.RoleReviewer, prompt, workDir, branch)
	return err
}

// advanceMerged moves a task whose pull request was merged outside the loop
// to done and runs the post-merge deploy hooks.
func (p *ReviewPhase) advanceMerged(ctx context.Context, cc *CycleContext, t models.Task, number int, res *PhaseResult) error {
	if err := p.transition(ctx, cc, t, models.StatusDone, "pr_merged", func(task *models.Task) {
		task.Agent = nil
	}); err != nil {
		return err
	}
	res.Advanced++
	p.appendEvent(ctx, t.ID, models.EventPRMerged, map[string]string{"pr": strconv.Itoa(number)})
	p.emit(EventTypePRMerged, map[string]any{
		"project": cc.Project.ID,
		"task_id": t.ID,
		"pr":      number,
	})
	p.audit(ctx, cc, PhaseReview, "merged_auto_advanced", t.ID, map[string]any{"pr": number})

	if p.deps.Deploy == nil {
		return nil
	}
	hooks, err := p.deps.Deploy.AfterMerge(ctx, cc.Project, number)
	if err != nil {
		p.deps.logger().Warn("deploy hook failed",
			"reason", "deploy_hook_failed",
			"project", cc.Project.ID,
			"task_id", t.ID,
			"pr", number,
			"error", err,
		)
		p.emit(EventTypeDeployHookFailed, map[string]any{"project": cc.Project.ID, "pr": number, "error": err.Error()})
		p.audit(ctx, cc, PhaseReview, "deploy_hook_failed", t.ID, map[string]any{"pr": number, "error": err.Error()})
		return nil
	}
	if len(hooks) > 0 {
		p.emit(EventTypeDeployHookApplied, map[string]any{"project": cc.Project.ID, "pr": number, "hooks": hooks})
		p.audit(ctx, cc, PhaseReview, "deploy_hook_triggered", t.ID, map[string]any{"pr": number, "hooks": hooks})
	}
	return nil
}
