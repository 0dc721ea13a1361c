package core

import (
	"context"

	"github.com/valter-silva-au/workloop/pkg/models"
)

// CleanupPhase releases handles of agents that are no longer running and
// removes workspaces of finished tasks.
//
// Handles of in_progress tasks are kept even when not running: the work
// phase needs them to detect agents that exited without signalling.
type CleanupPhase struct {
	executor
}

// NewCleanupPhase creates the cleanup phase.
func NewCleanupPhase(deps *Deps) *CleanupPhase {
	return &CleanupPhase{executor{deps: deps}}
}

func (p *CleanupPhase) Name() string { return PhaseCleanup }

func (p *CleanupPhase) Run(ctx context.Context, cc *CycleContext) PhaseResult {
	res := PhaseResult{Phase: PhaseCleanup}
	tasks, err := p.deps.Store.ListTasks(ctx, cc.Project.ID)
	if err != nil {
		res.addError("", err)
		return res
	}
	lookup := indexTasks(tasks)

	for _, h := range cc.Tracker.Snapshot() {
		if h.ProjectID != cc.Project.ID || h.Status == models.AgentRunning {
			continue
		}
		t, ok := lookup(h.TaskID)
		if ok && t.Status == models.StatusInProgress {
			continue
		}
		cc.Tracker.Release(h.TaskID)
		p.audit(ctx, cc, PhaseCleanup, "handle_released", h.TaskID, map[string]any{
			"session_key": h.SessionKey,
			"role":        h.Role,
			"status":      string(h.Status),
		})
		if ok && t.Agent != nil && t.Agent.SessionKey == h.SessionKey {
			sessionKey := h.SessionKey
			if _, err := p.deps.Store.UpdateTask(ctx, t.ID, func(task *models.Task) error {
				if task.Agent != nil && task.Agent.SessionKey == sessionKey {
					task.Agent = nil
				}
				return nil
			}); err != nil {
				res.addError(t.ID, err)
			}
		}
	}

	var done []models.Task
	for _, t := range tasks {
		if t.Status == models.StatusDone && t.WorktreePath != "" {
			done = append(done, t)
		}
	}
	p.forEach(ctx, PhaseCleanup, done, &res, func(t models.Task) (bool, error) {
		if cc.Tracker.IsLive(t.ID) {
			return false, nil
		}
		if p.deps.Worktrees != nil {
			if err := p.deps.Worktrees.RemoveWorktree(ctx, cc.Project, t.ID); err != nil {
				return false, err
			}
		}
		if _, err := p.deps.Store.UpdateTask(ctx, t.ID, func(task *models.Task) error {
			task.WorktreePath = ""
			task.Agent = nil
			return nil
		}); err != nil {
			return false, err
		}
		res.Advanced++
		p.audit(ctx, cc, PhaseCleanup, "worktree_removed", t.ID, map[string]any{"path": t.WorktreePath})
		return false, nil
	})
	return res
}
