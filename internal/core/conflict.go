package core

import (
	"context"
	"fmt"
	"strconv"

	"github.com/valter-silva-au/workloop/pkg/models"
)

// ConflictOutcome reports what the conflict handler did with a task.
type ConflictOutcome string

const (
	// ConflictDispatched means a conflict-resolver agent was started.
	ConflictDispatched ConflictOutcome = "dispatched"
	// ConflictEscalated means the retry budget was spent and the task blocked.
	ConflictEscalated ConflictOutcome = "escalated"
	// ConflictDeferred means no conflict-resolver capacity was free.
	ConflictDeferred ConflictOutcome = "deferred"
	// ConflictFailed means the agent could not be started. No attempt was used.
	ConflictFailed ConflictOutcome = "failed"
)

// ReasonConflictRetriesExhausted is the block reason once every automated
// resolution attempt has been used.
const ReasonConflictRetriesExhausted = "conflict_retries_exhausted"

// ConflictHandler runs the bounded-retry conflict resolution sub-flow for
// tasks whose pull request cannot merge cleanly.
type ConflictHandler struct {
	executor
	maxAttempts int
}

// NewConflictHandler creates a handler allowing
// Config.WorkLoop.MaxConflictResolutionAttempts attempts per task.
func NewConflictHandler(deps *Deps) *ConflictHandler {
	return &ConflictHandler{
		executor:    executor{deps: deps},
		maxAttempts: deps.Config.WorkLoop.MaxConflictResolutionAttempts,
	}
}

// Handle either dispatches a conflict-resolver agent for task or, when the
// retry counter has reached the maximum, blocks the task. The task stays in
// in_review after a dispatch so the next review pass re-evaluates it.
func (h *ConflictHandler) Handle(ctx context.Context, cc *CycleContext, phase string, task models.Task, pr models.PullRequest) (ConflictOutcome, error) {
	if task.ConflictAttempts >= h.maxAttempts {
		msg := fmt.Sprintf("Pull request #%d still has merge conflicts with `%s` after %d automated resolution attempt(s). "+
			"Resolve the conflicts by hand or rebase the branch `%s`.",
			pr.Number, cc.Project.BaseBranch, task.ConflictAttempts, pr.HeadBranch)
		if err := h.escalate(ctx, cc, phase, task, ReasonConflictRetriesExhausted, msg); err != nil {
			return "", err
		}
		h.audit(ctx, cc, phase, ReasonConflictRetriesExhausted, task.ID, map[string]any{
			"pr":       pr.Number,
			"attempts": task.ConflictAttempts,
		})
		return ConflictEscalated, nil
	}

	if !cc.Tracker.RoleAvailable(models.RoleConflictResolver) {
		h.audit(ctx, cc, phase, "conflict_resolver_capacity", task.ID, map[string]any{"pr": pr.Number})
		return ConflictDeferred, nil
	}

	attempt := task.ConflictAttempts + 1
	branch := pr.HeadBranch
	if branch == "" {
		branch = TaskBranch(h.deps.Config.BranchPattern, task)
	}
	workDir := task.WorktreePath
	if h.deps.Worktrees != nil {
		path, err := h.deps.Worktrees.EnsureWorktree(ctx, cc.Project, task.ID, branch)
		if err != nil {
			h.audit(ctx, cc, phase, "conflict_spawn_failed", task.ID, map[string]any{"pr": pr.Number, "error": err.Error()})
			return ConflictFailed, fmt.Errorf("preparing conflict worktree: %w", err)
		}
		workDir = path
	}
	if workDir == "" {
		workDir = cc.Project.RepoPath
	}

	prompt, err := h.deps.Prompts.Build(PromptData{
		Task:        task,
		Role:        models.RoleConflictResolver,
		ProjectID:   cc.Project.ID,
		BaseBranch:  cc.Project.BaseBranch,
		Branch:      branch,
		Workspace:   workDir,
		PR:          &pr,
		Attempt:     attempt,
		MaxAttempts: h.maxAttempts,
	})
	if err != nil {
		return ConflictFailed, err
	}

	handle, err := h.spawnAgent(ctx, cc, task, models.RoleConflictResolver, prompt, workDir, branch)
	if err != nil {
		h.deps.logger().Warn("conflict resolver spawn failed",
			"reason", "conflict_spawn_failed",
			"task_id", task.ID,
			"pr", pr.Number,
			"error", err,
		)
		h.audit(ctx, cc, phase, "conflict_spawn_failed", task.ID, map[string]any{"pr": pr.Number, "error": err.Error()})
		return ConflictFailed, err
	}

	if _, err := h.deps.Store.UpdateTask(ctx, task.ID, func(t *models.Task) error {
		t.ConflictAttempts = attempt
		return nil
	}); err != nil {
		return ConflictDispatched, fmt.Errorf("recording conflict attempt: %w", err)
	}
	h.appendEvent(ctx, task.ID, models.EventConflictResolutionStarted, map[string]string{
		"pr":          strconv.Itoa(pr.Number),
		"attempt":     strconv.Itoa(attempt),
		"session_key": handle.SessionKey,
	})
	h.emit(EventTypeConflictStarted, map[string]any{
		"project": cc.Project.ID,
		"task_id": task.ID,
		"pr":      pr.Number,
		"attempt": attempt,
	})
	h.audit(ctx, cc, phase, "conflict_resolution_dispatched", task.ID, map[string]any{
		"pr":           pr.Number,
		"attempt":      attempt,
		"max_attempts": h.maxAttempts,
		"session_key":  handle.SessionKey,
	})
	return ConflictDispatched, nil
}
