package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/valter-silva-au/workloop/pkg/models"
)

// Phase names, in the order the cycle driver runs them.
const (
	PhaseCleanup = "cleanup"
	PhaseTriage  = "triage"
	PhaseWork    = "work"
	PhaseReview  = "review"
	PhaseAnalyze = "analyze"
)

// Deps bundles the collaborators phase runners act through. Notifier,
// Deploy and Events may be nil.
type Deps struct {
	Store      TaskStore
	Spawner    AgentSpawner
	Reconciler Reconciler
	Worktrees  WorktreeProvider
	Deploy     DeployHook
	Audit      AuditSink
	Events     EventLogger
	Notifier   Notifier
	Prompts    *PromptBuilder
	Config     models.GlobalConfig
	Logger     *slog.Logger
	Now        func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return d.Logger
}

// CycleContext is the per-project state shared by the phases of one cycle.
// PR facts learned by the review phase live here and die with the cycle.
type CycleContext struct {
	Cycle   int64
	Project models.ProjectConfig
	Tracker *CapacityTracker

	openPR map[string]bool
}

// NewCycleContext creates the context for one project in one cycle.
func NewCycleContext(cycle int64, project models.ProjectConfig, tracker *CapacityTracker) *CycleContext {
	return &CycleContext{
		Cycle:   cycle,
		Project: project,
		Tracker: tracker,
		openPR:  make(map[string]bool),
	}
}

// recordPR remembers whether task had an open PR this cycle.
func (cc *CycleContext) recordPR(taskID string, open bool) {
	cc.openPR[taskID] = open
}

// observedPR reports what the review phase saw for task this cycle. The
// second result is false if the task was not examined.
func (cc *CycleContext) observedPR(taskID string) (open, seen bool) {
	open, seen = cc.openPR[taskID]
	return open, seen
}

// Phase is one stage of a work-loop cycle.
type Phase interface {
	Name() string
	Run(ctx context.Context, cc *CycleContext) PhaseResult
}

// PhaseResult summarizes what a phase did.
type PhaseResult struct {
	Phase      string
	Examined   int
	Dispatched int
	Blocked    int
	Advanced   int
	Skipped    int
	StoppedBy  string
	Errors     []string
}

func (r *PhaseResult) addError(taskID string, err error) {
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", taskID, err))
}

// executor holds the side-effecting helpers every phase shares.
type executor struct {
	deps *Deps
}

// audit records one audit entry. Failures are logged and swallowed.
func (e *executor) audit(ctx context.Context, cc *CycleContext, phase, action, taskID string, details map[string]any) {
	e.auditTimed(ctx, cc, phase, action, taskID, details, nil)
}

func (e *executor) auditTimed(ctx context.Context, cc *CycleContext, phase, action, taskID string, details map[string]any, d *time.Duration) {
	if e.deps.Audit == nil {
		return
	}
	entry := models.AuditEntry{
		Time:      e.deps.now(),
		ProjectID: cc.Project.ID,
		Cycle:     cc.Cycle,
		Phase:     phase,
		Action:    action,
		TaskID:    taskID,
		Details:   details,
		Duration:  d,
	}
	if err := e.deps.Audit.Record(ctx, entry); err != nil {
		e.deps.logger().Warn("audit write failed",
			"reason", "audit_write_failed",
			"phase", phase,
			"action", action,
			"task_id", taskID,
			"error", err,
		)
	}
}

// emit writes to the notification sink. Failures are logged and swallowed.
func (e *executor) emit(eventType string, data map[string]any) {
	if e.deps.Events == nil {
		return
	}
	if err := e.deps.Events.LogEvent(eventType, data); err != nil {
		e.deps.logger().Warn("event write failed", "reason", "event_write_failed", "type", eventType, "error", err)
	}
}

// appendEvent records a lifecycle event on the task. Failures are logged.
func (e *executor) appendEvent(ctx context.Context, taskID string, typ models.TaskEventType, data map[string]string) {
	err := e.deps.Store.AppendEvent(ctx, taskID, models.TaskEvent{Type: typ, Time: e.deps.now(), Data: data})
	if err != nil {
		e.deps.logger().Warn("appending task event failed",
			"reason", "event_append_failed",
			"task_id", taskID,
			"event", typ,
			"error", err,
		)
	}
}

// transition moves task to status and records the status-change event.
// extra may further mutate the task inside the same store update.
func (e *executor) transition(ctx context.Context, cc *CycleContext, task models.Task, to models.TaskStatus, cause string, extra func(*models.Task)) error {
	from := task.Status
	_, err := e.deps.Store.UpdateTask(ctx, task.ID, func(t *models.Task) error {
		t.Status = to
		if extra != nil {
			extra(t)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("moving task %s to %s: %w", task.ID, to, err)
	}
	e.appendEvent(ctx, task.ID, models.EventStatusChanged, map[string]string{
		"from":  string(from),
		"to":    string(to),
		"cause": cause,
	})
	e.emit(EventTypeStatusChanged, map[string]any{
		"project":    cc.Project.ID,
		"task_id":    task.ID,
		"old_status": string(from),
		"new_status": string(to),
		"cause":      cause,
	})
	return nil
}

// comment posts an automated comment on the task.
func (e *executor) comment(ctx context.Context, taskID, body string) error {
	return e.deps.Store.AddComment(ctx, taskID, models.Comment{
		Author:    "workloop",
		Body:      body,
		Automated: true,
		Created:   e.deps.now(),
	})
}

// escalate blocks the task, posts an explanatory comment, and notifies.
// A failed comment or notification does not undo the block.
func (e *executor) escalate(ctx context.Context, cc *CycleContext, phase string, task models.Task, reason, message string) error {
	if err := e.transition(ctx, cc, task, models.StatusBlocked, reason, func(t *models.Task) {
		t.Agent = nil
	}); err != nil {
		return err
	}
	body := escalationComment(reason, message)
	if err := e.comment(ctx, task.ID, body); err != nil {
		e.deps.logger().Warn("posting escalation comment failed",
			"reason", "comment_post_failed",
			"task_id", task.ID,
			"error", err,
		)
	}
	e.appendEvent(ctx, task.ID, models.EventEscalated, map[string]string{"reason": reason})
	e.emit(EventTypeEscalated, map[string]any{
		"project": cc.Project.ID,
		"task_id": task.ID,
		"reason":  reason,
	})
	e.audit(ctx, cc, phase, "blocked", task.ID, map[string]any{"reason": reason})
	if e.deps.Notifier != nil {
		err := e.deps.Notifier.Escalated(ctx, Escalation{
			ProjectID: cc.Project.ID,
			TaskID:    task.ID,
			Title:     task.Title,
			Reason:    reason,
			Message:   message,
			Time:      e.deps.now(),
		})
		if err != nil {
			e.deps.logger().Warn("escalation notification failed", "task_id", task.ID, "error", err)
		}
	}
	return nil
}

func escalationComment(reason, message string) string {
	return fmt.Sprintf("**Blocked by the work loop** (`%s`)\n\n%s\n\nTo resume, fix the cause and move the task back to `ready`.",
		reason, message)
}

// modelFor returns the configured model for role.
func (e *executor) modelFor(role string) string {
	if m, ok := e.deps.Config.Agent.Models[role]; ok && m != "" {
		return m
	}
	return e.deps.Config.Agent.DefaultModel
}

// spawnAgent starts an agent for task, tracks its handle, and records the
// session on the task. On error nothing has been tracked or recorded.
func (e *executor) spawnAgent(ctx context.Context, cc *CycleContext, task models.Task, role, prompt, workDir, branch string) (models.AgentHandle, error) {
	model := e.modelFor(role)
	res, err := e.deps.Spawner.Spawn(ctx, models.SpawnRequest{
		TaskID:         task.ID,
		ProjectID:      cc.Project.ID,
		Role:           role,
		Prompt:         prompt,
		Model:          model,
		WorkDir:        workDir,
		Branch:         branch,
		TimeoutSeconds: e.deps.Config.Agent.TimeoutSeconds,
	})
	if err != nil {
		return models.AgentHandle{}, fmt.Errorf("spawning %s agent for %s: %w", role, task.ID, err)
	}

	h := models.AgentHandle{
		SessionKey:     res.SessionKey,
		TaskID:         task.ID,
		ProjectID:      cc.Project.ID,
		Role:           role,
		Model:          model,
		SpawnedAt:      res.SpawnedAt,
		LastActivityAt: res.SpawnedAt,
		Status:         models.AgentRunning,
	}
	cc.Tracker.Track(h)

	session := &models.AgentSession{
		SessionKey:     h.SessionKey,
		Role:           role,
		Model:          model,
		SpawnedAt:      h.SpawnedAt,
		LastActivityAt: h.LastActivityAt,
	}
	if _, err := e.deps.Store.UpdateTask(ctx, task.ID, func(t *models.Task) error {
		t.Agent = session
		return nil
	}); err != nil {
		// The agent runs untracked across restarts until this is fixed.
		e.deps.logger().Error("recording agent session failed",
			"reason", "session_record_failed",
			"task_id", task.ID,
			"session_key", h.SessionKey,
			"error", err,
		)
	}
	e.appendEvent(ctx, task.ID, models.EventAgentAssigned, map[string]string{
		"session_key": h.SessionKey,
		"role":        role,
		"model":       model,
	})
	e.emit(EventTypeAgentAssigned, map[string]any{
		"project":     cc.Project.ID,
		"task_id":     task.ID,
		"role":        role,
		"model":       model,
		"session_key": h.SessionKey,
	})
	return h, nil
}

// forEach runs fn for every task, isolating panics so that one task's
// failure never stops the phase. fn returns stop=true to end the phase early.
func (e *executor) forEach(ctx context.Context, phase string, tasks []models.Task, res *PhaseResult, fn func(models.Task) (stop bool, err error)) {
	for _, t := range tasks {
		if ctx.Err() != nil {
			return
		}
		res.Examined++
		stop, err := e.guard(phase, t, fn)
		if err != nil {
			res.addError(t.ID, err)
			e.deps.logger().Warn("task handling failed",
				"phase", phase,
				"task_id", t.ID,
				"error", err,
			)
		}
		if stop {
			return
		}
	}
}

func (e *executor) guard(phase string, t models.Task, fn func(models.Task) (bool, error)) (stop bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s phase: %v", phase, r)
			stop = false
		}
	}()
	return fn(t)
}

// indexTasks returns a lookup over tasks by ID.
func indexTasks(tasks []models.Task) func(string) (models.Task, bool) {
	byID := make(map[string]models.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	return func(id string) (models.Task, bool) {
		t, ok := byID[id]
		return t, ok
	}
}

// auditable reports whether a decision deserves an audit entry. Noops and
// agent_active skips recur every cycle and carry no information.
func auditable(a Action) bool {
	return a.Kind != ActionNoop && a.Reason != ReasonAgentActive
}

func actionDetails(a Action, extra map[string]any) map[string]any {
	d := map[string]any{"action": a.String(), "rule": a.Rule}
	if a.Reason != "" {
		d["reason"] = a.Reason
	}
	if a.Role != "" {
		d["role"] = a.Role
	}
	for k, v := range extra {
		d[k] = v
	}
	return d
}
