package core

import (
	"context"
	"time"

	"github.com/valter-silva-au/workloop/pkg/models"
)

// TaskStore owns durable task state. The orchestrator only proposes
// mutations through it. Implementations must make re-issuing the same
// mutation safe.
type TaskStore interface {
	ListTasks(ctx context.Context, projectID string, statuses ...models.TaskStatus) ([]models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTask(ctx context.Context, id string, mutate func(*models.Task) error) (*models.Task, error)
	AddComment(ctx context.Context, id string, comment models.Comment) error
	AppendEvent(ctx context.Context, id string, event models.TaskEvent) error
}

// AgentSpawner starts agent processes. Spawn returns as soon as the process
// is running; completion is only ever observed by polling an AgentMonitor.
type AgentSpawner interface {
	Spawn(ctx context.Context, req models.SpawnRequest) (models.SpawnResult, error)
}

// AgentMonitor reports the last observed status of a spawned agent. An
// unknown session key reports AgentStale with a nil error; an error means the
// status could not be observed at all.
type AgentMonitor interface {
	Status(ctx context.Context, sessionKey string) (models.AgentStatus, time.Time, error)
}

// PRQueryTool is the narrow view of the version-control hosting service the
// reconciler needs. Callers wrap every call in a timeout.
type PRQueryTool interface {
	ListOpenPRs(ctx context.Context, project models.ProjectConfig) ([]models.PullRequest, error)
	GetPR(ctx context.Context, project models.ProjectConfig, number int) (*models.PullRequest, error)
}

// DeployHook redeploys subsystems touched by a merged pull request. It
// returns the names of the hooks that ran, which may be none.
type DeployHook interface {
	AfterMerge(ctx context.Context, project models.ProjectConfig, prNumber int) ([]string, error)
}

// WorktreeProvider manages the per-task git workspace agents run in.
type WorktreeProvider interface {
	EnsureWorktree(ctx context.Context, project models.ProjectConfig, taskID, branch string) (string, error)
	RemoveWorktree(ctx context.Context, project models.ProjectConfig, taskID string) error
}

// AuditSink persists audit entries. It is write-only from the core's side.
type AuditSink interface {
	Record(ctx context.Context, entry models.AuditEntry) error
}

// Escalation describes a task the work loop handed back to a human.
type Escalation struct {
	ProjectID string
	TaskID    string
	Title     string
	Reason    string
	Message   string
	Time      time.Time
}

// Notifier is told about escalations. It is optional.
type Notifier interface {
	Escalated(ctx context.Context, e Escalation) error
}
