package models

import "time"

// TaskStatus represents the current lifecycle state of a task.
type TaskStatus string

const (
	StatusBacklog    TaskStatus = "backlog"
	StatusReady      TaskStatus = "ready"
	StatusInProgress TaskStatus = "in_progress"
	StatusInReview   TaskStatus = "in_review"
	StatusBlocked    TaskStatus = "blocked"
	StatusDone       TaskStatus = "done"
)

// AllStatuses lists every task status in lifecycle order.
var AllStatuses = []TaskStatus{
	StatusBacklog,
	StatusReady,
	StatusInProgress,
	StatusInReview,
	StatusBlocked,
	StatusDone,
}

// Valid reports whether s is one of the known task statuses.
func (s TaskStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Well-known agent roles.
const (
	RoleDev              = "dev"
	RoleReviewer         = "reviewer"
	RoleConflictResolver = "conflict_resolver"
)

// AgentSession is the agent metadata recorded on a task when an agent is
// dispatched for it. It lets later cycles, and other processes, detect the
// agent without any in-memory state.
type AgentSession struct {
	SessionKey     string    `yaml:"session_key" json:"session_key"`
	Role           string    `yaml:"role" json:"role"`
	Model          string    `yaml:"model,omitempty" json:"model,omitempty"`
	SpawnedAt      time.Time `yaml:"spawned_at" json:"spawned_at"`
	LastActivityAt time.Time `yaml:"last_activity_at" json:"last_activity_at"`
}

// Task is the unit of work the orchestrator drives through its lifecycle.
//
// Role is a pointer so that an absent role (nil) can be told apart from an
// explicitly empty one. Only nil falls back to RoleDev.
type Task struct {
	ID               string        `yaml:"id" json:"id"`
	ProjectID        string        `yaml:"project" json:"project"`
	Title            string        `yaml:"title" json:"title"`
	Description      string        `yaml:"description,omitempty" json:"description,omitempty"`
	Status           TaskStatus    `yaml:"status" json:"status"`
	Role             *string       `yaml:"role,omitempty" json:"role,omitempty"`
	PRNumber         *int          `yaml:"pr_number,omitempty" json:"pr_number,omitempty"`
	Branch           string        `yaml:"branch,omitempty" json:"branch,omitempty"`
	WorktreePath     string        `yaml:"worktree,omitempty" json:"worktree,omitempty"`
	ConflictAttempts int           `yaml:"conflict_attempts,omitempty" json:"conflict_attempts,omitempty"`
	DependsOn        []string      `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Agent            *AgentSession `yaml:"agent,omitempty" json:"agent,omitempty"`
	Comments         []Comment     `yaml:"comments,omitempty" json:"comments,omitempty"`
	Events           []TaskEvent   `yaml:"events,omitempty" json:"events,omitempty"`
	Created          time.Time     `yaml:"created" json:"created"`
	Updated          time.Time     `yaml:"updated" json:"updated"`
}

// Comment is a note attached to a task by a human, an agent, or the
// orchestrator itself. Automated comments are excluded from agent prompts.
type Comment struct {
	Author    string    `yaml:"author" json:"author"`
	Body      string    `yaml:"body" json:"body"`
	Automated bool      `yaml:"automated,omitempty" json:"automated,omitempty"`
	Digest    string    `yaml:"digest,omitempty" json:"digest,omitempty"`
	Created   time.Time `yaml:"created" json:"created"`
}

// TaskEventType names a structured lifecycle event recorded on a task.
type TaskEventType string

const (
	EventStatusChanged             TaskEventType = "task.status_changed"
	EventAgentAssigned             TaskEventType = "agent.assigned"
	EventPRMerged                  TaskEventType = "pr.merged"
	EventConflictResolutionStarted TaskEventType = "conflict.resolution_started"
	EventEscalated                 TaskEventType = "task.escalated"
)

// TaskEvent is a structured lifecycle event appended to a task's history.
type TaskEvent struct {
	Type TaskEventType     `yaml:"type" json:"type"`
	Time time.Time         `yaml:"time" json:"time"`
	Data map[string]string `yaml:"data,omitempty" json:"data,omitempty"`
}
