package core

// EventLogger is the notification sink the dashboard reads. Defining it here
// avoids importing the observability package.
type EventLogger interface {
	LogEvent(eventType string, data map[string]any) error
}

// Event types written to the notification sink.
const (
	EventTypeAgentAssigned     = "agent.assigned"
	EventTypeStatusChanged     = "task.status_changed"
	EventTypePRMerged          = "pr.merged"
	EventTypeConflictStarted   = "conflict.resolution_started"
	EventTypeEscalated         = "task.escalated"
	EventTypeCycleCompleted    = "loop.cycle_completed"
	EventTypeDeployHookFailed  = "deploy.hook_failed"
	EventTypeDeployHookApplied = "deploy.hook_applied"
)
