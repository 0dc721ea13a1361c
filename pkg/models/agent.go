package models

import "time"

// AgentStatus is the last observed lifecycle state of an agent process.
type AgentStatus string

const (
	AgentRunning  AgentStatus = "running"
	AgentFinished AgentStatus = "finished"
	AgentStale    AgentStatus = "stale"
	// AgentNone means no handle exists for the task.
	AgentNone AgentStatus = "none"
)

// AgentHandle references a spawned agent process and its last-known status.
type AgentHandle struct {
	SessionKey     string      `yaml:"session_key" json:"session_key"`
	TaskID         string      `yaml:"task_id" json:"task_id"`
	ProjectID      string      `yaml:"project" json:"project"`
	Role           string      `yaml:"role" json:"role"`
	Model          string      `yaml:"model,omitempty" json:"model,omitempty"`
	SpawnedAt      time.Time   `yaml:"spawned_at" json:"spawned_at"`
	LastActivityAt time.Time   `yaml:"last_activity_at" json:"last_activity_at"`
	Status         AgentStatus `yaml:"status" json:"status"`
}

// SpawnRequest describes an agent process to start.
type SpawnRequest struct {
	TaskID         string
	ProjectID      string
	Role           string
	Prompt         string
	Model          string
	WorkDir        string
	Branch         string
	TimeoutSeconds int
}

// SpawnResult is what the spawner reports back once a process is started.
type SpawnResult struct {
	SessionKey string
	SpawnedAt  time.Time
}
