package models

import "time"

// AuditEntry records one decision or action taken by the work loop.
// Entries are append-only; decisions never depend on them.
type AuditEntry struct {
	ID        int64          `json:"id,omitempty"`
	Time      time.Time      `json:"time"`
	ProjectID string         `json:"project"`
	Cycle     int64          `json:"cycle"`
	Phase     string         `json:"phase"`
	Action    string         `json:"action"`
	TaskID    string         `json:"task_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Duration  *time.Duration `json:"duration,omitempty"`
}

// AuditFilter narrows an audit query. Zero values match everything.
type AuditFilter struct {
	ProjectID string
	TaskID    string
	Phase     string
	Cycle     int64
	Since     time.Time
	Limit     int
}
