package core

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/valter-silva-au/workloop/pkg/models"
)

// Names of the ceilings reported when a phase stops early.
const (
	CeilingGlobal           = "global"
	CeilingReviewer         = "reviewer"
	CeilingConflictResolver = "conflict_resolver"
	CeilingRole             = "role"
)

// Ceilings are the configured limits on concurrently running agents.
// Roles holds optional limits for other roles; a missing or non-positive
// entry means the role is bounded only by Global.
type Ceilings struct {
	Global           int
	Reviewer         int
	ConflictResolver int
	Roles            map[string]int
}

// CeilingsFromConfig builds ceilings from the work-loop configuration.
func CeilingsFromConfig(cfg models.WorkLoopConfig) Ceilings {
	roles := make(map[string]int, len(cfg.RoleLimits))
	for role, limit := range cfg.RoleLimits {
		if limit <= 0 {
			continue
		}
		roles[role] = limit
	}
	return Ceilings{
		Global:           cfg.MaxAgentsGlobal,
		Reviewer:         cfg.MaxReviewerAgents,
		ConflictResolver: cfg.MaxConflictResolverAgents,
		Roles:            roles,
	}
}

// capForRole returns the ceiling that applies to role, or 0 when the role has
// no dedicated ceiling.
func (c Ceilings) capForRole(role string) int {
	switch role {
	case models.RoleReviewer:
		return c.Reviewer
	case models.RoleConflictResolver:
		return c.ConflictResolver
	}
	return c.Roles[role]
}

// CapacityTracker is the owned set of tracked agent handles. Only handles in
// the running state count against capacity. It is passed into every phase
// call rather than held globally.
type CapacityTracker struct {
	mu       sync.Mutex
	ceilings Ceilings
	handles  map[string]models.AgentHandle
	logger   *slog.Logger
}

// NewCapacityTracker creates an empty tracker enforcing the given ceilings.
func NewCapacityTracker(ceilings Ceilings, logger *slog.Logger) *CapacityTracker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &CapacityTracker{
		ceilings: ceilings,
		handles:  make(map[string]models.AgentHandle),
		logger:   logger,
	}
}

// Ceilings returns the configured limits.
func (c *CapacityTracker) Ceilings() Ceilings {
	return c.ceilings
}

// Track records or replaces the handle for its task.
func (c *CapacityTracker) Track(h models.AgentHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles[h.TaskID] = h
}

// Release forgets the handle for taskID.
func (c *CapacityTracker) Release(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handles, taskID)
}

// Has reports whether any handle is tracked for taskID.
func (c *CapacityTracker) Has(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handles[taskID]
	return ok
}

// Get returns the handle tracked for taskID.
func (c *CapacityTracker) Get(taskID string) (models.AgentHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[taskID]
	return h, ok
}

// StatusOf returns the tracked status for taskID, or AgentNone.
func (c *CapacityTracker) StatusOf(taskID string) models.AgentStatus {
	h, ok := c.Get(taskID)
	if !ok || h.Status == "" {
		return models.AgentNone
	}
	return h.Status
}

// IsLive reports whether a running handle exists for taskID.
func (c *CapacityTracker) IsLive(taskID string) bool {
	return c.StatusOf(taskID) == models.AgentRunning
}

// ActiveCount returns the number of running handles.
func (c *CapacityTracker) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, h := range c.handles {
		if h.Status == models.AgentRunning {
			n++
		}
	}
	return n
}

// ActiveCountByRole returns the number of running handles with role.
func (c *CapacityTracker) ActiveCountByRole(role string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, h := range c.handles {
		if h.Status == models.AgentRunning && h.Role == role {
			n++
		}
	}
	return n
}

// GlobalAvailable reports whether another agent of any role may start.
func (c *CapacityTracker) GlobalAvailable() bool {
	return c.ActiveCount() < c.ceilings.Global
}

// RoleAvailable reports whether another agent with role may start, taking
// both the role ceiling and the global ceiling into account.
func (c *CapacityTracker) RoleAvailable(role string) bool {
	if !c.GlobalAvailable() {
		return false
	}
	limit := c.ceilings.capForRole(role)
	if limit <= 0 {
		switch role {
		case models.RoleReviewer, models.RoleConflictResolver:
			// Dedicated roles with a zero ceiling are disabled.
			return false
		}
		return true
	}
	return c.ActiveCountByRole(role) < limit
}

// ExhaustedCeiling returns the first ceiling that is full, checked in the
// order reviewer, global, conflict resolver. It returns "" when none is.
func (c *CapacityTracker) ExhaustedCeiling() string {
	switch {
	case c.ActiveCountByRole(models.RoleReviewer) >= c.ceilings.Reviewer:
		return CeilingReviewer
	case !c.GlobalAvailable():
		return CeilingGlobal
	case c.ActiveCountByRole(models.RoleConflictResolver) >= c.ceilings.ConflictResolver:
		return CeilingConflictResolver
	}
	return ""
}

// Snapshot returns a copy of every tracked handle ordered by task ID.
func (c *CapacityTracker) Snapshot() []models.AgentHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.AgentHandle, 0, len(c.handles))
	for _, h := range c.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Refresh polls monitor for every tracked handle that is running or stale
// and records the observed status, so a stale agent whose output resumes
// counts as running again. Finished handles are not polled. A failed poll
// leaves the handle unchanged.
func (c *CapacityTracker) Refresh(ctx context.Context, monitor AgentMonitor) {
	for _, h := range c.Snapshot() {
		if h.Status != models.AgentRunning && h.Status != models.AgentStale {
			continue
		}
		status, lastActivity, err := monitor.Status(ctx, h.SessionKey)
		if err != nil {
			c.logger.Warn("agent status poll failed",
				"reason", "agent_poll_failed",
				"task_id", h.TaskID,
				"session_key", h.SessionKey,
				"error", err,
			)
			continue
		}
		h.Status = status
		if !lastActivity.IsZero() {
			h.LastActivityAt = lastActivity
		}
		c.Track(h)
	}
}

// Seed tracks a handle for every task that carries agent session metadata,
// using monitor to learn each session's current status.
func (c *CapacityTracker) Seed(ctx context.Context, tasks []models.Task, monitor AgentMonitor) {
	for _, t := range tasks {
		if t.Agent == nil || t.Agent.SessionKey == "" {
			continue
		}
		h := handleFromSession(t)
		status, lastActivity, err := monitor.Status(ctx, t.Agent.SessionKey)
		if err != nil {
			status = models.AgentStale
		}
		h.Status = status
		if !lastActivity.IsZero() {
			h.LastActivityAt = lastActivity
		}
		c.Track(h)
	}
}

func handleFromSession(t models.Task) models.AgentHandle {
	return models.AgentHandle{
		SessionKey:     t.Agent.SessionKey,
		TaskID:         t.ID,
		ProjectID:      t.ProjectID,
		Role:           t.Agent.Role,
		Model:          t.Agent.Model,
		SpawnedAt:      t.Agent.SpawnedAt,
		LastActivityAt: t.Agent.LastActivityAt,
		Status:         models.AgentRunning,
	}
}
