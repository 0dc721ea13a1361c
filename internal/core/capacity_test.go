package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/valter-silva-au/workloop/pkg/models"
)

type fakeMonitor struct {
	statuses map[string]models.AgentStatus
	err      error
}

func (m *fakeMonitor) Status(_ context.Context, key string) (models.AgentStatus, time.Time, error) {
	if m.err != nil {
		return "", time.Time{}, m.err
	}
	s, ok := m.statuses[key]
	if !ok {
		return models.AgentStale, time.Time{}, nil
	}
	return s, time.Time{}, nil
}

func running(taskID, role string) models.AgentHandle {
	return models.AgentHandle{
		SessionKey: "sess-" + taskID,
		TaskID:     taskID,
		Role:       role,
		Status:     models.AgentRunning,
	}
}

func TestCapacityTracker_Counts(t *testing.T) {
	ct := NewCapacityTracker(Ceilings{Global: 3, Reviewer: 1, ConflictResolver: 1}, nil)
	ct.Track(running("t1", models.RoleDev))
	ct.Track(running("t2", models.RoleReviewer))
	finished := running("t3", models.RoleDev)
	finished.Status = models.AgentFinished
	ct.Track(finished)

	if got := ct.ActiveCount(); got != 2 {
		t.Errorf("ActiveCount() = %d, want 2", got)
	}
	if got := ct.ActiveCountByRole(models.RoleDev); got != 1 {
		t.Errorf("ActiveCountByRole(dev) = %d, want 1", got)
	}
	if !ct.Has("t3") {
		t.Error("Has(t3) = false, want true for finished handle")
	}
	if ct.IsLive("t3") {
		t.Error("IsLive(t3) = true for finished handle")
	}
	if got := ct.StatusOf("missing"); got != models.AgentNone {
		t.Errorf("StatusOf(missing) = %q, want none", got)
	}
	if !ct.GlobalAvailable() {
		t.Error("GlobalAvailable() = false with 2 of 3 running")
	}
	if ct.RoleAvailable(models.RoleReviewer) {
		t.Error("RoleAvailable(reviewer) = true with reviewer ceiling reached")
	}
	if got := ct.ExhaustedCeiling(); got != CeilingReviewer {
		t.Errorf("ExhaustedCeiling() = %q, want reviewer", got)
	}

	ct.Release("t2")
	if ct.Has("t2") {
		t.Error("Has(t2) after Release")
	}
	if got := ct.ExhaustedCeiling(); got != "" {
		t.Errorf("ExhaustedCeiling() = %q, want none", got)
	}
}

func TestCapacityTracker_GlobalCeilingCoversRoles(t *testing.T) {
	ct := NewCapacityTracker(Ceilings{Global: 1, Reviewer: 5, ConflictResolver: 5}, nil)
	ct.Track(running("t1", "qa"))

	if ct.RoleAvailable(models.RoleReviewer) {
		t.Error("reviewer available although global ceiling is full")
	}
	if got := ct.ExhaustedCeiling(); got != CeilingGlobal {
		t.Errorf("ExhaustedCeiling() = %q, want global", got)
	}
}

func TestCapacityTracker_RoleLimits(t *testing.T) {
	ct := NewCapacityTracker(CeilingsFromConfig(models.WorkLoopConfig{
		MaxAgentsGlobal:           10,
		MaxReviewerAgents:         2,
		MaxConflictResolverAgents: 1,
		RoleLimits:                map[string]int{"research": 1, "qa": 0},
	}), nil)
	ct.Track(running("t1", "research"))

	if ct.RoleAvailable("research") {
		t.Error("research available past its limit")
	}
	if !ct.RoleAvailable("qa") {
		t.Error("qa with non-positive limit should only be bounded globally")
	}
	if !ct.RoleAvailable("") {
		t.Error("empty role should be bounded only globally")
	}
}

func TestCapacityTracker_RefreshAndSeed(t *testing.T) {
	mon := &fakeMonitor{statuses: map[string]models.AgentStatus{
		"sess-t1": models.AgentFinished,
		"s-known": models.AgentRunning,
	}}
	ct := NewCapacityTracker(Ceilings{Global: 2}, nil)
	ct.Track(running("t1", models.RoleDev))
	ct.Refresh(context.Background(), mon)

	if got := ct.StatusOf("t1"); got != models.AgentFinished {
		t.Errorf("after Refresh StatusOf(t1) = %q, want finished", got)
	}

	ct.Seed(context.Background(), []models.Task{
		{ID: "t2", Agent: &models.AgentSession{SessionKey: "s-known", Role: "dev"}},
		{ID: "t3", Agent: &models.AgentSession{SessionKey: "s-lost", Role: "dev"}},
		{ID: "t4"},
	}, mon)

	if got := ct.StatusOf("t2"); got != models.AgentRunning {
		t.Errorf("seeded t2 = %q, want running", got)
	}
	if got := ct.StatusOf("t3"); got != models.AgentStale {
		t.Errorf("seeded t3 = %q, want stale", got)
	}
	if ct.Has("t4") {
		t.Error("task without session should not be tracked")
	}
}

func TestCapacityTracker_RefreshRepollsStale(t *testing.T) {
	ct := NewCapacityTracker(Ceilings{Global: 2}, nil)
	stale := running("t1", models.RoleDev)
	stale.Status = models.AgentStale
	ct.Track(stale)
	done := running("t2", models.RoleDev)
	done.Status = models.AgentFinished
	ct.Track(done)

	ct.Refresh(context.Background(), &fakeMonitor{statuses: map[string]models.AgentStatus{
		"sess-t1": models.AgentRunning,
		"sess-t2": models.AgentRunning,
	}})

	if got := ct.StatusOf("t1"); got != models.AgentRunning {
		t.Errorf("StatusOf(t1) = %q, want running once its output resumes", got)
	}
	if got := ct.StatusOf("t2"); got != models.AgentFinished {
		t.Errorf("StatusOf(t2) = %q, finished handles should not be polled", got)
	}
	if ct.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1", ct.ActiveCount())
	}
}

func TestCapacityTracker_RefreshKeepsHandleOnError(t *testing.T) {
	ct := NewCapacityTracker(Ceilings{Global: 2}, nil)
	ct.Track(running("t1", models.RoleDev))
	ct.Refresh(context.Background(), &fakeMonitor{err: errors.New("boom")})

	if got := ct.StatusOf("t1"); got != models.AgentRunning {
		t.Errorf("StatusOf(t1) = %q, want running after failed poll", got)
	}
}

func TestCapacityTracker_SnapshotOrdered(t *testing.T) {
	ct := NewCapacityTracker(Ceilings{Global: 5}, nil)
	for _, id := range []string{"c", "a", "b"} {
		ct.Track(running(id, models.RoleDev))
	}
	snap := ct.Snapshot()
	if len(snap) != 3 || snap[0].TaskID != "a" || snap[2].TaskID != "c" {
		t.Errorf("Snapshot() order = %v", snap)
	}
}
