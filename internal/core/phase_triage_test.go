package core

import (
	"context"
	"testing"

	"github.com/valter-silva-au/workloop/pkg/models"
)

func TestTriagePhase_PromotesWhenDependenciesDone(t *testing.T) {
	h := newHarness(
		models.Task{ID: "T-1", Status: models.StatusDone},
		models.Task{ID: "T-2", Status: models.StatusBacklog, DependsOn: []string{"T-1"}},
		models.Task{ID: "T-3", Status: models.StatusBacklog, DependsOn: []string{"T-1", "T-4"}},
		models.Task{ID: "T-4", Status: models.StatusInProgress},
		models.Task{ID: "T-5", Status: models.StatusBacklog},
		models.Task{ID: "T-6", Status: models.StatusBacklog, DependsOn: []string{"missing"}},
	)

	res := NewTriagePhase(h.deps).Run(context.Background(), h.cc())

	want := map[string]models.TaskStatus{
		"T-2": models.StatusReady,
		"T-3": models.StatusBacklog,
		"T-5": models.StatusReady,
		"T-6": models.StatusBacklog,
	}
	for id, st := range want {
		if got := h.store.task(id).Status; got != st {
			t.Errorf("%s status = %s, want %s", id, got, st)
		}
	}
	if res.Advanced != 2 {
		t.Errorf("Advanced = %d, want 2", res.Advanced)
	}
	if !containsString(h.events.types, EventTypeStatusChanged) {
		t.Errorf("events = %v, want a status change", h.events.types)
	}
}

func TestTriagePhase_CountsBlockedTasks(t *testing.T) {
	h := newHarness(
		models.Task{ID: "T-1", Status: models.StatusBlocked},
		models.Task{ID: "T-2", Status: models.StatusBlocked},
		models.Task{ID: "T-3", Status: models.StatusReady},
	)

	NewTriagePhase(h.deps).Run(context.Background(), h.cc())

	e, ok := h.audit.find("blocked_awaiting_triage")
	if !ok {
		t.Fatal("blocked_awaiting_triage not audited")
	}
	if e.Details["count"] != 2 {
		t.Errorf("count = %v, want 2", e.Details["count"])
	}
	if got := h.store.task("T-1").Status; got != models.StatusBlocked {
		t.Errorf("blocked task changed to %s", got)
	}
}

func TestTriagePhase_NothingBlockedNoAudit(t *testing.T) {
	h := newHarness(models.Task{ID: "T-1", Status: models.StatusReady})

	NewTriagePhase(h.deps).Run(context.Background(), h.cc())

	if _, ok := h.audit.find("blocked_awaiting_triage"); ok {
		t.Error("unexpected blocked_awaiting_triage audit")
	}
}
