package observability

import (
	"testing"
	"time"

	"github.com/valter-silva-au/workloop/internal/core"
)

func TestMetricsCalculator_Calculate(t *testing.T) {
	log := newTestLog(t)
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	at := func(h int) time.Time { return base.Add(time.Duration(h) * time.Hour) }
	writeAll(t, log,
		Event{Time: at(0), Type: core.EventTypeAgentAssigned, Data: map[string]any{"task_id": "T-1", "role": "dev"}},
		Event{Time: at(1), Type: core.EventTypeAgentAssigned, Data: map[string]any{"task_id": "T-2", "role": "dev"}},
		Event{Time: at(2), Type: core.EventTypeAgentAssigned, Data: map[string]any{"task_id": "T-1", "role": "reviewer"}},
		Event{Time: at(3), Type: core.EventTypeStatusChanged, Data: map[string]any{"task_id": "T-1", "new_status": "in_progress"}},
		Event{Time: at(4), Type: core.EventTypeStatusChanged, Data: map[string]any{"task_id": "T-1", "new_status": "done"}},
		Event{Time: at(5), Type: core.EventTypeEscalated, Data: map[string]any{"task_id": "T-2", "reason": "in_review_without_pr"}},
		Event{Time: at(6), Type: core.EventTypePRMerged, Data: map[string]any{"pr": 3}},
		Event{Time: at(7), Type: core.EventTypeConflictStarted, Data: map[string]any{"task_id": "T-2"}},
		Event{Time: at(8), Type: core.EventTypeDeployHookApplied, Data: map[string]any{"pr": 3}},
		Event{Time: at(9), Type: core.EventTypeDeployHookFailed, Data: map[string]any{"pr": 4}},
		Event{Time: at(10), Type: core.EventTypeCycleCompleted, Data: map[string]any{"duration_ms": 100, "errors": 1}},
		Event{Time: at(11), Type: core.EventTypeCycleCompleted, Data: map[string]any{"duration_ms": 300, "errors": 0}},
	)

	m, err := NewMetricsCalculator(log).Calculate(base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("calculating metrics: %v", err)
	}

	if m.Dispatches != 3 || m.DispatchesByRole["dev"] != 2 || m.DispatchesByRole["reviewer"] != 1 {
		t.Errorf("dispatches = %d %v", m.Dispatches, m.DispatchesByRole)
	}
	if m.Escalations != 1 || m.EscalationsByReason["in_review_without_pr"] != 1 {
		t.Errorf("escalations = %d %v", m.Escalations, m.EscalationsByReason)
	}
	if m.Transitions["done"] != 1 || m.Transitions["in_progress"] != 1 {
		t.Errorf("transitions = %v", m.Transitions)
	}
	if m.Merges != 1 || m.ConflictResolutions != 1 || m.DeployHookRuns != 1 || m.DeployHookFailures != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if m.Cycles != 2 || m.CycleErrors != 1 || m.AvgCycleMillis != 200 {
		t.Errorf("cycles = %d errors = %d avg = %v", m.Cycles, m.CycleErrors, m.AvgCycleMillis)
	}
	if m.EventCount != 12 {
		t.Errorf("EventCount = %d, want 12", m.EventCount)
	}
	if m.OldestEvent == nil || !m.OldestEvent.Equal(at(0)) || m.NewestEvent == nil || !m.NewestEvent.Equal(at(11)) {
		t.Errorf("event range = %v .. %v", m.OldestEvent, m.NewestEvent)
	}
}

func TestMetricsCalculator_Since(t *testing.T) {
	log := newTestLog(t)
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	writeAll(t, log,
		Event{Time: base, Type: core.EventTypeAgentAssigned, Data: map[string]any{"role": "dev"}},
		Event{Time: base.Add(2 * time.Hour), Type: core.EventTypeAgentAssigned, Data: map[string]any{"role": "dev"}},
	)

	m, err := NewMetricsCalculator(log).Calculate(base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if m.Dispatches != 1 || m.EventCount != 1 {
		t.Errorf("metrics since = %+v", m)
	}
}

func TestMetricsCalculator_EmptyLog(t *testing.T) {
	m, err := NewMetricsCalculator(newTestLog(t)).Calculate(time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if m.EventCount != 0 || m.OldestEvent != nil || m.AvgCycleMillis != 0 {
		t.Errorf("empty metrics = %+v", m)
	}
}

func TestMetrics_Normalize(t *testing.T) {
	m := &Metrics{DispatchesByRole: map[string]int{"dev": 2}}
	m.Normalize()
	if m.DispatchesByRole["dev"] != 2 {
		t.Errorf("existing map replaced: %v", m.DispatchesByRole)
	}
	if m.EscalationsByReason == nil || m.Transitions == nil {
		t.Errorf("nil maps left after Normalize: %+v", m)
	}
	if n := NewMetrics(); n.DispatchesByRole == nil || n.EscalationsByReason == nil || n.Transitions == nil {
		t.Errorf("NewMetrics left a nil map: %+v", n)
	}
}
