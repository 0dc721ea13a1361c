package observability

import (
	"testing"
	"time"

	"github.com/valter-silva-au/workloop/internal/core"
	"github.com/valter-silva-au/workloop/pkg/models"
)

var alertNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var testThresholds = models.AlertConfig{
	BlockedHours:          24,
	ReviewHours:           48,
	MaxEscalationsPerHour: 2,
	StallAfter:            15 * time.Minute,
}

func newTestEngine(log EventLog, th models.AlertConfig) AlertEngine {
	ae := NewAlertEngine(log, th).(*alertEngine)
	ae.now = func() time.Time { return alertNow }
	return ae
}

func statusEvent(taskID, status string, at time.Time) Event {
	return Event{Time: at, Type: core.EventTypeStatusChanged, Data: map[string]any{"task_id": taskID, "new_status": status}}
}

func conditions(alerts []Alert) map[string]int {
	out := make(map[string]int)
	for _, a := range alerts {
		out[a.Condition]++
	}
	return out
}

func TestAlertEngine_NoEvents(t *testing.T) {
	alerts, err := newTestEngine(newTestLog(t), testThresholds).Evaluate()
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 0 {
		t.Errorf("alerts = %+v", alerts)
	}
}

func TestAlertEngine_BlockedAndReview(t *testing.T) {
	log := newTestLog(t)
	writeAll(t, log,
		statusEvent("T-1", "blocked", alertNow.Add(-30*time.Hour)),
		statusEvent("T-2", "blocked", alertNow.Add(-2*time.Hour)),
		statusEvent("T-3", "in_review", alertNow.Add(-72*time.Hour)),
		statusEvent("T-4", "blocked", alertNow.Add(-40*time.Hour)),
		statusEvent("T-4", "ready", alertNow.Add(-time.Hour)),
	)

	alerts, err := newTestEngine(log, testThresholds).Evaluate()
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 2 {
		t.Fatalf("alerts = %+v", alerts)
	}
	if alerts[0].ID != "blocked-T-1" || alerts[0].Severity != SeverityHigh {
		t.Errorf("first alert = %+v", alerts[0])
	}
	if alerts[1].ID != "review-T-3" || alerts[1].Condition != ConditionReviewTooLong {
		t.Errorf("second alert = %+v", alerts[1])
	}
}

func TestAlertEngine_EscalationBurst(t *testing.T) {
	log := newTestLog(t)
	for i := 0; i < 3; i++ {
		writeAll(t, log, Event{Time: alertNow.Add(-time.Duration(10+i) * time.Minute), Type: core.EventTypeEscalated})
	}
	writeAll(t, log, Event{Time: alertNow.Add(-3 * time.Hour), Type: core.EventTypeEscalated})

	alerts, err := newTestEngine(log, testThresholds).Evaluate()
	if err != nil {
		t.Fatal(err)
	}
	if conditions(alerts)[ConditionEscalationBurst] != 1 {
		t.Errorf("alerts = %+v", alerts)
	}

	relaxed := testThresholds
	relaxed.MaxEscalationsPerHour = 3
	alerts, _ = newTestEngine(log, relaxed).Evaluate()
	if conditions(alerts)[ConditionEscalationBurst] != 0 {
		t.Errorf("burst fired at the limit: %+v", alerts)
	}
}

func TestAlertEngine_LoopStalled(t *testing.T) {
	log := newTestLog(t)
	writeAll(t, log, Event{Time: alertNow.Add(-time.Hour), Type: core.EventTypeCycleCompleted})

	alerts, err := newTestEngine(log, testThresholds).Evaluate()
	if err != nil {
		t.Fatal(err)
	}
	if conditions(alerts)[ConditionLoopStalled] != 1 {
		t.Errorf("alerts = %+v", alerts)
	}

	writeAll(t, log, Event{Time: alertNow.Add(-time.Minute), Type: core.EventTypeCycleCompleted})
	alerts, _ = newTestEngine(log, testThresholds).Evaluate()
	if conditions(alerts)[ConditionLoopStalled] != 0 {
		t.Errorf("stall fired after a recent cycle: %+v", alerts)
	}
}

func TestAlertEngine_DeployFailuresPerProject(t *testing.T) {
	log := newTestLog(t)
	writeAll(t, log,
		Event{Time: alertNow.Add(-time.Hour), Type: core.EventTypeDeployHookFailed, Data: map[string]any{"project": "web"}},
		Event{Time: alertNow.Add(-2 * time.Hour), Type: core.EventTypeDeployHookFailed, Data: map[string]any{"project": "web"}},
		Event{Time: alertNow.Add(-48 * time.Hour), Type: core.EventTypeDeployHookFailed, Data: map[string]any{"project": "api"}},
	)

	alerts, err := newTestEngine(log, testThresholds).Evaluate()
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0].ID != "deploy-web" {
		t.Errorf("alerts = %+v", alerts)
	}
}

func TestAlertEngine_ZeroThresholdsDisableChecks(t *testing.T) {
	log := newTestLog(t)
	writeAll(t, log,
		statusEvent("T-1", "blocked", alertNow.Add(-300*time.Hour)),
		Event{Time: alertNow.Add(-time.Minute), Type: core.EventTypeEscalated},
		Event{Time: alertNow.Add(-300 * time.Hour), Type: core.EventTypeCycleCompleted},
	)

	alerts, err := newTestEngine(log, models.AlertConfig{}).Evaluate()
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 0 {
		t.Errorf("alerts = %+v", alerts)
	}
}
