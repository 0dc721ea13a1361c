package observability

import (
	"fmt"
	"sort"
	"time"

	"github.com/valter-silva-au/workloop/internal/core"
	"github.com/valter-silva-au/workloop/pkg/models"
)

// AlertSeverity represents the urgency of an alert.
type AlertSeverity string

const (
	SeverityHigh   AlertSeverity = "high"
	SeverityMedium AlertSeverity = "medium"
	SeverityLow    AlertSeverity = "low"
)

// Alert conditions.
const (
	ConditionBlockedTooLong  = "task_blocked_too_long"
	ConditionReviewTooLong   = "review_too_long"
	ConditionEscalationBurst = "escalation_burst"
	ConditionLoopStalled     = "loop_stalled"
	ConditionDeployFailing   = "deploy_hook_failing"
)

// Alert represents a triggered alert condition.
type Alert struct {
	ID          string        `json:"id"`
	Condition   string        `json:"condition"`
	Severity    AlertSeverity `json:"severity"`
	Message     string        `json:"message"`
	TriggeredAt time.Time     `json:"triggered_at"`
}

// AlertEngine evaluates alert conditions against the event log.
type AlertEngine interface {
	Evaluate() ([]Alert, error)
}

type alertEngine struct {
	eventLog   EventLog
	thresholds models.AlertConfig
	now        func() time.Time
}

// NewAlertEngine creates an AlertEngine over eventLog. Zero thresholds
// disable the matching check.
func NewAlertEngine(eventLog EventLog, thresholds models.AlertConfig) AlertEngine {
	return &alertEngine{
		eventLog:   eventLog,
		thresholds: thresholds,
		now:        time.Now,
	}
}

// Evaluate reads the log once and returns every triggered alert, sorted by
// severity then ID.
func (ae *alertEngine) Evaluate() ([]Alert, error) {
	now := ae.now().UTC()
	events, err := ae.eventLog.Read(EventFilter{})
	if err != nil {
		return nil, fmt.Errorf("reading events for alerts: %w", err)
	}

	var alerts []Alert
	alerts = append(alerts, ae.checkTaskStates(events, now)...)
	alerts = append(alerts, ae.checkEscalationBurst(events, now)...)
	alerts = append(alerts, ae.checkStall(events, now)...)
	alerts = append(alerts, ae.checkDeployFailures(events, now)...)

	sort.Slice(alerts, func(i, j int) bool {
		if severityRank(alerts[i].Severity) != severityRank(alerts[j].Severity) {
			return severityRank(alerts[i].Severity) < severityRank(alerts[j].Severity)
		}
		return alerts[i].ID < alerts[j].ID
	})
	return alerts, nil
}

// checkTaskStates replays status changes to find tasks stuck in blocked or
// in_review for too long.
func (ae *alertEngine) checkTaskStates(events []Event, now time.Time) []Alert {
	type taskState struct {
		status    string
		changedAt time.Time
	}
	tasks := make(map[string]taskState)
	for _, event := range events {
		if event.Type != core.EventTypeStatusChanged {
			continue
		}
		taskID := dataString(event.Data, "task_id")
		newStatus := dataString(event.Data, "new_status")
		if taskID == "" || newStatus == "" {
			continue
		}
		tasks[taskID] = taskState{status: newStatus, changedAt: event.Time}
	}

	blocked := time.Duration(ae.thresholds.BlockedHours) * time.Hour
	review := time.Duration(ae.thresholds.ReviewHours) * time.Hour
	var alerts []Alert
	for taskID, state := range tasks {
		age := now.Sub(state.changedAt)
		switch {
		case state.status == string(models.StatusBlocked) && blocked > 0 && age > blocked:
			alerts = append(alerts, Alert{
				ID:          "blocked-" + taskID,
				Condition:   ConditionBlockedTooLong,
				Severity:    SeverityHigh,
				Message:     fmt.Sprintf("task %s has been blocked for more than %d hours", taskID, ae.thresholds.BlockedHours),
				TriggeredAt: now,
			})
		case state.status == string(models.StatusInReview) && review > 0 && age > review:
			alerts = append(alerts, Alert{
				ID:          "review-" + taskID,
				Condition:   ConditionReviewTooLong,
				Severity:    SeverityMedium,
				Message:     fmt.Sprintf("task %s has been in review for more than %d hours", taskID, ae.thresholds.ReviewHours),
				TriggeredAt: now,
			})
		}
	}
	return alerts
}

func (ae *alertEngine) checkEscalationBurst(events []Event, now time.Time) []Alert {
	limit := ae.thresholds.MaxEscalationsPerHour
	if limit <= 0 {
		return nil
	}
	since := now.Add(-time.Hour)
	n := 0
	for _, event := range events {
		if event.Type == core.EventTypeEscalated && event.Time.After(since) {
			n++
		}
	}
	if n <= limit {
		return nil
	}
	return []Alert{{
		ID:          "escalation-burst",
		Condition:   ConditionEscalationBurst,
		Severity:    SeverityHigh,
		Message:     fmt.Sprintf("%d tasks escalated in the last hour, more than the limit of %d", n, limit),
		TriggeredAt: now,
	}}
}

// checkStall fires when the loop has run before but no cycle has completed
// within StallAfter.
func (ae *alertEngine) checkStall(events []Event, now time.Time) []Alert {
	if ae.thresholds.StallAfter <= 0 {
		return nil
	}
	var last time.Time
	for _, event := range events {
		if event.Type == core.EventTypeCycleCompleted && event.Time.After(last) {
			last = event.Time
		}
	}
	if last.IsZero() || now.Sub(last) <= ae.thresholds.StallAfter {
		return nil
	}
	return []Alert{{
		ID:          "loop-stalled",
		Condition:   ConditionLoopStalled,
		Severity:    SeverityHigh,
		Message:     fmt.Sprintf("no work-loop cycle has completed since %s", last.Format("2006-01-02 15:04 UTC")),
		TriggeredAt: now,
	}}
}

func (ae *alertEngine) checkDeployFailures(events []Event, now time.Time) []Alert {
	since := now.Add(-24 * time.Hour)
	failed := make(map[string]int)
	for _, event := range events {
		if event.Type == core.EventTypeDeployHookFailed && event.Time.After(since) {
			failed[dataString(event.Data, "project")]++
		}
	}
	var alerts []Alert
	for project, n := range failed {
		alerts = append(alerts, Alert{
			ID:          "deploy-" + project,
			Condition:   ConditionDeployFailing,
			Severity:    SeverityMedium,
			Message:     fmt.Sprintf("deploy hooks for %s failed %d time(s) in the last 24 hours", project, n),
			TriggeredAt: now,
		})
	}
	return alerts
}

func severityRank(s AlertSeverity) int {
	switch s {
	case SeverityHigh:
		return 0
	case SeverityMedium:
		return 1
	default:
		return 2
	}
}
