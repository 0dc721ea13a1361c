package observability

import (
	"fmt"
	"time"

	"github.com/valter-silva-au/workloop/internal/core"
)

// Metrics holds counters derived from the event log.
type Metrics struct {
	Cycles              int            `json:"cycles"`
	Dispatches          int            `json:"dispatches"`
	DispatchesByRole    map[string]int `json:"dispatches_by_role"`
	Escalations         int            `json:"escalations"`
	EscalationsByReason map[string]int `json:"escalations_by_reason"`
	Transitions         map[string]int `json:"transitions"`
	Merges              int            `json:"merges"`
	ConflictResolutions int            `json:"conflict_resolutions"`
	DeployHookRuns      int            `json:"deploy_hook_runs"`
	DeployHookFailures  int            `json:"deploy_hook_failures"`
	CycleErrors         int            `json:"cycle_errors"`
	AvgCycleMillis      float64        `json:"avg_cycle_ms"`
	EventCount          int            `json:"event_count"`
	OldestEvent         *time.Time     `json:"oldest_event,omitempty"`
	NewestEvent         *time.Time     `json:"newest_event,omitempty"`
}

// NewMetrics returns empty Metrics with every map allocated, so the value
// always encodes as JSON objects rather than null.
func NewMetrics() *Metrics {
	return &Metrics{
		DispatchesByRole:    make(map[string]int),
		EscalationsByReason: make(map[string]int),
		Transitions:         make(map[string]int),
	}
}

// Normalize allocates any nil map left by a calculator that built m itself.
func (m *Metrics) Normalize() {
	if m.DispatchesByRole == nil {
		m.DispatchesByRole = make(map[string]int)
	}
	if m.EscalationsByReason == nil {
		m.EscalationsByReason = make(map[string]int)
	}
	if m.Transitions == nil {
		m.Transitions = make(map[string]int)
	}
}

// MetricsCalculator derives metrics from the event log.
type MetricsCalculator interface {
	Calculate(since time.Time) (*Metrics, error)
}

type metricsCalculator struct {
	eventLog EventLog
}

// NewMetricsCalculator creates a MetricsCalculator reading from eventLog.
func NewMetricsCalculator(eventLog EventLog) MetricsCalculator {
	return &metricsCalculator{eventLog: eventLog}
}

// Calculate aggregates every event since the given time.
func (mc *metricsCalculator) Calculate(since time.Time) (*Metrics, error) {
	events, err := mc.eventLog.Read(EventFilter{Since: &since})
	if err != nil {
		return nil, fmt.Errorf("reading events for metrics: %w", err)
	}

	m := NewMetrics()
	m.EventCount = len(events)

	var cycleMillis float64
	for i, event := range events {
		if i == 0 {
			t := event.Time
			m.OldestEvent = &t
		}
		t := event.Time
		m.NewestEvent = &t

		switch event.Type {
		case core.EventTypeCycleCompleted:
			m.Cycles++
			cycleMillis += dataNumber(event.Data, "duration_ms")
			m.CycleErrors += int(dataNumber(event.Data, "errors"))
		case core.EventTypeAgentAssigned:
			m.Dispatches++
			m.DispatchesByRole[dataString(event.Data, "role")]++
		case core.EventTypeEscalated:
			m.Escalations++
			m.EscalationsByReason[dataString(event.Data, "reason")]++
		case core.EventTypeStatusChanged:
			if to := dataString(event.Data, "new_status"); to != "" {
				m.Transitions[to]++
			}
		case core.EventTypePRMerged:
			m.Merges++
		case core.EventTypeConflictStarted:
			m.ConflictResolutions++
		case core.EventTypeDeployHookApplied:
			m.DeployHookRuns++
		case core.EventTypeDeployHookFailed:
			m.DeployHookFailures++
		}
	}
	if m.Cycles > 0 {
		m.AvgCycleMillis = cycleMillis / float64(m.Cycles)
	}

	return m, nil
}

// dataNumber reads a numeric field. Values read back from JSON are float64;
// values written in-process may still be ints.
func dataNumber(data map[string]any, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
