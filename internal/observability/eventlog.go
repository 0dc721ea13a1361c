package observability

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/valter-silva-au/workloop/internal/core"
)

// Event is one entry in the notification stream.
type Event struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"` // INFO, WARN, ERROR
	Type    string         `json:"type"`  // e.g. "agent.assigned", "task.escalated"
	Message string         `json:"msg"`
	Data    map[string]any `json:"data,omitempty"`
}

// EventFilter specifies criteria for reading events.
type EventFilter struct {
	Since   *time.Time
	Until   *time.Time
	Type    string
	Level   string
	Project string
	TaskID  string
}

// EventLog writes and reads events. LogEvent is the shorthand the work loop
// uses; it derives level and message from the event type.
type EventLog interface {
	Write(event Event) error
	LogEvent(eventType string, data map[string]any) error
	Read(filter EventFilter) ([]Event, error)
	Close() error
}

// jsonlEventLog implements EventLog using an append-only JSONL file.
type jsonlEventLog struct {
	path string
	file *os.File
	mu   sync.Mutex
	now  func() time.Time
}

// NewJSONLEventLog creates an EventLog backed by a JSONL file at path.
func NewJSONLEventLog(path string) (EventLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	return &jsonlEventLog{
		path: path,
		file: f,
		now:  time.Now,
	}, nil
}

// Write appends a JSON-encoded event followed by a newline.
func (l *jsonlEventLog) Write(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}
	data = append(data, '\n')

	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return nil
}

func (l *jsonlEventLog) LogEvent(eventType string, data map[string]any) error {
	return l.Write(Event{
		Time:    l.now().UTC(),
		Level:   levelFor(eventType),
		Type:    eventType,
		Message: messageFor(eventType, data),
		Data:    data,
	})
}

// Read scans the log file and returns the events matching filter, oldest
// first. Malformed lines are skipped.
func (l *jsonlEventLog) Read(filter EventFilter) ([]Event, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening event log for reading: %w", err)
	}
	defer func() { _ = f.Close() }()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}

		if matchesEventFilter(event, filter) {
			events = append(events, event)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning event log: %w", err)
	}

	return events, nil
}

func (l *jsonlEventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("closing event log: %w", err)
	}
	return nil
}

func matchesEventFilter(event Event, filter EventFilter) bool {
	if filter.Since != nil && event.Time.Before(*filter.Since) {
		return false
	}
	if filter.Until != nil && event.Time.After(*filter.Until) {
		return false
	}
	if filter.Type != "" && event.Type != filter.Type {
		return false
	}
	if filter.Level != "" && event.Level != filter.Level {
		return false
	}
	if filter.Project != "" && dataString(event.Data, "project") != filter.Project {
		return false
	}
	if filter.TaskID != "" && dataString(event.Data, "task_id") != filter.TaskID {
		return false
	}
	return true
}

func levelFor(eventType string) string {
	switch {
	case eventType == core.EventTypeEscalated, strings.HasSuffix(eventType, "_failed"):
		return "WARN"
	default:
		return "INFO"
	}
}

func messageFor(eventType string, data map[string]any) string {
	task := dataString(data, "task_id")
	switch eventType {
	case core.EventTypeAgentAssigned:
		return fmt.Sprintf("%s agent assigned to %s", dataString(data, "role"), task)
	case core.EventTypeStatusChanged:
		return fmt.Sprintf("%s moved %s -> %s", task, dataString(data, "old_status"), dataString(data, "new_status"))
	case core.EventTypeEscalated:
		return fmt.Sprintf("%s escalated: %s", task, dataString(data, "reason"))
	case core.EventTypePRMerged:
		return fmt.Sprintf("pull request #%v merged", data["pr"])
	case core.EventTypeConflictStarted:
		return fmt.Sprintf("conflict resolution started for %s", task)
	case core.EventTypeCycleCompleted:
		return fmt.Sprintf("cycle %v completed", data["cycle"])
	case core.EventTypeDeployHookApplied:
		return fmt.Sprintf("deploy hooks ran for #%v", data["pr"])
	case core.EventTypeDeployHookFailed:
		return fmt.Sprintf("deploy hooks failed for #%v", data["pr"])
	}
	return eventType
}

func dataString(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}
