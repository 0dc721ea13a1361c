package storage

import (
	"fmt"
	"strings"
	"unicode"
)

// TaskIDPrefix derives the ID prefix for tasks of a project: the project ID
// upper-cased with everything but letters and digits dropped. An ID with no
// usable characters falls back to TASK.
func TaskIDPrefix(projectID string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(projectID) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "TASK"
	}
	return b.String()
}

// nextTaskID advances the project's counter in f and returns the first
// free {PREFIX}-{n} ID. Hand-added tasks that already use an ID in the
// sequence are skipped.
func nextTaskID(f *TaskFile, projectID string) string {
	if f.Counters == nil {
		f.Counters = make(map[string]int)
	}
	prefix := TaskIDPrefix(projectID)
	for {
		f.Counters[prefix]++
		id := fmt.Sprintf("%s-%d", prefix, f.Counters[prefix])
		if _, taken := f.Tasks[id]; !taken {
			return id
		}
	}
}
