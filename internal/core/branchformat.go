package core

import (
	"regexp"
	"strings"

	"github.com/valter-silva-au/workloop/pkg/models"
)

// DefaultBranchPattern is used when no branch pattern is configured.
const DefaultBranchPattern = "task/{id}"

// unsafeBranchChars matches characters that are not safe in git branch names.
var unsafeBranchChars = regexp.MustCompile(`[^a-zA-Z0-9._/-]`)

// collapseDashes collapses consecutive dashes into a single dash.
var collapseDashes = regexp.MustCompile(`-{2,}`)

// FormatBranchName applies a pattern with {id} and {project} placeholders.
// Placeholder values are sanitized; an empty pattern uses DefaultBranchPattern.
func FormatBranchName(pattern, projectID, taskID string) string {
	if pattern == "" {
		pattern = DefaultBranchPattern
	}
	result := strings.ReplaceAll(pattern, "{id}", sanitizeBranchSegment(taskID))
	result = strings.ReplaceAll(result, "{project}", sanitizeBranchSegment(projectID))
	return result
}

// TaskBranch returns the task's recorded branch, or the branch derived from
// its identifier when none is recorded.
func TaskBranch(pattern string, task models.Task) string {
	if task.Branch != "" {
		return task.Branch
	}
	return FormatBranchName(pattern, task.ProjectID, task.ID)
}

// sanitizeBranchSegment replaces spaces and special characters with dashes,
// collapses consecutive dashes, trims leading/trailing dashes, and lowercases
// the result. The output is safe for use as a git branch name segment.
func sanitizeBranchSegment(s string) string {
	s = strings.ToLower(s)
	s = unsafeBranchChars.ReplaceAllString(s, "-")
	s = collapseDashes.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	return s
}
