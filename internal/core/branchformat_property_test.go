package core

import (
	"regexp"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

// gitSafeChars matches only characters that are safe in git branch names.
var gitSafeChars = regexp.MustCompile(`^[a-zA-Z0-9._/-]*$`)

// Property: a derived branch always contains the sanitized task ID.
func TestProperty_BranchFormatContainsTaskID(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		taskID := rapid.StringMatching(`[a-z]{2,6}-[0-9]{1,5}`).Draw(rt, "taskID")
		result := FormatBranchName("task/{id}", "proj", taskID)
		if !strings.Contains(result, taskID) {
			t.Fatalf("branch %q must contain task ID %q", result, taskID)
		}
	})
}

// Property: sanitized segments only contain git-safe characters.
func TestProperty_SanitizedOutputContainsSafeChars(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		input := rapid.String().Draw(rt, "input")
		result := sanitizeBranchSegment(input)

		if !gitSafeChars.MatchString(result) {
			t.Fatalf("sanitizeBranchSegment(%q) = %q contains unsafe characters", input, result)
		}
		if strings.Contains(result, "--") {
			t.Fatalf("sanitizeBranchSegment(%q) = %q contains consecutive dashes", input, result)
		}
		if strings.HasPrefix(result, "-") || strings.HasSuffix(result, "-") {
			t.Fatalf("sanitizeBranchSegment(%q) = %q starts or ends with a dash", input, result)
		}
	})
}
