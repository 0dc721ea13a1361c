package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/valter-silva-au/workloop/pkg/models"
)

func TestPromptBuilder_Reviewer(t *testing.T) {
	pb, err := NewPromptBuilder("")
	if err != nil {
		t.Fatalf("NewPromptBuilder: %v", err)
	}
	out, err := pb.Build(PromptData{
		Task:      models.Task{ID: "T-1", Title: "Login", Description: "Make login work"},
		Role:      models.RoleReviewer,
		Workspace: "/work/T-1",
		PR:        &models.PullRequest{Number: 42, Title: "Fix login"},
		Comments: []models.Comment{
			{Author: "alice", Body: "use oauth"},
			{Author: "workloop", Body: "internal note", Automated: true},
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, want := range []string{"#42", "Fix login", "Make login work", "use oauth", "/work/T-1"} {
		if !strings.Contains(out, want) {
			t.Errorf("reviewer prompt missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "internal note") {
		t.Error("reviewer prompt includes automated comment")
	}
}

func TestPromptBuilder_ConflictGuidance(t *testing.T) {
	pb, _ := NewPromptBuilder("")
	out, err := pb.Build(PromptData{
		Task:        models.Task{ID: "T-2"},
		Role:        models.RoleConflictResolver,
		BaseBranch:  "main",
		PR:          &models.PullRequest{Number: 9},
		Attempt:     2,
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, want := range []string{"attempt 2 of 3", "prefer the version on main", "preserve the task's intent"} {
		if !strings.Contains(out, want) {
			t.Errorf("conflict prompt missing %q", want)
		}
	}
}

func TestPromptBuilder_FallbackAndOverride(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "qa.tmpl"), []byte("QA {{.Task.ID}}"), 0o600); err != nil {
		t.Fatal(err)
	}
	pb, err := NewPromptBuilder(dir)
	if err != nil {
		t.Fatalf("NewPromptBuilder: %v", err)
	}

	out, _ := pb.Build(PromptData{Task: models.Task{ID: "T-3"}, Role: "qa"})
	if out != "QA T-3" {
		t.Errorf("override prompt = %q", out)
	}
	out, _ = pb.Build(PromptData{Task: models.Task{ID: "T-4"}, Role: "research"})
	if !strings.Contains(out, "acting as research") {
		t.Errorf("generic prompt = %q", out)
	}
	out, _ = pb.Build(PromptData{Task: models.Task{ID: "T-5"}, Role: ""})
	if !strings.Contains(out, "an agent") {
		t.Errorf("empty-role prompt = %q", out)
	}
}
