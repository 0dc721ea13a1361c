package integration

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/valter-silva-au/workloop/pkg/models"
)

type fakeFiles struct {
	files []string
	err   error
}

func (f *fakeFiles) PRFiles(context.Context, models.ProjectConfig, int) ([]string, error) {
	return f.files, f.err
}

func TestHookMatches(t *testing.T) {
	hook := models.DeployHookConfig{Name: "schema", PathPatterns: []string{`^db/migrations/.*\.sql$`, `^schema\.graphql$`}}
	cases := []struct {
		files []string
		want  bool
	}{
		{[]string{"README.md"}, false},
		{[]string{"README.md", "db/migrations/001_init.sql"}, true},
		{[]string{"schema.graphql"}, true},
		{[]string{"docs/schema.graphql"}, false},
		{nil, false},
	}
	for _, tc := range cases {
		got, err := HookMatches(hook, tc.files)
		if err != nil {
			t.Fatalf("HookMatches(%v): %v", tc.files, err)
		}
		if got != tc.want {
			t.Errorf("HookMatches(%v) = %v, want %v", tc.files, got, tc.want)
		}
	}

	if _, err := HookMatches(models.DeployHookConfig{PathPatterns: []string{"(unclosed"}}, []string{"a"}); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestDeployHooks_RunsMatchingHooks(t *testing.T) {
	skipOnWindows(t)
	project := models.ProjectConfig{
		ID:       "proj",
		RepoPath: t.TempDir(),
		DeployHooks: []models.DeployHookConfig{
			{Name: "schema", PathPatterns: []string{`^db/`}, Command: []string{"sh", "-c", `test "$WORKLOOP_PR" = 12`}},
			{Name: "docs", PathPatterns: []string{`^docs/`}, Command: []string{"false"}},
		},
	}
	hooks := NewDeployHooks(&fakeFiles{files: []string{"db/schema.sql"}}, NewCLIExecutor(), 5*time.Second, nil)

	ran, err := hooks.AfterMerge(context.Background(), project, 12)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ran) != 1 || ran[0] != "schema" {
		t.Errorf("ran = %v, want [schema]", ran)
	}
}

func TestDeployHooks_FailureDoesNotStopLaterHooks(t *testing.T) {
	skipOnWindows(t)
	project := models.ProjectConfig{
		ID:       "proj",
		RepoPath: t.TempDir(),
		DeployHooks: []models.DeployHookConfig{
			{Name: "broken", PathPatterns: []string{`.*`}, Command: []string{"sh", "-c", "echo boom >&2; exit 1"}},
			{Name: "bad-pattern", PathPatterns: []string{`(`}, Command: []string{"true"}},
			{Name: "ok", PathPatterns: []string{`.*`}, Command: []string{"true"}},
		},
	}
	hooks := NewDeployHooks(&fakeFiles{files: []string{"main.go"}}, NewCLIExecutor(), 5*time.Second, nil)

	ran, err := hooks.AfterMerge(context.Background(), project, 1)
	if err == nil || !strings.Contains(err.Error(), "boom") || !strings.Contains(err.Error(), "bad-pattern") {
		t.Errorf("err = %v", err)
	}
	if len(ran) != 1 || ran[0] != "ok" {
		t.Errorf("ran = %v, want [ok]", ran)
	}
}

func TestDeployHooks_NoHooksSkipsLookup(t *testing.T) {
	files := &fakeFiles{err: errors.New("should not be called")}
	ran, err := NewDeployHooks(files, NewCLIExecutor(), 0, nil).AfterMerge(context.Background(), models.ProjectConfig{ID: "p"}, 3)
	if err != nil || ran != nil {
		t.Errorf("AfterMerge = %v, %v", ran, err)
	}
}

func TestDeployHooks_FileLookupError(t *testing.T) {
	project := models.ProjectConfig{ID: "p", DeployHooks: []models.DeployHookConfig{{Name: "x", PathPatterns: []string{".*"}, Command: []string{"true"}}}}
	_, err := NewDeployHooks(&fakeFiles{err: errors.New("gh down")}, NewCLIExecutor(), 0, nil).AfterMerge(context.Background(), project, 3)
	if err == nil {
		t.Error("expected error")
	}
}
