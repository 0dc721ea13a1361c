package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/valter-silva-au/workloop/pkg/models"
)

func newTestTaskStore(t *testing.T) *fileTaskStore {
	t.Helper()
	s := NewTaskStore(t.TempDir()).(*fileTaskStore)
	s.now = func() time.Time { return time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC) }
	return s
}

func sampleTask(id string) models.Task {
	return models.Task{ID: id, ProjectID: "proj", Title: "Task " + id}
}

func TestCreateTask(t *testing.T) {
	s := newTestTaskStore(t)
	ctx := context.Background()

	got, err := s.CreateTask(ctx, sampleTask("T-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != models.StatusBacklog {
		t.Errorf("status = %s, want backlog", got.Status)
	}
	if got.Created.IsZero() || got.Updated.IsZero() {
		t.Error("timestamps not set")
	}

	if _, err := s.CreateTask(ctx, sampleTask("T-1")); err == nil {
		t.Error("expected error for duplicate ID")
	}
	if _, err := s.CreateTask(ctx, models.Task{ID: "T-2"}); err == nil {
		t.Error("expected error for missing project")
	}
	if _, err := s.CreateTask(ctx, models.Task{ID: "T-3", ProjectID: "proj", Status: "paused"}); err == nil {
		t.Error("expected error for invalid status")
	}
}

func TestGetTask_NotFound(t *testing.T) {
	s := newTestTaskStore(t)
	_, err := s.GetTask(context.Background(), "missing")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestListTasks_FiltersProjectAndStatus(t *testing.T) {
	s := newTestTaskStore(t)
	ctx := context.Background()
	for _, task := range []models.Task{
		{ID: "T-2", ProjectID: "proj", Status: models.StatusReady},
		{ID: "T-1", ProjectID: "proj", Status: models.StatusInReview},
		{ID: "O-1", ProjectID: "other", Status: models.StatusReady},
	} {
		if _, err := s.CreateTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListTasks(ctx, "proj")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != "T-1" || all[1].ID != "T-2" {
		t.Errorf("ListTasks(proj) = %v", ids(all))
	}

	ready, _ := s.ListTasks(ctx, "proj", models.StatusReady)
	if len(ready) != 1 || ready[0].ID != "T-2" {
		t.Errorf("ListTasks(proj, ready) = %v", ids(ready))
	}

	every, _ := s.ListTasks(ctx, "")
	if len(every) != 3 {
		t.Errorf("ListTasks(\"\") = %v", ids(every))
	}
}

func ids(tasks []models.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestUpdateTask(t *testing.T) {
	s := newTestTaskStore(t)
	ctx := context.Background()
	if _, err := s.CreateTask(ctx, sampleTask("T-1")); err != nil {
		t.Fatal(err)
	}
	later := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return later }

	pr := 12
	got, err := s.UpdateTask(ctx, "T-1", func(task *models.Task) error {
		task.Status = models.StatusInReview
		task.PRNumber = &pr
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Updated.Equal(later) {
		t.Errorf("Updated = %v, want %v", got.Updated, later)
	}

	reread, err := s.GetTask(ctx, "T-1")
	if err != nil {
		t.Fatal(err)
	}
	if reread.Status != models.StatusInReview || reread.PRNumber == nil || *reread.PRNumber != 12 {
		t.Errorf("reread = %+v", reread)
	}
}

func TestUpdateTask_Rejections(t *testing.T) {
	s := newTestTaskStore(t)
	ctx := context.Background()
	if _, err := s.CreateTask(ctx, sampleTask("T-1")); err != nil {
		t.Fatal(err)
	}

	if _, err := s.UpdateTask(ctx, "missing", func(*models.Task) error { return nil }); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("missing task: err = %v", err)
	}
	if _, err := s.UpdateTask(ctx, "T-1", func(task *models.Task) error { task.ID = "T-9"; return nil }); err == nil {
		t.Error("expected error when changing ID")
	}
	if _, err := s.UpdateTask(ctx, "T-1", func(task *models.Task) error { task.Status = "nope"; return nil }); err == nil {
		t.Error("expected error for invalid status")
	}
	boom := errors.New("boom")
	if _, err := s.UpdateTask(ctx, "T-1", func(task *models.Task) error { task.Title = "changed"; return boom }); !errors.Is(err, boom) {
		t.Errorf("mutate error not returned: %v", err)
	}
	got, _ := s.GetTask(ctx, "T-1")
	if got.Title != "Task T-1" {
		t.Errorf("failed update was saved: title = %q", got.Title)
	}
}

func TestRolePointerRoundTrip(t *testing.T) {
	s := newTestTaskStore(t)
	ctx := context.Background()
	empty := ""
	qa := "qa"
	for id, role := range map[string]*string{"T-nil": nil, "T-empty": &empty, "T-qa": &qa} {
		task := sampleTask(id)
		task.Role = role
		if _, err := s.CreateTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}

	nilRole, _ := s.GetTask(ctx, "T-nil")
	emptyRole, _ := s.GetTask(ctx, "T-empty")
	qaRole, _ := s.GetTask(ctx, "T-qa")
	if nilRole.Role != nil {
		t.Errorf("nil role became %q", *nilRole.Role)
	}
	if emptyRole.Role == nil || *emptyRole.Role != "" {
		t.Errorf("empty role = %v, want pointer to empty string", emptyRole.Role)
	}
	if qaRole.Role == nil || *qaRole.Role != "qa" {
		t.Errorf("qa role = %v", qaRole.Role)
	}
}

func TestAddComment_DedupesRepeatedAutomatedComment(t *testing.T) {
	s := newTestTaskStore(t)
	ctx := context.Background()
	if _, err := s.CreateTask(ctx, sampleTask("T-1")); err != nil {
		t.Fatal(err)
	}
	auto := models.Comment{Author: "workloop", Body: "Blocked: agent exited", Automated: true}
	human := models.Comment{Author: "dana", Body: "looking"}

	for _, c := range []models.Comment{auto, auto, human, human, auto} {
		if err := s.AddComment(ctx, "T-1", c); err != nil {
			t.Fatal(err)
		}
	}

	got, _ := s.GetTask(ctx, "T-1")
	if len(got.Comments) != 3 {
		t.Fatalf("comments = %d, want 3 (auto, human, human)", len(got.Comments))
	}
	if got.Comments[0].Digest == "" || got.Comments[0].Digest != CommentDigest("workloop", "Blocked: agent exited") {
		t.Errorf("digest = %q", got.Comments[0].Digest)
	}

	other := auto
	other.Body = "Blocked: conflicts"
	if err := s.AddComment(ctx, "T-1", other); err != nil {
		t.Fatal(err)
	}
	if err := s.AddComment(ctx, "T-1", auto); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetTask(ctx, "T-1")
	if len(got.Comments) != 5 {
		t.Errorf("comments = %d, want 5", len(got.Comments))
	}
}

func TestCommentDigest(t *testing.T) {
	if CommentDigest("a", "bc") == CommentDigest("ab", "c") {
		t.Error("author/body boundary must affect the digest")
	}
	if got := len(CommentDigest("a", "b")); got != 64 {
		t.Errorf("digest length = %d, want 64 hex chars", got)
	}
}

func TestAppendEvent(t *testing.T) {
	s := newTestTaskStore(t)
	ctx := context.Background()
	created, _ := s.CreateTask(ctx, sampleTask("T-1"))
	s.now = func() time.Time { return created.Updated.Add(time.Hour) }

	if err := s.AppendEvent(ctx, "T-1", models.TaskEvent{Type: models.EventAgentAssigned, Data: map[string]string{"role": "dev"}}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetTask(ctx, "T-1")
	if len(got.Events) != 1 || got.Events[0].Time.IsZero() {
		t.Errorf("events = %+v", got.Events)
	}
	if !got.Updated.Equal(created.Updated) {
		t.Error("AppendEvent must not bump Updated")
	}
	if err := s.AppendEvent(ctx, "missing", models.TaskEvent{}); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestDeleteTask(t *testing.T) {
	s := newTestTaskStore(t)
	ctx := context.Background()
	if _, err := s.CreateTask(ctx, sampleTask("T-1")); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteTask(ctx, "T-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteTask(ctx, "T-1"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("second delete err = %v", err)
	}
}

func TestLoad_HandWrittenFile(t *testing.T) {
	s := newTestTaskStore(t)
	content := `version: "1.0"
tasks:
  T-7:
    project: proj
    title: Written by hand
    status: ready
    depends_on: [T-6]
`
	if err := os.WriteFile(filepath.Join(s.basePath, "tasks.yaml"), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetTask(context.Background(), "T-7")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "T-7" || got.Status != models.StatusReady || len(got.DependsOn) != 1 {
		t.Errorf("got %+v", got)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	s := newTestTaskStore(t)
	if err := os.WriteFile(filepath.Join(s.basePath, "tasks.yaml"), []byte("tasks: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ListTasks(context.Background(), ""); err == nil {
		t.Error("expected parse error")
	}
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	if _, err := NewTaskStore(dir).CreateTask(ctx, sampleTask("T-1")); err != nil {
		t.Fatal(err)
	}

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Separate store values share only the file, like separate processes.
			_ = NewTaskStore(dir).AddComment(ctx, "T-1", models.Comment{Author: "agent", Body: time.Now().String()})
		}()
	}
	wg.Wait()

	got, err := NewTaskStore(dir).GetTask(ctx, "T-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Comments) != writers {
		t.Errorf("comments = %d, want %d", len(got.Comments), writers)
	}
}
