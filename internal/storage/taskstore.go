package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/valter-silva-au/workloop/pkg/models"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ErrTaskNotFound is returned when a task ID is not in the store.
var ErrTaskNotFound = errors.New("task not found")

// TaskFile is the top-level structure of tasks.yaml.
type TaskFile struct {
	Version  string                 `yaml:"version"`
	Counters map[string]int         `yaml:"counters,omitempty"`
	Tasks    map[string]models.Task `yaml:"tasks"`
}

// TaskStore persists orchestrated tasks. Every call reloads the file under
// an exclusive lock, so the loop, the CLI and agents may write concurrently.
type TaskStore interface {
	CreateTask(ctx context.Context, task models.Task) (*models.Task, error)
	ListTasks(ctx context.Context, projectID string, statuses ...models.TaskStatus) ([]models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTask(ctx context.Context, id string, mutate func(*models.Task) error) (*models.Task, error)
	DeleteTask(ctx context.Context, id string) error
	AddComment(ctx context.Context, id string, c models.Comment) error
	AppendEvent(ctx context.Context, id string, e models.TaskEvent) error
}

type fileTaskStore struct {
	basePath string
	now      func() time.Time
}

// NewTaskStore creates a TaskStore backed by tasks.yaml in basePath.
func NewTaskStore(basePath string) TaskStore {
	return &fileTaskStore{basePath: basePath, now: time.Now}
}

func (s *fileTaskStore) filePath() string {
	return filepath.Join(s.basePath, "tasks.yaml")
}

func (s *fileTaskStore) lockPath() string {
	return filepath.Join(s.basePath, ".tasks.lock")
}

// CreateTask adds task to the store. An empty ID is replaced with the next
// free ID in the project's sequence (see TaskIDPrefix).
func (s *fileTaskStore) CreateTask(_ context.Context, task models.Task) (*models.Task, error) {
	task.ID = strings.TrimSpace(task.ID)
	if task.ProjectID == "" {
		return nil, fmt.Errorf("adding task %s: project must not be empty", task.ID)
	}
	if task.Status == "" {
		task.Status = models.StatusBacklog
	}
	if !task.Status.Valid() {
		return nil, fmt.Errorf("adding task %s: invalid status %q", task.ID, task.Status)
	}

	var created models.Task
	err := s.modify(func(f *TaskFile) error {
		if task.ID == "" {
			task.ID = nextTaskID(f, task.ProjectID)
		}
		if _, exists := f.Tasks[task.ID]; exists {
			return fmt.Errorf("adding task: task %s already exists", task.ID)
		}
		now := s.now().UTC()
		if task.Created.IsZero() {
			task.Created = now
		}
		task.Updated = now
		f.Tasks[task.ID] = task
		created = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// ListTasks returns tasks of projectID sorted by ID. An empty projectID
// matches every project; no statuses matches every status.
func (s *fileTaskStore) ListTasks(_ context.Context, projectID string, statuses ...models.TaskStatus) ([]models.Task, error) {
	f, err := s.read()
	if err != nil {
		return nil, err
	}
	want := make(map[models.TaskStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	out := make([]models.Task, 0, len(f.Tasks))
	for _, t := range f.Tasks {
		if projectID != "" && t.ProjectID != projectID {
			continue
		}
		if len(want) > 0 && !want[t.Status] {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileTaskStore) GetTask(_ context.Context, id string) (*models.Task, error) {
	f, err := s.read()
	if err != nil {
		return nil, err
	}
	t, ok := f.Tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	return &t, nil
}

// UpdateTask applies mutate to the stored task and saves it. The task ID
// cannot be changed and the status must stay valid.
func (s *fileTaskStore) UpdateTask(_ context.Context, id string, mutate func(*models.Task) error) (*models.Task, error) {
	var updated models.Task
	err := s.modify(func(f *TaskFile) error {
		t, ok := f.Tasks[id]
		if !ok {
			return fmt.Errorf("updating task %s: %w", id, ErrTaskNotFound)
		}
		if err := mutate(&t); err != nil {
			return err
		}
		if t.ID != id {
			return fmt.Errorf("updating task %s: ID cannot change", id)
		}
		if !t.Status.Valid() {
			return fmt.Errorf("updating task %s: invalid status %q", id, t.Status)
		}
		t.Updated = s.now().UTC()
		f.Tasks[id] = t
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *fileTaskStore) DeleteTask(_ context.Context, id string) error {
	return s.modify(func(f *TaskFile) error {
		if _, ok := f.Tasks[id]; !ok {
			return fmt.Errorf("removing task %s: %w", id, ErrTaskNotFound)
		}
		delete(f.Tasks, id)
		return nil
	})
}

// AddComment appends c to the task. An automated comment identical to the
// task's latest automated comment is dropped, so a repeated escalation on
// retry posts once.
func (s *fileTaskStore) AddComment(_ context.Context, id string, c models.Comment) error {
	c.Digest = CommentDigest(c.Author, c.Body)
	if c.Created.IsZero() {
		c.Created = s.now().UTC()
	}
	return s.modify(func(f *TaskFile) error {
		t, ok := f.Tasks[id]
		if !ok {
			return fmt.Errorf("commenting on task %s: %w", id, ErrTaskNotFound)
		}
		if c.Automated {
			for i := len(t.Comments) - 1; i >= 0; i-- {
				if !t.Comments[i].Automated {
					continue
				}
				if t.Comments[i].Digest == c.Digest {
					return nil
				}
				break
			}
		}
		t.Comments = append(t.Comments, c)
		f.Tasks[id] = t
		return nil
	})
}

// AppendEvent records a lifecycle event on the task without touching
// its Updated time.
func (s *fileTaskStore) AppendEvent(_ context.Context, id string, e models.TaskEvent) error {
	if e.Time.IsZero() {
		e.Time = s.now().UTC()
	}
	return s.modify(func(f *TaskFile) error {
		t, ok := f.Tasks[id]
		if !ok {
			return fmt.Errorf("appending event to task %s: %w", id, ErrTaskNotFound)
		}
		t.Events = append(t.Events, e)
		f.Tasks[id] = t
		return nil
	})
}

// CommentDigest returns the hex BLAKE3 digest identifying a comment's
// author and body.
func CommentDigest(author, body string) string {
	h := blake3.New()
	_, _ = h.Write([]byte(author))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(body))
	return hex.EncodeToString(h.Sum(nil))
}

func (s *fileTaskStore) read() (*TaskFile, error) {
	if err := os.MkdirAll(s.basePath, 0o750); err != nil {
		return nil, fmt.Errorf("loading tasks: creating directory: %w", err)
	}
	unlock, err := lockFile(s.lockPath())
	if err != nil {
		return nil, err
	}
	defer func() { _ = unlock() }()
	return s.load()
}

// modify runs fn over the freshly loaded file under the lock and saves the
// result if fn succeeds.
func (s *fileTaskStore) modify(fn func(*TaskFile) error) error {
	if err := os.MkdirAll(s.basePath, 0o750); err != nil {
		return fmt.Errorf("saving tasks: creating directory: %w", err)
	}
	unlock, err := lockFile(s.lockPath())
	if err != nil {
		return err
	}
	defer func() { _ = unlock() }()

	f, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		return err
	}
	return s.save(f)
}

func (s *fileTaskStore) load() (*TaskFile, error) {
	data, err := os.ReadFile(s.filePath())
	if err != nil {
		if os.IsNotExist(err) {
			return &TaskFile{Version: "1.0", Tasks: make(map[string]models.Task)}, nil
		}
		return nil, fmt.Errorf("loading tasks: %w", err)
	}

	var f TaskFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("loading tasks: parsing YAML: %w", err)
	}
	if f.Tasks == nil {
		f.Tasks = make(map[string]models.Task)
	}
	for id, t := range f.Tasks {
		if t.ID == "" {
			t.ID = id
			f.Tasks[id] = t
		}
	}
	return &f, nil
}

// save writes to a temporary file and renames it into place so readers
// never observe a partial file.
func (s *fileTaskStore) save(f *TaskFile) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("saving tasks: marshaling YAML: %w", err)
	}
	tmp := s.filePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("saving tasks: writing file: %w", err)
	}
	if err := os.Rename(tmp, s.filePath()); err != nil {
		return fmt.Errorf("saving tasks: replacing file: %w", err)
	}
	return nil
}
