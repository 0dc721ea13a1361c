package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/valter-silva-au/workloop/pkg/models"
)

// memStore is an in-memory TaskStore.
type memStore struct {
	mu        sync.Mutex
	tasks     map[string]*models.Task
	updateErr error
}

func newMemStore(tasks ...models.Task) *memStore {
	s := &memStore{tasks: make(map[string]*models.Task)}
	for i := range tasks {
		t := tasks[i]
		if t.ProjectID == "" {
			t.ProjectID = testProject.ID
		}
		s.tasks[t.ID] = &t
	}
	return s
}

func (s *memStore) ListTasks(_ context.Context, projectID string, statuses ...models.TaskStatus) ([]models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[models.TaskStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []models.Task
	for _, t := range s.tasks {
		if t.ProjectID != projectID {
			continue
		}
		if len(want) > 0 && !want[t.Status] {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) GetTask(_ context.Context, id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: not found", id)
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) UpdateTask(_ context.Context, id string, mutate func(*models.Task) error) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: not found", id)
	}
	cp := *t
	if err := mutate(&cp); err != nil {
		return nil, err
	}
	s.tasks[id] = &cp
	out := cp
	return &out, nil
}

func (s *memStore) AddComment(_ context.Context, id string, c models.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return errors.New("not found")
	}
	t.Comments = append(t.Comments, c)
	return nil
}

func (s *memStore) AppendEvent(_ context.Context, id string, e models.TaskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return errors.New("not found")
	}
	t.Events = append(t.Events, e)
	return nil
}

func (s *memStore) task(id string) models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.tasks[id]
}

// fakeSpawner records spawn requests and hands out sequential session keys.
type fakeSpawner struct {
	requests []models.SpawnRequest
	err      error
	n        int
}

func (f *fakeSpawner) Spawn(_ context.Context, req models.SpawnRequest) (models.SpawnResult, error) {
	if f.err != nil {
		return models.SpawnResult{}, f.err
	}
	f.n++
	f.requests = append(f.requests, req)
	return models.SpawnResult{SessionKey: fmt.Sprintf("s%d", f.n), SpawnedAt: time.Unix(1700000000, 0).UTC()}, nil
}

func (f *fakeSpawner) roles() []string {
	var out []string
	for _, r := range f.requests {
		out = append(out, r.Role)
	}
	return out
}

// memAudit collects audit entries.
type memAudit struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func (a *memAudit) Record(_ context.Context, e models.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *memAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

func (a *memAudit) find(action string) (models.AuditEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.entries {
		if e.Action == action {
			return e, true
		}
	}
	return models.AuditEntry{}, false
}

// fakeWorktrees hands out predictable paths.
type fakeWorktrees struct {
	removed []string
	err     error
}

func (f *fakeWorktrees) EnsureWorktree(_ context.Context, _ models.ProjectConfig, taskID, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "/work/" + taskID, nil
}

func (f *fakeWorktrees) RemoveWorktree(_ context.Context, _ models.ProjectConfig, taskID string) error {
	f.removed = append(f.removed, taskID)
	return nil
}

// fakeDeploy records merged PRs it was asked to deploy.
type fakeDeploy struct {
	prs []int
	err error
}

func (f *fakeDeploy) AfterMerge(_ context.Context, _ models.ProjectConfig, pr int) ([]string, error) {
	f.prs = append(f.prs, pr)
	if f.err != nil {
		return nil, f.err
	}
	return []string{"schema"}, nil
}

// memEvents collects notification-sink events.
type memEvents struct {
	types []string
}

func (m *memEvents) LogEvent(eventType string, _ map[string]any) error {
	m.types = append(m.types, eventType)
	return nil
}

// fakeNotifier collects escalations.
type fakeNotifier struct {
	escalations []Escalation
}

func (f *fakeNotifier) Escalated(_ context.Context, e Escalation) error {
	f.escalations = append(f.escalations, e)
	return nil
}

type harness struct {
	store     *memStore
	spawner   *fakeSpawner
	prs       *fakePRTool
	audit     *memAudit
	worktrees *fakeWorktrees
	deploy    *fakeDeploy
	events    *memEvents
	notifier  *fakeNotifier
	deps      *Deps
	tracker   *CapacityTracker
	now       time.Time
}

func newHarness(tasks ...models.Task) *harness {
	h := &harness{
		store:     newMemStore(tasks...),
		spawner:   &fakeSpawner{},
		prs:       &fakePRTool{byNum: map[int]models.PullRequest{}},
		audit:     &memAudit{},
		worktrees: &fakeWorktrees{},
		deploy:    &fakeDeploy{},
		events:    &memEvents{},
		notifier:  &fakeNotifier{},
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	cfg := *DefaultGlobalConfig()
	cfg.WorkLoop.MaxAgentsGlobal = 3
	cfg.WorkLoop.MaxReviewerAgents = 2
	cfg.WorkLoop.MaxConflictResolverAgents = 1
	cfg.WorkLoop.MaxConflictResolutionAttempts = 2
	cfg.Agent.Models = map[string]string{models.RoleReviewer: "review-model"}
	cfg.Agent.DefaultModel = "default-model"
	cfg.Projects = []models.ProjectConfig{testProject}

	prompts, err := NewPromptBuilder("")
	if err != nil {
		panic(err)
	}
	h.deps = &Deps{
		Store:      h.store,
		Spawner:    h.spawner,
		Reconciler: NewReconciler(h.prs, time.Second, cfg.BranchPattern, nil),
		Worktrees:  h.worktrees,
		Deploy:     h.deploy,
		Audit:      h.audit,
		Events:     h.events,
		Notifier:   h.notifier,
		Prompts:    prompts,
		Config:     cfg,
		Now:        func() time.Time { return h.now },
	}
	h.tracker = NewCapacityTracker(CeilingsFromConfig(cfg.WorkLoop), nil)
	return h
}

func (h *harness) cc() *CycleContext {
	return NewCycleContext(1, testProject, h.tracker)
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
