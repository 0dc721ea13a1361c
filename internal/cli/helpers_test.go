package cli

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/valter-silva-au/workloop/internal/core"
	"github.com/valter-silva-au/workloop/internal/observability"
	"github.com/valter-silva-au/workloop/internal/storage"
	"github.com/valter-silva-au/workloop/pkg/models"
)

// fakeSpawner hands out sequential session keys and records requests.
type fakeSpawner struct {
	requests []models.SpawnRequest
	err      error
}

func (f *fakeSpawner) Spawn(_ context.Context, req models.SpawnRequest) (models.SpawnResult, error) {
	if f.err != nil {
		return models.SpawnResult{}, f.err
	}
	f.requests = append(f.requests, req)
	return models.SpawnResult{SessionKey: fmt.Sprintf("s%d", len(f.requests)), SpawnedAt: time.Now().UTC()}, nil
}

// fakeMonitor reports a fixed status per session key; unknown keys are stale.
type fakeMonitor struct {
	statuses map[string]models.AgentStatus
}

func (f *fakeMonitor) Status(_ context.Context, key string) (models.AgentStatus, time.Time, error) {
	if s, ok := f.statuses[key]; ok {
		return s, time.Now().UTC(), nil
	}
	return models.AgentStale, time.Time{}, nil
}

// fakePRs serves pull requests from memory.
type fakePRs struct {
	open  []models.PullRequest
	byNum map[int]models.PullRequest
}

func (f *fakePRs) ListOpenPRs(context.Context, models.ProjectConfig) ([]models.PullRequest, error) {
	return f.open, nil
}

func (f *fakePRs) GetPR(_ context.Context, _ models.ProjectConfig, n int) (*models.PullRequest, error) {
	pr, ok := f.byNum[n]
	if !ok {
		return nil, fmt.Errorf("pull request #%d not found", n)
	}
	return &pr, nil
}

type testEnv struct {
	dir     string
	store   storage.TaskStore
	audit   storage.AuditStore
	events  observability.EventLog
	spawner *fakeSpawner
	monitor *fakeMonitor
	prs     *fakePRs
	cfg     *models.GlobalConfig
}

// setupCLI wires the package variables to real file-backed stores in a
// temp dir and fakes for agents and the VCS host. Everything is restored
// when the test ends.
func setupCLI(t *testing.T) *testEnv {
	t.Helper()

	origBase, origCfg, origLogger := BasePath, Config, Logger
	origTasks, origAudit, origDeps, origMonitor := Tasks, Audit, Deps, Monitor
	origEvents, origAlerts, origMetrics, origNotifier := EventLog, AlertEngine, MetricsCalc, Notifier
	t.Cleanup(func() {
		BasePath, Config, Logger = origBase, origCfg, origLogger
		Tasks, Audit, Deps, Monitor = origTasks, origAudit, origDeps, origMonitor
		EventLog, AlertEngine, MetricsCalc, Notifier = origEvents, origAlerts, origMetrics, origNotifier
	})

	dir := t.TempDir()
	audit, err := storage.OpenAuditStore(filepath.Join(dir, "audit.db"), 1, nil)
	if err != nil {
		t.Fatalf("OpenAuditStore: %v", err)
	}
	t.Cleanup(func() { _ = audit.Close() })
	events, err := observability.NewJSONLEventLog(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		t.Fatalf("NewJSONLEventLog: %v", err)
	}
	t.Cleanup(func() { _ = events.Close() })

	cfg := core.DefaultGlobalConfig()
	cfg.WorkLoop.MaxAgentsGlobal = 2
	cfg.Projects = []models.ProjectConfig{
		{ID: "proj", RepoPath: dir, BaseBranch: "main", WorkLoopEnabled: true},
		{ID: "idle", RepoPath: dir, BaseBranch: "main"},
	}

	env := &testEnv{
		dir:     dir,
		store:   storage.NewTaskStore(dir),
		audit:   audit,
		events:  events,
		spawner: &fakeSpawner{},
		monitor: &fakeMonitor{statuses: map[string]models.AgentStatus{}},
		prs:     &fakePRs{byNum: map[int]models.PullRequest{}},
		cfg:     cfg,
	}
	prompts, err := core.NewPromptBuilder("")
	if err != nil {
		t.Fatalf("NewPromptBuilder: %v", err)
	}
	logger := slog.New(slog.DiscardHandler)

	BasePath = dir
	Config = cfg
	Logger = logger
	Tasks = env.store
	Audit = audit
	Monitor = env.monitor
	EventLog = events
	MetricsCalc = observability.NewMetricsCalculator(events)
	AlertEngine = observability.NewAlertEngine(events, cfg.Alerts)
	Notifier = nil
	Deps = &core.Deps{
		Store:      env.store,
		Spawner:    env.spawner,
		Reconciler: core.NewReconciler(env.prs, time.Second, cfg.BranchPattern, logger),
		Audit:      audit,
		Events:     events,
		Prompts:    prompts,
		Config:     *cfg,
		Logger:     logger,
	}
	return env
}

func (e *testEnv) addTask(t *testing.T, task models.Task) {
	t.Helper()
	if task.ProjectID == "" {
		task.ProjectID = "proj"
	}
	if task.Title == "" {
		task.Title = "Task " + task.ID
	}
	if _, err := e.store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask(%s): %v", task.ID, err)
	}
}

func (e *testEnv) task(t *testing.T, id string) models.Task {
	t.Helper()
	task, err := e.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask(%s): %v", id, err)
	}
	return *task
}

// execute runs the root command with args and returns its output. Flags
// keep their values between runs, so every flag is reset first.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()
	return out.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}
