// Package internal provides the App struct that wires all components of the
// work loop together and initializes the CLI layer.
package internal

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/valter-silva-au/workloop/internal/cli"
	"github.com/valter-silva-au/workloop/internal/core"
	"github.com/valter-silva-au/workloop/internal/integration"
	"github.com/valter-silva-au/workloop/internal/observability"
	"github.com/valter-silva-au/workloop/internal/storage"
	"github.com/valter-silva-au/workloop/pkg/models"
)

// HomeEnv overrides base path discovery.
const HomeEnv = "WORKLOOP_HOME"

// Files kept under the base path.
const (
	auditDBFile     = "audit.db"
	eventLogFile    = "events.jsonl"
	agentStateFile  = "agents.yaml"
	agentLogDir     = "agents"
	deployHookLimit = 10 * time.Minute
)

// App holds all service dependencies of the work loop.
type App struct {
	BasePath string
	Config   *models.GlobalConfig
	Logger   *slog.Logger

	// Storage
	Tasks storage.TaskStore
	Audit storage.AuditStore

	// Integration services
	Executor  integration.CLIExecutor
	GitHub    *integration.GitHubCLI
	Worktrees integration.GitWorktreeManager
	Deploy    *integration.DeployHooks
	Spawner   *integration.ProcessSpawner

	// Core
	Deps *core.Deps

	// Observability
	EventLog    observability.EventLog
	AlertEngine observability.AlertEngine
	MetricsCalc observability.MetricsCalculator
	Notifier    *observability.SlackNotifier
}

// NewApp creates and wires all components. basePath holds .workloop.yaml
// along with the task file, audit database, event log and agent logs.
// Diagnostics are written to stderr.
func NewApp(basePath string) (*App, error) {
	return newApp(basePath, os.Stderr)
}

func newApp(basePath string, logOut io.Writer) (*App, error) {
	app := &App{BasePath: basePath}

	// --- Configuration ---
	cfgMgr := core.NewConfigurationManager(basePath)
	cfg, err := cfgMgr.LoadGlobalConfig()
	if err != nil {
		return nil, err
	}
	if err := cfgMgr.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	app.Config = cfg
	app.Logger = newLogger(cfg.Log, logOut)

	// --- Storage layer ---
	app.Tasks = storage.NewTaskStore(basePath)
	app.Audit, err = storage.OpenAuditStore(filepath.Join(basePath, auditDBFile), 0, app.Logger)
	if err != nil {
		return nil, err
	}

	// --- Integration services ---
	app.Executor = integration.NewCLIExecutor()
	app.GitHub = integration.NewGitHubCLI(app.Executor, cfg.WorkLoop.VCSRatePerSecond, cfg.WorkLoop.VCSTimeout, app.Logger)
	app.Worktrees = integration.NewGitWorktreeManager(basePath, app.Executor)
	app.Deploy = integration.NewDeployHooks(app.GitHub, app.Executor, deployHookLimit, app.Logger)
	app.Spawner, err = integration.NewProcessSpawner(integration.ProcessSpawnerConfig{
		Command:    cfg.Agent.Command,
		LogDir:     filepath.Join(basePath, agentLogDir),
		StatePath:  filepath.Join(basePath, agentStateFile),
		StaleAfter: cfg.WorkLoop.StaleAfter,
		Logger:     app.Logger,
	}, app.Executor)
	if err != nil {
		_ = app.Audit.Close()
		return nil, fmt.Errorf("creating agent spawner: %w", err)
	}

	// --- Observability ---
	app.EventLog, err = observability.NewJSONLEventLog(filepath.Join(basePath, eventLogFile))
	if err != nil {
		// Non-fatal: the loop runs without the event stream.
		app.Logger.Warn("event log disabled", "error", err)
		app.EventLog = nil
	}
	if app.EventLog != nil {
		app.AlertEngine = observability.NewAlertEngine(app.EventLog, cfg.Alerts)
		app.MetricsCalc = observability.NewMetricsCalculator(app.EventLog)
	}
	if cfg.SlackWebhookURL != "" {
		app.Notifier = observability.NewSlackNotifier(cfg.SlackWebhookURL)
	}

	// --- Core services ---
	prompts, err := core.NewPromptBuilder(resolvePromptsDir(basePath, cfg.PromptsDir))
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Deps = &core.Deps{
		Store:      app.Tasks,
		Spawner:    app.Spawner,
		Reconciler: core.NewReconciler(app.GitHub, cfg.WorkLoop.VCSTimeout, cfg.BranchPattern, app.Logger),
		Worktrees:  app.Worktrees,
		Deploy:     app.Deploy,
		Audit:      app.Audit,
		Prompts:    prompts,
		Config:     *cfg,
		Logger:     app.Logger,
	}
	// Assigning nil implementations would leave non-nil interfaces behind.
	if app.EventLog != nil {
		app.Deps.Events = app.EventLog
	}
	if app.Notifier != nil {
		app.Deps.Notifier = app.Notifier
	}

	// --- Wire CLI package-level variables ---
	cli.BasePath = basePath
	cli.Config = cfg
	cli.Logger = app.Logger
	cli.Tasks = app.Tasks
	cli.Audit = app.Audit
	cli.Deps = app.Deps
	cli.Monitor = app.Spawner
	cli.EventLog = app.EventLog
	cli.AlertEngine = app.AlertEngine
	cli.MetricsCalc = app.MetricsCalc
	if app.Notifier != nil {
		cli.Notifier = app.Notifier
	}

	return app, nil
}

// Close releases resources held by the App: the audit database and the
// event log file handle.
func (a *App) Close() error {
	var firstErr error
	if a.Audit != nil {
		if err := a.Audit.Close(); err != nil {
			firstErr = err
		}
	}
	if a.EventLog != nil {
		if err := a.EventLog.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ResolveBasePath determines the work loop's base directory. It checks the
// WORKLOOP_HOME env var, then walks up from the current directory looking
// for .workloop.yaml, and falls back to the current directory.
func ResolveBasePath() string {
	if home := os.Getenv(HomeEnv); home != "" {
		return home
	}
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	cwd := dir
	for {
		if _, err := os.Stat(filepath.Join(dir, core.ConfigFileName+".yaml")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return cwd
}

// newLogger builds the slog handler selected by the log config.
func newLogger(cfg models.LogConfig, out io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

func resolvePromptsDir(basePath, dir string) string {
	if dir == "" || filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(basePath, dir)
}
