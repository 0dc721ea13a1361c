package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/valter-silva-au/workloop/pkg/models"
	"gopkg.in/yaml.v3"
)

// ErrUnknownSession is returned by Wait for a session key this process did
// not spawn. Status reports unknown keys as stale instead.
var ErrUnknownSession = errors.New("unknown agent session")

// exitedRetention is how long finished agents stay in the state file.
const exitedRetention = 24 * time.Hour

// AgentRecord is the persisted description of one spawned agent process.
type AgentRecord struct {
	SessionKey string     `yaml:"session_key"`
	TaskID     string     `yaml:"task_id"`
	ProjectID  string     `yaml:"project"`
	Role       string     `yaml:"role"`
	Model      string     `yaml:"model,omitempty"`
	PID        int        `yaml:"pid"`
	LogPath    string     `yaml:"log"`
	SpawnedAt  time.Time  `yaml:"spawned_at"`
	ExitedAt   *time.Time `yaml:"exited_at,omitempty"`
	ExitCode   int        `yaml:"exit_code,omitempty"`
}

type agentStateFile struct {
	Version string                 `yaml:"version"`
	Agents  map[string]AgentRecord `yaml:"agents"`
}

// ProcessSpawnerConfig configures a ProcessSpawner.
type ProcessSpawnerConfig struct {
	// Command is the agent command line. The placeholders {model}, {role}
	// and {task} are expanded per spawn; the prompt is written to stdin.
	Command []string
	// LogDir receives one output log per session. Writes to the log count
	// as agent activity.
	LogDir string
	// StatePath is the YAML file recording spawned agents, so a restarted
	// orchestrator can still see them.
	StatePath string
	// StaleAfter marks a live agent stale once its log has been silent this
	// long. Zero disables stale detection.
	StaleAfter time.Duration
	Logger     *slog.Logger
}

// ProcessSpawner starts agents as local processes and reports their
// liveness. It implements both the spawning and monitoring sides.
type ProcessSpawner struct {
	cfg    ProcessSpawnerConfig
	exec   CLIExecutor
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	records map[string]AgentRecord
	done    map[string]chan struct{}
}

// NewProcessSpawner creates a spawner, loading previously recorded agents
// from cfg.StatePath.
func NewProcessSpawner(cfg ProcessSpawnerConfig, exec CLIExecutor) (*ProcessSpawner, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("agent command must not be empty")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &ProcessSpawner{
		cfg:     cfg,
		exec:    exec,
		logger:  logger,
		now:     time.Now,
		records: make(map[string]AgentRecord),
		done:    make(map[string]chan struct{}),
	}
	if cfg.StatePath != "" {
		state, err := loadAgentState(cfg.StatePath)
		if err != nil {
			return nil, err
		}
		s.records = state.Agents
	}
	return s, nil
}

func expandCommand(command []string, req models.SpawnRequest) []string {
	r := strings.NewReplacer("{model}", req.Model, "{role}", req.Role, "{task}", req.TaskID)
	out := make([]string, 0, len(command))
	for _, arg := range command {
		out = append(out, r.Replace(arg))
	}
	return out
}

// Spawn starts the agent and returns once the process is running. The
// process outlives ctx; it is bounded only by req.TimeoutSeconds.
func (s *ProcessSpawner) Spawn(_ context.Context, req models.SpawnRequest) (models.SpawnResult, error) {
	key := uuid.NewString()
	if err := os.MkdirAll(s.cfg.LogDir, 0o750); err != nil {
		return models.SpawnResult{}, fmt.Errorf("creating agent log directory: %w", err)
	}
	logPath := filepath.Join(s.cfg.LogDir, key+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return models.SpawnResult{}, fmt.Errorf("creating agent log: %w", err)
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if req.TimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), time.Duration(req.TimeoutSeconds)*time.Second)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}

	args := expandCommand(s.cfg.Command, req)
	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = req.WorkDir
	cmd.Env = append(s.exec.BuildEnv(os.Environ(), &TaskEnvContext{
		ProjectID:    req.ProjectID,
		TaskID:       req.TaskID,
		Branch:       req.Branch,
		WorktreePath: req.WorkDir,
	}),
		"WORKLOOP_ROLE="+req.Role,
		"WORKLOOP_MODEL="+req.Model,
		"WORKLOOP_SESSION="+key,
	)
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		cancel()
		logFile.Close()
		return models.SpawnResult{}, fmt.Errorf("starting agent %s: %w", args[0], err)
	}

	spawned := s.now().UTC()
	rec := AgentRecord{
		SessionKey: key,
		TaskID:     req.TaskID,
		ProjectID:  req.ProjectID,
		Role:       req.Role,
		Model:      req.Model,
		PID:        cmd.Process.Pid,
		LogPath:    logPath,
		SpawnedAt:  spawned,
	}
	done := make(chan struct{})
	s.mu.Lock()
	s.records[key] = rec
	s.done[key] = done
	s.persistLocked()
	s.mu.Unlock()

	s.logger.Info("agent started",
		"session_key", key,
		"task_id", req.TaskID,
		"role", req.Role,
		"model", req.Model,
		"pid", rec.PID,
	)

	go func() {
		waitErr := cmd.Wait()
		cancel()
		logFile.Close()
		code := 0
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		exited := s.now().UTC()

		s.mu.Lock()
		r := s.records[key]
		r.ExitedAt = &exited
		r.ExitCode = code
		s.records[key] = r
		s.persistLocked()
		s.mu.Unlock()
		close(done)

		s.logger.Info("agent exited", "session_key", key, "task_id", req.TaskID, "exit_code", code, "error", waitErr)
	}()

	return models.SpawnResult{SessionKey: key, SpawnedAt: spawned}, nil
}

// Status reports whether the session is running, finished, or stale, with
// the time of its last log output.
func (s *ProcessSpawner) Status(_ context.Context, sessionKey string) (models.AgentStatus, time.Time, error) {
	s.mu.Lock()
	rec, ok := s.records[sessionKey]
	done, spawnedHere := s.done[sessionKey]
	s.mu.Unlock()
	if !ok {
		// Lost with the state file, or spawned by another base path.
		return models.AgentStale, time.Time{}, nil
	}

	lastActivity := rec.SpawnedAt
	if info, err := os.Stat(rec.LogPath); err == nil && info.ModTime().After(lastActivity) {
		lastActivity = info.ModTime()
	}

	if rec.ExitedAt != nil {
		return models.AgentFinished, lastActivity, nil
	}
	if spawnedHere {
		select {
		case <-done:
			return models.AgentFinished, lastActivity, nil
		default:
		}
	} else if !processAlive(rec.PID) {
		// Exited while no orchestrator was watching.
		return models.AgentFinished, lastActivity, nil
	}

	if s.cfg.StaleAfter > 0 && s.now().Sub(lastActivity) > s.cfg.StaleAfter {
		return models.AgentStale, lastActivity, nil
	}
	return models.AgentRunning, lastActivity, nil
}

// Records returns every known agent, newest first.
func (s *ProcessSpawner) Records() []AgentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AgentRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpawnedAt.After(out[j].SpawnedAt) })
	return out
}

// Wait blocks until the session spawned by this process exits or ctx ends.
func (s *ProcessSpawner) Wait(ctx context.Context, sessionKey string) error {
	s.mu.Lock()
	done, ok := s.done[sessionKey]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", sessionKey, ErrUnknownSession)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// persistLocked writes the state file, dropping long-finished agents.
// Failures are logged; the in-memory records stay authoritative.
func (s *ProcessSpawner) persistLocked() {
	if s.cfg.StatePath == "" {
		return
	}
	cutoff := s.now().Add(-exitedRetention)
	for key, r := range s.records {
		if r.ExitedAt != nil && r.ExitedAt.Before(cutoff) {
			delete(s.records, key)
		}
	}
	state := agentStateFile{Version: "1.0", Agents: s.records}
	if err := saveAgentState(s.cfg.StatePath, &state); err != nil {
		s.logger.Warn("saving agent state failed", "reason", "agent_state_write_failed", "error", err)
	}
}

func loadAgentState(path string) (*agentStateFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &agentStateFile{Version: "1.0", Agents: make(map[string]AgentRecord)}, nil
		}
		return nil, fmt.Errorf("loading agent state: %w", err)
	}
	var state agentStateFile
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("loading agent state: parsing YAML: %w", err)
	}
	if state.Agents == nil {
		state.Agents = make(map[string]AgentRecord)
	}
	return &state, nil
}

func saveAgentState(path string, state *agentStateFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling YAML: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return os.Rename(tmp, path)
}
