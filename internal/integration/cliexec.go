package integration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// CLIExecConfig holds all parameters needed to execute an external CLI tool.
type CLIExecConfig struct {
	Command string
	Args    []string
	Dir     string
	TaskCtx *TaskEnvContext // nil outside a task
	Env     []string        // extra KEY=VALUE pairs
	Timeout time.Duration   // zero means no limit beyond ctx
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

// TaskEnvContext carries task-specific information to inject as environment variables.
type TaskEnvContext struct {
	ProjectID    string
	TaskID       string
	Branch       string
	WorktreePath string
}

// CLIExecResult captures the outcome of an external CLI invocation.
type CLIExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Failed reports whether the command exited non-zero.
func (r *CLIExecResult) Failed() bool { return r.ExitCode != 0 }

// Error formats a failed result for wrapping into an error message.
func (r *CLIExecResult) Error() string {
	msg := strings.TrimSpace(r.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(r.Stdout)
	}
	return fmt.Sprintf("exit status %d: %s", r.ExitCode, msg)
}

// CLIExecutor invokes external CLI tools with task context injection.
type CLIExecutor interface {
	// Exec runs the command. A non-zero exit is reported in the result, not
	// as an error; err is set only when the command could not run at all.
	Exec(ctx context.Context, config CLIExecConfig) (*CLIExecResult, error)
	// BuildEnv constructs the subprocess environment with task context variables injected.
	BuildEnv(base []string, taskCtx *TaskEnvContext) []string
}

type cliExecutor struct{}

// NewCLIExecutor creates a new CLIExecutor.
func NewCLIExecutor() CLIExecutor {
	return &cliExecutor{}
}

// BuildEnv appends WORKLOOP_* environment variables to the base environment
// when a task context is provided. When taskCtx is nil, the base is returned
// unchanged.
func (e *cliExecutor) BuildEnv(base []string, taskCtx *TaskEnvContext) []string {
	if taskCtx == nil {
		return base
	}
	env := make([]string, len(base), len(base)+4)
	copy(env, base)
	env = append(env,
		"WORKLOOP_PROJECT="+taskCtx.ProjectID,
		"WORKLOOP_TASK_ID="+taskCtx.TaskID,
		"WORKLOOP_BRANCH="+taskCtx.Branch,
		"WORKLOOP_WORKTREE="+taskCtx.WorktreePath,
	)
	return env
}

// containsPipe returns true if any argument is the pipe character "|".
func containsPipe(args []string) bool {
	for _, a := range args {
		if a == "|" {
			return true
		}
	}
	return false
}

// Exec builds the environment and runs the external CLI. If the arguments
// contain a pipe character, the full command is delegated to the system
// shell (sh -c on Linux/Mac, cmd /c on Windows).
func (e *cliExecutor) Exec(ctx context.Context, config CLIExecConfig) (*CLIExecResult, error) {
	if config.Command == "" {
		return nil, errors.New("executing: command must not be empty")
	}
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	var cmd *exec.Cmd
	if containsPipe(config.Args) {
		cmdLine := strings.Join(append([]string{config.Command}, config.Args...), " ")
		if runtime.GOOS == "windows" {
			cmd = exec.CommandContext(ctx, "cmd", "/c", cmdLine)
		} else {
			cmd = exec.CommandContext(ctx, "sh", "-c", cmdLine)
		}
	} else {
		cmd = exec.CommandContext(ctx, config.Command, config.Args...)
	}
	cmd.Dir = config.Dir
	cmd.Env = append(e.BuildEnv(os.Environ(), config.TaskCtx), config.Env...)

	// Output is always captured for the result and teed to the provided
	// writers if set.
	var stdoutBuf, stderrBuf bytes.Buffer
	if config.Stdout != nil {
		cmd.Stdout = io.MultiWriter(&stdoutBuf, config.Stdout)
	} else {
		cmd.Stdout = &stdoutBuf
	}
	if config.Stderr != nil {
		cmd.Stderr = io.MultiWriter(&stderrBuf, config.Stderr)
	} else {
		cmd.Stderr = &stderrBuf
	}
	if config.Stdin != nil {
		cmd.Stdin = config.Stdin
	}

	err := cmd.Run()
	result := &CLIExecResult{
		Stdout: stdoutBuf.String(),
		Stderr: stderrBuf.String(),
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, fmt.Errorf("executing %s: %w", config.Command, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("executing %s: %w", config.Command, err)
	}
	return result, nil
}
