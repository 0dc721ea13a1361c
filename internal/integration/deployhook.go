package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/valter-silva-au/workloop/pkg/models"
)

// PRFileLister returns the paths a pull request changed.
type PRFileLister interface {
	PRFiles(ctx context.Context, project models.ProjectConfig, number int) ([]string, error)
}

// DeployHooks runs the project's deploy hooks whose path patterns match a
// merged pull request's files.
type DeployHooks struct {
	files   PRFileLister
	exec    CLIExecutor
	timeout time.Duration
	logger  *slog.Logger
}

// NewDeployHooks creates the post-merge deploy hook runner.
func NewDeployHooks(files PRFileLister, exec CLIExecutor, timeout time.Duration, logger *slog.Logger) *DeployHooks {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DeployHooks{files: files, exec: exec, timeout: timeout, logger: logger}
}

// AfterMerge runs every matching hook and returns the names of those that
// ran successfully. Hook failures are joined into the returned error; later
// hooks still run.
func (d *DeployHooks) AfterMerge(ctx context.Context, project models.ProjectConfig, prNumber int) ([]string, error) {
	if len(project.DeployHooks) == 0 {
		return nil, nil
	}
	files, err := d.files.PRFiles(ctx, project, prNumber)
	if err != nil {
		return nil, fmt.Errorf("listing files of #%d: %w", prNumber, err)
	}

	var ran []string
	var errs []error
	for _, hook := range project.DeployHooks {
		matched, err := HookMatches(hook, files)
		if err != nil {
			errs = append(errs, fmt.Errorf("hook %s: %w", hook.Name, err))
			continue
		}
		if !matched {
			continue
		}
		if err := d.run(ctx, project, hook, prNumber); err != nil {
			errs = append(errs, fmt.Errorf("hook %s: %w", hook.Name, err))
			continue
		}
		ran = append(ran, hook.Name)
	}
	return ran, errors.Join(errs...)
}

func (d *DeployHooks) run(ctx context.Context, project models.ProjectConfig, hook models.DeployHookConfig, prNumber int) error {
	if len(hook.Command) == 0 {
		return errors.New("command is empty")
	}
	d.logger.Info("running deploy hook", "project", project.ID, "hook", hook.Name, "pr", prNumber)
	res, err := d.exec.Exec(ctx, CLIExecConfig{
		Command: hook.Command[0],
		Args:    hook.Command[1:],
		Dir:     project.RepoPath,
		TaskCtx: &TaskEnvContext{ProjectID: project.ID},
		Env:     []string{"WORKLOOP_PR=" + strconv.Itoa(prNumber), "WORKLOOP_HOOK=" + hook.Name},
		Timeout: d.timeout,
	})
	if err != nil {
		return err
	}
	if res.Failed() {
		return errors.New(res.Error())
	}
	return nil
}

// HookMatches reports whether any file matches one of the hook's RE2 path
// patterns.
func HookMatches(hook models.DeployHookConfig, files []string) (bool, error) {
	for _, pattern := range hook.PathPatterns {
		re, err := regexp2.Compile(pattern, regexp2.RE2)
		if err != nil {
			return false, fmt.Errorf("invalid path pattern %q: %w", pattern, err)
		}
		re.MatchTimeout = time.Second
		for _, f := range files {
			ok, err := re.MatchString(f)
			if err != nil {
				return false, fmt.Errorf("matching %q: %w", pattern, err)
			}
			if ok {
				return true, nil
			}
		}
	}
	return false, nil
}
