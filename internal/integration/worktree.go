package integration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/valter-silva-au/workloop/pkg/models"
)

// Worktree represents an active git worktree associated with a task.
type Worktree struct {
	Path   string
	Branch string
	TaskID string
}

// GitWorktreeManager creates and removes the per-task git worktrees agents
// work in.
type GitWorktreeManager interface {
	// EnsureWorktree returns the worktree for taskID checked out on branch,
	// creating it (and the branch, from the project's base) if needed.
	EnsureWorktree(ctx context.Context, project models.ProjectConfig, taskID, branch string) (string, error)
	RemoveWorktree(ctx context.Context, project models.ProjectConfig, taskID string) error
	ListWorktrees(ctx context.Context, project models.ProjectConfig) ([]*Worktree, error)
}

type gitWorktreeManager struct {
	basePath string
	exec     CLIExecutor
}

// NewGitWorktreeManager creates a GitWorktreeManager that stores worktrees
// under basePath/work/{project}/{taskID}.
func NewGitWorktreeManager(basePath string, exec CLIExecutor) GitWorktreeManager {
	return &gitWorktreeManager{basePath: basePath, exec: exec}
}

func (m *gitWorktreeManager) worktreePath(projectID, taskID string) string {
	return filepath.Join(m.basePath, "work", projectID, taskID)
}

func (m *gitWorktreeManager) git(ctx context.Context, dir string, args ...string) (string, error) {
	res, err := m.exec.Exec(ctx, CLIExecConfig{Command: "git", Args: args, Dir: dir})
	if err != nil {
		return "", err
	}
	if res.Failed() {
		return res.Stdout, fmt.Errorf("git %s failed: %s", args[0], res.Error())
	}
	return res.Stdout, nil
}

func (m *gitWorktreeManager) EnsureWorktree(ctx context.Context, project models.ProjectConfig, taskID, branch string) (string, error) {
	if project.RepoPath == "" {
		return "", errors.New("project repo_path must not be empty")
	}
	if taskID == "" {
		return "", errors.New("task ID must not be empty")
	}
	if branch == "" {
		return "", errors.New("branch must not be empty")
	}

	wtPath := m.worktreePath(project.ID, taskID)
	if _, err := os.Stat(filepath.Join(wtPath, ".git")); err == nil {
		return wtPath, nil
	}
	if err := os.MkdirAll(filepath.Dir(wtPath), 0o750); err != nil {
		return "", fmt.Errorf("creating worktree parent: %w", err)
	}
	// A directory left by an interrupted add would make git refuse.
	_, _ = m.git(ctx, project.RepoPath, "worktree", "prune")

	var args []string
	switch {
	case m.refExists(ctx, project.RepoPath, "refs/heads/"+branch):
		args = []string{"worktree", "add", wtPath, branch}
	case m.fetchBranch(ctx, project.RepoPath, branch):
		args = []string{"worktree", "add", "-b", branch, wtPath, "origin/" + branch}
	default:
		args = []string{"worktree", "add", "-b", branch, wtPath}
		if base := m.baseRef(ctx, project); base != "" {
			args = append(args, base)
		}
	}
	if _, err := m.git(ctx, project.RepoPath, args...); err != nil {
		return "", fmt.Errorf("creating worktree for %s: %w", taskID, err)
	}
	return wtPath, nil
}

func (m *gitWorktreeManager) refExists(ctx context.Context, repo, ref string) bool {
	_, err := m.git(ctx, repo, "rev-parse", "--verify", "--quiet", ref)
	return err == nil
}

// fetchBranch fetches branch from origin and reports whether it exists there.
// Offline or remote-less repositories simply report false.
func (m *gitWorktreeManager) fetchBranch(ctx context.Context, repo, branch string) bool {
	if _, err := m.git(ctx, repo, "fetch", "origin", branch); err != nil {
		return false
	}
	return m.refExists(ctx, repo, "refs/remotes/origin/"+branch)
}

// baseRef returns the ref new branches start from: origin's copy of the base
// branch when present, else the local one.
func (m *gitWorktreeManager) baseRef(ctx context.Context, project models.ProjectConfig) string {
	base := project.BaseBranch
	if base == "" {
		base = "main"
	}
	if m.refExists(ctx, project.RepoPath, "refs/remotes/origin/"+base) {
		return "origin/" + base
	}
	if m.refExists(ctx, project.RepoPath, "refs/heads/"+base) {
		return base
	}
	return ""
}

// RemoveWorktree removes the task's worktree. The branch is kept: it backs
// the task's pull request.
func (m *gitWorktreeManager) RemoveWorktree(ctx context.Context, project models.ProjectConfig, taskID string) error {
	wtPath := m.worktreePath(project.ID, taskID)
	if _, err := os.Stat(wtPath); os.IsNotExist(err) {
		_, _ = m.git(ctx, project.RepoPath, "worktree", "prune")
		return nil
	}
	if _, err := m.git(ctx, project.RepoPath, "worktree", "remove", "--force", wtPath); err != nil {
		return fmt.Errorf("removing worktree for %s: %w", taskID, err)
	}
	return nil
}

// ListWorktrees lists the task worktrees of the project's repository.
func (m *gitWorktreeManager) ListWorktrees(ctx context.Context, project models.ProjectConfig) ([]*Worktree, error) {
	out, err := m.git(ctx, project.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("listing worktrees: %w", err)
	}
	var tasks []*Worktree
	for _, wt := range parseWorktreeListOutput(out) {
		if wt.TaskID != "" {
			tasks = append(tasks, wt)
		}
	}
	return tasks, nil
}

// parseWorktreeListOutput parses the porcelain output of `git worktree list`.
// Each worktree block is separated by a blank line and contains lines like:
//
//	worktree /path/to/worktree
//	HEAD <sha>
//	branch refs/heads/branch-name
func parseWorktreeListOutput(output string) []*Worktree {
	var worktrees []*Worktree

	for _, block := range strings.Split(strings.TrimSpace(output), "\n\n") {
		if block == "" {
			continue
		}
		wt := &Worktree{}
		for _, line := range strings.Split(block, "\n") {
			line = strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(line, "worktree "):
				wt.Path = strings.TrimPrefix(line, "worktree ")
			case strings.HasPrefix(line, "branch refs/heads/"):
				wt.Branch = strings.TrimPrefix(line, "branch refs/heads/")
			}
		}
		// Task worktrees live at .../work/{project}/{taskID}.
		if wt.Path != "" && filepath.Base(filepath.Dir(filepath.Dir(wt.Path))) == "work" {
			wt.TaskID = filepath.Base(wt.Path)
		}
		worktrees = append(worktrees, wt)
	}
	return worktrees
}
