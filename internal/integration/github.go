package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/valter-silva-au/workloop/pkg/models"
	"golang.org/x/time/rate"
)

const prJSONFields = "number,title,headRefName,state,mergeable,mergeStateStatus,url"

// ghPullRequest is the subset of `gh pr --json` output the loop reads.
type ghPullRequest struct {
	Number           int    `json:"number"`
	Title            string `json:"title"`
	HeadRefName      string `json:"headRefName"`
	State            string `json:"state"`
	Mergeable        string `json:"mergeable"`
	MergeStateStatus string `json:"mergeStateStatus"`
	URL              string `json:"url"`
	Files            []struct {
		Path string `json:"path"`
	} `json:"files,omitempty"`
}

func (p ghPullRequest) toModel() models.PullRequest {
	pr := models.PullRequest{
		Number:     p.Number,
		Title:      p.Title,
		HeadBranch: p.HeadRefName,
		URL:        p.URL,
	}
	switch strings.ToUpper(p.State) {
	case "OPEN":
		pr.State = models.PRStateOpen
	case "MERGED":
		pr.State = models.PRStateMerged
	default:
		pr.State = models.PRStateClosed
	}
	switch {
	case strings.EqualFold(p.Mergeable, string(models.Conflicting)):
		pr.Mergeable = models.Conflicting
	case strings.EqualFold(p.MergeStateStatus, string(models.Dirty)):
		pr.Mergeable = models.Dirty
	case strings.EqualFold(p.Mergeable, string(models.Mergeable)):
		pr.Mergeable = models.Mergeable
	default:
		pr.Mergeable = models.Unknown
	}
	return pr
}

// GitHubCLI queries pull requests through the gh CLI. Calls are throttled
// by a shared rate limiter and bounded by a per-call timeout.
type GitHubCLI struct {
	exec    CLIExecutor
	limiter *rate.Limiter
	timeout time.Duration
	logger  *slog.Logger
	bin     string
}

// NewGitHubCLI creates a gh-backed pull request tool. ratePerSecond <= 0
// disables throttling.
func NewGitHubCLI(exec CLIExecutor, ratePerSecond float64, timeout time.Duration, logger *slog.Logger) *GitHubCLI {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	return &GitHubCLI{
		exec:    exec,
		limiter: rate.NewLimiter(limit, 1),
		timeout: timeout,
		logger:  logger,
		bin:     "gh",
	}
}

// ListOpenPRs returns the open pull requests of the project's repository.
func (g *GitHubCLI) ListOpenPRs(ctx context.Context, project models.ProjectConfig) ([]models.PullRequest, error) {
	out, err := g.run(ctx, project, "pr", "list", "--state", "open", "--limit", "200", "--json", prJSONFields)
	if err != nil {
		return nil, fmt.Errorf("listing open pull requests for %s: %w", project.ID, err)
	}
	var raw []ghPullRequest
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("listing open pull requests for %s: parsing gh output: %w", project.ID, err)
	}
	prs := make([]models.PullRequest, 0, len(raw))
	for _, p := range raw {
		prs = append(prs, p.toModel())
	}
	return prs, nil
}

// GetPR returns pull request number in any state.
func (g *GitHubCLI) GetPR(ctx context.Context, project models.ProjectConfig, number int) (*models.PullRequest, error) {
	raw, err := g.view(ctx, project, number, prJSONFields)
	if err != nil {
		return nil, err
	}
	pr := raw.toModel()
	return &pr, nil
}

// PRFiles returns the paths changed by pull request number.
func (g *GitHubCLI) PRFiles(ctx context.Context, project models.ProjectConfig, number int) ([]string, error) {
	raw, err := g.view(ctx, project, number, "files")
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(raw.Files))
	for _, f := range raw.Files {
		paths = append(paths, f.Path)
	}
	return paths, nil
}

func (g *GitHubCLI) view(ctx context.Context, project models.ProjectConfig, number int, fields string) (*ghPullRequest, error) {
	out, err := g.run(ctx, project, "pr", "view", strconv.Itoa(number), "--json", fields)
	if err != nil {
		return nil, fmt.Errorf("fetching pull request #%d for %s: %w", number, project.ID, err)
	}
	var raw ghPullRequest
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("fetching pull request #%d for %s: parsing gh output: %w", number, project.ID, err)
	}
	return &raw, nil
}

func (g *GitHubCLI) run(ctx context.Context, project models.ProjectConfig, args ...string) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for rate limiter: %w", err)
	}
	if project.GitHubRepo != "" {
		args = append(args, "--repo", project.GitHubRepo)
	}
	started := time.Now()
	res, err := g.exec.Exec(ctx, CLIExecConfig{
		Command: g.bin,
		Args:    args,
		Dir:     project.RepoPath,
		Timeout: g.timeout,
	})
	g.logger.Debug("gh call", "project", project.ID, "args", strings.Join(args, " "), "duration", time.Since(started))
	if err != nil {
		return "", err
	}
	if res.Failed() {
		return "", fmt.Errorf("gh %s: %s", args[0]+" "+args[1], res.Error())
	}
	return res.Stdout, nil
}
