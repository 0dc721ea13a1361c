package core

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/valter-silva-au/workloop/pkg/models"
)

// Reconciler compares task state against pull-request reality. Every method
// is best-effort: failures are logged and reported through the ok result so
// callers can tell "no such pull request" from "could not ask".
type Reconciler interface {
	// FindOpenPR returns the open pull request for task, or nil when there is
	// none. ok is false when the lookup itself failed.
	FindOpenPR(ctx context.Context, project models.ProjectConfig, task models.Task) (pr *models.PullRequest, ok bool)
	// IsMerged reports whether pull request number is confirmed merged. ok is
	// false when the pull request could not be fetched.
	IsMerged(ctx context.Context, project models.ProjectConfig, number int) (merged, ok bool)
	// MergeableStatus returns the mergeability of pull request number. The
	// boolean is false when the status could not be determined at all.
	MergeableStatus(ctx context.Context, project models.ProjectConfig, number int) (models.Mergeability, bool)
}

// prReconciler implements Reconciler over a PRQueryTool.
type prReconciler struct {
	tool          PRQueryTool
	timeout       time.Duration
	branchPattern string
	logger        *slog.Logger
}

// NewReconciler creates a Reconciler that wraps each tool call in timeout.
// branchPattern is used to derive branch names for tasks that have none.
func NewReconciler(tool PRQueryTool, timeout time.Duration, branchPattern string, logger *slog.Logger) Reconciler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &prReconciler{
		tool:          tool,
		timeout:       timeout,
		branchPattern: branchPattern,
		logger:        logger,
	}
}

func (r *prReconciler) FindOpenPR(ctx context.Context, project models.ProjectConfig, task models.Task) (*models.PullRequest, bool) {
	if task.PRNumber != nil {
		pr := r.getPR(ctx, project, *task.PRNumber)
		if pr == nil {
			return nil, false
		}
		if pr.State != models.PRStateOpen {
			return nil, true
		}
		return pr, true
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	open, err := r.tool.ListOpenPRs(callCtx, project)
	if err != nil {
		r.logger.Warn("listing open pull requests failed",
			"reason", "pr_list_failed",
			"project", project.ID,
			"task_id", task.ID,
			"error", err,
		)
		return nil, false
	}
	return MatchBranch(open, TaskBranch(r.branchPattern, task)), true
}

func (r *prReconciler) IsMerged(ctx context.Context, project models.ProjectConfig, number int) (bool, bool) {
	pr := r.getPR(ctx, project, number)
	if pr == nil {
		return false, false
	}
	return pr.State == models.PRStateMerged, true
}

func (r *prReconciler) MergeableStatus(ctx context.Context, project models.ProjectConfig, number int) (models.Mergeability, bool) {
	pr := r.getPR(ctx, project, number)
	if pr == nil {
		return "", false
	}
	switch pr.Mergeable {
	case models.Mergeable, models.Conflicting, models.Dirty:
		return pr.Mergeable, true
	}
	return models.Unknown, true
}

func (r *prReconciler) getPR(ctx context.Context, project models.ProjectConfig, number int) *models.PullRequest {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	pr, err := r.tool.GetPR(callCtx, project, number)
	if err != nil {
		r.logger.Warn("fetching pull request failed",
			"reason", "pr_lookup_failed",
			"project", project.ID,
			"pr", number,
			"error", err,
		)
		return nil
	}
	return pr
}

// branchSuffixSeparators are the characters an agent may use between the
// base branch name and a descriptive suffix.
var branchSuffixSeparators = []string{"-", "/", "_"}

// MatchBranch picks the pull request whose head branch equals branch, or
// failing that the newest one whose head branch extends branch with a
// separator and suffix. It returns nil when nothing matches.
func MatchBranch(prs []models.PullRequest, branch string) *models.PullRequest {
	if branch == "" {
		return nil
	}
	var prefixed []models.PullRequest
	for i := range prs {
		head := prs[i].HeadBranch
		if head == branch {
			pr := prs[i]
			return &pr
		}
		for _, sep := range branchSuffixSeparators {
			if strings.HasPrefix(head, branch+sep) {
				prefixed = append(prefixed, prs[i])
				break
			}
		}
	}
	if len(prefixed) == 0 {
		return nil
	}
	sort.Slice(prefixed, func(i, j int) bool { return prefixed[i].Number > prefixed[j].Number })
	pr := prefixed[0]
	return &pr
}
