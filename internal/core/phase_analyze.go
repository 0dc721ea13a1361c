package core

import (
	"context"
	"fmt"

	"github.com/valter-silva-au/workloop/pkg/models"
)

// AnalyzePhase escalates in-review tasks that have had neither an open pull
// request nor an agent for longer than the grace period, then records a
// summary of the project's state.
type AnalyzePhase struct {
	executor
}

// NewAnalyzePhase creates the analyze phase.
func NewAnalyzePhase(deps *Deps) *AnalyzePhase {
	return &AnalyzePhase{executor{deps: deps}}
}

func (p *AnalyzePhase) Name() string { return PhaseAnalyze }

func (p *AnalyzePhase) Run(ctx context.Context, cc *CycleContext) PhaseResult {
	res := PhaseResult{Phase: PhaseAnalyze}
	tasks, err := p.deps.Store.ListTasks(ctx, cc.Project.ID)
	if err != nil {
		res.addError("", err)
		return res
	}

	var inReview []models.Task
	for _, t := range tasks {
		if t.Status == models.StatusInReview {
			inReview = append(inReview, t)
		}
	}

	grace := p.deps.Config.WorkLoop.ReviewWithoutPRGrace
	now := p.deps.now()
	p.forEach(ctx, PhaseAnalyze, inReview, &res, func(t models.Task) (bool, error) {
		open, seen := cc.observedPR(t.ID)
		if !seen {
			return false, nil
		}
		a := Decide(InputFor(t, cc.Tracker.StatusOf(t.ID), open, true, false, false))
		if a.Kind != ActionBlock || a.Reason != ReasonInReviewWithoutPR {
			return false, nil
		}
		if age := now.Sub(t.Updated); age < grace {
			res.Skipped++
			return false, nil
		}
		msg := fmt.Sprintf("The task is `in_review` but no open pull request matches branch `%s` and no agent is working on it. "+
			"The change may have been committed directly or the pull request closed without merging.",
			TaskBranch(p.deps.Config.BranchPattern, t))
		if t.PRNumber != nil {
			msg += fmt.Sprintf(" The last recorded pull request was #%d.", *t.PRNumber)
		}
		if err := p.escalate(ctx, cc, PhaseAnalyze, t, a.Reason, msg); err != nil {
			return false, err
		}
		cc.Tracker.Release(t.ID)
		res.Blocked++
		return false, nil
	})

	counts := make(map[string]int, len(models.AllStatuses))
	for _, t := range tasks {
		counts[string(t.Status)]++
	}
	// Reflect the escalations made above.
	counts[string(models.StatusInReview)] -= res.Blocked
	counts[string(models.StatusBlocked)] += res.Blocked

	roles := make(map[string]int)
	for _, h := range cc.Tracker.Snapshot() {
		if h.Status == models.AgentRunning {
			roles[h.Role]++
		}
	}
	p.audit(ctx, cc, PhaseAnalyze, "cycle_summary", "", map[string]any{
		"tasks":          counts,
		"active_agents":  cc.Tracker.ActiveCount(),
		"agents_by_role": roles,
	})
	return res
}
