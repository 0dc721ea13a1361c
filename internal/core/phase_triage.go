package core

import (
	"context"

	"github.com/valter-silva-au/workloop/pkg/models"
)

// TriagePhase promotes backlog tasks whose dependencies are done and counts
// blocked tasks waiting on a human.
type TriagePhase struct {
	executor
}

// NewTriagePhase creates the triage phase.
func NewTriagePhase(deps *Deps) *TriagePhase {
	return &TriagePhase{executor{deps: deps}}
}

func (p *TriagePhase) Name() string { return PhaseTriage }

func (p *TriagePhase) Run(ctx context.Context, cc *CycleContext) PhaseResult {
	res := PhaseResult{Phase: PhaseTriage}
	tasks, err := p.deps.Store.ListTasks(ctx, cc.Project.ID)
	if err != nil {
		res.addError("", err)
		return res
	}
	lookup := indexTasks(tasks)

	var backlog []models.Task
	var blocked []string
	for _, t := range tasks {
		switch t.Status {
		case models.StatusBacklog:
			backlog = append(backlog, t)
		case models.StatusBlocked:
			a := Decide(InputFor(t, cc.Tracker.StatusOf(t.ID), false, false, false, false))
			if a.Kind == ActionSkip && a.Reason == ReasonAwaitingTriage {
				blocked = append(blocked, t.ID)
			}
		}
	}

	p.forEach(ctx, PhaseTriage, backlog, &res, func(t models.Task) (bool, error) {
		if !DependenciesMet(t, lookup) {
			return false, nil
		}
		if err := p.transition(ctx, cc, t, models.StatusReady, "dependencies_met", nil); err != nil {
			return false, err
		}
		res.Advanced++
		p.audit(ctx, cc, PhaseTriage, "promoted_to_ready", t.ID, map[string]any{"depends_on": t.DependsOn})
		return false, nil
	})

	if len(blocked) > 0 {
		res.Skipped += len(blocked)
		p.audit(ctx, cc, PhaseTriage, "blocked_awaiting_triage", "", map[string]any{
			"count":    len(blocked),
			"task_ids": blocked,
		})
	}
	return res
}
