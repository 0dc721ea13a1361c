package core

import (
	"fmt"

	"github.com/valter-silva-au/workloop/pkg/models"
)

// ActionKind identifies what the work loop should do with a task.
type ActionKind string

const (
	ActionDispatch         ActionKind = "dispatch"
	ActionDispatchReviewer ActionKind = "dispatch_reviewer"
	ActionBlock            ActionKind = "block"
	ActionSkip             ActionKind = "skip"
	ActionNoop             ActionKind = "noop"
)

// Reason codes attached to block and skip actions.
const (
	ReasonAwaitingTriage               = "awaiting_triage"
	ReasonAgentActive                  = "agent_active"
	ReasonAgentTerminatedWithoutSignal = "agent_terminated_without_signal"
	ReasonInReviewWithoutPR            = "in_review_without_pr"
	ReasonDependenciesNotMet           = "dependencies_not_met"
	ReasonNoCapacity                   = "no_capacity"
)

// Action is the single outcome of Decide. Role is set only for dispatch,
// Reason only for block and skip. Rule is the 1-based index of the rule that
// matched, kept for explanations and audit details.
type Action struct {
	Kind   ActionKind `json:"kind"`
	Role   string     `json:"role,omitempty"`
	Reason string     `json:"reason,omitempty"`
	Rule   int        `json:"rule"`
}

// String renders the action as kind, kind{role} or kind(reason).
func (a Action) String() string {
	switch {
	case a.Kind == ActionDispatch:
		return fmt.Sprintf("%s{role: %q}", a.Kind, a.Role)
	case a.Reason != "":
		return fmt.Sprintf("%s(%s)", a.Kind, a.Reason)
	default:
		return string(a.Kind)
	}
}

// DecisionInput is a task snapshot plus the environment facts the engine
// needs. It carries no references to live collaborators.
type DecisionInput struct {
	Status                    models.TaskStatus
	Role                      *string
	AgentStatus               models.AgentStatus
	HasOpenPR                 bool
	DependenciesMet           bool
	CapacityAvailable         bool
	ReviewerCapacityAvailable bool
}

// Decide maps a task snapshot to exactly one action. Rules are evaluated in
// priority order and the first match wins, so rule order alone settles every
// tie. Decide performs no I/O and always returns.
func Decide(in DecisionInput) Action {
	switch {
	case in.Status == models.StatusDone:
		return Action{Kind: ActionNoop, Rule: 1}
	case in.Status == models.StatusBlocked:
		return Action{Kind: ActionSkip, Reason: ReasonAwaitingTriage, Rule: 2}
	case in.AgentStatus == models.AgentRunning:
		return Action{Kind: ActionSkip, Reason: ReasonAgentActive, Rule: 3}
	case in.Status == models.StatusInProgress &&
		(in.AgentStatus == models.AgentFinished || in.AgentStatus == models.AgentStale):
		return Action{Kind: ActionBlock, Reason: ReasonAgentTerminatedWithoutSignal, Rule: 4}
	case in.Status == models.StatusInReview && in.HasOpenPR && in.ReviewerCapacityAvailable:
		return Action{Kind: ActionDispatchReviewer, Role: models.RoleReviewer, Rule: 5}
	case in.Status == models.StatusInReview && !in.HasOpenPR:
		// Rule 3 already consumed the running-agent case.
		return Action{Kind: ActionBlock, Reason: ReasonInReviewWithoutPR, Rule: 6}
	case in.Status == models.StatusReady && in.DependenciesMet && in.CapacityAvailable:
		return Action{Kind: ActionDispatch, Role: EffectiveRole(in.Role), Rule: 7}
	case in.Status == models.StatusReady && !in.DependenciesMet:
		return Action{Kind: ActionSkip, Reason: ReasonDependenciesNotMet, Rule: 8}
	case in.Status == models.StatusReady:
		return Action{Kind: ActionSkip, Reason: ReasonNoCapacity, Rule: 9}
	}
	return Action{Kind: ActionNoop, Rule: 10}
}

// EffectiveRole returns the role a task dispatches as. Only an absent role
// falls back to dev; an empty string is returned unchanged.
func EffectiveRole(role *string) string {
	if role == nil {
		return models.RoleDev
	}
	return *role
}

// DependenciesMet reports whether every dependency of task resolves to a
// done task. Unknown dependency IDs count as unmet.
func DependenciesMet(task models.Task, lookup func(id string) (models.Task, bool)) bool {
	for _, dep := range task.DependsOn {
		t, ok := lookup(dep)
		if !ok || t.Status != models.StatusDone {
			return false
		}
	}
	return true
}

// InputFor builds a DecisionInput from a task and the given facts.
func InputFor(task models.Task, agent models.AgentStatus, hasOpenPR, depsMet, capacity, reviewerCapacity bool) DecisionInput {
	return DecisionInput{
		Status:                    task.Status,
		Role:                      task.Role,
		AgentStatus:               agent,
		HasOpenPR:                 hasOpenPR,
		DependenciesMet:           depsMet,
		CapacityAvailable:         capacity,
		ReviewerCapacityAvailable: reviewerCapacity,
	}
}
