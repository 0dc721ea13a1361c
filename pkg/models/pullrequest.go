package models

// PRState is the hosting-side state of a pull request.
type PRState string

const (
	PRStateOpen   PRState = "open"
	PRStateClosed PRState = "closed"
	PRStateMerged PRState = "merged"
)

// Mergeability is the hosting service's verdict on whether a pull request
// can be merged into its base branch.
type Mergeability string

const (
	Mergeable   Mergeability = "MERGEABLE"
	Conflicting Mergeability = "CONFLICTING"
	Dirty       Mergeability = "DIRTY"
	Unknown     Mergeability = "UNKNOWN"
)

// PullRequest is a volatile snapshot of pull-request facts. It is refreshed
// every cycle and never cached across cycles.
type PullRequest struct {
	Number     int          `json:"number"`
	Title      string       `json:"title"`
	HeadBranch string       `json:"head_branch"`
	State      PRState      `json:"state"`
	Mergeable  Mergeability `json:"mergeable,omitempty"`
	URL        string       `json:"url,omitempty"`
}
