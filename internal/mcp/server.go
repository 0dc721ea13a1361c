// Package mcp exposes the work loop's task board as MCP tools, so agents
// can report progress and humans can ask why a task is or isn't moving.
package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/valter-silva-au/workloop/internal/core"
	"github.com/valter-silva-au/workloop/internal/observability"
	"github.com/valter-silva-au/workloop/pkg/models"
)

// TaskBoard is the task store surface the tools use.
type TaskBoard interface {
	ListTasks(ctx context.Context, projectID string, statuses ...models.TaskStatus) ([]models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTask(ctx context.Context, id string, mutate func(*models.Task) error) (*models.Task, error)
	AddComment(ctx context.Context, id string, c models.Comment) error
	AppendEvent(ctx context.Context, id string, e models.TaskEvent) error
}

// AuditReader queries the audit log.
type AuditReader interface {
	Query(ctx context.Context, filter models.AuditFilter) ([]models.AuditEntry, error)
}

// ExplainFunc returns the dry-run decision for a task.
type ExplainFunc func(ctx context.Context, taskID string) (*core.Explanation, error)

// Options holds the optional collaborators. Nil fields disable the tools
// that need them.
type Options struct {
	Audit   AuditReader
	Explain ExplainFunc
	Metrics observability.MetricsCalculator
	Alerts  observability.AlertEngine
	Now     func() time.Time
}

// Server wraps the work loop services and exposes them as MCP tools.
type Server struct {
	server *gomcp.Server
	board  TaskBoard
	opts   Options
}

// NewServer creates an MCP server over board.
func NewServer(board TaskBoard, opts Options, version string) *Server {
	if version == "" {
		version = "dev"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Server{board: board, opts: opts}
	s.server = gomcp.NewServer(
		&gomcp.Implementation{Name: "workloop", Version: version},
		nil,
	)
	s.registerTools()
	return s
}

// Run serves over stdio until the client disconnects or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

// MCPServer returns the underlying mcp.Server for testing purposes.
func (s *Server) MCPServer() *gomcp.Server {
	return s.server
}

// --- Tool input/output types ---

type getTaskInput struct {
	TaskID string `json:"task_id" jsonschema:"the task identifier"`
}

type commentOutput struct {
	Author    string `json:"author"`
	Body      string `json:"body"`
	Automated bool   `json:"automated,omitempty"`
	Created   string `json:"created"`
}

type taskOutput struct {
	ID               string          `json:"id"`
	Project          string          `json:"project"`
	Title            string          `json:"title"`
	Description      string          `json:"description,omitempty"`
	Status           string          `json:"status"`
	Role             *string         `json:"role,omitempty"`
	PRNumber         *int            `json:"pr_number,omitempty"`
	Branch           string          `json:"branch,omitempty"`
	WorktreePath     string          `json:"worktree_path,omitempty"`
	ConflictAttempts int             `json:"conflict_attempts,omitempty"`
	DependsOn        []string        `json:"depends_on,omitempty"`
	AgentSession     string          `json:"agent_session,omitempty"`
	AgentRole        string          `json:"agent_role,omitempty"`
	Comments         []commentOutput `json:"comments,omitempty"`
	Created          string          `json:"created"`
	Updated          string          `json:"updated"`
}

type listTasksInput struct {
	Project string `json:"project,omitempty" jsonschema:"only list tasks of this project"`
	Status  string `json:"status,omitempty" jsonschema:"filter by status (backlog, ready, in_progress, in_review, blocked, done)"`
}

type listTasksOutput struct {
	Tasks []taskOutput `json:"tasks"`
	Count int          `json:"count"`
}

type updateTaskStatusInput struct {
	TaskID   string `json:"task_id" jsonschema:"the task identifier"`
	Status   string `json:"status" jsonschema:"the new status (backlog, ready, in_progress, in_review, blocked, done)"`
	PRNumber int    `json:"pr_number,omitempty" jsonschema:"pull request number, recorded when moving to in_review"`
	Reason   string `json:"reason,omitempty" jsonschema:"why the task is blocked; required for blocked"`
	Author   string `json:"author,omitempty" jsonschema:"who reports the change; defaults to agent"`
}

type messageOutput struct {
	Message string `json:"message"`
}

type addCommentInput struct {
	TaskID string `json:"task_id" jsonschema:"the task identifier"`
	Body   string `json:"body" jsonschema:"comment text, shown to future agents working on the task"`
	Author string `json:"author,omitempty" jsonschema:"comment author; defaults to agent"`
}

type explainOutput struct {
	TaskID       string `json:"task_id"`
	Status       string `json:"status"`
	Action       string `json:"action"`
	Rule         int    `json:"rule"`
	AgentStatus  string `json:"agent_status"`
	HasOpenPR    bool   `json:"has_open_pr"`
	PRNumber     int    `json:"pr_number,omitempty"`
	DepsMet      bool   `json:"dependencies_met"`
	Capacity     bool   `json:"capacity_available"`
	ReviewerCap  bool   `json:"reviewer_capacity_available"`
	ActiveAgents int    `json:"active_agents"`
}

type listAuditInput struct {
	Project string `json:"project,omitempty" jsonschema:"only entries of this project"`
	TaskID  string `json:"task_id,omitempty" jsonschema:"only entries about this task"`
	Phase   string `json:"phase,omitempty" jsonschema:"only entries from this phase"`
	Since   string `json:"since,omitempty" jsonschema:"time window (e.g. 24h, 7d)"`
	Limit   int    `json:"limit,omitempty" jsonschema:"maximum entries to return; defaults to 50"`
}

type auditOutput struct {
	Time    string         `json:"time"`
	Project string         `json:"project"`
	Cycle   int64          `json:"cycle"`
	Phase   string         `json:"phase"`
	Action  string         `json:"action"`
	TaskID  string         `json:"task_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

type listAuditOutput struct {
	Entries []auditOutput `json:"entries"`
	Count   int           `json:"count"`
}

type getMetricsInput struct {
	Since string `json:"since,omitempty" jsonschema:"time window for metrics (e.g. 7d, 24h); defaults to 7d"`
}

type getAlertsInput struct{}

type alertOutput struct {
	ID          string `json:"id"`
	Condition   string `json:"condition"`
	Severity    string `json:"severity"`
	Message     string `json:"message"`
	TriggeredAt string `json:"triggered_at"`
}

type getAlertsOutput struct {
	Alerts []alertOutput `json:"alerts"`
	Count  int           `json:"count"`
}

// --- Tool registration ---

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_task",
		Description: "Get a task by ID, including its status, pull request, agent session and human comments.",
	}, s.handleGetTask)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "list_tasks",
		Description: "List tasks, optionally filtered by project and status.",
	}, s.handleListTasks)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "update_task_status",
		Description: "Report a task status change. Agents move their task to in_review with the pull request number when done, or to blocked with a reason when stuck.",
	}, s.handleUpdateTaskStatus)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "add_comment",
		Description: "Add a comment to a task. Comments are included in the prompt of the next agent dispatched for it.",
	}, s.handleAddComment)

	if s.opts.Explain != nil {
		gomcp.AddTool(s.server, &gomcp.Tool{
			Name:        "explain_decision",
			Description: "Explain what the work loop would do with a task right now, and which rule decides it.",
		}, s.handleExplain)
	}
	if s.opts.Audit != nil {
		gomcp.AddTool(s.server, &gomcp.Tool{
			Name:        "list_audit",
			Description: "List recent work-loop audit entries, newest first.",
		}, s.handleListAudit)
	}
	if s.opts.Metrics != nil {
		gomcp.AddTool(s.server, &gomcp.Tool{
			Name:        "get_metrics",
			Description: "Get work-loop metrics: dispatches by role, escalations by reason, merges, conflict resolutions and cycle timings.",
		}, s.handleGetMetrics)
	}
	if s.opts.Alerts != nil {
		gomcp.AddTool(s.server, &gomcp.Tool{
			Name:        "get_alerts",
			Description: "Evaluate and return active alerts (long-blocked tasks, long reviews, escalation bursts, a stalled loop, failing deploy hooks).",
		}, s.handleGetAlerts)
	}
}

// --- Tool handlers ---

func (s *Server) handleGetTask(ctx context.Context, _ *gomcp.CallToolRequest, input getTaskInput) (*gomcp.CallToolResult, taskOutput, error) {
	if input.TaskID == "" {
		return errorResult("task_id is required"), taskOutput{}, nil
	}
	task, err := s.board.GetTask(ctx, input.TaskID)
	if err != nil {
		return errorResult(fmt.Sprintf("getting task %s: %s", input.TaskID, err)), taskOutput{}, nil
	}
	return nil, taskToOutput(*task, true), nil
}

func (s *Server) handleListTasks(ctx context.Context, _ *gomcp.CallToolRequest, input listTasksInput) (*gomcp.CallToolResult, listTasksOutput, error) {
	var statuses []models.TaskStatus
	if input.Status != "" {
		status := models.TaskStatus(input.Status)
		if !status.Valid() {
			return errorResult(invalidStatusMessage(input.Status)), listTasksOutput{}, nil
		}
		statuses = append(statuses, status)
	}

	tasks, err := s.board.ListTasks(ctx, input.Project, statuses...)
	if err != nil {
		return errorResult(fmt.Sprintf("listing tasks: %s", err)), listTasksOutput{}, nil
	}

	out := listTasksOutput{Tasks: make([]taskOutput, len(tasks)), Count: len(tasks)}
	for i, t := range tasks {
		out.Tasks[i] = taskToOutput(t, false)
	}
	return nil, out, nil
}

func (s *Server) handleUpdateTaskStatus(ctx context.Context, _ *gomcp.CallToolRequest, input updateTaskStatusInput) (*gomcp.CallToolResult, messageOutput, error) {
	if input.TaskID == "" {
		return errorResult("task_id is required"), messageOutput{}, nil
	}
	status := models.TaskStatus(input.Status)
	if !status.Valid() {
		return errorResult(invalidStatusMessage(input.Status)), messageOutput{}, nil
	}
	if status == models.StatusBlocked && strings.TrimSpace(input.Reason) == "" {
		return errorResult("reason is required when moving a task to blocked"), messageOutput{}, nil
	}
	author := authorOr(input.Author)

	var from models.TaskStatus
	_, err := s.board.UpdateTask(ctx, input.TaskID, func(t *models.Task) error {
		from = t.Status
		t.Status = status
		if status == models.StatusInReview && input.PRNumber > 0 {
			n := input.PRNumber
			t.PRNumber = &n
		}
		return nil
	})
	if err != nil {
		return errorResult(fmt.Sprintf("updating task %s: %s", input.TaskID, err)), messageOutput{}, nil
	}

	now := s.opts.Now().UTC()
	data := map[string]string{"from": string(from), "to": string(status), "cause": "reported_by_" + author}
	if input.PRNumber > 0 {
		data["pr"] = fmt.Sprint(input.PRNumber)
	}
	_ = s.board.AppendEvent(ctx, input.TaskID, models.TaskEvent{Type: models.EventStatusChanged, Time: now, Data: data})
	if input.Reason != "" {
		if err := s.board.AddComment(ctx, input.TaskID, models.Comment{Author: author, Body: input.Reason, Created: now}); err != nil {
			return errorResult(fmt.Sprintf("status updated but recording the reason failed: %s", err)), messageOutput{}, nil
		}
	}

	return nil, messageOutput{Message: fmt.Sprintf("task %s moved from %s to %s", input.TaskID, from, status)}, nil
}

func (s *Server) handleAddComment(ctx context.Context, _ *gomcp.CallToolRequest, input addCommentInput) (*gomcp.CallToolResult, messageOutput, error) {
	if input.TaskID == "" || strings.TrimSpace(input.Body) == "" {
		return errorResult("task_id and body are required"), messageOutput{}, nil
	}
	err := s.board.AddComment(ctx, input.TaskID, models.Comment{
		Author:  authorOr(input.Author),
		Body:    input.Body,
		Created: s.opts.Now().UTC(),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("commenting on %s: %s", input.TaskID, err)), messageOutput{}, nil
	}
	return nil, messageOutput{Message: "comment added to " + input.TaskID}, nil
}

func (s *Server) handleExplain(ctx context.Context, _ *gomcp.CallToolRequest, input getTaskInput) (*gomcp.CallToolResult, explainOutput, error) {
	if input.TaskID == "" {
		return errorResult("task_id is required"), explainOutput{}, nil
	}
	ex, err := s.opts.Explain(ctx, input.TaskID)
	if err != nil {
		return errorResult(fmt.Sprintf("explaining %s: %s", input.TaskID, err)), explainOutput{}, nil
	}
	out := explainOutput{
		TaskID:       ex.Task.ID,
		Status:       string(ex.Task.Status),
		Action:       ex.Action.String(),
		Rule:         ex.Action.Rule,
		AgentStatus:  string(ex.Input.AgentStatus),
		HasOpenPR:    ex.Input.HasOpenPR,
		DepsMet:      ex.Input.DependenciesMet,
		Capacity:     ex.Input.CapacityAvailable,
		ReviewerCap:  ex.Input.ReviewerCapacityAvailable,
		ActiveAgents: ex.Active,
	}
	if ex.PR != nil {
		out.PRNumber = ex.PR.Number
	}
	return nil, out, nil
}

func (s *Server) handleListAudit(ctx context.Context, _ *gomcp.CallToolRequest, input listAuditInput) (*gomcp.CallToolResult, listAuditOutput, error) {
	filter := models.AuditFilter{
		ProjectID: input.Project,
		TaskID:    input.TaskID,
		Phase:     input.Phase,
		Limit:     input.Limit,
	}
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if input.Since != "" {
		since, err := ParseSince(input.Since, s.opts.Now())
		if err != nil {
			return errorResult(err.Error()), listAuditOutput{}, nil
		}
		filter.Since = since
	}

	entries, err := s.opts.Audit.Query(ctx, filter)
	if err != nil {
		return errorResult(fmt.Sprintf("querying audit log: %s", err)), listAuditOutput{}, nil
	}
	out := listAuditOutput{Entries: make([]auditOutput, len(entries)), Count: len(entries)}
	for i, e := range entries {
		out.Entries[i] = auditOutput{
			Time:    e.Time.UTC().Format(time.RFC3339),
			Project: e.ProjectID,
			Cycle:   e.Cycle,
			Phase:   e.Phase,
			Action:  e.Action,
			TaskID:  e.TaskID,
			Details: e.Details,
		}
	}
	return nil, out, nil
}

func (s *Server) handleGetMetrics(_ context.Context, _ *gomcp.CallToolRequest, input getMetricsInput) (*gomcp.CallToolResult, observability.Metrics, error) {
	sinceStr := input.Since
	if sinceStr == "" {
		sinceStr = "7d"
	}
	// Structured output is validated even on error results; nil maps fail
	// the object schema.
	since, err := ParseSince(sinceStr, s.opts.Now())
	if err != nil {
		return errorResult(err.Error()), *observability.NewMetrics(), nil
	}
	m, err := s.opts.Metrics.Calculate(since)
	if err != nil {
		return errorResult(fmt.Sprintf("calculating metrics: %s", err)), *observability.NewMetrics(), nil
	}
	m.Normalize()
	return nil, *m, nil
}

func (s *Server) handleGetAlerts(_ context.Context, _ *gomcp.CallToolRequest, _ getAlertsInput) (*gomcp.CallToolResult, getAlertsOutput, error) {
	alerts, err := s.opts.Alerts.Evaluate()
	if err != nil {
		return errorResult(fmt.Sprintf("evaluating alerts: %s", err)), getAlertsOutput{}, nil
	}
	out := getAlertsOutput{Alerts: make([]alertOutput, len(alerts)), Count: len(alerts)}
	for i, a := range alerts {
		out.Alerts[i] = alertOutput{
			ID:          a.ID,
			Condition:   a.Condition,
			Severity:    string(a.Severity),
			Message:     a.Message,
			TriggeredAt: a.TriggeredAt.Format(time.RFC3339),
		}
	}
	return nil, out, nil
}

// --- Helpers ---

func taskToOutput(t models.Task, withComments bool) taskOutput {
	out := taskOutput{
		ID:               t.ID,
		Project:          t.ProjectID,
		Title:            t.Title,
		Description:      t.Description,
		Status:           string(t.Status),
		Role:             t.Role,
		PRNumber:         t.PRNumber,
		Branch:           t.Branch,
		WorktreePath:     t.WorktreePath,
		ConflictAttempts: t.ConflictAttempts,
		DependsOn:        t.DependsOn,
		Created:          t.Created.Format(time.RFC3339),
		Updated:          t.Updated.Format(time.RFC3339),
	}
	if t.Agent != nil {
		out.AgentSession = t.Agent.SessionKey
		out.AgentRole = t.Agent.Role
	}
	if withComments {
		for _, c := range t.Comments {
			out.Comments = append(out.Comments, commentOutput{
				Author:    c.Author,
				Body:      c.Body,
				Automated: c.Automated,
				Created:   c.Created.Format(time.RFC3339),
			})
		}
	}
	return out
}

func authorOr(author string) string {
	if strings.TrimSpace(author) == "" {
		return "agent"
	}
	return author
}

func invalidStatusMessage(status string) string {
	names := make([]string, len(models.AllStatuses))
	for i, s := range models.AllStatuses {
		names[i] = string(s)
	}
	return fmt.Sprintf("invalid status %q: must be one of %s", status, strings.Join(names, ", "))
}

func errorResult(msg string) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: msg}},
		IsError: true,
	}
}

// ParseSince turns a window like "7d" or "24h" into the instant that far
// before now. Go duration strings such as "90m" are accepted too.
func ParseSince(s string, now time.Time) (time.Time, error) {
	if len(s) < 2 {
		return time.Time{}, fmt.Errorf("invalid duration %q", s)
	}
	if s[len(s)-1] == 'd' {
		var days int
		if _, err := fmt.Sscanf(s[:len(s)-1], "%d", &days); err != nil {
			return time.Time{}, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		return now.AddDate(0, 0, -days), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid duration %q (use e.g. 7d or 24h)", s)
	}
	return now.Add(-d), nil
}
