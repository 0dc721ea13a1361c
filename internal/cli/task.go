package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/valter-silva-au/workloop/internal/core"
	"github.com/valter-silva-au/workloop/pkg/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks on the board (add, list, show, set-status, comment)",
	Long: `Task board commands.

The work loop only picks up tasks in the ready state. Humans add tasks,
move them to ready, comment on them, and unblock escalated work here.`,
}

var (
	taskAddProject     string
	taskAddTitle       string
	taskAddDescription string
	taskAddRole        string
	taskAddStatus      string
	taskAddDependsOn   []string
)

var taskAddCmd = &cobra.Command{
	Use:   "add [task-id]",
	Short: "Add a task to the board",
	Long: `Add a task to a project. Without a task ID the next ID in the project's
sequence is used (project "api" gets API-1, API-2, ...).

New tasks start in backlog unless --status is given. Omit --role to
dispatch the task as dev; pass --role "" to dispatch it with an empty role.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTasks(); err != nil {
			return err
		}
		if taskAddProject == "" {
			return fmt.Errorf("--project is required")
		}
		if Config != nil && Config.Project(taskAddProject) == nil {
			return fmt.Errorf("unknown project %q", taskAddProject)
		}
		status, err := parseStatus(taskAddStatus)
		if err != nil {
			return err
		}

		var id string
		if len(args) == 1 {
			id = args[0]
		}
		task := models.Task{
			ID:          id,
			ProjectID:   taskAddProject,
			Title:       taskAddTitle,
			Description: taskAddDescription,
			Status:      status,
			DependsOn:   taskAddDependsOn,
		}
		if cmd.Flags().Changed("role") {
			role := taskAddRole
			task.Role = &role
		}
		if task.Title == "" {
			task.Title = task.ID
		}

		created, err := Tasks.CreateTask(commandContext(cmd), task)
		if err != nil {
			return err
		}
		// Generated IDs are only known after the insert.
		if created.Title == "" {
			created, err = Tasks.UpdateTask(commandContext(cmd), created.ID, func(t *models.Task) error {
				t.Title = t.ID
				return nil
			})
			if err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added task %s to %s (%s, role %s)\n",
			created.ID, created.ProjectID, created.Status, roleLabel(created.Role))
		return nil
	},
}

var (
	taskListProject string
	taskListStatus  string
	taskListJSON    bool
)

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTasks(); err != nil {
			return err
		}
		var statuses []models.TaskStatus
		if taskListStatus != "" {
			status, err := parseStatus(taskListStatus)
			if err != nil {
				return err
			}
			statuses = append(statuses, status)
		}
		tasks, err := Tasks.ListTasks(commandContext(cmd), taskListProject, statuses...)
		if err != nil {
			return fmt.Errorf("listing tasks: %w", err)
		}

		out := cmd.OutOrStdout()
		if taskListJSON {
			return printJSON(out, tasks)
		}
		if len(tasks) == 0 {
			fmt.Fprintln(out, "No tasks found.")
			return nil
		}
		fmt.Fprintf(out, "%-12s %-10s %-12s %-14s %s\n", "ID", "PROJECT", "STATUS", "ROLE", "TITLE")
		for _, t := range tasks {
			fmt.Fprintf(out, "%-12s %-10s %-12s %-14s %s\n", t.ID, t.ProjectID, t.Status, roleLabel(t.Role), t.Title)
		}
		return nil
	},
}

var taskShowJSON bool

var taskShowCmd = &cobra.Command{
	Use:               "show <task-id>",
	Short:             "Show a task with its comments and history",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeTaskIDs(),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTasks(); err != nil {
			return err
		}
		task, err := Tasks.GetTask(commandContext(cmd), args[0])
		if err != nil {
			return err
		}
		if taskShowJSON {
			return printJSON(cmd.OutOrStdout(), task)
		}
		printTask(cmd.OutOrStdout(), *task)
		return nil
	},
}

func printTask(w io.Writer, t models.Task) {
	fmt.Fprintf(w, "%s: %s\n", t.ID, t.Title)
	fmt.Fprintf(w, "  %-12s %s\n", "Project:", t.ProjectID)
	fmt.Fprintf(w, "  %-12s %s\n", "Status:", t.Status)
	fmt.Fprintf(w, "  %-12s %s\n", "Role:", roleLabel(t.Role))
	if t.Branch != "" {
		fmt.Fprintf(w, "  %-12s %s\n", "Branch:", t.Branch)
	}
	if t.WorktreePath != "" {
		fmt.Fprintf(w, "  %-12s %s\n", "Worktree:", t.WorktreePath)
	}
	if t.PRNumber != nil {
		fmt.Fprintf(w, "  %-12s #%d\n", "PR:", *t.PRNumber)
	}
	if len(t.DependsOn) > 0 {
		fmt.Fprintf(w, "  %-12s %s\n", "Depends on:", strings.Join(t.DependsOn, ", "))
	}
	if t.ConflictAttempts > 0 {
		fmt.Fprintf(w, "  %-12s %d\n", "Conflicts:", t.ConflictAttempts)
	}
	if t.Agent != nil {
		fmt.Fprintf(w, "  %-12s %s (%s) spawned %s\n", "Agent:", t.Agent.SessionKey, displayRole(t.Agent.Role), humanize.Time(t.Agent.SpawnedAt))
	}
	if t.Description != "" {
		fmt.Fprintf(w, "\n%s\n", t.Description)
	}

	if len(t.Comments) > 0 {
		fmt.Fprintf(w, "\nComments (%d):\n", len(t.Comments))
		for _, c := range t.Comments {
			author := c.Author
			if c.Automated {
				author += " [automated]"
			}
			fmt.Fprintf(w, "  %s, %s:\n", author, humanize.Time(c.Created))
			for _, line := range strings.Split(c.Body, "\n") {
				fmt.Fprintf(w, "    %s\n", line)
			}
		}
	}
	if len(t.Events) > 0 {
		fmt.Fprintf(w, "\nHistory (%d):\n", len(t.Events))
		for _, e := range t.Events {
			fmt.Fprintf(w, "  %s  %-28s %s\n", e.Time.Format("2006-01-02 15:04"), e.Type, eventSummary(e))
		}
	}
}

func eventSummary(e models.TaskEvent) string {
	if e.Type == models.EventStatusChanged {
		s := fmt.Sprintf("%s -> %s", e.Data["from"], e.Data["to"])
		if cause := e.Data["cause"]; cause != "" {
			s += " (" + cause + ")"
		}
		return s
	}
	parts := make([]string, 0, len(e.Data))
	for _, k := range sortedKeys(e.Data) {
		parts = append(parts, k+"="+e.Data[k])
	}
	return strings.Join(parts, " ")
}

var (
	taskSetStatusReason string
	taskSetStatusPR     int
	taskSetStatusAuthor string
)

var taskSetStatusCmd = &cobra.Command{
	Use:   "set-status <task-id> <status>",
	Short: "Move a task to another status",
	Long: `Move a task to another status. Moving to blocked requires --reason, which
is recorded as a comment. Use --pr with in_review to record the pull
request number.

Unblocking a task (blocked -> ready) clears its agent session and conflict
counter so the work loop starts fresh.`,
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: completeTaskIDs(models.StatusDone),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTasks(); err != nil {
			return err
		}
		taskID := args[0]
		status, err := parseStatus(args[1])
		if err != nil {
			return err
		}
		if status == models.StatusBlocked && strings.TrimSpace(taskSetStatusReason) == "" {
			return fmt.Errorf("--reason is required when moving a task to blocked")
		}
		ctx := commandContext(cmd)
		author := taskSetStatusAuthor
		if author == "" {
			author = "human"
		}

		var from models.TaskStatus
		var projectID string
		_, err = Tasks.UpdateTask(ctx, taskID, func(t *models.Task) error {
			from = t.Status
			projectID = t.ProjectID
			t.Status = status
			if status == models.StatusInReview && taskSetStatusPR > 0 {
				n := taskSetStatusPR
				t.PRNumber = &n
			}
			if from == models.StatusBlocked && status == models.StatusReady {
				t.Agent = nil
				t.ConflictAttempts = 0
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("updating task %s: %w", taskID, err)
		}

		now := time.Now().UTC()
		cause := "set_by_" + author
		data := map[string]string{"from": string(from), "to": string(status), "cause": cause}
		if taskSetStatusPR > 0 {
			data["pr"] = strconv.Itoa(taskSetStatusPR)
		}
		if err := Tasks.AppendEvent(ctx, taskID, models.TaskEvent{Type: models.EventStatusChanged, Time: now, Data: data}); err != nil {
			logger().Warn("recording status event failed", "task_id", taskID, "error", err)
		}
		if EventLog != nil {
			_ = EventLog.LogEvent(core.EventTypeStatusChanged, map[string]any{
				"project":    projectID,
				"task_id":    taskID,
				"old_status": string(from),
				"new_status": string(status),
				"cause":      cause,
			})
		}
		if taskSetStatusReason != "" {
			if err := Tasks.AddComment(ctx, taskID, models.Comment{Author: author, Body: taskSetStatusReason, Created: now}); err != nil {
				return fmt.Errorf("status updated but recording the reason failed: %w", err)
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Task %s moved from %s to %s\n", taskID, from, status)
		return nil
	},
}

var taskCommentAuthor string

var taskCommentCmd = &cobra.Command{
	Use:   "comment <task-id> <body>",
	Short: "Comment on a task",
	Long: `Add a comment to a task. Human comments are included in the prompt of
the next agent dispatched for the task.`,
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: completeTaskIDs(models.StatusDone),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTasks(); err != nil {
			return err
		}
		body := strings.TrimSpace(args[1])
		if body == "" {
			return fmt.Errorf("comment body must not be empty")
		}
		author := taskCommentAuthor
		if author == "" {
			author = "human"
		}
		err := Tasks.AddComment(commandContext(cmd), args[0], models.Comment{
			Author:  author,
			Body:    body,
			Created: time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("commenting on %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Comment added to %s\n", args[0])
		return nil
	},
}

func init() {
	f := taskAddCmd.Flags()
	addProjectFlag(f, &taskAddProject)
	f.StringVarP(&taskAddTitle, "title", "t", "", "Task title (defaults to the ID)")
	f.StringVarP(&taskAddDescription, "description", "d", "", "Task description given to the agent")
	f.StringVar(&taskAddRole, "role", "", "Agent role to dispatch (default dev)")
	f.StringVar(&taskAddStatus, "status", string(models.StatusBacklog), "Initial status")
	f.StringSliceVar(&taskAddDependsOn, "depends-on", nil, "IDs of tasks that must be done first")
	taskAddCmd.RegisterFlagCompletionFunc("project", completeProjects)
	taskAddCmd.RegisterFlagCompletionFunc("status", completeStatuses)

	addProjectFlag(taskListCmd.Flags(), &taskListProject)
	taskListCmd.Flags().StringVar(&taskListStatus, "status", "", "Only list tasks in this status")
	addJSONFlag(taskListCmd.Flags(), &taskListJSON)
	taskListCmd.RegisterFlagCompletionFunc("project", completeProjects)
	taskListCmd.RegisterFlagCompletionFunc("status", completeStatuses)

	addJSONFlag(taskShowCmd.Flags(), &taskShowJSON)

	taskSetStatusCmd.Flags().StringVar(&taskSetStatusReason, "reason", "", "Reason, recorded as a comment (required for blocked)")
	taskSetStatusCmd.Flags().IntVar(&taskSetStatusPR, "pr", 0, "Pull request number (with in_review)")
	taskSetStatusCmd.Flags().StringVar(&taskSetStatusAuthor, "author", "", "Author recorded on the event (default human)")

	taskCommentCmd.Flags().StringVar(&taskCommentAuthor, "author", "", "Comment author (default human)")

	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskSetStatusCmd, taskCommentCmd)
	rootCmd.AddCommand(taskCmd)
}
