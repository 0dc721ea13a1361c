package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/valter-silva-au/workloop/internal/core"
	"github.com/valter-silva-au/workloop/pkg/models"
)

var statusProject string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display agent capacity and tasks grouped by status",
	Long: `Display how many agents are running against each capacity ceiling,
followed by every task organized by lifecycle status.

Use --project to restrict the task listing to one project.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDeps(); err != nil {
			return err
		}
		ctx := commandContext(cmd)
		out := cmd.OutOrStdout()

		tracker := core.NewCapacityTracker(core.CeilingsFromConfig(Deps.Config.WorkLoop), Deps.Logger)
		for _, p := range Deps.Config.Projects {
			if !p.WorkLoopEnabled {
				continue
			}
			tasks, err := Deps.Store.ListTasks(ctx, p.ID)
			if err != nil {
				return fmt.Errorf("fetching tasks for %s: %w", p.ID, err)
			}
			if Monitor != nil {
				tracker.Seed(ctx, tasks, Monitor)
			}
		}
		printCapacity(out, tracker)

		tasks, err := Deps.Store.ListTasks(ctx, statusProject)
		if err != nil {
			return fmt.Errorf("fetching tasks: %w", err)
		}
		if len(tasks) == 0 {
			fmt.Fprintln(out, "\nNo tasks found.")
			return nil
		}

		grouped := make(map[models.TaskStatus][]models.Task)
		for _, t := range tasks {
			grouped[t.Status] = append(grouped[t.Status], t)
		}
		for _, status := range statusOrder {
			if group := grouped[status]; len(group) > 0 {
				fmt.Fprintln(out)
				printStatusGroup(out, string(status), group, tracker)
			}
		}
		return nil
	},
}

// statusOrder puts the states needing attention first.
var statusOrder = []models.TaskStatus{
	models.StatusInProgress,
	models.StatusInReview,
	models.StatusBlocked,
	models.StatusReady,
	models.StatusBacklog,
	models.StatusDone,
}

func printCapacity(w io.Writer, tracker *core.CapacityTracker) {
	c := tracker.Ceilings()
	fmt.Fprintf(w, "Agents: %d/%d running (reviewers %d/%d, conflict resolvers %d/%d)\n",
		tracker.ActiveCount(), c.Global,
		tracker.ActiveCountByRole(models.RoleReviewer), c.Reviewer,
		tracker.ActiveCountByRole(models.RoleConflictResolver), c.ConflictResolver,
	)
	if ceiling := tracker.ExhaustedCeiling(); ceiling != "" {
		fmt.Fprintf(w, "Capacity: %s ceiling reached\n", ceiling)
	}
}

// printStatusGroup prints a table of tasks under a status heading.
func printStatusGroup(w io.Writer, status string, tasks []models.Task, tracker *core.CapacityTracker) {
	fmt.Fprintf(w, "== %s (%d) ==\n", strings.ToUpper(status), len(tasks))
	fmt.Fprintf(w, "  %-12s %-10s %-18s %-6s %-22s %s\n", "ID", "PROJECT", "ROLE", "PR", "AGENT", "UPDATED")
	for _, t := range tasks {
		pr := "-"
		if t.PRNumber != nil {
			pr = fmt.Sprintf("#%d", *t.PRNumber)
		}
		agent := "-"
		if h, ok := tracker.Get(t.ID); ok {
			agent = fmt.Sprintf("%s (%s)", h.Status, displayRole(h.Role))
		} else if t.Agent != nil {
			agent = "recorded (" + displayRole(t.Agent.Role) + ")"
		}
		updated := "-"
		if !t.Updated.IsZero() {
			updated = humanize.Time(t.Updated)
		}
		fmt.Fprintf(w, "  %-12s %-10s %-18s %-6s %-22s %s\n", t.ID, t.ProjectID, roleLabel(t.Role), pr, agent, updated)
	}
}

func displayRole(role string) string {
	if role == "" {
		return `""`
	}
	return role
}

func init() {
	addProjectFlag(statusCmd.Flags(), &statusProject)
	statusCmd.RegisterFlagCompletionFunc("project", completeProjects)
	rootCmd.AddCommand(statusCmd)
}
