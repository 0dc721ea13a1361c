package cli

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/valter-silva-au/workloop/internal/core"
)

var decideJSON bool

var decideCmd = &cobra.Command{
	Use:   "decide <task-id>",
	Short: "Show what the work loop would do with a task right now",
	Long: `Gather the same facts a cycle would for the task (agent status, open pull
request, dependencies, capacity) and show the action the decision engine
returns, along with the rule that fired. Nothing is changed.`,
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeTaskIDs(),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDeps(); err != nil {
			return err
		}
		ex, err := core.Explain(commandContext(cmd), Deps, Monitor, args[0])
		if err != nil {
			return fmt.Errorf("explaining %s: %w", args[0], err)
		}
		if decideJSON {
			return printJSON(cmd.OutOrStdout(), ex)
		}
		printExplanation(cmd.OutOrStdout(), ex)
		return nil
	},
}

func printExplanation(w io.Writer, ex *core.Explanation) {
	t := ex.Task
	fmt.Fprintf(w, "Task %s (%s): %s\n", t.ID, t.ProjectID, t.Title)
	fmt.Fprintf(w, "Rule %d fires: %s\n\n", ex.Action.Rule, ex.Action)

	in := ex.Input
	fmt.Fprintln(w, "Facts:")
	fmt.Fprintf(w, "  %-26s %s\n", "status", in.Status)
	fmt.Fprintf(w, "  %-26s %s\n", "role", roleLabel(in.Role))
	fmt.Fprintf(w, "  %-26s %s\n", "agent", in.AgentStatus)
	fmt.Fprintf(w, "  %-26s %s\n", "open pull request", yesNo(in.HasOpenPR))
	fmt.Fprintf(w, "  %-26s %s\n", "dependencies met", yesNo(in.DependenciesMet))
	fmt.Fprintf(w, "  %-26s %s\n", "role capacity available", yesNo(in.CapacityAvailable))
	fmt.Fprintf(w, "  %-26s %s\n", "reviewer capacity", yesNo(in.ReviewerCapacityAvailable))
	fmt.Fprintf(w, "  %-26s %d\n", "running agents", ex.Active)

	if ex.Agent != nil {
		fmt.Fprintf(w, "\nAgent session %s (%s), spawned %s, last activity %s\n",
			ex.Agent.SessionKey, displayRole(ex.Agent.Role),
			humanize.Time(ex.Agent.SpawnedAt), humanize.Time(ex.Agent.LastActivityAt))
	}
	if ex.PRLookupFailed {
		fmt.Fprintln(w, "\nPull request lookup failed; a cycle would skip this task and retry.")
	}
	if ex.PR != nil {
		fmt.Fprintf(w, "\nPull request #%d %q on %s (%s)\n", ex.PR.Number, ex.PR.Title, ex.PR.HeadBranch, ex.PR.Mergeable)
	}
}

func init() {
	addJSONFlag(decideCmd.Flags(), &decideJSON)
	rootCmd.AddCommand(decideCmd)
}
