package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/valter-silva-au/workloop/pkg/models"
)

var (
	auditProject string
	auditTask    string
	auditPhase   string
	auditCycle   int64
	auditSince   string
	auditLimit   int
	auditJSON    bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the work loop's audit log",
	Long: `Show audit entries recorded by the work loop, newest first. Every
dispatch, escalation, skipped task with a reason, and phase summary is
recorded with its cycle number.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Audit == nil {
			return fmt.Errorf("audit store not initialized")
		}
		filter := models.AuditFilter{
			ProjectID: auditProject,
			TaskID:    auditTask,
			Phase:     auditPhase,
			Cycle:     auditCycle,
			Limit:     auditLimit,
		}
		if auditSince != "" {
			since, err := parseSinceDuration(auditSince)
			if err != nil {
				return fmt.Errorf("parsing --since: %w", err)
			}
			filter.Since = since
		}

		entries, err := Audit.Query(commandContext(cmd), filter)
		if err != nil {
			return fmt.Errorf("querying audit log: %w", err)
		}

		out := cmd.OutOrStdout()
		if auditJSON {
			return printJSON(out, entries)
		}
		if len(entries) == 0 {
			fmt.Fprintln(out, "No audit entries found.")
			return nil
		}
		printAuditEntries(out, entries)
		return nil
	},
}

func printAuditEntries(w io.Writer, entries []models.AuditEntry) {
	fmt.Fprintf(w, "%-19s %-6s %-10s %-8s %-26s %-10s %s\n", "TIME", "CYCLE", "PROJECT", "PHASE", "ACTION", "TASK", "DETAILS")
	for _, e := range entries {
		task := e.TaskID
		if task == "" {
			task = "-"
		}
		fmt.Fprintf(w, "%-19s %-6d %-10s %-8s %-26s %-10s %s\n",
			e.Time.Local().Format("2006-01-02 15:04:05"), e.Cycle, e.ProjectID, e.Phase, e.Action, task, auditDetails(e))
	}
}

// auditDetails renders details as sorted key=value pairs, with the
// duration appended when recorded.
func auditDetails(e models.AuditEntry) string {
	parts := make([]string, 0, len(e.Details)+1)
	for _, k := range sortedKeys(e.Details) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.Details[k]))
	}
	if e.Duration != nil {
		parts = append(parts, "took="+e.Duration.Round(time.Millisecond).String())
	}
	return strings.Join(parts, " ")
}

func init() {
	f := auditCmd.Flags()
	addProjectFlag(f, &auditProject)
	f.StringVar(&auditTask, "task", "", "Only entries for this task")
	f.StringVar(&auditPhase, "phase", "", "Only entries from this phase (cleanup, triage, work, review, analyze, cycle)")
	f.Int64Var(&auditCycle, "cycle", 0, "Only entries from this cycle")
	f.StringVar(&auditSince, "since", "", "Only entries newer than this (e.g. 2h, 7d)")
	f.IntVar(&auditLimit, "limit", 50, "Maximum number of entries")
	addJSONFlag(f, &auditJSON)
	auditCmd.RegisterFlagCompletionFunc("project", completeProjects)
	auditCmd.RegisterFlagCompletionFunc("task", completeTaskIDs())
	rootCmd.AddCommand(auditCmd)
}
