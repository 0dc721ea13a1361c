package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	wlmcp "github.com/valter-silva-au/workloop/internal/mcp"
	"github.com/valter-silva-au/workloop/internal/observability"
)

var (
	metricsJSON  bool
	metricsSince string
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Display work-loop metrics",
	Long: `Display aggregated metrics derived from the event log.

Metrics include completed cycles, dispatches by role, escalations by
reason, status transitions, merges, conflict resolutions and deploy hook
runs.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if MetricsCalc == nil {
			return fmt.Errorf("metrics calculator not initialized (observability may be disabled)")
		}

		sinceTime, err := parseSinceDuration(metricsSince)
		if err != nil {
			return fmt.Errorf("parsing --since: %w", err)
		}

		metrics, err := MetricsCalc.Calculate(sinceTime)
		if err != nil {
			return fmt.Errorf("calculating metrics: %w", err)
		}

		out := cmd.OutOrStdout()
		if metricsJSON {
			return printJSON(out, metrics)
		}
		printMetrics(out, sinceTime, metrics)
		return nil
	},
}

func printMetrics(w io.Writer, since time.Time, m *observability.Metrics) {
	fmt.Fprintf(w, "Metrics (since %s)\n\n", since.Format("2006-01-02 15:04"))
	fmt.Fprintf(w, "  %-24s %d\n", "Events recorded:", m.EventCount)
	fmt.Fprintf(w, "  %-24s %d\n", "Cycles:", m.Cycles)
	fmt.Fprintf(w, "  %-24s %.0fms\n", "Average cycle:", m.AvgCycleMillis)
	fmt.Fprintf(w, "  %-24s %d\n", "Cycle errors:", m.CycleErrors)
	fmt.Fprintf(w, "  %-24s %d\n", "Dispatches:", m.Dispatches)
	fmt.Fprintf(w, "  %-24s %d\n", "Escalations:", m.Escalations)
	fmt.Fprintf(w, "  %-24s %d\n", "Merges:", m.Merges)
	fmt.Fprintf(w, "  %-24s %d\n", "Conflict resolutions:", m.ConflictResolutions)
	fmt.Fprintf(w, "  %-24s %d (%d failed)\n", "Deploy hook runs:", m.DeployHookRuns, m.DeployHookFailures)

	printCounts(w, "Dispatches by role:", m.DispatchesByRole)
	printCounts(w, "Escalations by reason:", m.EscalationsByReason)
	printCounts(w, "Status transitions:", m.Transitions)

	if m.OldestEvent != nil {
		fmt.Fprintf(w, "\n  %-24s %s\n", "Oldest event:", m.OldestEvent.Format(time.RFC3339))
	}
	if m.NewestEvent != nil {
		fmt.Fprintf(w, "  %-24s %s\n", "Newest event:", m.NewestEvent.Format(time.RFC3339))
	}
}

func printCounts(w io.Writer, heading string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	fmt.Fprintf(w, "\n  %s\n", heading)
	for _, k := range sortedKeys(counts) {
		label := k
		if label == "" {
			label = `""`
		}
		fmt.Fprintf(w, "    %-30s %d\n", label+":", counts[k])
	}
}

// parseSinceDuration parses a human-friendly duration string like "7d",
// "30d" or "24h" and returns the corresponding time in the past. Empty
// means seven days.
func parseSinceDuration(s string) (time.Time, error) {
	now := time.Now().UTC()
	s = strings.TrimSpace(s)
	if s == "" {
		return now.AddDate(0, 0, -7), nil
	}
	return wlmcp.ParseSince(s, now)
}

func init() {
	addJSONFlag(metricsCmd.Flags(), &metricsJSON)
	metricsCmd.Flags().StringVar(&metricsSince, "since", "7d", "Time window for metrics (e.g. 7d, 30d, 24h)")
	rootCmd.AddCommand(metricsCmd)
}
