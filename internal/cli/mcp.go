package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/valter-silva-au/workloop/internal/core"
	wlmcp "github.com/valter-silva-au/workloop/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "MCP server commands",
	Long:  "Commands for running the workloop MCP (Model Context Protocol) server.",
}

var mcpServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the workloop MCP server on stdio",
	Long: `Start the workloop MCP server on stdio transport.

Agents call it to report progress: update_task_status moves their task to
in_review or blocked, add_comment leaves notes for the next agent. Humans
can also ask explain_decision why a task is or isn't moving, list the
audit log, and read metrics and alerts.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		srv, err := newMCPServer()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt)
		defer stop()

		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("running MCP server: %w", err)
		}
		return nil
	},
}

// newMCPServer builds the server over the wired services. Tools whose
// service is missing are not registered.
func newMCPServer() (*wlmcp.Server, error) {
	if err := requireTasks(); err != nil {
		return nil, err
	}
	opts := wlmcp.Options{
		Metrics: MetricsCalc,
		Alerts:  AlertEngine,
	}
	if Audit != nil {
		opts.Audit = Audit
	}
	if Deps != nil {
		opts.Explain = func(ctx context.Context, taskID string) (*core.Explanation, error) {
			return core.Explain(ctx, Deps, Monitor, taskID)
		}
	}
	return wlmcp.NewServer(Tasks, opts, appVersion), nil
}

func init() {
	mcpCmd.AddCommand(mcpServeCmd)
	rootCmd.AddCommand(mcpCmd)
}
