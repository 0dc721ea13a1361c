package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/valter-silva-au/workloop/pkg/models"
)

func addJSONFlag(fs *pflag.FlagSet, p *bool) {
	fs.BoolVar(p, "json", false, "Output as JSON")
}

func addProjectFlag(fs *pflag.FlagSet, p *string) {
	fs.StringVarP(p, "project", "p", "", "Project ID")
}

// parseStatus validates a status name given on the command line.
func parseStatus(s string) (models.TaskStatus, error) {
	status := models.TaskStatus(strings.TrimSpace(s))
	if !status.Valid() {
		names := make([]string, len(models.AllStatuses))
		for i, st := range models.AllStatuses {
			names[i] = string(st)
		}
		return "", fmt.Errorf("invalid status %q, must be one of: %s", s, strings.Join(names, ", "))
	}
	return status, nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("formatting JSON: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func requireTasks() error {
	if Tasks == nil {
		return fmt.Errorf("task store not initialized")
	}
	return nil
}

func requireDeps() error {
	if Deps == nil {
		return fmt.Errorf("work loop not initialized")
	}
	return nil
}

func roleLabel(role *string) string {
	switch {
	case role == nil:
		return models.RoleDev
	case *role == "":
		return `""`
	default:
		return *role
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func logger() *slog.Logger {
	if Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return Logger
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
