package cli

import (
	"log/slog"

	"github.com/valter-silva-au/workloop/internal/core"
	"github.com/valter-silva-au/workloop/internal/observability"
	"github.com/valter-silva-au/workloop/internal/storage"
	"github.com/valter-silva-au/workloop/pkg/models"
)

// Service instances, set during app initialization in app.go.
var (
	BasePath string
	Config   *models.GlobalConfig
	Logger   *slog.Logger

	Tasks   storage.TaskStore
	Audit   storage.AuditStore
	Deps    *core.Deps
	Monitor core.AgentMonitor
)

// Observability service instances, set during app initialization in app.go.
var (
	EventLog    observability.EventLog
	AlertEngine observability.AlertEngine
	MetricsCalc observability.MetricsCalculator
	Notifier    observability.Notifier
)
