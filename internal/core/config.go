// Package core contains the work-loop orchestrator: the decision engine,
// capacity tracking, pull-request reconciliation, conflict resolution, the
// phase runners, and the cycle driver that ties them together.
package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/valter-silva-au/workloop/pkg/models"
)

// ConfigFileName is the base name of the configuration file, without extension.
const ConfigFileName = ".workloop"

// ConfigurationManager loads and validates the orchestrator configuration.
type ConfigurationManager interface {
	LoadGlobalConfig() (*models.GlobalConfig, error)
	ValidateConfig(cfg *models.GlobalConfig) error
}

// viperConfigManager implements ConfigurationManager using Viper for
// reading YAML configuration files.
type viperConfigManager struct {
	// basePath is the root directory where .workloop.yaml resides.
	basePath string
}

// NewConfigurationManager creates a new ConfigurationManager that reads
// configuration files relative to basePath.
func NewConfigurationManager(basePath string) ConfigurationManager {
	return &viperConfigManager{basePath: basePath}
}

// DefaultGlobalConfig returns a GlobalConfig populated with sensible defaults.
func DefaultGlobalConfig() *models.GlobalConfig {
	return &models.GlobalConfig{
		WorkLoop: models.WorkLoopConfig{
			Interval:                      60 * time.Second,
			MaxAgentsGlobal:               4,
			MaxReviewerAgents:             2,
			MaxConflictResolverAgents:     1,
			MaxConflictResolutionAttempts: 3,
			VCSTimeout:                    30 * time.Second,
			VCSRatePerSecond:              2,
			ReviewWithoutPRGrace:          10 * time.Minute,
			StaleAfter:                    30 * time.Minute,
		},
		Agent: models.AgentConfig{
			Command:        []string{"claude", "-p"},
			TimeoutSeconds: 3600,
		},
		BranchPattern: DefaultBranchPattern,
		Log: models.LogConfig{
			Level:  "info",
			Format: "text",
		},
		Alerts: models.AlertConfig{
			BlockedHours:          24,
			ReviewHours:           48,
			MaxEscalationsPerHour: 5,
			StallAfter:            15 * time.Minute,
		},
	}
}

// LoadGlobalConfig reads .workloop.yaml from the base path using Viper.
// If the file does not exist, sensible defaults are returned.
func (cm *viperConfigManager) LoadGlobalConfig() (*models.GlobalConfig, error) {
	cfg := DefaultGlobalConfig()

	v := viper.New()
	v.SetConfigName(ConfigFileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(cm.basePath)
	v.SetEnvPrefix("WORKLOOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set Viper defaults so missing keys fall back gracefully.
	v.SetDefault("work_loop.interval", cfg.WorkLoop.Interval)
	v.SetDefault("work_loop.max_agents_global", cfg.WorkLoop.MaxAgentsGlobal)
	v.SetDefault("work_loop.max_reviewer_agents", cfg.WorkLoop.MaxReviewerAgents)
	v.SetDefault("work_loop.max_conflict_resolver_agents", cfg.WorkLoop.MaxConflictResolverAgents)
	v.SetDefault("work_loop.max_conflict_resolution_attempts", cfg.WorkLoop.MaxConflictResolutionAttempts)
	v.SetDefault("work_loop.vcs_timeout", cfg.WorkLoop.VCSTimeout)
	v.SetDefault("work_loop.vcs_rate_per_second", cfg.WorkLoop.VCSRatePerSecond)
	v.SetDefault("work_loop.review_without_pr_grace", cfg.WorkLoop.ReviewWithoutPRGrace)
	v.SetDefault("work_loop.stale_after", cfg.WorkLoop.StaleAfter)
	v.SetDefault("agent.command", cfg.Agent.Command)
	v.SetDefault("agent.default_model", cfg.Agent.DefaultModel)
	v.SetDefault("agent.timeout_seconds", cfg.Agent.TimeoutSeconds)
	v.SetDefault("branch_pattern", cfg.BranchPattern)
	v.SetDefault("prompts_dir", "")
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("slack_webhook_url", "")
	v.SetDefault("alerts.blocked_threshold_hours", cfg.Alerts.BlockedHours)
	v.SetDefault("alerts.review_threshold_hours", cfg.Alerts.ReviewHours)
	v.SetDefault("alerts.max_escalations_per_hour", cfg.Alerts.MaxEscalationsPerHour)
	v.SetDefault("alerts.stall_after", cfg.Alerts.StallAfter)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading %s.yaml: %w", ConfigFileName, err)
		}
		// No config file found; defaults and environment still apply.
	}

	cfg.WorkLoop.Interval = v.GetDuration("work_loop.interval")
	cfg.WorkLoop.MaxAgentsGlobal = v.GetInt("work_loop.max_agents_global")
	cfg.WorkLoop.MaxReviewerAgents = v.GetInt("work_loop.max_reviewer_agents")
	cfg.WorkLoop.MaxConflictResolverAgents = v.GetInt("work_loop.max_conflict_resolver_agents")
	cfg.WorkLoop.MaxConflictResolutionAttempts = v.GetInt("work_loop.max_conflict_resolution_attempts")
	cfg.WorkLoop.VCSTimeout = v.GetDuration("work_loop.vcs_timeout")
	cfg.WorkLoop.VCSRatePerSecond = v.GetFloat64("work_loop.vcs_rate_per_second")
	cfg.WorkLoop.ReviewWithoutPRGrace = v.GetDuration("work_loop.review_without_pr_grace")
	cfg.WorkLoop.StaleAfter = v.GetDuration("work_loop.stale_after")
	if err := v.UnmarshalKey("work_loop.role_limits", &cfg.WorkLoop.RoleLimits); err != nil {
		return nil, fmt.Errorf("parsing work_loop.role_limits: %w", err)
	}

	cfg.Agent.Command = v.GetStringSlice("agent.command")
	cfg.Agent.DefaultModel = v.GetString("agent.default_model")
	cfg.Agent.TimeoutSeconds = v.GetInt("agent.timeout_seconds")
	cfg.Agent.Models = v.GetStringMapString("agent.models")

	cfg.BranchPattern = v.GetString("branch_pattern")
	cfg.PromptsDir = v.GetString("prompts_dir")
	cfg.Log.Level = v.GetString("log.level")
	cfg.Log.Format = v.GetString("log.format")
	cfg.SlackWebhookURL = v.GetString("slack_webhook_url")
	cfg.Alerts.BlockedHours = v.GetInt("alerts.blocked_threshold_hours")
	cfg.Alerts.ReviewHours = v.GetInt("alerts.review_threshold_hours")
	cfg.Alerts.MaxEscalationsPerHour = v.GetInt("alerts.max_escalations_per_hour")
	cfg.Alerts.StallAfter = v.GetDuration("alerts.stall_after")

	if err := v.UnmarshalKey("projects", &cfg.Projects); err != nil {
		return nil, fmt.Errorf("parsing projects: %w", err)
	}
	for i := range cfg.Projects {
		if cfg.Projects[i].BaseBranch == "" {
			cfg.Projects[i].BaseBranch = "main"
		}
	}

	return cfg, nil
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validLogFormats = map[string]bool{"text": true, "json": true}

// ValidateConfig checks cfg for invalid values and reports every problem
// found in a single error.
func (cm *viperConfigManager) ValidateConfig(cfg *models.GlobalConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	var errs []string
	wl := cfg.WorkLoop

	if wl.Interval <= 0 {
		errs = append(errs, fmt.Sprintf("work_loop.interval must be positive, got %s", wl.Interval))
	}
	if wl.MaxAgentsGlobal < 1 {
		errs = append(errs, fmt.Sprintf("work_loop.max_agents_global must be at least 1, got %d", wl.MaxAgentsGlobal))
	}
	if wl.MaxReviewerAgents < 0 {
		errs = append(errs, fmt.Sprintf("work_loop.max_reviewer_agents must be non-negative, got %d", wl.MaxReviewerAgents))
	}
	if wl.MaxConflictResolverAgents < 0 {
		errs = append(errs, fmt.Sprintf("work_loop.max_conflict_resolver_agents must be non-negative, got %d", wl.MaxConflictResolverAgents))
	}
	if wl.MaxConflictResolutionAttempts < 0 {
		errs = append(errs, fmt.Sprintf("work_loop.max_conflict_resolution_attempts must be non-negative, got %d", wl.MaxConflictResolutionAttempts))
	}
	if wl.VCSTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("work_loop.vcs_timeout must be positive, got %s", wl.VCSTimeout))
	}
	if wl.VCSRatePerSecond <= 0 {
		errs = append(errs, fmt.Sprintf("work_loop.vcs_rate_per_second must be positive, got %g", wl.VCSRatePerSecond))
	}
	for role, limit := range wl.RoleLimits {
		if limit < 0 {
			errs = append(errs, fmt.Sprintf("work_loop.role_limits.%s must be non-negative, got %d", role, limit))
		}
	}

	if len(cfg.Agent.Command) == 0 {
		errs = append(errs, "agent.command must not be empty")
	}
	if cfg.Agent.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Sprintf("agent.timeout_seconds must be positive, got %d", cfg.Agent.TimeoutSeconds))
	}

	if cfg.BranchPattern != "" && !strings.Contains(cfg.BranchPattern, "{id}") {
		errs = append(errs, fmt.Sprintf("branch_pattern %q must contain {id} placeholder", cfg.BranchPattern))
	}
	if !validLogLevels[cfg.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level %q is invalid, must be one of: debug, info, warn, error", cfg.Log.Level))
	}
	if !validLogFormats[cfg.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format %q is invalid, must be one of: text, json", cfg.Log.Format))
	}

	seen := make(map[string]bool, len(cfg.Projects))
	for i, p := range cfg.Projects {
		switch {
		case p.ID == "":
			errs = append(errs, fmt.Sprintf("projects[%d].id must not be empty", i))
		case seen[p.ID]:
			errs = append(errs, fmt.Sprintf("projects[%d].id %q is duplicated", i, p.ID))
		}
		seen[p.ID] = true
		if p.WorkLoopEnabled && p.RepoPath == "" {
			errs = append(errs, fmt.Sprintf("projects[%d].repo_path is required when work_loop_enabled is set", i))
		}
		for j, hook := range p.DeployHooks {
			if len(hook.PathPatterns) == 0 {
				errs = append(errs, fmt.Sprintf("projects[%d].deploy_hooks[%d].path_patterns must not be empty", i, j))
			}
			if len(hook.Command) == 0 {
				errs = append(errs, fmt.Sprintf("projects[%d].deploy_hooks[%d].command must not be empty", i, j))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
