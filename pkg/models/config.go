package models

import "time"

// WorkLoopConfig holds the scheduling knobs of the orchestrator.
type WorkLoopConfig struct {
	Interval                      time.Duration  `yaml:"interval" mapstructure:"interval"`
	MaxAgentsGlobal               int            `yaml:"max_agents_global" mapstructure:"max_agents_global"`
	MaxReviewerAgents             int            `yaml:"max_reviewer_agents" mapstructure:"max_reviewer_agents"`
	MaxConflictResolverAgents     int            `yaml:"max_conflict_resolver_agents" mapstructure:"max_conflict_resolver_agents"`
	RoleLimits                    map[string]int `yaml:"role_limits,omitempty" mapstructure:"role_limits"`
	MaxConflictResolutionAttempts int            `yaml:"max_conflict_resolution_attempts" mapstructure:"max_conflict_resolution_attempts"`
	VCSTimeout                    time.Duration  `yaml:"vcs_timeout" mapstructure:"vcs_timeout"`
	VCSRatePerSecond              float64        `yaml:"vcs_rate_per_second" mapstructure:"vcs_rate_per_second"`
	ReviewWithoutPRGrace          time.Duration  `yaml:"review_without_pr_grace" mapstructure:"review_without_pr_grace"`
	StaleAfter                    time.Duration  `yaml:"stale_after" mapstructure:"stale_after"`
}

// AgentConfig describes how agent processes are started.
type AgentConfig struct {
	Command        []string          `yaml:"command" mapstructure:"command"`
	DefaultModel   string            `yaml:"default_model" mapstructure:"default_model"`
	Models         map[string]string `yaml:"models,omitempty" mapstructure:"models"`
	TimeoutSeconds int               `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// DeployHookConfig redeploys a subsystem when a merged pull request touches
// any file matching one of PathPatterns.
type DeployHookConfig struct {
	Name         string   `yaml:"name" mapstructure:"name"`
	PathPatterns []string `yaml:"path_patterns" mapstructure:"path_patterns"`
	Command      []string `yaml:"command" mapstructure:"command"`
}

// ProjectConfig describes one repository the work loop operates on.
type ProjectConfig struct {
	ID              string             `yaml:"id" mapstructure:"id"`
	RepoPath        string             `yaml:"repo_path" mapstructure:"repo_path"`
	GitHubRepo      string             `yaml:"github_repo,omitempty" mapstructure:"github_repo"`
	BaseBranch      string             `yaml:"base_branch" mapstructure:"base_branch"`
	WorkLoopEnabled bool               `yaml:"work_loop_enabled" mapstructure:"work_loop_enabled"`
	DeployHooks     []DeployHookConfig `yaml:"deploy_hooks,omitempty" mapstructure:"deploy_hooks"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// AlertConfig sets the thresholds the alert engine checks the event log
// against.
type AlertConfig struct {
	BlockedHours          int           `yaml:"blocked_threshold_hours" mapstructure:"blocked_threshold_hours"`
	ReviewHours           int           `yaml:"review_threshold_hours" mapstructure:"review_threshold_hours"`
	MaxEscalationsPerHour int           `yaml:"max_escalations_per_hour" mapstructure:"max_escalations_per_hour"`
	StallAfter            time.Duration `yaml:"stall_after" mapstructure:"stall_after"`
}

// GlobalConfig holds system-wide settings read from .workloop.yaml via Viper.
type GlobalConfig struct {
	WorkLoop        WorkLoopConfig  `yaml:"work_loop" mapstructure:"work_loop"`
	Agent           AgentConfig     `yaml:"agent" mapstructure:"agent"`
	BranchPattern   string          `yaml:"branch_pattern" mapstructure:"branch_pattern"`
	PromptsDir      string          `yaml:"prompts_dir,omitempty" mapstructure:"prompts_dir"`
	Log             LogConfig       `yaml:"log" mapstructure:"log"`
	SlackWebhookURL string          `yaml:"slack_webhook_url,omitempty" mapstructure:"slack_webhook_url"`
	Alerts          AlertConfig     `yaml:"alerts" mapstructure:"alerts"`
	Projects        []ProjectConfig `yaml:"projects" mapstructure:"projects"`
}

// Project returns the project with the given ID, or nil.
func (c *GlobalConfig) Project(id string) *ProjectConfig {
	for i := range c.Projects {
		if c.Projects[i].ID == id {
			return &c.Projects[i]
		}
	}
	return nil
}
