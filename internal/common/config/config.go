// Package config provides configuration management for the codeswarm orchestrator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// WorkspaceConfig holds workspace allocation configuration.
type WorkspaceConfig struct {
	Root        string `mapstructure:"root"`        // Base directory for per-job workspaces
	SizeLimitGB int    `mapstructure:"sizeLimitGb"` // Quota per workspace copy
}

// SchedulerConfig holds fan-out scheduling configuration.
type SchedulerConfig struct {
	MaxParallelAgents   int `mapstructure:"maxParallelAgents"`   // Global cap on concurrent agent processes
	RetryLimit          int `mapstructure:"retryLimit"`          // Attempts for transient launch failures
	RetryBackoffSeconds int `mapstructure:"retryBackoffSeconds"` // Base for exponential backoff
}

// AgentConfig holds per-agent runtime configuration and model defaults.
type AgentConfig struct {
	TimeoutMinutes     int    `mapstructure:"timeoutMinutes"`     // Wall-clock budget per agent
	GracePeriodSeconds int    `mapstructure:"gracePeriodSeconds"` // SIGTERM-to-SIGKILL interval
	MaxLineBytes       int    `mapstructure:"maxLineBytes"`       // Output lines beyond this are truncated
	ClaudeModel        string `mapstructure:"claudeModel"`
	GeminiModel        string `mapstructure:"geminiModel"`
	CodexModel         string `mapstructure:"codexModel"`
	IntegratorModel    string `mapstructure:"integratorModel"`
	// IntegratorFamily selects which primary CLI family runs the integration
	// phase (claude, gemini or codex).
	IntegratorFamily string `mapstructure:"integratorFamily"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// AgentTimeout returns the per-agent wall-clock budget as a time.Duration.
func (a *AgentConfig) AgentTimeout() time.Duration {
	return time.Duration(a.TimeoutMinutes) * time.Minute
}

// GracePeriod returns the graceful termination interval as a time.Duration.
func (a *AgentConfig) GracePeriod() time.Duration {
	return time.Duration(a.GracePeriodSeconds) * time.Second
}

// RetryBackoff returns the base retry backoff as a time.Duration.
func (s *SchedulerConfig) RetryBackoff() time.Duration {
	return time.Duration(s.RetryBackoffSeconds) * time.Second
}

// SizeLimitBytes returns the workspace quota in bytes. Zero means unlimited.
func (w *WorkspaceConfig) SizeLimitBytes() int64 {
	return int64(w.SizeLimitGB) * 1024 * 1024 * 1024
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SWARM_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "codeswarm-orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	// Workspace defaults
	v.SetDefault("workspace.root", defaultWorkspaceRoot())
	v.SetDefault("workspace.sizeLimitGb", 5)

	// Scheduler defaults
	v.SetDefault("scheduler.maxParallelAgents", 5)
	v.SetDefault("scheduler.retryLimit", 3)
	v.SetDefault("scheduler.retryBackoffSeconds", 1)

	// Agent defaults
	v.SetDefault("agent.timeoutMinutes", 30)
	v.SetDefault("agent.gracePeriodSeconds", 10)
	v.SetDefault("agent.maxLineBytes", 64*1024)
	v.SetDefault("agent.claudeModel", "claude-sonnet-4")
	v.SetDefault("agent.geminiModel", "gemini-2.5-pro")
	v.SetDefault("agent.codexModel", "gpt-4.1-mini")
	v.SetDefault("agent.integratorModel", "gemini-2.5-pro")
	v.SetDefault("agent.integratorFamily", "gemini")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func defaultWorkspaceRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/codeswarm/workspaces"
	}
	return home + "/.codeswarm/workspaces"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SWARM_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/codeswarm/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("SWARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the unprefixed contract keys consumed at job
	// creation time. AutomaticEnv does not handle camelCase config keys,
	// so each is bound by hand.
	_ = v.BindEnv("agent.claudeModel", "CLAUDE_MODEL", "SWARM_AGENT_CLAUDE_MODEL")
	_ = v.BindEnv("agent.geminiModel", "GEMINI_MODEL", "SWARM_AGENT_GEMINI_MODEL")
	_ = v.BindEnv("agent.codexModel", "OPENAI_MODEL", "SWARM_AGENT_CODEX_MODEL")
	_ = v.BindEnv("agent.integratorModel", "INTEGRATION_MODEL", "SWARM_AGENT_INTEGRATOR_MODEL")
	_ = v.BindEnv("agent.timeoutMinutes", "AGENT_TIMEOUT_MINUTES", "SWARM_AGENT_TIMEOUT_MINUTES")
	_ = v.BindEnv("scheduler.maxParallelAgents", "MAX_PARALLEL_AGENTS", "SWARM_SCHEDULER_MAX_PARALLEL_AGENTS")
	_ = v.BindEnv("workspace.sizeLimitGb", "WORKSPACE_SIZE_LIMIT_GB", "SWARM_WORKSPACE_SIZE_LIMIT_GB")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/codeswarm/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Workspace.Root == "" {
		errs = append(errs, "workspace.root is required")
	}
	if cfg.Workspace.SizeLimitGB < 0 {
		errs = append(errs, "workspace.sizeLimitGb must not be negative")
	}

	if cfg.Scheduler.MaxParallelAgents <= 0 {
		errs = append(errs, "scheduler.maxParallelAgents must be positive")
	}
	if cfg.Scheduler.RetryLimit <= 0 {
		errs = append(errs, "scheduler.retryLimit must be positive")
	}

	if cfg.Agent.TimeoutMinutes <= 0 {
		errs = append(errs, "agent.timeoutMinutes must be positive")
	}
	if cfg.Agent.MaxLineBytes <= 0 {
		errs = append(errs, "agent.maxLineBytes must be positive")
	}
	switch cfg.Agent.IntegratorFamily {
	case "claude", "gemini", "codex":
	default:
		errs = append(errs, "agent.integratorFamily must be one of: claude, gemini, codex")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
