// Package config provides configuration management for crewd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for crewd.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Context   ContextConfig   `mapstructure:"context"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Usage     UsageConfig     `mapstructure:"usage"`
	Expertise ExpertiseConfig `mapstructure:"expertise"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StoreConfig holds session store configuration.
type StoreConfig struct {
	// Dir is the directory holding one JSON file per session.
	Dir string `mapstructure:"dir"`
	// ScratchDir holds temp files (pasted images) created for executions.
	ScratchDir string `mapstructure:"scratchDir"`
}

// LimitsConfig holds the execution caps. All values have spec defaults and
// exist mostly for tests and operators under pressure.
type LimitsConfig struct {
	MaxActiveExecutions   int `mapstructure:"maxActiveExecutions"`
	MaxConcurrentAgents   int `mapstructure:"maxConcurrentAgents"`
	SubscriberQueueDepth  int `mapstructure:"subscriberQueueDepth"`
	EventRingSize         int `mapstructure:"eventRingSize"`
	ExecutionTTLSec       int `mapstructure:"executionTtlSec"`
	SweepIntervalSec      int `mapstructure:"sweepIntervalSec"`
	CLIIdleTimeoutSec     int `mapstructure:"cliIdleTimeoutSec"`
	SubAgentSoftCapSec    int `mapstructure:"subAgentSoftCapSec"`
	GracefulGraceSec      int `mapstructure:"gracefulGraceSec"`
	MaxToolOutputBytes    int `mapstructure:"maxToolOutputBytes"`
	MaxContinueIterations int `mapstructure:"maxContinueIterations"`
	AgentSummaryMaxTokens int `mapstructure:"agentSummaryMaxTokens"`
}

// ProvidersConfig holds per-provider CLI configuration.
type ProvidersConfig struct {
	Default string         `mapstructure:"default"`
	Claude  ProviderConfig `mapstructure:"claude"`
	Codex   ProviderConfig `mapstructure:"codex"`
	Gemini  ProviderConfig `mapstructure:"gemini"`
}

// ProviderConfig holds the binary and extra args for one assistant CLI.
type ProviderConfig struct {
	Binary    string   `mapstructure:"binary"`
	ExtraArgs []string `mapstructure:"extraArgs"`
}

// ContextConfig holds context window monitor configuration.
type ContextConfig struct {
	MaxTokens          int     `mapstructure:"maxTokens"`
	WarningThreshold   float64 `mapstructure:"warningThreshold"`
	CriticalThreshold  float64 `mapstructure:"criticalThreshold"`
	EmergencyThreshold float64 `mapstructure:"emergencyThreshold"`
	CompactionTarget   float64 `mapstructure:"compactionTarget"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory session broadcaster.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// UsageConfig holds the usage recorder configuration.
type UsageConfig struct {
	// Path is the SQLite database file; empty disables recording.
	Path string `mapstructure:"path"`
}

// ExpertiseConfig holds the expertise pack loader configuration.
type ExpertiseConfig struct {
	// Dir contains one <domain>.yaml pack per file; empty disables packs.
	Dir string `mapstructure:"dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ExecutionTTL returns the execution time-to-live as a time.Duration.
func (l *LimitsConfig) ExecutionTTL() time.Duration {
	return time.Duration(l.ExecutionTTLSec) * time.Second
}

// SweepInterval returns the registry sweep interval as a time.Duration.
func (l *LimitsConfig) SweepInterval() time.Duration {
	return time.Duration(l.SweepIntervalSec) * time.Second
}

// CLIIdleTimeout returns the CLI idle timeout as a time.Duration.
func (l *LimitsConfig) CLIIdleTimeout() time.Duration {
	return time.Duration(l.CLIIdleTimeoutSec) * time.Second
}

// SubAgentSoftCap returns the sub-agent wall clock cap as a time.Duration.
func (l *LimitsConfig) SubAgentSoftCap() time.Duration {
	return time.Duration(l.SubAgentSoftCapSec) * time.Second
}

// GracefulGrace returns the grace period between interrupt and kill.
func (l *LimitsConfig) GracefulGrace() time.Duration {
	return time.Duration(l.GracefulGraceSec) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CREWD_ENV"); env == "production" || env == "prod" {
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

	// Store defaults
	v.SetDefault("store.dir", "~/.crewd/sessions")
	v.SetDefault("store.scratchDir", "")

	// Execution caps
	v.SetDefault("limits.maxActiveExecutions", 64)
	v.SetDefault("limits.maxConcurrentAgents", 4)
	v.SetDefault("limits.subscriberQueueDepth", 256)
	v.SetDefault("limits.eventRingSize", 1024)
	v.SetDefault("limits.executionTtlSec", 600)
	v.SetDefault("limits.sweepIntervalSec", 30)
	v.SetDefault("limits.cliIdleTimeoutSec", 300)
	v.SetDefault("limits.subAgentSoftCapSec", 90)
	v.SetDefault("limits.gracefulGraceSec", 2)
	v.SetDefault("limits.maxToolOutputBytes", 256*1024)
	v.SetDefault("limits.maxContinueIterations", 5)
	v.SetDefault("limits.agentSummaryMaxTokens", 500)

	// Provider defaults
	v.SetDefault("providers.default", "claude")
	v.SetDefault("providers.claude.binary", "claude")
	v.SetDefault("providers.codex.binary", "codex")
	v.SetDefault("providers.gemini.binary", "gemini")

	// Context window defaults
	v.SetDefault("context.maxTokens", 200000)
	v.SetDefault("context.warningThreshold", 0.70)
	v.SetDefault("context.criticalThreshold", 0.85)
	v.SetDefault("context.emergencyThreshold", 0.95)
	v.SetDefault("context.compactionTarget", 0.60)

	// NATS defaults - empty URL means in-memory session broadcast
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Usage recorder defaults
	v.SetDefault("usage.path", "~/.crewd/usage.db")

	// Expertise packs
	v.SetDefault("expertise.dir", "~/.crewd/expertise")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4318")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CREWD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/crewd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CREWD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for keys where camelCase config naming differs from
	// SNAKE_CASE env naming (AutomaticEnv does not convert case styles).
	_ = v.BindEnv("store.dir", "CREWD_STORE_DIR")
	_ = v.BindEnv("providers.default", "CREWD_PROVIDERS_DEFAULT")
	_ = v.BindEnv("limits.maxActiveExecutions", "CREWD_LIMITS_MAX_ACTIVE_EXECUTIONS")
	_ = v.BindEnv("usage.path", "CREWD_USAGE_PATH")
	_ = v.BindEnv("expertise.dir", "CREWD_EXPERTISE_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/crewd/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	expandHome(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// expandHome resolves a leading ~/ in path-valued settings.
func expandHome(cfg *Config) {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	for _, p := range []*string{&cfg.Store.Dir, &cfg.Store.ScratchDir, &cfg.Usage.Path, &cfg.Expertise.Dir} {
		if strings.HasPrefix(*p, "~/") {
			*p = home + (*p)[1:]
		}
	}
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Store.Dir == "" {
		errs = append(errs, "store.dir is required")
	}

	if cfg.Limits.MaxActiveExecutions <= 0 {
		errs = append(errs, "limits.maxActiveExecutions must be positive")
	}
	if cfg.Limits.MaxConcurrentAgents <= 0 {
		errs = append(errs, "limits.maxConcurrentAgents must be positive")
	}
	if cfg.Limits.SubscriberQueueDepth <= 0 {
		errs = append(errs, "limits.subscriberQueueDepth must be positive")
	}

	switch cfg.Providers.Default {
	case "claude", "codex", "gemini":
	default:
		errs = append(errs, "providers.default must be one of: claude, codex, gemini")
	}

	if cfg.Context.MaxTokens <= 0 {
		errs = append(errs, "context.maxTokens must be positive")
	}
	if !(cfg.Context.WarningThreshold < cfg.Context.CriticalThreshold &&
		cfg.Context.CriticalThreshold < cfg.Context.EmergencyThreshold) {
		errs = append(errs, "context thresholds must be ordered warning < critical < emergency")
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
