// Package config provides configuration management for the orchestrator.
// It supports loading configuration from environment variables, config files,
// and defaults.
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
	Logging   LoggingConfig   `mapstructure:"logging"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	ActionLog ActionLogConfig `mapstructure:"actionLog"`
	Execution ExecutionConfig `mapstructure:"execution"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SandboxConfig holds configuration for the Docker-backed sandbox host.
type SandboxConfig struct {
	Host          string `mapstructure:"host"`          // Docker daemon address
	APIVersion    string `mapstructure:"apiVersion"`    // Docker API version
	Image         string `mapstructure:"image"`         // sandbox container image
	ContainerName string `mapstructure:"containerName"` // name for the sandbox container
	Workdir       string `mapstructure:"workdir"`       // working directory inside the sandbox
	NetworkMode   string `mapstructure:"networkMode"`
	HistoryRoot   string `mapstructure:"historyRoot"` // root for per-file history records
}

// ActionLogConfig selects the backend for the terminal-action record log.
// Driver is one of: memory, sqlite, postgres.
type ActionLogConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite database path
	Host     string `mapstructure:"host"` // postgres settings
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
}

// ExecutionConfig holds tunables for the execution pipeline.
type ExecutionConfig struct {
	// StartLaunchDelay is the fixed pause after launching a long-running
	// "start" action before the pipeline advances. It papers over two
	// rapidly issued starts racing for the same port; a sandbox-side
	// "slot acquired" signal would replace it.
	StartLaunchDelay int `mapstructure:"startLaunchDelay"` // in milliseconds
	// AwaitToolResultTimeout bounds how long a tool-call result request
	// may block waiting for resolution.
	AwaitToolResultTimeout int `mapstructure:"awaitToolResultTimeout"` // in seconds
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// StartLaunchDelayDuration returns the start-launch delay as a time.Duration.
func (e *ExecutionConfig) StartLaunchDelayDuration() time.Duration {
	return time.Duration(e.StartLaunchDelay) * time.Millisecond
}

// AwaitToolResultTimeoutDuration returns the tool-result wait bound as a
// time.Duration.
func (e *ExecutionConfig) AwaitToolResultTimeoutDuration() time.Duration {
	return time.Duration(e.AwaitToolResultTimeout) * time.Second
}

// DSN returns the PostgreSQL connection string for the action log.
func (a *ActionLogConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		a.Host, a.Port, a.User, a.Password, a.DBName, a.SSLMode,
	)
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SANDPIPE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "sandpipe-orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	// Sandbox defaults
	v.SetDefault("sandbox.host", "unix:///var/run/docker.sock")
	v.SetDefault("sandbox.apiVersion", "1.41")
	v.SetDefault("sandbox.image", "node:20-bookworm")
	v.SetDefault("sandbox.containerName", "sandpipe-sandbox")
	v.SetDefault("sandbox.workdir", "/workspace")
	v.SetDefault("sandbox.networkMode", "bridge")
	v.SetDefault("sandbox.historyRoot", ".history")

	// Action log defaults
	v.SetDefault("actionLog.driver", "memory")
	v.SetDefault("actionLog.path", "sandpipe.db")
	v.SetDefault("actionLog.host", "")
	v.SetDefault("actionLog.port", 5432)
	v.SetDefault("actionLog.user", "sandpipe")
	v.SetDefault("actionLog.password", "")
	v.SetDefault("actionLog.dbName", "sandpipe")
	v.SetDefault("actionLog.sslMode", "disable")

	// Execution defaults
	v.SetDefault("execution.startLaunchDelay", 2000)
	v.SetDefault("execution.awaitToolResultTimeout", 120)
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix SANDPIPE_ with snake_case
// naming. The config file should be named config.yaml and placed in the
// current directory or /etc/sandpipe/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SANDPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so
	// keys whose env var naming differs are bound explicitly.
	_ = v.BindEnv("sandbox.historyRoot", "SANDPIPE_SANDBOX_HISTORY_ROOT")
	_ = v.BindEnv("actionLog.driver", "SANDPIPE_ACTIONLOG_DRIVER")
	_ = v.BindEnv("execution.startLaunchDelay", "SANDPIPE_EXECUTION_START_LAUNCH_DELAY")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sandpipe/")

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

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	switch cfg.ActionLog.Driver {
	case "memory", "sqlite":
	case "postgres":
		if cfg.ActionLog.Host == "" {
			errs = append(errs, "actionLog.host is required when actionLog.driver is postgres")
		}
		if cfg.ActionLog.DBName == "" {
			errs = append(errs, "actionLog.dbName is required when actionLog.driver is postgres")
		}
	default:
		errs = append(errs, "actionLog.driver must be one of: memory, sqlite, postgres")
	}

	if cfg.Sandbox.Workdir == "" {
		errs = append(errs, "sandbox.workdir is required")
	}
	if cfg.Execution.StartLaunchDelay < 0 {
		errs = append(errs, "execution.startLaunchDelay must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
