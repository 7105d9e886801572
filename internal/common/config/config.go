// Package config provides configuration management for Botmesh.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Botmesh.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Flow     FlowConfig     `mapstructure:"flow"`
	Memory   MemoryConfig   `mapstructure:"memory"`
	Shutdown ShutdownConfig `mapstructure:"shutdown"`
	Otel     OtelConfig     `mapstructure:"otel"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Type selects the storage backend: "sqlite" (default) or "postgres".
type DatabaseConfig struct {
	Type     string `mapstructure:"type"`
	Path     string `mapstructure:"path"` // sqlite file path, ":memory:" for tests
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus and KV store.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwtSecret"`
	TokenDuration int    `mapstructure:"tokenDuration"` // in seconds
	// SecretKey encrypts model API keys at rest (AES-256-GCM, 32 bytes hex).
	SecretKey string `mapstructure:"secretKey"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ChatConfig holds streaming-engine configuration.
type ChatConfig struct {
	// ShellMode selects how Chat-type shells execute: "http" streams over
	// SSE from ShellURL, "bridge" uses an in-process shell implementation.
	ShellMode       string `mapstructure:"shellMode"`
	ShellURL        string `mapstructure:"shellUrl"`
	ShellToken      string `mapstructure:"shellToken"`
	MCPEnabled      bool   `mapstructure:"mcpEnabled"`
	MCPServers      string `mapstructure:"mcpServers"` // JSON map of name -> server config
	ToolMaxRequests int    `mapstructure:"toolMaxRequests"`
	MaxConcurrent   int    `mapstructure:"maxConcurrent"` // per-process stream slots
	SnapshotSeconds int    `mapstructure:"snapshotSeconds"`
	HistoryLimit    int    `mapstructure:"historyLimit"` // 0 = unlimited
}

// DispatchConfig holds dispatcher configuration.
type DispatchConfig struct {
	ExecutorURL        string `mapstructure:"executorUrl"`
	MaxConcurrentTasks int    `mapstructure:"maxConcurrentTasks"`
	FetchInterval      int    `mapstructure:"fetchInterval"` // in seconds
	RequestTimeout     int    `mapstructure:"requestTimeout"`
}

// FlowConfig holds trigger-scheduler configuration.
type FlowConfig struct {
	ScanInterval      int `mapstructure:"scanInterval"`      // in seconds
	LockTTL           int `mapstructure:"lockTtl"`           // in seconds
	WatchdogInterval  int `mapstructure:"watchdogInterval"`  // in seconds
	StalePendingHours int `mapstructure:"stalePendingHours"` // H1
	StaleRunningHours int `mapstructure:"staleRunningHours"` // H2
	DefaultRetryCount int `mapstructure:"defaultRetryCount"`
	BatchSize         int `mapstructure:"batchSize"`
}

// MemoryConfig holds the long-term memory service configuration.
type MemoryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	BaseURL      string `mapstructure:"baseUrl"`
	MaxResults   int    `mapstructure:"maxResults"`
	UserIDPrefix string `mapstructure:"userIdPrefix"`
}

// ShutdownConfig holds graceful-shutdown configuration.
type ShutdownConfig struct {
	GracefulTimeout int `mapstructure:"gracefulTimeout"` // in seconds
}

// OtelConfig holds OpenTelemetry configuration.
type OtelConfig struct {
	Enabled                 bool    `mapstructure:"enabled"`
	Endpoint                string  `mapstructure:"endpoint"`
	SamplerArg              float64 `mapstructure:"samplerArg"`
	ExcludedURLs            string  `mapstructure:"excludedUrls"` // comma-separated
	DisableSendReceiveSpans bool    `mapstructure:"disableSendReceiveSpans"`
	ServiceName             string  `mapstructure:"serviceName"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TokenDurationTime returns the token duration as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

// FetchIntervalDuration returns the dispatcher poll interval as a time.Duration.
func (d *DispatchConfig) FetchIntervalDuration() time.Duration {
	return time.Duration(d.FetchInterval) * time.Second
}

// ScanIntervalDuration returns the scheduler scan interval as a time.Duration.
func (f *FlowConfig) ScanIntervalDuration() time.Duration {
	return time.Duration(f.ScanInterval) * time.Second
}

// GracefulTimeoutDuration returns the drain timeout as a time.Duration.
func (s *ShutdownConfig) GracefulTimeoutDuration() time.Duration {
	return time.Duration(s.GracefulTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("BOTMESH_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite file unless postgres is configured
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "botmesh.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "botmesh")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "botmesh")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "botmesh-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Auth defaults
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 3600) // 1 hour
	v.SetDefault("auth.secretKey", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Chat defaults
	v.SetDefault("chat.shellMode", "http")
	v.SetDefault("chat.shellUrl", "http://localhost:8100")
	v.SetDefault("chat.shellToken", "")
	v.SetDefault("chat.mcpEnabled", false)
	v.SetDefault("chat.mcpServers", "")
	v.SetDefault("chat.toolMaxRequests", 25)
	v.SetDefault("chat.maxConcurrent", 32)
	v.SetDefault("chat.snapshotSeconds", 1)
	v.SetDefault("chat.historyLimit", 0)

	// Dispatch defaults
	v.SetDefault("dispatch.executorUrl", "http://localhost:8200")
	v.SetDefault("dispatch.maxConcurrentTasks", 5)
	v.SetDefault("dispatch.fetchInterval", 5)
	v.SetDefault("dispatch.requestTimeout", 120)

	// Flow defaults
	v.SetDefault("flow.scanInterval", 60)
	v.SetDefault("flow.lockTtl", 120)
	v.SetDefault("flow.watchdogInterval", 30)
	v.SetDefault("flow.stalePendingHours", 1)
	v.SetDefault("flow.staleRunningHours", 3)
	v.SetDefault("flow.defaultRetryCount", 3)
	v.SetDefault("flow.batchSize", 100)

	// Memory defaults
	v.SetDefault("memory.enabled", false)
	v.SetDefault("memory.baseUrl", "")
	v.SetDefault("memory.maxResults", 5)
	v.SetDefault("memory.userIdPrefix", "")

	// Shutdown defaults
	v.SetDefault("shutdown.gracefulTimeout", 30)

	// Otel defaults - disabled unless an endpoint is configured
	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.endpoint", "")
	v.SetDefault("otel.samplerArg", 1.0)
	v.SetDefault("otel.excludedUrls", "/healthz,/metrics")
	v.SetDefault("otel.disableSendReceiveSpans", true)
	v.SetDefault("otel.serviceName", "botmesh")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix BOTMESH_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/botmesh/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("BOTMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose names predate the BOTMESH_ prefix
	// or whose config key uses camelCase (AutomaticEnv does not convert
	// camelCase to SNAKE_CASE).
	_ = v.BindEnv("chat.shellMode", "CHAT_SHELL_MODE", "BOTMESH_CHAT_SHELL_MODE")
	_ = v.BindEnv("chat.shellUrl", "CHAT_SHELL_URL", "BOTMESH_CHAT_SHELL_URL")
	_ = v.BindEnv("chat.shellToken", "CHAT_SHELL_TOKEN", "BOTMESH_CHAT_SHELL_TOKEN")
	_ = v.BindEnv("chat.mcpEnabled", "CHAT_MCP_ENABLED")
	_ = v.BindEnv("chat.mcpServers", "CHAT_MCP_SERVERS")
	_ = v.BindEnv("chat.toolMaxRequests", "CHAT_TOOL_MAX_REQUESTS")
	_ = v.BindEnv("dispatch.maxConcurrentTasks", "MAX_CONCURRENT_TASKS")
	_ = v.BindEnv("dispatch.fetchInterval", "TASK_FETCH_INTERVAL")
	_ = v.BindEnv("flow.stalePendingHours", "FLOW_STALE_PENDING_HOURS")
	_ = v.BindEnv("flow.staleRunningHours", "FLOW_STALE_RUNNING_HOURS")
	_ = v.BindEnv("flow.defaultRetryCount", "FLOW_DEFAULT_RETRY_COUNT")
	_ = v.BindEnv("shutdown.gracefulTimeout", "GRACEFUL_SHUTDOWN_TIMEOUT")
	_ = v.BindEnv("memory.enabled", "MEMORY_ENABLED")
	_ = v.BindEnv("memory.baseUrl", "MEMORY_BASE_URL")
	_ = v.BindEnv("memory.maxResults", "MEMORY_MAX_RESULTS")
	_ = v.BindEnv("memory.userIdPrefix", "MEMORY_USER_ID_PREFIX")
	_ = v.BindEnv("database.type", "STORAGE_TYPE", "BOTMESH_DATABASE_TYPE")
	_ = v.BindEnv("otel.enabled", "OTEL_ENABLED")
	_ = v.BindEnv("otel.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = v.BindEnv("otel.samplerArg", "OTEL_TRACES_SAMPLER_ARG")
	_ = v.BindEnv("otel.excludedUrls", "OTEL_EXCLUDED_URLS")
	_ = v.BindEnv("otel.disableSendReceiveSpans", "OTEL_DISABLE_SEND_RECEIVE_SPANS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/botmesh/")

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
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Type {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite storage")
		}
	case "postgres":
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres storage")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres storage")
		}
	default:
		errs = append(errs, "database.type must be one of: sqlite, postgres")
	}

	switch cfg.Chat.ShellMode {
	case "http", "bridge":
	default:
		errs = append(errs, "chat.shellMode must be one of: http, bridge")
	}
	if cfg.Chat.ShellMode == "http" && cfg.Chat.ShellURL == "" {
		errs = append(errs, "chat.shellUrl is required when chat.shellMode is http")
	}
	if cfg.Chat.ToolMaxRequests <= 0 {
		errs = append(errs, "chat.toolMaxRequests must be positive")
	}
	if cfg.Chat.MaxConcurrent <= 0 {
		errs = append(errs, "chat.maxConcurrent must be positive")
	}

	if cfg.Dispatch.MaxConcurrentTasks <= 0 {
		errs = append(errs, "dispatch.maxConcurrentTasks must be positive")
	}
	if cfg.Flow.BatchSize <= 0 {
		errs = append(errs, "flow.batchSize must be positive")
	}
	if cfg.Flow.WatchdogInterval <= 0 || cfg.Flow.LockTTL <= cfg.Flow.WatchdogInterval {
		errs = append(errs, "flow.lockTtl must be greater than flow.watchdogInterval")
	}

	// Auth validation - generate random secret if not set (dev mode)
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
	}

	// Logging validation
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

// DSN returns the connection string for the configured backend.
func (d *DatabaseConfig) DSN() string {
	if d.Type == "postgres" {
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
		)
	}
	return d.Path
}

// Driver returns the database/sql driver name for the configured backend.
func (d *DatabaseConfig) Driver() string {
	if d.Type == "postgres" {
		return "pgx"
	}
	return "sqlite3"
}

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() string {
	// Use a fixed dev secret with a warning prefix
	// In production, users should set BOTMESH_AUTH_JWTSECRET
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
