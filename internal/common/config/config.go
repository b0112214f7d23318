// Package config provides configuration management for Orbital.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Orbital.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Events  EventsConfig  `mapstructure:"events"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Logging LoggingConfig `mapstructure:"logging"`
	Registry RegistryConfig `mapstructure:"registry"`
	Policy  PolicyConfig  `mapstructure:"policy"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Planner PlannerConfig `mapstructure:"planner"`
	Memory  MemoryConfig  `mapstructure:"memory"`
}

// ServerConfig holds HTTP server configuration for the Intake API (C10).
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds Job Store (C3) connection configuration. Driver
// selects between the sqlite and postgres Store implementations, which
// share one Repository interface (internal/store).
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds event bus transport configuration. An empty URL selects
// the in-memory bus instead of NATS.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// AuthConfig holds Intake API bearer-token configuration.
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwtSecret"`
	TokenDuration int    `mapstructure:"tokenDuration"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RegistryConfig holds Agent Registry (C2) roster configuration.
type RegistryConfig struct {
	RosterPath string `mapstructure:"rosterPath"`
	WatchRoster bool  `mapstructure:"watchRoster"`
	// MCPPort, when non-zero, starts an MCP server exposing capability
	// discovery (list_agents, find_agent_for_capability) on that port.
	MCPPort int `mapstructure:"mcpPort"`
}

// PolicyConfig holds Policy Engine (C7) configuration.
type PolicyConfig struct {
	RulesPath            string `mapstructure:"rulesPath"`
	RateLimitPerMinute   int    `mapstructure:"rateLimitPerMinute"`
}

// DispatchConfig holds Dispatcher (C8) configuration.
type DispatchConfig struct {
	DefaultTaskTimeoutSec int `mapstructure:"defaultTaskTimeoutSec"`
	MaxConcurrentTasks    int `mapstructure:"maxConcurrentTasks"`
	RetryBaseDelayMs      int `mapstructure:"retryBaseDelayMs"`
	RetryMaxDelayMs       int `mapstructure:"retryMaxDelayMs"`
}

// PlannerConfig holds Intent Planner (C6) configuration.
type PlannerConfig struct {
	RulesPath      string `mapstructure:"rulesPath"`
	FallbackAgentURI string `mapstructure:"fallbackAgentUri"`
}

// MemoryConfig holds Context Memory (C12) configuration.
type MemoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"dbPath"`
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

// RetryBaseDelay returns the retry base delay as a time.Duration.
func (d *DispatchConfig) RetryBaseDelay() time.Duration {
	return time.Duration(d.RetryBaseDelayMs) * time.Millisecond
}

// RetryMaxDelay returns the retry max delay as a time.Duration.
func (d *DispatchConfig) RetryMaxDelay() time.Duration {
	return time.Duration(d.RetryMaxDelayMs) * time.Millisecond
}

// detectDefaultLogFormat returns "json" for containerized/production
// environments and "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ORBITAL_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./orbital.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "orbital")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "orbital")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "orbital-cluster")
	v.SetDefault("nats.clientId", "orbital-client")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 3600) // 1 hour

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("registry.rosterPath", "./agents.yaml")
	v.SetDefault("registry.watchRoster", true)
	v.SetDefault("registry.mcpPort", 0)

	v.SetDefault("policy.rulesPath", "./policy.yaml")
	v.SetDefault("policy.rateLimitPerMinute", 60)

	v.SetDefault("dispatch.defaultTaskTimeoutSec", 30)
	v.SetDefault("dispatch.maxConcurrentTasks", 8)
	v.SetDefault("dispatch.retryBaseDelayMs", 500)
	v.SetDefault("dispatch.retryMaxDelayMs", 30000)

	v.SetDefault("planner.rulesPath", "./intents.yaml")
	v.SetDefault("planner.fallbackAgentUri", "")

	v.SetDefault("memory.enabled", false)
	v.SetDefault("memory.dbPath", "./memory.db")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix ORBITAL_ with snake_case
// naming. The config file is named config.yaml and may live in the current
// directory or /etc/orbital/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ORBITAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "ORBITAL_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "ORBITAL_EVENTS_NAMESPACE")
	_ = v.BindEnv("registry.rosterPath", "ORBITAL_REGISTRY_ROSTER_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/orbital/")

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

	if cfg.Database.Driver != "sqlite" && cfg.Database.Driver != "postgres" {
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}
	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Dispatch.DefaultTaskTimeoutSec <= 0 {
		errs = append(errs, "dispatch.defaultTaskTimeoutSec must be positive")
	}
	if cfg.Dispatch.MaxConcurrentTasks <= 0 {
		errs = append(errs, "dispatch.maxConcurrentTasks must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() string {
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
