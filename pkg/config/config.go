package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for procflow.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (database password) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8080"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// BaseURL is the externally reachable base URL of this orchestrator.
	// Used to build async service-task callback URLs. Auto-derived from
	// Port if empty.
	BaseURL string `yaml:"base_url" env:"BASE_URL" env-default:""`

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Dispatch configures outbound HTTP calls to tenant services.
	Dispatch DispatchConfig `yaml:"dispatch"`

	// MigrationsPath is the directory holding SQL migrations.
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"./migrations"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"procflow"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"procflow"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`

	// Pool recycling. Connections older than the lifetime, or idle
	// longer than the idle time, are closed and replaced.
	ConnLifetimeMinutes int `yaml:"conn_lifetime_minutes" env:"PGCONN_LIFETIME_MINUTES" env-default:"60"`
	ConnIdleMinutes     int `yaml:"conn_idle_minutes" env:"PGCONN_IDLE_MINUTES" env-default:"30"`
}

// ConnLifetime returns the maximum age of a pooled connection.
func (c *DatabaseConfig) ConnLifetime() time.Duration {
	return time.Duration(c.ConnLifetimeMinutes) * time.Minute
}

// ConnIdleTime returns how long an idle connection may linger.
func (c *DatabaseConfig) ConnIdleTime() time.Duration {
	return time.Duration(c.ConnIdleMinutes) * time.Minute
}

// DispatchConfig holds outbound service-task HTTP settings.
type DispatchConfig struct {
	// TimeoutSeconds is the socket timeout for calls to tenant services.
	TimeoutSeconds int `yaml:"timeout_seconds" env:"DISPATCH_TIMEOUT_SECONDS" env-default:"10"`
	// BreakerMaxFailures is the consecutive-failure threshold that opens
	// the dispatch circuit breaker.
	BreakerMaxFailures int `yaml:"breaker_max_failures" env:"DISPATCH_BREAKER_MAX_FAILURES" env-default:"5"`
	// BreakerCooldownSeconds is how long an open breaker stays open.
	BreakerCooldownSeconds int `yaml:"breaker_cooldown_seconds" env:"DISPATCH_BREAKER_COOLDOWN_SECONDS" env-default:"30"`
}

// Timeout returns the outbound HTTP timeout as a duration.
func (c *DispatchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BreakerCooldown returns the breaker open interval as a duration.
func (c *DispatchConfig) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownSeconds) * time.Second
}

// URL builds a PostgreSQL connection string from the database config.
func (c *DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// Load reads configuration from config.yaml (if present) and the
// environment. Environment variables win over YAML values.
func Load(version string) (*Config, error) {
	cfg := &Config{}

	if _, err := os.Stat("config.yaml"); err == nil {
		if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	cfg.Version = version
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:" + cfg.Port
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return cfg, nil
}
