// Package config loads server configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Features FeaturesConfig
	Janitor  JanitorConfig

	// LogLevel is the textual level for the structured logger
	LogLevel string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Addr returns the host:port the server binds to
func (c ServerConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// DatabaseConfig selects the SQL driver and its DSN
type DatabaseConfig struct {
	// Driver is "sqlite3" or "postgres"
	Driver string
	DSN    string
}

// RedisConfig holds the session store connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AuthConfig holds token, password and session policy
type AuthConfig struct {
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// Signing secrets. When empty, a random per-process secret is
	// generated at start-up, which invalidates all outstanding tokens
	// on restart.
	AccessTokenSecret  string
	RefreshTokenSecret string

	PasswordHashCost int

	SessionTTL         time.Duration
	MaxSessionsPerUser int

	// Bootstrap credentials for the server owner account, created when
	// the user table is empty. No account is created when the password
	// is unset.
	OwnerUsername string
	OwnerPassword string
}

// FeaturesConfig toggles optional server surfaces and features
type FeaturesConfig struct {
	EnableSwagger    bool
	EnablePlayground bool
	EnableUpload     bool
	EnableKoreader   bool
}

// JanitorConfig holds the background cleanup schedule
type JanitorConfig struct {
	// Schedule is a cron expression, e.g. "@hourly"
	Schedule string
}

// Load reads configuration from STUMP_* environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("STUMP_HOST", "0.0.0.0"),
			Port:            getEnv("STUMP_PORT", "10801"),
			ReadTimeout:     getEnvDuration("STUMP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("STUMP_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("STUMP_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("STUMP_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Driver: getEnv("STUMP_DB_DRIVER", "sqlite3"),
			DSN:    getEnv("STUMP_DB_DSN", "stump.db"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("STUMP_REDIS_ADDR", "127.0.0.1:6379"),
			Password: getEnv("STUMP_REDIS_PASSWORD", ""),
			DB:       getEnvInt("STUMP_REDIS_DB", 0),
		},
		Auth: AuthConfig{
			AccessTokenTTL:     getEnvDuration("STUMP_ACCESS_TOKEN_TTL", 15*time.Minute),
			RefreshTokenTTL:    getEnvDuration("STUMP_REFRESH_TOKEN_TTL", 30*24*time.Hour),
			AccessTokenSecret:  getEnv("STUMP_ACCESS_TOKEN_SECRET", ""),
			RefreshTokenSecret: getEnv("STUMP_REFRESH_TOKEN_SECRET", ""),
			PasswordHashCost:   getEnvInt("STUMP_PASSWORD_HASH_COST", 12),
			SessionTTL:         getEnvDuration("STUMP_SESSION_TTL", 3*24*time.Hour),
			MaxSessionsPerUser: getEnvInt("STUMP_MAX_SESSIONS_PER_USER", 10),
			OwnerUsername:      getEnv("STUMP_OWNER_USERNAME", "admin"),
			OwnerPassword:      getEnv("STUMP_OWNER_PASSWORD", ""),
		},
		Features: FeaturesConfig{
			EnableSwagger:    getEnvBool("STUMP_ENABLE_SWAGGER", false),
			EnablePlayground: getEnvBool("STUMP_ENABLE_PLAYGROUND", false),
			EnableUpload:     getEnvBool("STUMP_ENABLE_UPLOAD", false),
			EnableKoreader:   getEnvBool("STUMP_ENABLE_KOREADER_SYNC", false),
		},
		Janitor: JanitorConfig{
			Schedule: getEnv("STUMP_JANITOR_SCHEDULE", "@hourly"),
		},
		LogLevel: getEnv("STUMP_LOG_LEVEL", "INFO"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("access token TTL must be positive")
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		return fmt.Errorf("refresh token TTL must exceed access token TTL")
	}
	if c.Auth.PasswordHashCost < 4 || c.Auth.PasswordHashCost > 31 {
		return fmt.Errorf("password hash cost must be between 4 and 31")
	}
	if c.Auth.MaxSessionsPerUser < 1 {
		return fmt.Errorf("max sessions per user must be at least 1")
	}
	if c.Janitor.Schedule == "" {
		return fmt.Errorf("janitor schedule must not be empty")
	}

	return nil
}

// FeatureEnabled reports whether a named optional feature is enabled.
// Satisfies guard.FeatureSource.
func (c *Config) FeatureEnabled(feature string) bool {
	switch feature {
	case "upload":
		return c.Features.EnableUpload
	case "koreader_sync":
		return c.Features.EnableKoreader
	default:
		return false
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
