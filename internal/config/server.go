package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Database drivers accepted by DB_DRIVER
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// ServerConfig holds the central server settings read from the environment
type ServerConfig struct {
	DBDriver    string
	DatabaseURL string

	Port     string
	NATSHost string
	NATSPort int

	Env       string
	LogLevel  string
	LogFormat string

	DefaultPerPage  int
	MaxPerPage      int
	WorkerQueueSize int

	HealthRetentionDays int
	CORSOrigins         []string
}

// Production reports whether ENV=production
func (c ServerConfig) Production() bool {
	return c.Env == "production"
}

// LoadServer reads .env files (missing files are ignored) and then the environment
func LoadServer(envFiles ...string) (ServerConfig, bool, error) {
	loadedEnv := godotenv.Load(envFiles...) == nil

	cfg := ServerConfig{
		DBDriver:    strings.ToLower(getEnv("DB_DRIVER", DriverPostgres)),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Port:        getEnv("PORT", "3001"),
		NATSHost:    getEnv("NATS_HOST", "0.0.0.0"),
		Env:         getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),
		CORSOrigins: splitList(os.Getenv("CORS_ORIGINS")),
	}

	var err error
	if cfg.NATSPort, err = getEnvInt("NATS_PORT", 4233); err != nil {
		return cfg, loadedEnv, err
	}
	if cfg.DefaultPerPage, err = getEnvInt("DEFAULT_PER_PAGE", 20); err != nil {
		return cfg, loadedEnv, err
	}
	if cfg.MaxPerPage, err = getEnvInt("MAX_PER_PAGE", 100); err != nil {
		return cfg, loadedEnv, err
	}
	if cfg.WorkerQueueSize, err = getEnvInt("WORKER_QUEUE_SIZE", 64); err != nil {
		return cfg, loadedEnv, err
	}
	if cfg.HealthRetentionDays, err = getEnvInt("HEALTH_RETENTION_DAYS", 30); err != nil {
		return cfg, loadedEnv, err
	}

	return cfg, loadedEnv, cfg.Validate()
}

// Validate checks the settings that have no usable default
func (c ServerConfig) Validate() error {
	switch c.DBDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL environment variable is not set")
	}
	if c.DefaultPerPage < 1 || c.MaxPerPage < c.DefaultPerPage {
		return fmt.Errorf("invalid pagination bounds: default %d, max %d", c.DefaultPerPage, c.MaxPerPage)
	}
	if c.WorkerQueueSize < 1 {
		return fmt.Errorf("WORKER_QUEUE_SIZE must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
