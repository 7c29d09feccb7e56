package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the fieldops server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Sync      SyncConfig
	RateLimit int
}

type ServerConfig struct {
	Port  int
	Env   string
	Store string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

// SyncConfig tunes how controllers talk to the authoritative store.
type SyncConfig struct {
	StoreTimeout     time.Duration
	ConflictRetries  int
	TransportRetries int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	Timezone         *time.Location
	// WorkerIdle is how long a worker's attendance cache lives without use.
	WorkerIdle time.Duration
}

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:  envInt("FIELDOPS_PORT", 8080),
			Env:   envString("FIELDOPS_ENV", "development"),
			Store: envString("FIELDOPS_STORE", StorePostgres),
		},
		Database: databaseFromEnv(),
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Sync: SyncConfig{
			StoreTimeout:     envDuration("FIELDOPS_STORE_TIMEOUT", 5*time.Second),
			ConflictRetries:  envInt("FIELDOPS_CONFLICT_RETRIES", 3),
			TransportRetries: envInt("FIELDOPS_TRANSPORT_RETRIES", 3),
			BackoffInitial:   envDuration("FIELDOPS_FEED_BACKOFF_INITIAL", time.Second),
			BackoffMax:       envDuration("FIELDOPS_FEED_BACKOFF_MAX", 30*time.Second),
			WorkerIdle:       envDuration("FIELDOPS_WORKER_IDLE", 24*time.Hour),
		},
		RateLimit: envInt("FIELDOPS_RATE_LIMIT_PER_MIN", 60),
	}

	tz := envString("FIELDOPS_TIMEZONE", "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("FIELDOPS_TIMEZONE must be an IANA zone name, got %q", tz)
	}
	cfg.Sync.Timezone = loc

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDatabase reads only the database settings. Admin commands use it so
// they do not need the server's Redis and sync settings.
func LoadDatabase() (DatabaseConfig, error) {
	db := databaseFromEnv()
	if err := db.validate(); err != nil {
		return DatabaseConfig{}, err
	}
	return db, nil
}

func databaseFromEnv() DatabaseConfig {
	return DatabaseConfig{
		URL:             os.Getenv("DATABASE_URL"),
		MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		MigrationsDir:   envString("FIELDOPS_MIGRATIONS_DIR", "migrations"),
	}
}

func (d DatabaseConfig) validate() error {
	if d.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if !strings.HasPrefix(d.URL, "postgres://") && !strings.HasPrefix(d.URL, "postgresql://") {
		return fmt.Errorf("DATABASE_URL must start with postgres:// or postgresql://")
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Server.Store {
	case StorePostgres:
		if err := c.Database.validate(); err != nil {
			return err
		}
	case StoreMemory:
	default:
		return fmt.Errorf("FIELDOPS_STORE must be one of postgres, memory; got %q", c.Server.Store)
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Sync.StoreTimeout <= 0 {
		return fmt.Errorf("FIELDOPS_STORE_TIMEOUT must be positive")
	}
	if c.Sync.ConflictRetries < 1 {
		return fmt.Errorf("FIELDOPS_CONFLICT_RETRIES must be at least 1")
	}
	if c.Sync.TransportRetries < 0 {
		return fmt.Errorf("FIELDOPS_TRANSPORT_RETRIES must not be negative")
	}
	if c.Sync.BackoffInitial <= 0 || c.Sync.BackoffMax < c.Sync.BackoffInitial {
		return fmt.Errorf("FIELDOPS_FEED_BACKOFF_MAX must be >= FIELDOPS_FEED_BACKOFF_INITIAL > 0")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
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
