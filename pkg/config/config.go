// Package config builds the immutable configuration consumed by every
// Paddock component. The struct is constructed once at startup from
// environment variables (plus command-line overrides) and passed by
// reference; nothing re-reads the environment afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/paddock-io/paddock/pkg/types"
)

// StoreDriver selects the persistent store backend
type StoreDriver string

const (
	StoreRedis  StoreDriver = "redis"
	StoreMemory StoreDriver = "memory"
	StoreBolt   StoreDriver = "bolt"
)

// StoreConfig holds persistent store connection parameters
type StoreConfig struct {
	Driver         StoreDriver
	Addr           string // host:port for redis
	Password       string
	DB             int
	BoltPath       string // database file for the bolt driver
	EnableFallback bool   // degrade to the in-memory store when redis is unreachable
}

// MigrationConfig controls the spot-instance migration sweep
type MigrationConfig struct {
	Enabled             bool
	Interval            time.Duration
	EligibilityInterval time.Duration // 1h..168h
	MaxConcurrent       int
	DryRun              bool
}

// SyncConfig controls startup and periodic reconciliation with upstream
type SyncConfig struct {
	EnableAutomatic   bool
	Interval          time.Duration // 5m..24h
	RemoveObsolete    bool
	ObsoleteRetention time.Duration // 1..365 days
}

// AutoStopConfig controls idle-instance shutdown
type AutoStopConfig struct {
	Enabled       bool
	Interval      time.Duration
	IdleThreshold time.Duration
	DryRun        bool
}

// Config is the resolved, validated configuration for one Paddock process
type Config struct {
	APIKey     string
	APIBaseURL string

	WebhookURL    string
	WebhookSecret string

	DefaultRegion string
	Regions       []types.Region

	PollInterval     time.Duration
	MaxRetryAttempts int
	RequestTimeout   time.Duration
	StartupMaxWait   time.Duration
	JobTimeout       time.Duration
	RateLimitPerMin  int

	Migration MigrationConfig
	Sync      SyncConfig
	AutoStop  AutoStopConfig
	Store     StoreConfig

	ListenAddr string
	LogLevel   string
	LogJSON    bool
}

// FromEnv builds a Config from the process environment and validates it
func FromEnv() (*Config, error) {
	cfg := &Config{
		APIKey:     os.Getenv("NOVITA_API_KEY"),
		APIBaseURL: envStr("NOVITA_API_BASE_URL", "https://api.novita.ai/gpu-instance/openapi"),

		WebhookURL:    os.Getenv("WEBHOOK_URL"),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),

		DefaultRegion: envStr("DEFAULT_REGION", "CN-HK-01"),

		PollInterval:     time.Duration(envInt("INSTANCE_POLL_INTERVAL", 30)) * time.Second,
		MaxRetryAttempts: envInt("MAX_RETRY_ATTEMPTS", 3),
		RequestTimeout:   time.Duration(envInt("REQUEST_TIMEOUT", 30000)) * time.Millisecond,
		StartupMaxWait:   time.Duration(envInt("STARTUP_MAX_WAIT_MS", 1200000)) * time.Millisecond,
		JobTimeout:       time.Duration(envInt("JOB_TIMEOUT_MS", 600000)) * time.Millisecond,
		RateLimitPerMin:  envInt("RATE_LIMIT_PER_MINUTE", 100),

		Migration: MigrationConfig{
			Enabled:             envBool("MIGRATION_ENABLED", false),
			Interval:            time.Duration(envInt("MIGRATION_INTERVAL_MINUTES", 15)) * time.Minute,
			EligibilityInterval: time.Duration(envInt("MIGRATION_ELIGIBILITY_INTERVAL_HOURS", 4)) * time.Hour,
			MaxConcurrent:       envInt("MIGRATION_MAX_CONCURRENT", 5),
			DryRun:              envBool("MIGRATION_DRY_RUN", false),
		},
		Sync: SyncConfig{
			EnableAutomatic:   envBool("SYNC_ENABLE_AUTOMATIC_SYNC", false),
			Interval:          time.Duration(envInt("SYNC_INTERVAL_MINUTES", 30)) * time.Minute,
			RemoveObsolete:    envBool("SYNC_REMOVE_OBSOLETE_INSTANCES", false),
			ObsoleteRetention: time.Duration(envInt("SYNC_OBSOLETE_INSTANCE_RETENTION_DAYS", 7)) * 24 * time.Hour,
		},
		AutoStop: AutoStopConfig{
			Enabled:       envBool("AUTO_STOP_ENABLED", true),
			Interval:      time.Duration(envInt("AUTO_STOP_INTERVAL_MINUTES", 5)) * time.Minute,
			IdleThreshold: time.Duration(envInt("AUTO_STOP_IDLE_MINUTES", 20)) * time.Minute,
			DryRun:        envBool("AUTO_STOP_DRY_RUN", false),
		},
		Store: StoreConfig{
			Driver:         StoreDriver(envStr("STORE_DRIVER", string(StoreRedis))),
			Addr:           envStr("STORE_ADDR", "localhost:6379"),
			Password:       os.Getenv("STORE_PASSWORD"),
			DB:             envInt("STORE_DB", 0),
			BoltPath:       envStr("STORE_BOLT_PATH", "./paddock.db"),
			EnableFallback: envBool("STORE_ENABLE_FALLBACK", true),
		},

		ListenAddr: envStr("LISTEN_ADDR", ":8080"),
		LogLevel:   envStr("LOG_LEVEL", "info"),
		LogJSON:    envBool("LOG_JSON", true),
	}

	cfg.Regions = DefaultRegions()
	if path := os.Getenv("REGIONS_FILE"); path != "" {
		regions, err := LoadRegions(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load regions file: %w", err)
		}
		cfg.Regions = regions
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and documented option ranges
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("NOVITA_API_KEY is required")
	}
	if h := c.Migration.EligibilityInterval; h < time.Hour || h > 168*time.Hour {
		return fmt.Errorf("migration eligibility interval %v out of range [1h, 168h]", h)
	}
	if c.Sync.Interval < 5*time.Minute || c.Sync.Interval > 24*time.Hour {
		return fmt.Errorf("sync interval %v out of range [5m, 24h]", c.Sync.Interval)
	}
	if d := c.Sync.ObsoleteRetention; d < 24*time.Hour || d > 365*24*time.Hour {
		return fmt.Errorf("obsolete retention %v out of range [1d, 365d]", d)
	}
	if c.Migration.MaxConcurrent < 1 {
		return fmt.Errorf("migration max concurrent must be at least 1")
	}
	switch c.Store.Driver {
	case StoreRedis, StoreMemory, StoreBolt:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if len(c.Regions) == 0 {
		return fmt.Errorf("region table must not be empty")
	}
	return nil
}

// DefaultRegions returns the built-in region fallback table.
// Priority is numeric; lower is preferred after the requested region.
func DefaultRegions() []types.Region {
	return []types.Region{
		{Code: "CN-HK-01", ClusterID: "cn-hongkong-1", Priority: 1},
		{Code: "AS-SGP-02", ClusterID: "as-singapore-2", Priority: 2},
		{Code: "US-CA-06", ClusterID: "us-california-6", Priority: 3},
		{Code: "EU-FRA-01", ClusterID: "eu-frankfurt-1", Priority: 4},
	}
}

// LoadRegions reads a region table override from a YAML file
func LoadRegions(path string) ([]types.Region, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Regions []types.Region `yaml:"regions"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid regions file: %w", err)
	}
	if len(doc.Regions) == 0 {
		return nil, fmt.Errorf("regions file %s lists no regions", path)
	}
	return doc.Regions, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
