// Package config loads process-wide sync policy from environment
// variables. Configuration is read once at startup; runtime changes go
// through the engine's update call, never through re-reading the
// environment.
package config

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/jbickell/chatsync/internal/resolver"
)

// Config holds all environment-based configuration for chatsync.
type Config struct {
	// Sync policy.
	IsEnabled      bool          `env:"SYNC_ENABLED" envDefault:"true"`
	SyncInterval   time.Duration `env:"SYNC_INTERVAL" envDefault:"300s"`
	BatchSize      int           `env:"SYNC_BATCH_SIZE" envDefault:"50"`
	MaxRetries     int           `env:"SYNC_MAX_RETRIES" envDefault:"3"`
	ConflictPolicy string        `env:"SYNC_CONFLICT_POLICY" envDefault:"last-writer-wins"`

	// Trigger toggles.
	SyncOnAppLaunch       bool `env:"SYNC_ON_APP_LAUNCH" envDefault:"true"`
	SyncOnAppForeground   bool `env:"SYNC_ON_APP_FOREGROUND" envDefault:"true"`
	SyncOnNetworkChange   bool `env:"SYNC_ON_NETWORK_CHANGE" envDefault:"true"`
	BackgroundSyncEnabled bool `env:"BACKGROUND_SYNC_ENABLED" envDefault:"true"`

	// RetentionDays governs how long resolved-conflict and completed
	// operation log entries are retained before pruning.
	RetentionDays int `env:"SYNC_RETENTION_DAYS" envDefault:"30"`

	// Remote store endpoint (required when sync is enabled).
	RemoteURL string `env:"CHATSYNC_REMOTE_URL"`
	AuthToken string `env:"CHATSYNC_AUTH_TOKEN"`

	// Identity of this device. DeviceID and DeviceName default to the
	// system hostname.
	DeviceID   string `env:"CHATSYNC_DEVICE_ID"`
	DeviceName string `env:"CHATSYNC_DEVICE_NAME"`
	Platform   string `env:"CHATSYNC_PLATFORM"`

	// Storage paths. Empty means the default under ~/.chatsync/.
	StateDBPath string `env:"CHATSYNC_STATE_DB"`
	LocalDBPath string `env:"CHATSYNC_LOCAL_DB"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. Group or world readable files risk
// exposing the auth token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" || cfg.DeviceID == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "chatsync"
		}

		if cfg.DeviceName == "" {
			cfg.DeviceName = hostname
		}

		if cfg.DeviceID == "" {
			cfg.DeviceID = hostname
		}
	}

	if cfg.Platform == "" {
		cfg.Platform = runtime.GOOS
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the invariants the sync core depends on. A missing
// remote endpoint while sync is enabled is the fatal-config condition
// that aborts a run before it can begin meaningful work.
func (c *Config) Validate() error {
	if c.IsEnabled && c.RemoteURL == "" {
		return fmt.Errorf("CHATSYNC_REMOTE_URL is required when sync is enabled")
	}

	if c.SyncInterval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL must be positive, got %s", c.SyncInterval)
	}

	if c.BatchSize <= 0 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be positive, got %d", c.BatchSize)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("SYNC_MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}

	if c.RetentionDays <= 0 {
		return fmt.Errorf("SYNC_RETENTION_DAYS must be positive, got %d", c.RetentionDays)
	}

	if !resolver.Policy(c.ConflictPolicy).Valid() {
		return fmt.Errorf("unknown SYNC_CONFLICT_POLICY %q", c.ConflictPolicy)
	}

	return nil
}

// Retention returns the retention window as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Policy returns the configured conflict resolution policy.
func (c *Config) Policy() resolver.Policy {
	return resolver.Policy(c.ConflictPolicy)
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
