package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- defaults ---

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CHATSYNC_REMOTE_URL", "https://sync.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsEnabled)
	assert.Equal(t, 300*time.Second, cfg.SyncInterval)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, "last-writer-wins", cfg.ConflictPolicy)
	assert.True(t, cfg.SyncOnAppLaunch)
	assert.True(t, cfg.SyncOnAppForeground)
	assert.True(t, cfg.SyncOnNetworkChange)
	assert.True(t, cfg.BackgroundSyncEnabled)
	assert.Equal(t, 30, cfg.RetentionDays)
	assert.Equal(t, "development", cfg.Environment)
	assert.False(t, cfg.IsProduction())
	assert.NotEmpty(t, cfg.DeviceID)
	assert.NotEmpty(t, cfg.DeviceName)
	assert.NotEmpty(t, cfg.Platform)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CHATSYNC_REMOTE_URL", "https://sync.example.com")
	t.Setenv("SYNC_INTERVAL", "30s")
	t.Setenv("SYNC_BATCH_SIZE", "10")
	t.Setenv("SYNC_CONFLICT_POLICY", "merge")
	t.Setenv("CHATSYNC_DEVICE_ID", "laptop-1")
	t.Setenv("CHATSYNC_DEVICE_NAME", "Work Laptop")
	t.Setenv("CHATSYNC_PLATFORM", "darwin")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, "merge", cfg.ConflictPolicy)
	assert.Equal(t, "laptop-1", cfg.DeviceID)
	assert.Equal(t, "Work Laptop", cfg.DeviceName)
	assert.Equal(t, "darwin", cfg.Platform)
	assert.True(t, cfg.IsProduction())
}

// --- validation ---

func TestLoad_MissingRemoteURL(t *testing.T) {
	t.Setenv("SYNC_ENABLED", "true")
	t.Setenv("CHATSYNC_REMOTE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHATSYNC_REMOTE_URL")
}

func TestLoad_DisabledSkipsRemoteURL(t *testing.T) {
	t.Setenv("SYNC_ENABLED", "false")
	t.Setenv("CHATSYNC_REMOTE_URL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.IsEnabled)
}

func TestLoad_InvalidInterval(t *testing.T) {
	t.Setenv("CHATSYNC_REMOTE_URL", "https://sync.example.com")
	t.Setenv("SYNC_INTERVAL", "0s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYNC_INTERVAL")
}

func TestLoad_InvalidBatchSize(t *testing.T) {
	t.Setenv("CHATSYNC_REMOTE_URL", "https://sync.example.com")
	t.Setenv("SYNC_BATCH_SIZE", "-1")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYNC_BATCH_SIZE")
}

func TestLoad_InvalidPolicy(t *testing.T) {
	t.Setenv("CHATSYNC_REMOTE_URL", "https://sync.example.com")
	t.Setenv("SYNC_CONFLICT_POLICY", "newest-device-wins")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYNC_CONFLICT_POLICY")
}

func TestLoad_InvalidRetention(t *testing.T) {
	t.Setenv("CHATSYNC_REMOTE_URL", "https://sync.example.com")
	t.Setenv("SYNC_RETENTION_DAYS", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYNC_RETENTION_DAYS")
}

// --- derived values ---

func TestRetention(t *testing.T) {
	cfg := &Config{RetentionDays: 30}
	assert.Equal(t, 30*24*time.Hour, cfg.Retention())
}
