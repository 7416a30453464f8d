//go:build !integration

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_DefaultsWhenDefaultFileMissing(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := LoadConfig("", false)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "redis://127.0.0.1:6379", cfg.Redis.URL)
	assert.Equal(t, time.Hour, cfg.Redis.TTL)
	assert.Equal(t, 60*time.Second, cfg.Redis.KeepAlive)
	assert.Equal(t, "video-download-queue", cfg.Queue.Name)
	assert.Equal(t, "redis", cfg.Queue.Backend)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Queue.BackoffBase)
	assert.Equal(t, 24*time.Hour, cfg.Queue.CompletedRetention)
	assert.Equal(t, 1, cfg.Worker.Concurrency)
	assert.Equal(t, "yt-dlp", cfg.Fetcher.Binary)
	assert.Equal(t, int64(1<<30), cfg.Fetcher.MaxFileSize)
	assert.Equal(t, 8192, cfg.Fetcher.StderrLimit)
	assert.Equal(t, 2000, cfg.RateLimit.APILimit)
	assert.Equal(t, 10, cfg.RateLimit.DownloadLimit)
	assert.Equal(t, "@every 30s", cfg.Scheduler.StallCheckCron)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.yaml")
	body := `
env: development
server:
  port: 8080
queue:
  max_attempts: 5
  backoff_base: 2s
worker:
  concurrency: 4
fetcher:
  scratch_dir: /var/tmp/media
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("PORT", "9090")
	t.Setenv("MAX_FILE_SIZE", "1024")
	t.Setenv("REDIS_URL", "redis://cache:6379/2")

	cfg, err := LoadConfig(path, false)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port, "env must win over file")
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Queue.BackoffBase)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, "/var/tmp/media", cfg.Fetcher.ScratchDir)
	assert.Equal(t, int64(1024), cfg.Fetcher.MaxFileSize)
	assert.Equal(t, "redis://cache:6379/2", cfg.Redis.URL)
	assert.True(t, cfg.Runtime.Dev)
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Run("explicit missing path", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"), false)
		assert.Error(t, err)
	})

	t.Run("postgres backend without database url", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "app.yaml")
		require.NoError(t, os.WriteFile(path, []byte("queue:\n  backend: postgres\n"), 0o600))
		t.Setenv("DATABASE_URL", "")
		_, err := LoadConfig(path, false)
		assert.Error(t, err)
	})

	t.Run("bad PORT", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "app.yaml")
		require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))
		t.Setenv("PORT", "http")
		_, err := LoadConfig(path, false)
		assert.Error(t, err)
	})
}
