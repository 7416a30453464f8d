// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no -config flag is given; it may be absent.
const DefaultPath = "config.yaml"

type RuntimeConfig struct {
	Dev  bool
	Role string // all | api | worker
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	URL       string        `yaml:"url"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	TTL       time.Duration `yaml:"ttl"`        // info cache entries
	KeepAlive time.Duration `yaml:"keep_alive"` // ping interval
}

type QueueConfig struct {
	Name               string        `yaml:"name"`
	Backend            string        `yaml:"backend"` // redis | postgres
	MaxAttempts        int           `yaml:"max_attempts"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	CompletedRetention time.Duration `yaml:"completed_retention"`
	LeaseTTL           time.Duration `yaml:"lease_ttl"`
}

type WorkerConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type FetcherConfig struct {
	Binary      string        `yaml:"binary"`
	ScratchDir  string        `yaml:"scratch_dir"`
	InfoTimeout time.Duration `yaml:"info_timeout"`
	StderrLimit int           `yaml:"stderr_limit"`
	MaxFileSize int64         `yaml:"max_file_size"`
}

type RateLimitConfig struct {
	APILimit       int           `yaml:"api_limit"`
	APIWindow      time.Duration `yaml:"api_window"`
	DownloadLimit  int           `yaml:"download_limit"`
	DownloadWindow time.Duration `yaml:"download_window"`
}

type SchedulerConfig struct {
	StallCheckCron     string `yaml:"stall_check_cron"`
	RetentionSweepCron string `yaml:"retention_sweep_cron"`
	QueueGaugeCron     string `yaml:"queue_gauge_cron"`
}

type Config struct {
	Env       string          `yaml:"env"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Queue     QueueConfig     `yaml:"queue"`
	Worker    WorkerConfig    `yaml:"worker"`
	Fetcher   FetcherConfig   `yaml:"fetcher"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Scheduler SchedulerConfig `yaml:"scheduler"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads path, applies environment overrides and fills defaults.
// A missing file at DefaultPath is fine; any other unreadable path is an error.
func LoadConfig(path string, dev bool) (*Config, error) {
	var cfg Config
	if path == "" {
		path = DefaultPath
	}
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Runtime.Dev = dev || cfg.Env == "development"
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		cfg.Server.Port = p
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("TMP_DIR"); v != "" {
		cfg.Fetcher.ScratchDir = v
	}
	if v := os.Getenv("MAX_FILE_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_FILE_SIZE: %w", err)
		}
		cfg.Fetcher.MaxFileSize = n
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.Env = v
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Env == "" {
		cfg.Env = "production"
	}
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 3000
	}
	if cfg.Server.ReadTimeout <= 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.RequestTimeout <= 0 {
		cfg.Server.RequestTimeout = 90 * time.Second
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "redis://127.0.0.1:6379"
	}
	cfg.Redis.TTL = normalizeTTL(cfg.Redis.TTL)
	if cfg.Redis.KeepAlive <= 0 {
		cfg.Redis.KeepAlive = 60 * time.Second
	}

	if cfg.Queue.Name == "" {
		cfg.Queue.Name = "video-download-queue"
	}
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = "redis"
	}
	cfg.Queue.Backend = strings.ToLower(cfg.Queue.Backend)
	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.BackoffBase <= 0 {
		cfg.Queue.BackoffBase = 5 * time.Second
	}
	if cfg.Queue.CompletedRetention <= 0 {
		cfg.Queue.CompletedRetention = 24 * time.Hour
	}
	if cfg.Queue.LeaseTTL <= 0 {
		cfg.Queue.LeaseTTL = 30 * time.Second
	}

	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 1
	}
	if cfg.Worker.PollInterval <= 0 {
		cfg.Worker.PollInterval = 500 * time.Millisecond
	}

	if cfg.Fetcher.Binary == "" {
		cfg.Fetcher.Binary = "yt-dlp"
	}
	if cfg.Fetcher.ScratchDir == "" {
		cfg.Fetcher.ScratchDir = filepath.Join(os.TempDir(), "yt-downloads")
	}
	if cfg.Fetcher.InfoTimeout <= 0 {
		cfg.Fetcher.InfoTimeout = 60 * time.Second
	}
	if cfg.Fetcher.StderrLimit <= 0 {
		cfg.Fetcher.StderrLimit = 8 << 10
	}
	if cfg.Fetcher.MaxFileSize <= 0 {
		cfg.Fetcher.MaxFileSize = 1 << 30
	}

	if cfg.RateLimit.APILimit <= 0 {
		cfg.RateLimit.APILimit = 2000
	}
	if cfg.RateLimit.APIWindow <= 0 {
		cfg.RateLimit.APIWindow = 15 * time.Minute
	}
	if cfg.RateLimit.DownloadLimit <= 0 {
		cfg.RateLimit.DownloadLimit = 10
	}
	if cfg.RateLimit.DownloadWindow <= 0 {
		cfg.RateLimit.DownloadWindow = time.Hour
	}

	if cfg.Scheduler.StallCheckCron == "" {
		cfg.Scheduler.StallCheckCron = "@every 30s"
	}
	if cfg.Scheduler.RetentionSweepCron == "" {
		cfg.Scheduler.RetentionSweepCron = "@every 10m"
	}
	if cfg.Scheduler.QueueGaugeCron == "" {
		cfg.Scheduler.QueueGaugeCron = "@every 15s"
	}
}

// Validate checks settings defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Queue.Backend {
	case "redis":
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database.url is required for the postgres queue backend")
		}
	default:
		return fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend)
	}
	if c.Queue.LeaseTTL < 3*time.Second {
		return errors.New("queue.lease_ttl must be at least 3s")
	}
	return nil
}

func normalizeTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Hour
	}
	return d
}
