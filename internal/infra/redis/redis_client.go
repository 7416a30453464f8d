package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"media-fetch-service/internal/config"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

type RedisClient interface {
	Ping(ctx context.Context) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Close() error
}

var _ RedisClient = (*Client)(nil)

// Client is the process-wide Redis connection. It is created once at startup
// and closed explicitly on shutdown.
type Client struct {
	cli *redis.Client
}

// Options builds go-redis options from config. URLs with a scheme go through
// redis.ParseURL (rediss:// enables TLS); bare host:port is used as an address.
func Options(cfg *config.RedisConfig) (*redis.Options, error) {
	var opts *redis.Options
	if strings.Contains(cfg.URL, "://") {
		o, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = o
	} else {
		opts = &redis.Options{Addr: cfg.URL, DB: cfg.DB}
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	return opts, nil
}

func NewClient(ctx context.Context, cfg *config.RedisConfig) (*Client, error) {
	opts, err := Options(cfg)
	if err != nil {
		return nil, err
	}
	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return &Client{cli: c}, nil
}

// Wrap adopts an existing go-redis client.
func Wrap(c *redis.Client) *Client { return &Client{cli: c} }

func (c *Client) Ping(ctx context.Context) error { return c.cli.Ping(ctx).Err() }

func (c *Client) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.cli.Set(ctx, key, value, expiration).Err()
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	return c.cli.Get(ctx, key).Result()
}

func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	return c.cli.Incr(ctx, key).Result()
}

func (c *Client) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return c.cli.Expire(ctx, key, expiration).Err()
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.cli.Del(ctx, keys...).Err()
}

func (c *Client) Close() error { return c.cli.Close() }

// KeepAlive pings every interval until ctx is done. Failures are logged, not fatal.
func (c *Client) KeepAlive(ctx context.Context, interval time.Duration, logger *zerolog.Logger) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := c.Ping(pctx); err != nil {
				logger.Warn().Err(err).Msg("redis keep-alive ping failed")
			} else {
				logger.Trace().Msg("redis keep-alive ping ok")
			}
			cancel()
		}
	}
}
