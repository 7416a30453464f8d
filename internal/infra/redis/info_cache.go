package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"media-fetch-service/internal/domain"
	"media-fetch-service/internal/domain/model"
	"media-fetch-service/internal/domain/ports/adapter"
)

var _ adapter.InfoCache = (*InfoCache)(nil)

// InfoCache keeps media metadata per URL for a fixed TTL.
type InfoCache struct {
	client RedisClient
	ttl    time.Duration
}

func NewInfoCache(client RedisClient, ttl time.Duration) *InfoCache {
	return &InfoCache{
		client: client,
		ttl:    ttl,
	}
}

func infoKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return "media_info:" + hex.EncodeToString(sum[:16])
}

func (c *InfoCache) Set(ctx context.Context, url string, info *model.MediaInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, infoKey(url), data, c.ttl)
}

func (c *InfoCache) Get(ctx context.Context, url string) (*model.MediaInfo, error) {
	data, err := c.client.Get(ctx, infoKey(url))
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var info model.MediaInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return nil, err
	}
	return &info, nil
}
