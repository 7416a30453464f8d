package ytdlp

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"media-fetch-service/internal/domain"
	"media-fetch-service/internal/domain/model"
	"media-fetch-service/internal/domain/ports/adapter"
	"media-fetch-service/internal/infra/metrics"
)

var _ adapter.MediaFetcher = (*cachedFetcher)(nil)

// cachedFetcher memoizes Info lookups; downloads always reach the inner fetcher.
type cachedFetcher struct {
	inner adapter.MediaFetcher
	cache adapter.InfoCache
	log   *zerolog.Logger
}

func NewCachedFetcher(inner adapter.MediaFetcher, cache adapter.InfoCache, logger *zerolog.Logger) adapter.MediaFetcher {
	return &cachedFetcher{inner: inner, cache: cache, log: logger}
}

func (c *cachedFetcher) Info(ctx context.Context, url string) (*model.MediaInfo, error) {
	info, err := c.cache.Get(ctx, url)
	if err == nil {
		metrics.IncCacheRequest("media_info", "hit")
		return info, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		c.log.Warn().Err(err).Msg("media info cache read failed")
	}

	metrics.IncCacheRequest("media_info", "miss")
	info, err = c.inner.Info(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, url, info); err != nil {
		c.log.Warn().Err(err).Msg("media info cache write failed")
	}
	return info, nil
}

func (c *cachedFetcher) Fetch(ctx context.Context, req adapter.FetchRequest, progress chan<- float64) (*adapter.FetchOutcome, error) {
	return c.inner.Fetch(ctx, req, progress)
}
