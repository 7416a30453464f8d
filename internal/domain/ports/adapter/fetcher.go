package adapter

import (
	"context"

	"media-fetch-service/internal/domain/model"
)

// FetchRequest describes one execution of the external media tool.
// Token is embedded in the output filename and must be unique per attempt.
type FetchRequest struct {
	URL   string
	Mode  model.Mode
	Token string
}

// FetchOutcome is the resolved artifact of a successful fetch.
type FetchOutcome struct {
	Path string
	Size int64
}

// MediaFetcher is the port for the external download tool.
type MediaFetcher interface {
	Info(ctx context.Context, url string) (*model.MediaInfo, error)

	// Fetch blocks until the child process exits. Percentages are sent on progress as they are
	// printed, unsmoothed; the channel is owned by the caller and never closed by Fetch.
	// Failures are *domain.ToolError or domain.ErrArtifactNotFound.
	Fetch(ctx context.Context, req FetchRequest, progress chan<- float64) (*FetchOutcome, error)
}

// InfoCache memoizes metadata lookups by URL.
type InfoCache interface {
	Get(ctx context.Context, url string) (*model.MediaInfo, error)
	Set(ctx context.Context, url string, info *model.MediaInfo) error
}
