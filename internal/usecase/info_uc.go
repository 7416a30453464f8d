package usecase

import (
	"context"

	"github.com/rs/zerolog"

	"media-fetch-service/internal/domain/model"
	"media-fetch-service/internal/domain/ports/adapter"
	"media-fetch-service/internal/infra/logging"
)

var _ InfoUseCase = (*infoUC)(nil)

type InfoUseCase interface {
	GetInfo(ctx context.Context, url string) (*model.MediaInfo, error)
}

type infoUC struct {
	fetcher adapter.MediaFetcher
	log     *zerolog.Logger
}

func NewInfoUseCase(fetcher adapter.MediaFetcher, logger *zerolog.Logger) *infoUC {
	return &infoUC{fetcher: fetcher, log: logger}
}

func (u *infoUC) GetInfo(ctx context.Context, url string) (*model.MediaInfo, error) {
	defer logging.TraceDuration(u.log, "InfoUC.GetInfo")()
	return u.fetcher.Info(ctx, url)
}
