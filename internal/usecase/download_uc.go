// File: internal/usecase/download_uc.go
package usecase

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"media-fetch-service/internal/domain/model"
	"media-fetch-service/internal/domain/ports/repository"
	"media-fetch-service/internal/infra/logging"
)

// Compile-time check
var _ DownloadUseCase = (*downloadUC)(nil)

// DownloadUseCase accepts download requests and queues them. It never waits for execution.
type DownloadUseCase interface {
	Submit(ctx context.Context, p model.Payload) (jobID string, err error)
}

type downloadUC struct {
	jobs        repository.JobStore
	maxAttempts int
	newID       func() string
	log         *zerolog.Logger
}

func NewDownloadUseCase(jobs repository.JobStore, maxAttempts int, logger *zerolog.Logger) *downloadUC {
	return &downloadUC{
		jobs:        jobs,
		maxAttempts: maxAttempts,
		newID:       func() string { return ulid.Make().String() },
		log:         logger,
	}
}

// Submit creates a waiting job and returns once the store has acknowledged it.
func (d *downloadUC) Submit(ctx context.Context, p model.Payload) (string, error) {
	defer logging.TraceDuration(d.log, "DownloadUC.Submit")()

	job, err := model.NewJob(d.newID(), p, d.maxAttempts)
	if err != nil {
		return "", err
	}
	if err := d.jobs.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	logging.With(logging.WithJobID(ctx, job.ID), d.log).Info().
		Str("mode", string(job.Payload.Mode)).
		Msg("download job queued")
	return job.ID, nil
}
