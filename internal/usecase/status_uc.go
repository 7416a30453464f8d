// File: internal/usecase/status_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"media-fetch-service/internal/domain"
	"media-fetch-service/internal/domain/model"
	"media-fetch-service/internal/domain/ports/adapter"
	"media-fetch-service/internal/domain/ports/repository"
	"media-fetch-service/internal/infra/logging"
)

// Compile-time check
var _ StatusUseCase = (*statusUC)(nil)

// ArtifactSink receives a finished file. Begin is called once, before the first byte.
type ArtifactSink interface {
	io.Writer
	Begin(filename string, size int64)
}

type StatusUseCase interface {
	// GetStatus is a point-in-time read with no side effects.
	GetStatus(ctx context.Context, jobID string) (*model.JobStatus, error)
	// DeliverArtifact streams a completed job's file into sink and deletes it after a full transfer.
	// Errors returned before Begin was called leave sink untouched.
	DeliverArtifact(ctx context.Context, jobID string, sink ArtifactSink) (int64, error)
}

type statusUC struct {
	jobs    repository.JobStore
	locker  adapter.Locker
	lockKey func(jobID string) string
	lockTTL time.Duration
	log     *zerolog.Logger
}

func NewStatusUseCase(jobs repository.JobStore, locker adapter.Locker, lockKey func(string) string, lockTTL time.Duration, logger *zerolog.Logger) *statusUC {
	if lockTTL <= 0 {
		lockTTL = time.Hour
	}
	return &statusUC{jobs: jobs, locker: locker, lockKey: lockKey, lockTTL: lockTTL, log: logger}
}

func (s *statusUC) GetStatus(ctx context.Context, jobID string) (*model.JobStatus, error) {
	defer logging.TraceDuration(s.log, "StatusUC.GetStatus")()

	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job.Status(), nil
}

func (s *statusUC) DeliverArtifact(ctx context.Context, jobID string, sink ArtifactSink) (int64, error) {
	log := logging.With(logging.WithJobID(ctx, jobID), s.log)

	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job.State != model.JobStateCompleted || job.Result == nil {
		return 0, domain.ErrNotReady
	}

	key := s.lockKey(jobID)
	token, err := s.locker.TryLock(ctx, key, s.lockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		return 0, domain.ErrArtifactBusy
	}
	if err != nil {
		return 0, fmt.Errorf("lock artifact: %w", err)
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.locker.Unlock(uctx, key, token); err != nil {
			log.Warn().Err(err).Msg("failed to release artifact lock")
		}
	}()

	f, err := os.Open(job.Result.Path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, domain.ErrGoneMissing
	}
	if err != nil {
		return 0, fmt.Errorf("open artifact: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("stat artifact: %w", err)
	}

	sink.Begin(job.Result.Filename, st.Size())
	n, copyErr := io.Copy(sink, f)
	_ = f.Close()

	if copyErr != nil || n != st.Size() {
		if copyErr == nil {
			copyErr = io.ErrShortWrite
		}
		log.Warn().Err(copyErr).Int64("written", n).Int64("size", st.Size()).Msg("artifact transfer incomplete, file kept")
		return n, fmt.Errorf("artifact transfer interrupted: %w", copyErr)
	}

	if err := os.Remove(job.Result.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Error().Err(err).Str("path", job.Result.Path).Msg("failed to delete delivered artifact")
	} else {
		log.Info().Int64("bytes", n).Msg("artifact delivered and removed")
	}
	return n, nil
}
