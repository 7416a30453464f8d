package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"media-fetch-service/internal/domain"
	"media-fetch-service/internal/domain/model"
	"media-fetch-service/internal/domain/ports/adapter"
	"media-fetch-service/internal/domain/ports/repository"
	"media-fetch-service/internal/infra/metrics"
)

const progressBuffer = 16

type ProcessorOptions struct {
	PollInterval    time.Duration
	LeaseTTL        time.Duration
	BackoffBase     time.Duration
	MaxAttempts     int
	FinalizeTimeout time.Duration
}

func (o ProcessorOptions) withDefaults() ProcessorOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 30 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = model.DefaultMaxAttempts
	}
	if o.FinalizeTimeout <= 0 {
		o.FinalizeTimeout = 10 * time.Second
	}
	return o
}

// DownloadProcessor claims queued jobs and drives the media fetcher for each one.
type DownloadProcessor struct {
	jobs    repository.JobStore
	fetcher adapter.MediaFetcher
	opts    ProcessorOptions
	log     *zerolog.Logger
}

func NewDownloadProcessor(
	jobs repository.JobStore,
	fetcher adapter.MediaFetcher,
	opts ProcessorOptions,
	log *zerolog.Logger,
) *DownloadProcessor {
	return &DownloadProcessor{
		jobs:    jobs,
		fetcher: fetcher,
		opts:    opts.withDefaults(),
		log:     log,
	}
}

// Start polls for work until ctx is cancelled, submitting one claim attempt per idle pool slot.
// This should be run in a goroutine.
func (p *DownloadProcessor) Start(ctx context.Context, pool *Pool) {
	p.log.Info().Int("concurrency", pool.Size()).Msg("download processor started")
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("download processor stopping")
			return
		case <-ticker.C:
			for i := pool.Idle(); i > 0; i-- {
				if err := pool.Submit(func(ctx context.Context) error {
					p.ProcessOne(ctx)
					return nil
				}); err != nil {
					break
				}
			}
		}
	}
}

// ProcessOne claims at most one job and runs it to a terminal or delayed state.
// It reports whether a job was claimed.
func (p *DownloadProcessor) ProcessOne(ctx context.Context) bool {
	token := uuid.NewString()
	job, err := p.jobs.Claim(ctx, token, p.opts.LeaseTTL)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			p.log.Error().Err(err).Msg("failed to claim download job")
		}
		return false
	}
	p.execute(ctx, job, token)
	return true
}

func (p *DownloadProcessor) execute(ctx context.Context, job *model.Job, token string) {
	attempt := job.Attempts + 1
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.opts.MaxAttempts
	}
	log := p.log.With().Str("job_id", job.ID).Int("attempt", attempt).Logger()
	log.Info().Str("mode", string(job.Payload.Mode)).Msg("processing download job")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lost atomic.Bool
	var leaseWG, progressWG sync.WaitGroup
	leaseWG.Add(1)
	go func() {
		defer leaseWG.Done()
		p.keepLease(runCtx, job.ID, token, &lost, cancel, &log)
	}()

	// Reports still buffered when the fetch returns are written with a live context.
	progress := make(chan float64, progressBuffer)
	progressWG.Add(1)
	go func() {
		defer progressWG.Done()
		p.forwardProgress(context.WithoutCancel(ctx), job, token, progress, &lost, &log)
	}()

	start := time.Now()
	outcome, err := p.fetcher.Fetch(runCtx, adapter.FetchRequest{
		URL:   job.Payload.URL,
		Mode:  job.Payload.Mode,
		Token: job.Token(attempt),
	}, progress)
	close(progress)
	progressWG.Wait()
	cancel()
	leaseWG.Wait()
	elapsed := time.Since(start).Seconds()

	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.FinalizeTimeout)
	defer fcancel()

	if lost.Load() {
		log.Warn().Msg("lease lost during execution, discarding outcome")
		if err == nil && outcome != nil {
			p.removeArtifact(outcome.Path, &log)
		}
		return
	}

	if err == nil {
		if outcome == nil {
			err = domain.ErrArtifactNotFound
		} else {
			cerr := p.jobs.Complete(fctx, job.ID, token, *model.NewJobResult(outcome.Path))
			if cerr != nil {
				log.Error().Err(cerr).Msg("failed to record completed job")
				if errors.Is(cerr, domain.ErrLeaseLost) {
					p.removeArtifact(outcome.Path, &log)
				}
				return
			}
			metrics.ObserveJobFinished("completed", elapsed)
			log.Info().Str("path", outcome.Path).Int64("size", outcome.Size).Float64("seconds", elapsed).Msg("download job completed")
			return
		}
	}

	if ctx.Err() != nil {
		// Interrupted by shutdown: hand the job back without spending an attempt.
		if rerr := p.jobs.Retry(fctx, job.ID, token, job.Attempts, "interrupted by shutdown", 0); rerr != nil {
			log.Warn().Err(rerr).Msg("could not requeue interrupted job, leaving it to the stall monitor")
		}
		log.Info().Msg("download job interrupted")
		return
	}

	reason := domain.FailureReason(err)
	if attempt < maxAttempts {
		delay := p.backoff(attempt)
		if rerr := p.jobs.Retry(fctx, job.ID, token, attempt, reason, delay); rerr != nil {
			log.Error().Err(rerr).Msg("failed to schedule retry")
			return
		}
		metrics.ObserveJobFinished("retried", elapsed)
		log.Warn().Err(err).Dur("retry_in", delay).Msg("download attempt failed, retrying")
		return
	}

	if ferr := p.jobs.Fail(fctx, job.ID, token, attempt, reason); ferr != nil {
		log.Error().Err(ferr).Msg("failed to record failed job")
		return
	}
	metrics.ObserveJobFinished("failed", elapsed)
	log.Error().Err(err).Msg("download job failed")
}

// keepLease renews the job lease until ctx ends. Losing the lease cancels the running attempt.
func (p *DownloadProcessor) keepLease(ctx context.Context, id, token string, lost *atomic.Bool, cancel context.CancelFunc, log *zerolog.Logger) {
	t := time.NewTicker(p.opts.LeaseTTL / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := p.jobs.RenewLease(ctx, id, token, p.opts.LeaseTTL)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrLeaseLost), errors.Is(err, domain.ErrNotFound):
				lost.Store(true)
				log.Warn().Err(err).Msg("lease lost, cancelling fetch")
				cancel()
				return
			case ctx.Err() != nil:
				return
			default:
				log.Warn().Err(err).Msg("lease renewal failed")
			}
		}
	}
}

// forwardProgress drains reports until the channel closes. Only increasing values are written,
// and nothing is written once the lease is gone.
func (p *DownloadProcessor) forwardProgress(ctx context.Context, job *model.Job, token string, in <-chan float64, lost *atomic.Bool, log *zerolog.Logger) {
	floor := job.Progress
	for v := range in {
		v = model.ClampProgress(v)
		if v <= floor {
			continue
		}
		floor = v
		if lost.Load() {
			continue
		}
		if err := p.jobs.UpdateProgress(ctx, job.ID, token, v); err != nil {
			metrics.IncProgressWriteFailure()
			log.Warn().Err(err).Float64("progress", v).Msg("progress update failed")
		}
	}
}

func (p *DownloadProcessor) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 20 {
		attempt = 20
	}
	return p.opts.BackoffBase << (attempt - 1)
}

func (p *DownloadProcessor) removeArtifact(path string, log *zerolog.Logger) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("path", path).Msg("could not remove discarded artifact")
	}
}
