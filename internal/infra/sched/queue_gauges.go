package sched

import (
	"context"

	"github.com/rs/zerolog"

	"media-fetch-service/internal/domain/model"
	"media-fetch-service/internal/domain/ports/repository"
	"media-fetch-service/internal/infra/metrics"
)

// PoolStatsFunc reports total, idle and in-use database connections.
type PoolStatsFunc func() (total, idle, inUse int32)

// QueueGauges refreshes the per-state queue gauges and, for the Postgres backend, pool stats.
type QueueGauges struct {
	jobs      repository.JobStore
	poolStats PoolStatsFunc
	log       *zerolog.Logger
}

func NewQueueGauges(jobs repository.JobStore, poolStats PoolStatsFunc, logger *zerolog.Logger) *QueueGauges {
	l := logger.With().Str("component", "QueueGauges").Logger()
	return &QueueGauges{jobs: jobs, poolStats: poolStats, log: &l}
}

func (g *QueueGauges) Name() string { return "queue_gauges" }

func (g *QueueGauges) RunOnce(ctx context.Context) error {
	counts, err := g.jobs.Counts(ctx)
	if err != nil {
		return err
	}
	for _, st := range []model.JobState{
		model.JobStateWaiting, model.JobStateActive, model.JobStateDelayed,
		model.JobStateCompleted, model.JobStateFailed,
	} {
		metrics.SetQueueJobs(string(st), counts[st])
	}
	if g.poolStats != nil {
		metrics.SetDBPoolStats(g.poolStats())
	}
	return nil
}
