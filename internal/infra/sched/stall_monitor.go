package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"media-fetch-service/internal/domain/ports/repository"
)

// StallMonitor hands jobs whose worker stopped renewing its lease back to the queue.
type StallMonitor struct {
	jobs repository.JobStore
	log  *zerolog.Logger
}

func NewStallMonitor(jobs repository.JobStore, logger *zerolog.Logger) *StallMonitor {
	l := logger.With().Str("component", "StallMonitor").Logger()
	return &StallMonitor{jobs: jobs, log: &l}
}

func (m *StallMonitor) Name() string { return "stall_check" }

func (m *StallMonitor) RunOnce(ctx context.Context) error {
	ids, err := m.jobs.RequeueStalled(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, id := range ids {
		m.log.Warn().Str("job_id", id).Msg("stalled job requeued")
	}
	return nil
}
