package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Task is a unit of background maintenance run on a cron schedule.
type Task interface {
	Name() string
	RunOnce(ctx context.Context) error
}

// Scheduler runs registered tasks on their cron specs. Overlapping runs of the same task are skipped.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration
	log     *zerolog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler builds a scheduler whose task runs are bounded by timeout (1 minute when <= 0).
func NewScheduler(timeout time.Duration, logger *zerolog.Logger) *Scheduler {
	if timeout <= 0 {
		timeout = time.Minute
	}
	l := logger.With().Str("component", "scheduler").Logger()
	cl := cronLogger{log: &l}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		timeout: timeout,
		log:     &l,
		ctx:     context.Background(),
	}
}

// Add registers task under a standard cron spec or descriptor such as "@every 30s".
// An empty spec leaves the task unscheduled.
func (s *Scheduler) Add(spec string, task Task) error {
	if spec == "" {
		s.log.Info().Str("task", task.Name()).Msg("task disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(spec, func() { s.run(task) }); err != nil {
		return fmt.Errorf("schedule %s: %w", task.Name(), err)
	}
	s.log.Info().Str("task", task.Name()).Str("schedule", spec).Msg("task scheduled")
	return nil
}

func (s *Scheduler) Start(parent context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(parent)
	s.mu.Unlock()
	s.cron.Start()
	s.log.Info().Int("tasks", len(s.cron.Entries())).Msg("scheduler started")
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
}

// RunNow executes task synchronously outside the schedule.
func (s *Scheduler) RunNow(task Task) { s.run(task) }

func (s *Scheduler) run(task Task) {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	start := time.Now()
	if err := task.RunOnce(ctx); err != nil {
		s.log.Error().Err(err).Str("task", task.Name()).Msg("scheduled task failed")
		return
	}
	s.log.Debug().Str("task", task.Name()).Dur("took", time.Since(start)).Msg("scheduled task finished")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log *zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
