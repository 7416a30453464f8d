// File: cmd/app/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"media-fetch-service/internal/config"
	"media-fetch-service/internal/domain/ports/repository"
	pg "media-fetch-service/internal/infra/db/postgres"
	"media-fetch-service/internal/infra/logging"
	"media-fetch-service/internal/infra/metrics"
	red "media-fetch-service/internal/infra/redis"
	"media-fetch-service/internal/infra/sched"
	"media-fetch-service/internal/infra/scheduler"
	"media-fetch-service/internal/infra/web"
	"media-fetch-service/internal/infra/worker"
	"media-fetch-service/internal/infra/ytdlp"
	"media-fetch-service/internal/usecase"
)

// Set via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

// keepAliver is implemented by both queue store backends.
type keepAliver interface {
	KeepAlive(ctx context.Context, interval time.Duration)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", config.DefaultPath, "path to YAML config file")
	devMode := flag.Bool("dev", false, "developer mode: console logs, unredacted URLs")
	role := flag.String("role", "all", "process role: all | api | worker")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.Runtime.Role = *role
	runAPI, runWorker, err := roles(*role)
	if err != nil {
		log.Fatalf("flags: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	logger.Info().Str("version", version).Str("role", *role).Str("queue_backend", cfg.Queue.Backend).Msg("starting media fetch service")

	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	// ---- Redis (info cache, rate limits, artifact locks; queue when backend=redis) ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis")
	}
	defer redisClient.Close()
	go redisClient.KeepAlive(ctx, cfg.Redis.KeepAlive, logging.Component(logger, "redis"))

	// ---- Queue store ----
	jobs, poolStats, closeStore := openJobStore(ctx, cfg, redisClient, logger)
	defer closeStore()
	if ka, ok := jobs.(keepAliver); ok && cfg.Queue.Backend == "postgres" {
		go ka.KeepAlive(ctx, cfg.Redis.KeepAlive)
	}

	// ---- Process runner ----
	runner, err := ytdlp.NewRunner(cfg.Fetcher, logging.Component(logger, "ytdlp"))
	if err != nil {
		logger.Fatal().Err(err).Msg("yt-dlp runner")
	}
	fetcher := ytdlp.NewCachedFetcher(runner, red.NewInfoCache(redisClient, cfg.Redis.TTL), logging.Component(logger, "info_cache"))

	// ---- Use cases ----
	downloadUC := usecase.NewDownloadUseCase(jobs, cfg.Queue.MaxAttempts, logging.Component(logger, "dispatcher"))
	statusUC := usecase.NewStatusUseCase(jobs, red.NewLocker(redisClient), red.ArtifactLockKey, time.Hour, logging.Component(logger, "status"))
	infoUC := usecase.NewInfoUseCase(fetcher, logging.Component(logger, "info"))

	// ---- HTTP server ----
	var server *http.Server
	if runAPI {
		srv := web.NewServer(downloadUC, statusUC, infoUC, red.NewRateLimiter(redisClient), jobs.Ping, web.Options{
			RequestTimeout: cfg.Server.RequestTimeout,
			RateLimit:      cfg.RateLimit,
		}, logging.Component(logger, "http"))
		server = web.NewHTTPServer(fmt.Sprintf(":%d", cfg.Server.Port), srv.Routes(), cfg.Server)
		go func() {
			logger.Info().Str("addr", server.Addr).Msg("http server listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("http server error")
				cancel()
			}
		}()
	}

	// ---- Worker pool ----
	var pool *worker.Pool
	if runWorker {
		pool = worker.NewPool(cfg.Worker.Concurrency, logging.Component(logger, "pool"))
		pool.Start(ctx)
		proc := worker.NewDownloadProcessor(jobs, fetcher, worker.ProcessorOptions{
			PollInterval: cfg.Worker.PollInterval,
			LeaseTTL:     cfg.Queue.LeaseTTL,
			BackoffBase:  cfg.Queue.BackoffBase,
			MaxAttempts:  cfg.Queue.MaxAttempts,
		}, logging.Component(logger, "worker"))
		go proc.Start(ctx, pool)
	}

	// ---- Maintenance schedule ----
	cron := scheduler.NewScheduler(time.Minute, logger)
	mustSchedule(logger, cron, cfg.Scheduler.QueueGaugeCron, sched.NewQueueGauges(jobs, poolStats, logger))
	if runWorker {
		stall := sched.NewStallMonitor(jobs, logger)
		mustSchedule(logger, cron, cfg.Scheduler.StallCheckCron, stall)
		mustSchedule(logger, cron, cfg.Scheduler.RetentionSweepCron,
			sched.NewRetentionWorker(jobs, cfg.Queue.CompletedRetention, runner.ScratchDir(), logger))
		// Jobs left active by a previous crash become claimable right away.
		cron.RunNow(stall)
	}
	cron.Start(ctx)

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigc:
		logger.Info().Str("signal", s.String()).Msg("shutdown requested")
	case <-ctx.Done():
		logger.Warn().Msg("shutting down after fatal component error")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http server shutdown")
		}
	}
	cancel() // stops claiming new jobs
	if pool != nil {
		if err := pool.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("in-flight jobs were interrupted")
		}
	}
	cron.Stop()
	logger.Info().Msg("bye")
}

func roles(role string) (api, worker bool, err error) {
	switch role {
	case "all", "":
		return true, true, nil
	case "api":
		return true, false, nil
	case "worker":
		return false, true, nil
	default:
		return false, false, fmt.Errorf("unknown role %q", role)
	}
}

func openJobStore(ctx context.Context, cfg *config.Config, rc *red.Client, logger *zerolog.Logger) (repository.JobStore, sched.PoolStatsFunc, func()) {
	storeLog := logging.Component(logger, "queue_store")
	if cfg.Queue.Backend != "postgres" {
		// The redis client is closed by main.
		return red.NewJobStore(rc, cfg.Queue.Name, storeLog), nil, func() {}
	}

	pool, err := pg.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	if err := pg.Migrate(ctx, pool); err != nil {
		pool.Close()
		logger.Fatal().Err(err).Msg("postgres schema")
	}
	store := pg.NewJobStore(pool, pg.NewTxManager(pool), cfg.Queue.Name, storeLog)
	stats := func() (int32, int32, int32) { return pg.PoolStats(pool) }
	return store, stats, pool.Close
}

func mustSchedule(logger *zerolog.Logger, s *scheduler.Scheduler, spec string, task scheduler.Task) {
	if err := s.Add(spec, task); err != nil {
		logger.Fatal().Err(err).Msg("scheduler")
	}
}
