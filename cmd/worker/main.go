// Package main is the harbor-runner worker entry point. It polls the store
// for queued jobs, drives them through the fair scheduler and serves the ops
// HTTP surface on a separate port.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/harbor-runner/internal/adapter/containers"
	"github.com/fairyhunter13/harbor-runner/internal/adapter/harbor"
	"github.com/fairyhunter13/harbor-runner/internal/adapter/httpserver"
	"github.com/fairyhunter13/harbor-runner/internal/adapter/objstore"
	"github.com/fairyhunter13/harbor-runner/internal/adapter/observability"
	"github.com/fairyhunter13/harbor-runner/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/harbor-runner/internal/app"
	"github.com/fairyhunter13/harbor-runner/internal/config"
	"github.com/fairyhunter13/harbor-runner/internal/service/ratelimiter"
	"github.com/fairyhunter13/harbor-runner/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting harbor-runner", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	objects, err := objstore.New(cfg)
	if err != nil {
		slog.Error("object store init failed", slog.Any("error", err))
		os.Exit(1)
	}

	jobRepo := postgres.NewJobRepo(pool)
	stores := worker.Stores{
		Users:    postgres.NewUserRepo(pool),
		Jobs:     jobRepo,
		Attempts: postgres.NewAttemptRepo(pool),
		Episodes: postgres.NewEpisodeRepo(pool),
		Objects:  objects,
	}

	runtime := containers.NewCLI()
	reg := worker.NewRegistry()
	canceler := worker.NewCanceler(jobRepo, stores.Attempts, reg, runtime)
	runner := harbor.NewRunner(objects, reg, cfg)

	var rdb *redis.Client
	var limiter worker.LaunchLimiter
	if cfg.RateLimiterEnabled {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		limiter = ratelimiter.NewLaunch(rdb, ratelimiter.PerMinute(cfg.LaunchRatePerMin))
		slog.Info("launch limiter enabled",
			slog.String("redis", cfg.RedisAddr), slog.Int("per_min", cfg.LaunchRatePerMin))
	}

	policy := config.DefaultModelPolicy()
	if cfg.ModelPolicyFile != "" {
		policy, err = config.LoadModelPolicy(cfg.ModelPolicyFile)
		if err != nil {
			slog.Error("model policy load failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	attempts := worker.NewAttemptDriver(stores, runner, reg, canceler, limiter, cfg)
	jobs := worker.NewJobDriver(stores, runtime, reg, canceler, attempts, policy, cfg)

	sched := worker.NewScheduler(worker.SchedulerLimits{
		MaxConcurrent:    cfg.MaxConcurrentJobs,
		MaxActivePerUser: cfg.MaxActiveJobsPerUser,
		MaxQueuedPerUser: cfg.MaxQueuedJobsPerUser,
	}, jobs.Run)
	poller := worker.NewPoller(jobRepo, sched, cfg.PollInterval())

	dbCheck, bucketCheck, redisCheck := app.BuildReadinessChecks(pool, objects, rdb)
	srv := &httpserver.Server{
		Cfg:         cfg,
		Queue:       sched,
		Canceler:    canceler,
		DBCheck:     dbCheck,
		BucketCheck: bucketCheck,
		RedisCheck:  redisCheck,
	}
	opsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.OpsPort),
		Handler:           app.BuildRouter(cfg, srv),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("ops server listening", slog.Int("port", cfg.OpsPort))
		if err := opsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops server error", slog.Any("error", err))
		}
	}()

	if cfg.RetentionDays > 0 {
		cleanup := postgres.NewCleanupService(pool, cfg.RetentionDays)
		go cleanup.RunPeriodic(ctx, 24*time.Hour)
	}
	if reclaimer := app.NewStaleJobReclaimer(jobRepo, cfg.StaleJobAge, 0); reclaimer != nil {
		go reclaimer.Run(ctx)
	}

	// Blocks until a signal arrives, then drains in-flight jobs.
	if err := worker.New(sched, poller, cfg.ShutdownTimeout).Run(ctx); err != nil {
		slog.Error("worker run failed", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := opsSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("ops server shutdown failed", slog.Any("error", err))
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	slog.Info("worker stopped")
}
