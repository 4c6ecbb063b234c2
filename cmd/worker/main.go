package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iac-studio/orchestrator/internal/provisioner/builtin"
	"github.com/iac-studio/orchestrator/internal/provisioner/runner"
	"github.com/iac-studio/orchestrator/internal/provisioner/terraform"
	"github.com/iac-studio/orchestrator/internal/queue"
	"github.com/iac-studio/orchestrator/internal/queue/tasks"
	"github.com/iac-studio/orchestrator/internal/repository"
	"github.com/iac-studio/orchestrator/pkg/config"
	"github.com/iac-studio/orchestrator/pkg/database"
	"github.com/iac-studio/orchestrator/pkg/logger"
	"github.com/iac-studio/orchestrator/pkg/metrics"
)

func main() {
	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}
	_ = rdb.Close()

	db, err := database.Open(ctx, cfg.DatabaseURL, cfg.IsDevelopment())
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}

	deployments := repository.NewDeploymentRepository(db)
	states := terraform.NewDatabaseStateStore(repository.NewStateRepository(db))

	workingDir := cfg.WorkingDir
	if workingDir == "" {
		workingDir = os.TempDir()
	}
	if err := os.MkdirAll(workingDir, 0o755); err != nil {
		log.Fatal("failed to create working dir", zap.Error(err))
	}
	cfg.WorkingDir = workingDir

	m := metrics.New()
	registry := builtin.Registry(cfg, runner.New(m), states)

	if v, err := terraform.Version(ctx, cfg.TerraformBin); err != nil {
		log.Warn("terraform unavailable; terraform deployments will fail", zap.Error(err))
	} else {
		log.Info("terraform detected", zap.String("version", v))
	}

	deployHandler := tasks.NewDeployTaskHandler(deployments, registry, m)
	cleaner := tasks.NewCleaner(deployments, workingDir, cfg.CleanupAfter)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues:      map[string]int{queue.QueueDeployments: 1},
		Logger:      &asynqLogger{log: log.Sugar().Named("asynq")},
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeDeploy, deployHandler.HandleDeploy)
	mux.HandleFunc(queue.TypeCleanup, cleaner.HandleCleanup)

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Logger: &asynqLogger{log: log.Sugar().Named("scheduler")},
	})
	cleanupTask, err := queue.NewCleanupTask(cfg.CleanupAfter)
	if err != nil {
		log.Fatal("failed to build cleanup task", zap.Error(err))
	}
	if _, err := scheduler.Register("@daily", cleanupTask, asynq.Queue(queue.QueueDeployments)); err != nil {
		log.Fatal("failed to schedule cleanup", zap.Error(err))
	}

	errCh := make(chan error, 3)
	go func() {
		log.Info("asynq worker starting", zap.Int("concurrency", cfg.AsynqConcurrency))
		if err := srv.Run(mux); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := scheduler.Run(); err != nil {
			errCh <- err
		}
	}()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           m.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("metrics listener starting", zap.String("addr", cfg.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("worker stopped with error", zap.Error(err))
	}

	scheduler.Shutdown()
	// waits for in-flight tasks up to asynq's ShutdownTimeout
	srv.Shutdown()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("metrics shutdown error", zap.Error(err))
		}
	}
	log.Info("worker exited")
}
