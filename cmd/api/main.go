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

	"github.com/iac-studio/orchestrator/internal/api"
	"github.com/iac-studio/orchestrator/internal/api/handlers"
	"github.com/iac-studio/orchestrator/internal/models"
	"github.com/iac-studio/orchestrator/internal/provisioner"
	"github.com/iac-studio/orchestrator/internal/provisioner/builtin"
	"github.com/iac-studio/orchestrator/internal/provisioner/runner"
	"github.com/iac-studio/orchestrator/internal/queue"
	"github.com/iac-studio/orchestrator/internal/repository"
	"github.com/iac-studio/orchestrator/internal/services"
	"github.com/iac-studio/orchestrator/internal/templates"
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

	log.Info("starting deployment API",
		zap.String("env", cfg.AppEnv),
		zap.String("addr", cfg.HTTPAddr),
	)

	ctx := context.Background()
	db, err := database.Open(ctx, cfg.DatabaseURL, cfg.IsDevelopment())
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	if cfg.IsDevelopment() {
		// production schemas are owned by cmd/migrate
		if err := db.AutoMigrate(models.All()...); err != nil {
			log.Fatal("auto-migrate failed", zap.Error(err))
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	client := asynq.NewClient(redisOpt)
	defer client.Close()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	m := metrics.New()

	deployments := repository.NewDeploymentRepository(db)
	catalog := templates.NewCatalog(cfg.TemplatesDir)
	log.Info("template catalog", zap.String("root", catalog.Root()))
	registry := builtin.Registry(cfg, runner.New(m), nil)

	deploySvc := services.NewDeploymentService(
		deployments,
		catalog,
		queue.NewEnqueuer(client, cfg.TaskRetention),
		queue.NewInspector(inspector),
		services.DeploymentOptions{
			AzureSubscriptionID: cfg.Azure.SubscriptionID,
			GoogleProjectID:     cfg.GoogleProjectID,
			StreamMaxPolls:      cfg.StreamMaxPolls,
			StreamPollInterval:  cfg.StreamPollInterval,
		},
	)
	resourceSvc := services.NewResourceService(registry, provisioner.ProviderConfig{
		SubscriptionID: cfg.Azure.SubscriptionID,
		ProjectID:      cfg.GoogleProjectID,
	})
	authSvc := services.NewAuthService(cfg.APIKeyHash, []byte(cfg.JWTSecret))

	if cfg.AuthEnabled && cfg.JWTSecret == "" && cfg.APIKeyHash == "" {
		log.Warn("AUTH_ENABLED is set without JWT_SECRET or API_KEY_HASH; every protected request will be rejected")
	}

	health := handlers.NewHealthHandler(map[string]handlers.Pinger{
		"database": handlers.PingFunc(func(ctx context.Context) error { return database.Ping(ctx, db) }),
		"redis":    handlers.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
	})

	router := api.NewRouter(api.Dependencies{
		AuthEnabled:        cfg.AuthEnabled,
		HMACSecret:         []byte(cfg.JWTSecret),
		Keys:               authSvc,
		CORSOrigins:        cfg.AllowedOrigins(),
		RateLimitRPS:       cfg.RateLimitRPS,
		RateLimitBurst:     cfg.RateLimitBurst,
		Metrics:            m,
		HealthHandler:      health,
		AuthHandler:        handlers.NewAuthHandler(authSvc),
		DeploymentsHandler: handlers.NewDeploymentsHandler(deploySvc),
		ResourcesHandler:   handlers.NewResourcesHandler(resourceSvc),
		TemplatesHandler:   handlers.NewTemplatesHandler(catalog),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// log streams stay open for StreamMaxPolls * StreamPollInterval
		WriteTimeout: 0,
		IdleTimeout:  90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	} else {
		log.Info("server exited gracefully")
	}
}
