// Command server starts the job orchestration HTTP API.
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

	"github.com/cenkalti/backoff/v4"
	goredis "github.com/redis/go-redis/v9"

	httpserver "github.com/tezgahcloud/jobcore/internal/adapter/httpserver"
	kvredis "github.com/tezgahcloud/jobcore/internal/adapter/kv/redis"
	"github.com/tezgahcloud/jobcore/internal/adapter/payment"
	"github.com/tezgahcloud/jobcore/internal/adapter/queue/kafka"
	"github.com/tezgahcloud/jobcore/internal/adapter/repo/postgres"
	"github.com/tezgahcloud/jobcore/internal/app"
	"github.com/tezgahcloud/jobcore/internal/config"
	"github.com/tezgahcloud/jobcore/internal/observability"
	"github.com/tezgahcloud/jobcore/internal/service/ratelimiter"
	"github.com/tezgahcloud/jobcore/internal/usecase"
	"github.com/tezgahcloud/jobcore/internal/validation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	ctx := context.Background()

	// The database may come up after us; retry startup with backoff.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 60 * time.Second
	if err := backoff.Retry(func() error {
		return postgres.Migrate(cfg.DBURL)
	}, bo); err != nil {
		slog.Error("migrations failed", slog.Any("error", err))
		os.Exit(1)
	}
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Repositories
	jobRepo := postgres.NewJobRepo(pool)
	artefactRepo := postgres.NewArtefactRepo(pool)
	webhookRepo := postgres.NewWebhookRepo(pool)

	// Shared KV: rate limiting and cancellation signalling. Loss of Redis
	// degrades to local behavior without failing requests.
	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("redis unavailable at startup; local fallbacks engaged", slog.Any("error", err))
	}
	defer func() { _ = rdb.Close() }()
	cancelSignal := kvredis.NewCancelSignal(rdb)

	limiter := ratelimiter.New(rdb, map[ratelimiter.Scope]ratelimiter.WindowConfig{
		ratelimiter.ScopeSubmit: {Max: cfg.SubmitRateLimitPerMin, Window: cfg.RateWindow},
		ratelimiter.ScopePrompt: {Max: cfg.PromptRateLimitPerMin, Window: cfg.RateWindow},
		ratelimiter.ScopeGlobal: {Max: cfg.GlobalRateLimitPerMin, Window: cfg.RateWindow},
	})

	// Queue publisher
	publisher, err := kafka.NewPublisher(cfg.KafkaBrokers)
	if err != nil {
		slog.Error("queue publisher connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			slog.Error("failed to close queue publisher", slog.Any("error", err))
		}
	}()

	tables, err := config.LoadValidationTables(cfg.ValidationTablePath)
	if err != nil {
		slog.Error("validation tables load failed", slog.Any("error", err))
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	lockedBy := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	// Usecases
	submitSvc := usecase.NewSubmitService(jobRepo, publisher, validation.New(tables), limiter)
	statusSvc := usecase.NewStatusService(jobRepo, artefactRepo)
	cancelSvc := usecase.NewCancelService(jobRepo, cancelSignal, cfg.CancelSignalTTL)
	workerSvc := usecase.NewWorkerService(jobRepo, artefactRepo, publisher, cancelSignal)
	webhookSvc := usecase.NewWebhookService(webhookRepo, payment.NewRegistry(cfg.WebhookSecrets), lockedBy)

	srv := httpserver.NewServer(submitSvc, statusSvc, cancelSvc, workerSvc, webhookSvc)
	srv.DBCheck = func(ctx context.Context) error {
		return pool.Ping(ctx)
	}

	// Recovery sweep keeps PENDING jobs moving when a publish failed.
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	if sweeper := app.NewRecoverySweeper(jobRepo, publisher, cfg.PendingRepublishAge, cfg.RecoveryInterval); sweeper != nil {
		go sweeper.Run(sweepCtx)
	}

	handler := app.BuildRouter(cfg, srv)
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	go func() {
		slog.Info("http server listening", slog.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", slog.Any("error", err))
	}
}
