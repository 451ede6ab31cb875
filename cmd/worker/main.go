// Command worker runs the background flows: the daily license expiry
// scanner, the notification dispatcher, the webhook retrier, and the
// pending-job recovery sweep.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tezgahcloud/jobcore/internal/adapter/notify"
	"github.com/tezgahcloud/jobcore/internal/adapter/payment"
	"github.com/tezgahcloud/jobcore/internal/adapter/queue/kafka"
	"github.com/tezgahcloud/jobcore/internal/adapter/repo/postgres"
	"github.com/tezgahcloud/jobcore/internal/app"
	"github.com/tezgahcloud/jobcore/internal/config"
	"github.com/tezgahcloud/jobcore/internal/domain"
	"github.com/tezgahcloud/jobcore/internal/observability"
	"github.com/tezgahcloud/jobcore/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(rootCtx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepo(pool)
	licenseRepo := postgres.NewLicenseRepo(pool)
	templateRepo := postgres.NewTemplateRepo(pool)
	notificationRepo := postgres.NewNotificationRepo(pool)
	webhookRepo := postgres.NewWebhookRepo(pool)

	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := rdb.Ping(rootCtx).Err(); err != nil {
		slog.Warn("redis unavailable at startup; local fallbacks engaged", slog.Any("error", err))
	}
	defer func() { _ = rdb.Close() }()

	publisher, err := kafka.NewPublisher(cfg.KafkaBrokers)
	if err != nil {
		slog.Error("queue publisher connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = publisher.Close() }()

	// Notification providers: endpoints and keys come from PROVIDER_*
	// variables handled by deployment; names come from config.
	providers := map[string]domain.NotificationProvider{}
	for _, name := range []string{cfg.EmailPrimaryProvider, cfg.EmailFallbackProvider, cfg.SMSPrimaryProvider, cfg.SMSFallbackProvider} {
		if name == "" {
			continue
		}
		if _, ok := providers[name]; ok {
			continue
		}
		endpoint := os.Getenv("PROVIDER_" + envKey(name) + "_ENDPOINT")
		apiKey := os.Getenv("PROVIDER_" + envKey(name) + "_API_KEY")
		providers[name] = notify.NewHTTPProvider(name, endpoint, apiKey, cfg.ProviderCallTimeout)
	}
	failover := notify.NewFailover(providers, map[domain.NotificationChannel]string{
		domain.ChannelEmail: cfg.EmailFallbackProvider,
		domain.ChannelSMS:   cfg.SMSFallbackProvider,
	})

	scanner := usecase.NewScannerService(licenseRepo, templateRepo, notificationRepo)
	scanner.MaxRetries = cfg.NotificationMaxRetries
	scanner.RenewalLinkBase = cfg.RenewalLinkBase
	scanner.SupportEmail = cfg.SupportEmail
	scanner.CompanyName = cfg.CompanyName
	scanner.EmailProvider = cfg.EmailPrimaryProvider
	scanner.SMSProvider = cfg.SMSPrimaryProvider

	dispatcher := usecase.NewDispatcherService(notificationRepo, failover, cfg.ProviderCallTimeout)

	hostname, _ := os.Hostname()
	lockedBy := fmt.Sprintf("%s-%d", hostname, os.Getpid())
	webhookSvc := usecase.NewWebhookService(webhookRepo, payment.NewRegistry(cfg.WebhookSecrets), lockedBy)

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("background task starting", slog.String("task", name))
			fn(rootCtx)
		}()
	}

	run("scanner", func(ctx context.Context) { app.RunDailyScanner(ctx, scanner, cfg.ScannerHourUTC) })
	run("dispatcher", func(ctx context.Context) { app.RunDispatcher(ctx, dispatcher, cfg.DispatchInterval) })
	run("webhook-retrier", func(ctx context.Context) { app.RunWebhookRetrier(ctx, webhookSvc, cfg.WebhookRetryInterval) })
	if sweeper := app.NewRecoverySweeper(jobRepo, publisher, cfg.PendingRepublishAge, cfg.RecoveryInterval); sweeper != nil {
		run("recovery-sweeper", sweeper.Run)
	}

	<-rootCtx.Done()
	slog.Info("worker shutting down")
	wg.Wait()
}

// envKey normalizes a provider name into the PROVIDER_* env segment.
func envKey(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
			out = append(out, r-'a'+'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
