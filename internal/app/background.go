package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/tezgahcloud/jobcore/internal/usecase"
)

// RunDailyScanner runs the license expiry scan once per UTC day at the given
// hour, starting with the next occurrence.
func RunDailyScanner(ctx context.Context, scanner *usecase.ScannerService, hourUTC int) {
	if scanner == nil {
		return
	}
	for {
		next := nextRunAt(time.Now().UTC(), hourUTC)
		slog.Info("license scanner sleeping until next run",
			slog.Time("next_run", next))
		select {
		case <-ctx.Done():
			slog.Info("license scanner stopping")
			return
		case <-time.After(time.Until(next)):
		}
		metrics := scanner.Scan(ctx, time.Now().UTC())
		for _, d := range []int{7, 3, 1} {
			slog.Info("license scan day bundle",
				slog.Int("days_out", d),
				slog.Int("matched", metrics.MatchedLicenses[d]),
				slog.Int("queued", metrics.Queued[d]),
				slog.Int("duplicates_skipped", metrics.DuplicatesSkipped[d]),
				slog.Int("errors", metrics.Errors[d]))
		}
	}
}

// nextRunAt returns the next occurrence of hourUTC:00 strictly after now.
func nextRunAt(now time.Time, hourUTC int) time.Time {
	run := time.Date(now.Year(), now.Month(), now.Day(), hourUTC, 0, 0, 0, time.UTC)
	if !run.After(now) {
		run = run.AddDate(0, 0, 1)
	}
	return run
}

// RunDispatcher polls for due notification deliveries on the given interval.
func RunDispatcher(ctx context.Context, dispatcher *usecase.DispatcherService, interval time.Duration) {
	if dispatcher == nil {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("notification dispatcher stopping")
			return
		case <-ticker.C:
			if _, err := dispatcher.DispatchDue(ctx, time.Now().UTC(), 100); err != nil {
				slog.Error("notification dispatch pass failed", slog.Any("error", err))
			}
		}
	}
}

// RunWebhookRetrier re-attempts due webhook events on the given interval.
func RunWebhookRetrier(ctx context.Context, webhooks usecase.WebhookService, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("webhook retrier stopping")
			return
		case <-ticker.C:
			if _, err := webhooks.RetryDue(ctx, time.Now().UTC(), 50); err != nil {
				slog.Error("webhook retry pass failed", slog.Any("error", err))
			}
		}
	}
}
