package usecase

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tezgahcloud/jobcore/internal/adapter/notify"
	"github.com/tezgahcloud/jobcore/internal/domain"
	obsctx "github.com/tezgahcloud/jobcore/internal/observability"
)

// Dispatcher retry backoff: base·2^retry_count with ±10% uniform jitter.
const (
	dispatchBackoffBase = 2 * time.Second
	dispatchJitter      = 0.10
)

// DispatcherService sends due notification deliveries through the
// primary/fallback provider chain with bounded retries.
type DispatcherService struct {
	Notifications domain.NotificationRepository
	Failover      *notify.Failover
	CallTimeout   time.Duration

	rng *rand.Rand
}

// NewDispatcherService constructs a DispatcherService with its dependencies.
func NewDispatcherService(n domain.NotificationRepository, f *notify.Failover, callTimeout time.Duration) *DispatcherService {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &DispatcherService{
		Notifications: n,
		Failover:      f,
		CallTimeout:   callTimeout,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // jitter only
	}
}

// DispatchDue sends every delivery due at now and returns how many were
// attempted.
func (s *DispatcherService) DispatchDue(ctx domain.Context, now time.Time, limit int) (int, error) {
	due, err := s.Notifications.ListDue(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	for _, d := range due {
		s.dispatchOne(ctx, d)
	}
	return len(due), nil
}

// dispatchOne runs a single send attempt for one delivery and settles its
// outcome: SENT, rescheduled with backoff, or terminally FAILED/BOUNCED.
func (s *DispatcherService) dispatchOne(ctx domain.Context, d domain.NotificationDelivery) {
	tr := otel.Tracer("usecase.dispatcher")
	ctx, span := tr.Start(ctx, "DispatcherService.dispatchOne")
	defer span.End()
	span.SetAttributes(
		attribute.String("notification.id", d.ID),
		attribute.String("notification.channel", string(d.Channel)),
	)
	lg := obsctx.LoggerFromContext(ctx)

	provider, err := s.Failover.Pick(d.PrimaryProvider, d.Channel)
	if err != nil {
		lg.Error("no provider available", slog.String("notification_id", d.ID), slog.Any("error", err))
		s.settleTransient(ctx, d, "no_provider", err.Error())
		return
	}

	attemptID, err := s.Notifications.CreateAttempt(ctx, domain.NotificationAttempt{
		DeliveryID: d.ID,
		Provider:   provider.Name(),
		Request: map[string]any{
			"channel":   string(d.Channel),
			"recipient": d.Recipient,
			"subject":   d.Subject,
		},
	})
	if err != nil {
		lg.Error("attempt row insert failed", slog.String("notification_id", d.ID), slog.Any("error", err))
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.CallTimeout)
	defer cancel()
	res, sendErr := s.Failover.Send(callCtx, provider, d.Channel, d.Recipient, d.Subject, d.Body, map[string]any{
		"notification_id": d.ID,
		"attempt_id":      attemptID,
	})

	if sendErr != nil {
		// Infrastructure failure: recorded as transient, breaker feeds
		// failover for the next attempt.
		_ = s.Notifications.FinishAttempt(ctx, attemptID, nil, "provider_error", sendErr.Error())
		obsctx.NotificationSendsTotal.WithLabelValues(provider.Name(), "infra_error").Inc()
		s.settleTransient(ctx, d, "provider_error", sendErr.Error())
		return
	}

	response := map[string]any{"message_id": res.MessageID, "code": res.Code}
	switch res.Kind {
	case domain.SendSuccess:
		_ = s.Notifications.FinishAttempt(ctx, attemptID, response, "", "")
		if err := s.Notifications.MarkSent(ctx, d.ID, provider.Name(), res.MessageID); err != nil {
			lg.Error("mark sent failed", slog.String("notification_id", d.ID), slog.Any("error", err))
			return
		}
		obsctx.NotificationSendsTotal.WithLabelValues(provider.Name(), "sent").Inc()
		lg.Info("notification sent",
			slog.String("notification_id", d.ID),
			slog.String("provider", provider.Name()))

	case domain.SendTransientFail:
		_ = s.Notifications.FinishAttempt(ctx, attemptID, response, res.Code, res.Message)
		obsctx.NotificationSendsTotal.WithLabelValues(provider.Name(), "transient_fail").Inc()
		s.settleTransient(ctx, d, res.Code, res.Message)

	case domain.SendPermanentFail:
		_ = s.Notifications.FinishAttempt(ctx, attemptID, response, res.Code, res.Message)
		status := domain.NotificationFailed
		if d.Channel == domain.ChannelEmail && res.Code == "bounce" {
			status = domain.NotificationBounced
		}
		if err := s.Notifications.MarkFailed(ctx, d.ID, status); err != nil {
			lg.Error("mark failed failed", slog.String("notification_id", d.ID), slog.Any("error", err))
			return
		}
		obsctx.NotificationSendsTotal.WithLabelValues(provider.Name(), string(status)).Inc()
		lg.Info("notification permanently failed",
			slog.String("notification_id", d.ID),
			slog.String("code", res.Code))
	}
}

// settleTransient reschedules with exponential backoff while retries remain,
// and fails the delivery otherwise.
func (s *DispatcherService) settleTransient(ctx domain.Context, d domain.NotificationDelivery, code, msg string) {
	lg := obsctx.LoggerFromContext(ctx)
	if d.RetryCount >= d.MaxRetries {
		if err := s.Notifications.MarkFailed(ctx, d.ID, domain.NotificationFailed); err != nil {
			lg.Error("mark failed failed", slog.String("notification_id", d.ID), slog.Any("error", err))
		}
		lg.Info("notification failed after retries",
			slog.String("notification_id", d.ID),
			slog.String("code", code),
			slog.Int("retries", d.RetryCount))
		return
	}
	delay := s.backoff(d.RetryCount)
	if err := s.Notifications.Reschedule(ctx, d.ID, time.Now().UTC().Add(delay), d.RetryCount+1); err != nil {
		lg.Error("reschedule failed", slog.String("notification_id", d.ID), slog.Any("error", err))
		return
	}
	lg.Info("notification retry scheduled",
		slog.String("notification_id", d.ID),
		slog.Duration("delay", delay),
		slog.String("code", code),
		slog.String("message", msg))
}

// backoff computes base·2^retryCount with ±10% uniform jitter.
func (s *DispatcherService) backoff(retryCount int) time.Duration {
	d := dispatchBackoffBase << uint(retryCount)
	jitter := 1 + dispatchJitter*(2*s.rng.Float64()-1)
	return time.Duration(float64(d) * jitter)
}

// ConfirmDelivered records a provider delivery confirmation callback.
func (s *DispatcherService) ConfirmDelivered(ctx domain.Context, deliveryID string) error {
	return s.Notifications.MarkDelivered(ctx, deliveryID)
}
