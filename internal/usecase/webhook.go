package usecase

import (
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tezgahcloud/jobcore/internal/adapter/payment"
	"github.com/tezgahcloud/jobcore/internal/domain"
	obsctx "github.com/tezgahcloud/jobcore/internal/observability"
)

// Webhook processing outcome codes surfaced to the boundary.
const (
	WebhookOutcomeProcessed        = "processed"
	WebhookOutcomeIdempotent       = "idempotent"
	WebhookOutcomeIgnored          = "ignored"
	WebhookOutcomeLocked           = "locked"
	WebhookInvalidSignature        = "invalid_signature"
	WebhookMissingEventID          = "missing_event_id"
	WebhookMissingPaymentID        = "missing_payment_id"
	WebhookPaymentNotFound         = "payment_not_found"
	WebhookCriticalProcessingError = "critical_processing_error"
)

// Webhook retry backoff: exponential from one minute, capped at 16 minutes.
const (
	webhookBackoffBase = time.Minute
	webhookBackoffCap  = 16 * time.Minute
)

// WebhookResult reports the settled outcome of one webhook receipt.
type WebhookResult struct {
	Outcome string
	EventID string
}

// OK reports whether the outcome acknowledges the event.
func (r WebhookResult) OK() bool {
	switch r.Outcome {
	case WebhookOutcomeProcessed, WebhookOutcomeIdempotent, WebhookOutcomeIgnored, WebhookOutcomeLocked:
		return true
	}
	return false
}

// WebhookService drives exactly-once webhook processing: signature
// verification, dedup on (provider, event_id), lock acquisition, and the
// transactional payment/invoice transition.
type WebhookService struct {
	Events    domain.WebhookRepository
	Verifiers payment.Registry
	LockedBy  string
}

// NewWebhookService constructs a WebhookService with its dependencies.
func NewWebhookService(events domain.WebhookRepository, verifiers payment.Registry, lockedBy string) WebhookService {
	return WebhookService{Events: events, Verifiers: verifiers, LockedBy: lockedBy}
}

// Process handles one inbound provider webhook.
func (s WebhookService) Process(ctx domain.Context, provider, signature string, rawBody []byte, payload map[string]any) (WebhookResult, error) {
	tr := otel.Tracer("usecase.webhook")
	ctx, span := tr.Start(ctx, "WebhookService.Process")
	defer span.End()
	span.SetAttributes(attribute.String("webhook.provider", provider))

	lg := obsctx.LoggerFromContext(ctx)

	verifier, ok := s.Verifiers.Get(provider)
	if !ok || !verifier.Verify(signature, rawBody) {
		obsctx.WebhookEventsTotal.WithLabelValues(provider, WebhookInvalidSignature).Inc()
		lg.Warn("webhook signature rejected", slog.String("provider", provider))
		return WebhookResult{Outcome: WebhookInvalidSignature}, nil
	}

	parsed, err := verifier.Parse(payload)
	if err != nil {
		return WebhookResult{Outcome: WebhookInvalidSignature}, nil
	}
	if parsed.EventID == "" {
		obsctx.WebhookEventsTotal.WithLabelValues(provider, WebhookMissingEventID).Inc()
		return WebhookResult{Outcome: WebhookMissingEventID}, nil
	}
	if parsed.ProviderPaymentID == "" {
		obsctx.WebhookEventsTotal.WithLabelValues(provider, WebhookMissingPaymentID).Inc()
		return WebhookResult{Outcome: WebhookMissingPaymentID, EventID: parsed.EventID}, nil
	}
	if parsed.NewStatus == "" {
		// Event types outside the payment transition set are acknowledged
		// without effect.
		lg.Info("webhook event type ignored",
			slog.String("provider", provider), slog.String("event_type", parsed.EventType))
		return WebhookResult{Outcome: WebhookOutcomeIgnored, EventID: parsed.EventID}, nil
	}

	ev, inserted, err := s.Events.UpsertEvent(ctx, provider, parsed.EventID, parsed.EventType, payload)
	if err != nil {
		return WebhookResult{Outcome: WebhookCriticalProcessingError, EventID: parsed.EventID}, err
	}
	if !inserted && ev.Status == domain.WebhookDelivered {
		obsctx.WebhookEventsTotal.WithLabelValues(provider, WebhookOutcomeIdempotent).Inc()
		lg.Info("webhook replay acknowledged",
			slog.String("provider", provider), slog.String("event_id", parsed.EventID))
		return WebhookResult{Outcome: WebhookOutcomeIdempotent, EventID: parsed.EventID}, nil
	}
	if ev.Status == domain.WebhookFailed {
		// Dead-lettered: acknowledge so the provider stops redelivering.
		return WebhookResult{Outcome: WebhookOutcomeIdempotent, EventID: parsed.EventID}, nil
	}

	return s.attempt(ctx, ev, parsed)
}

// attempt locks and applies one processing try for an event.
func (s WebhookService) attempt(ctx domain.Context, ev domain.WebhookEvent, parsed domain.ParsedWebhook) (WebhookResult, error) {
	lg := obsctx.LoggerFromContext(ctx)

	locked, err := s.Events.TryLock(ctx, ev.ID, s.LockedBy)
	if err != nil {
		return WebhookResult{Outcome: WebhookCriticalProcessingError, EventID: ev.EventID}, err
	}
	if !locked {
		// Another worker holds a young lock; it will settle the event.
		lg.Info("webhook processing declined; lock held elsewhere",
			slog.String("event_id", ev.EventID))
		return WebhookResult{Outcome: WebhookOutcomeLocked, EventID: ev.EventID}, nil
	}

	err = s.Events.ApplyTransition(ctx, ev, parsed)
	switch {
	case err == nil:
		obsctx.WebhookEventsTotal.WithLabelValues(ev.Provider, WebhookOutcomeProcessed).Inc()
		lg.Info("webhook processed",
			slog.String("provider", ev.Provider),
			slog.String("event_id", ev.EventID),
			slog.String("new_status", parsed.NewStatus))
		return WebhookResult{Outcome: WebhookOutcomeProcessed, EventID: ev.EventID}, nil

	case errors.Is(err, domain.ErrNotFound):
		// Missing upstream payment is permanent; never retried.
		if mErr := s.Events.MarkFailed(ctx, ev.ID, WebhookPaymentNotFound); mErr != nil {
			lg.Error("webhook mark failed errored", slog.String("event_id", ev.EventID), slog.Any("error", mErr))
		}
		obsctx.WebhookEventsTotal.WithLabelValues(ev.Provider, WebhookPaymentNotFound).Inc()
		return WebhookResult{Outcome: WebhookPaymentNotFound, EventID: ev.EventID}, nil

	default:
		return s.settleRetry(ctx, ev, err)
	}
}

// settleRetry schedules the next attempt with capped exponential backoff,
// dead-lettering once retries are exhausted.
func (s WebhookService) settleRetry(ctx domain.Context, ev domain.WebhookEvent, cause error) (WebhookResult, error) {
	lg := obsctx.LoggerFromContext(ctx)
	if ev.RetryCount >= ev.MaxRetries {
		if err := s.Events.MarkFailed(ctx, ev.ID, cause.Error()); err != nil {
			lg.Error("webhook dead-letter failed", slog.String("event_id", ev.EventID), slog.Any("error", err))
		}
		obsctx.WebhookEventsTotal.WithLabelValues(ev.Provider, "dead_letter").Inc()
		lg.Error("webhook dead-lettered after retries",
			slog.String("event_id", ev.EventID),
			slog.Int("retries", ev.RetryCount),
			slog.Any("error", cause))
		return WebhookResult{Outcome: WebhookCriticalProcessingError, EventID: ev.EventID}, nil
	}
	delay := webhookBackoff(ev.RetryCount)
	if err := s.Events.ScheduleRetry(ctx, ev.ID, time.Now().UTC().Add(delay), cause.Error()); err != nil {
		return WebhookResult{Outcome: WebhookCriticalProcessingError, EventID: ev.EventID}, err
	}
	obsctx.WebhookEventsTotal.WithLabelValues(ev.Provider, "retry_scheduled").Inc()
	lg.Warn("webhook retry scheduled",
		slog.String("event_id", ev.EventID),
		slog.Duration("delay", delay),
		slog.Any("error", cause))
	return WebhookResult{Outcome: WebhookCriticalProcessingError, EventID: ev.EventID}, nil
}

// RetryDue re-attempts pending events whose next attempt time has passed.
func (s WebhookService) RetryDue(ctx domain.Context, now time.Time, limit int) (int, error) {
	due, err := s.Events.ListDueRetries(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	lg := obsctx.LoggerFromContext(ctx)
	for _, ev := range due {
		verifier, ok := s.Verifiers.Get(ev.Provider)
		if !ok {
			lg.Error("no verifier for stored event provider", slog.String("provider", ev.Provider))
			continue
		}
		parsed, err := verifier.Parse(ev.RawEvent)
		if err != nil || parsed.NewStatus == "" {
			if mErr := s.Events.MarkFailed(ctx, ev.ID, "stored event no longer parseable"); mErr != nil {
				lg.Error("webhook mark failed errored", slog.String("event_id", ev.EventID), slog.Any("error", mErr))
			}
			continue
		}
		if _, err := s.attempt(ctx, ev, parsed); err != nil {
			lg.Error("webhook retry attempt errored",
				slog.String("event_id", ev.EventID), slog.Any("error", err))
		}
	}
	return len(due), nil
}

// webhookBackoff computes base·2^retryCount capped at the maximum.
func webhookBackoff(retryCount int) time.Duration {
	d := webhookBackoffBase << uint(retryCount)
	if d > webhookBackoffCap {
		return webhookBackoffCap
	}
	return d
}
