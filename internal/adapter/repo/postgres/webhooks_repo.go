package postgres

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tezgahcloud/jobcore/internal/domain"
)

// WebhookRepo persists provider events and applies payment transitions.
type WebhookRepo struct{ Pool PgxPool }

// NewWebhookRepo constructs a WebhookRepo with the given pool.
func NewWebhookRepo(p PgxPool) *WebhookRepo { return &WebhookRepo{Pool: p} }

const webhookColumns = `id, provider, event_id, event_type, payment_id, raw_event, status,
	retry_count, max_retries, next_attempt_at, last_error, locked_at, locked_by, processed_at,
	created_at, updated_at`

// UpsertEvent inserts the event keyed by (provider, event_id) or, on
// conflict, returns the existing row. The bool reports a fresh insert.
func (r *WebhookRepo) UpsertEvent(ctx domain.Context, provider, eventID, eventType string, raw map[string]any) (domain.WebhookEvent, bool, error) {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.UpsertEvent")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.provider", provider),
		attribute.String("webhook.event_id", eventID),
	)
	now := time.Now().UTC()
	q := `INSERT INTO webhook_events (provider, event_id, event_type, raw_event, status, max_retries, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
		ON CONFLICT (provider, event_id) DO NOTHING
		RETURNING ` + webhookColumns
	ev, err := scanWebhookEvent(r.Pool.QueryRow(ctx, q, provider, eventID, eventType, raw,
		domain.WebhookPending, domain.WebhookMaxRetries, now))
	if err == nil {
		return ev, true, nil
	}
	if err != pgx.ErrNoRows {
		return domain.WebhookEvent{}, false, fmt.Errorf("op=webhook.upsert: %w", err)
	}
	// Conflict path: the row already exists.
	ev, err = r.getByKey(ctx, provider, eventID)
	if err != nil {
		return domain.WebhookEvent{}, false, err
	}
	return ev, false, nil
}

func (r *WebhookRepo) getByKey(ctx domain.Context, provider, eventID string) (domain.WebhookEvent, error) {
	q := `SELECT ` + webhookColumns + ` FROM webhook_events WHERE provider=$1 AND event_id=$2`
	ev, err := scanWebhookEvent(r.Pool.QueryRow(ctx, q, provider, eventID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.WebhookEvent{}, fmt.Errorf("op=webhook.get: %w", domain.ErrNotFound)
		}
		return domain.WebhookEvent{}, fmt.Errorf("op=webhook.get: %w", err)
	}
	return ev, nil
}

// TryLock acquires the processing lock unless another worker holds a lock
// younger than the lock timeout.
func (r *WebhookRepo) TryLock(ctx domain.Context, id int64, lockedBy string) (bool, error) {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.TryLock")
	defer span.End()
	now := time.Now().UTC()
	staleBefore := now.Add(-domain.WebhookLockTimeout)
	q := `UPDATE webhook_events SET status=$2, locked_at=$3, locked_by=$4, updated_at=$3
		WHERE id=$1 AND status IN ($5, $6)
		AND (locked_at IS NULL OR locked_at < $7 OR locked_by = $4)`
	tag, err := r.Pool.Exec(ctx, q, id, domain.WebhookProcessing, now, lockedBy,
		domain.WebhookPending, domain.WebhookProcessing, staleBefore)
	if err != nil {
		return false, fmt.Errorf("op=webhook.try_lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ApplyTransition runs payment lookup, payment and invoice update, audit
// append, and delivered-marking in one transaction. A missing payment
// surfaces as ErrNotFound and must not be retried. The transaction always
// commits or rolls back.
func (r *WebhookRepo) ApplyTransition(ctx domain.Context, ev domain.WebhookEvent, parsed domain.ParsedWebhook) error {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.ApplyTransition")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.provider", ev.Provider),
		attribute.String("webhook.event_id", ev.EventID),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("op=webhook.apply.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
				slog.Error("webhook transaction rollback failed",
					slog.String("event_id", ev.EventID), slog.Any("error", rbErr))
			}
		}
	}()

	now := time.Now().UTC()

	var payment domain.Payment
	err = tx.QueryRow(ctx,
		`SELECT id, invoice_id, provider, provider_payment_id, status
		 FROM payments WHERE provider=$1 AND provider_payment_id=$2 FOR UPDATE`,
		ev.Provider, parsed.ProviderPaymentID).
		Scan(&payment.ID, &payment.InvoiceID, &payment.Provider, &payment.ProviderPaymentID, &payment.Status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("op=webhook.apply.payment_lookup: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=webhook.apply.payment_lookup: %w", err)
	}

	newStatus := domain.PaymentStatus(parsed.NewStatus)
	var paidAt *time.Time
	if newStatus == domain.PaymentSucceeded {
		paidAt = &now
	}
	if _, err := tx.Exec(ctx,
		`UPDATE payments SET status=$2, paid_at=COALESCE($3, paid_at), updated_at=$4 WHERE id=$1`,
		payment.ID, newStatus, paidAt, now); err != nil {
		return fmt.Errorf("op=webhook.apply.payment_update: %w", err)
	}

	if invStatus, ok := domain.InvoiceStatusFor(newStatus); ok {
		if _, err := tx.Exec(ctx,
			`UPDATE invoices SET paid_status=$2, updated_at=$3 WHERE id=$1`,
			payment.InvoiceID, invStatus, now); err != nil {
			return fmt.Errorf("op=webhook.apply.invoice_update: %w", err)
		}
	}

	auditCtx := map[string]any{
		"event_type":          parsed.EventType,
		"provider_payment_id": parsed.ProviderPaymentID,
		"previous_status":     string(payment.Status),
		"new_status":          string(newStatus),
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO payment_audit_logs (payment_id, invoice_id, action, actor_type, actor_id, context, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		payment.ID, payment.InvoiceID, "webhook_"+parsed.EventType,
		domain.ActorWebhook, ev.EventID, auditCtx, now); err != nil {
		return fmt.Errorf("op=webhook.apply.audit: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE webhook_events SET status=$2, payment_id=$3, processed_at=$4,
		 locked_at=NULL, locked_by='', last_error='', updated_at=$4
		 WHERE id=$1 AND status=$5`,
		ev.ID, domain.WebhookDelivered, payment.ID, now, domain.WebhookProcessing)
	if err != nil {
		return fmt.Errorf("op=webhook.apply.mark_delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=webhook.apply.mark_delivered: event no longer processing: %w", domain.ErrConflict)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=webhook.apply.commit: %w", err)
	}
	committed = true
	return nil
}

// ScheduleRetry releases the lock and schedules the next attempt.
func (r *WebhookRepo) ScheduleRetry(ctx domain.Context, id int64, nextAt time.Time, lastError string) error {
	now := time.Now().UTC()
	q := `UPDATE webhook_events SET status=$2, retry_count=retry_count+1, next_attempt_at=$3,
		last_error=$4, locked_at=NULL, locked_by='', updated_at=$5 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, domain.WebhookPending, nextAt, lastError, now); err != nil {
		return fmt.Errorf("op=webhook.schedule_retry: %w", err)
	}
	return nil
}

// MarkFailed dead-letters the event, recording the final error.
func (r *WebhookRepo) MarkFailed(ctx domain.Context, id int64, lastError string) error {
	now := time.Now().UTC()
	q := `UPDATE webhook_events SET status=$2, last_error=$3, locked_at=NULL, locked_by='',
		updated_at=$4 WHERE id=$1 AND status <> $5`
	if _, err := r.Pool.Exec(ctx, q, id, domain.WebhookFailed, lastError, now, domain.WebhookDelivered); err != nil {
		return fmt.Errorf("op=webhook.mark_failed: %w", err)
	}
	return nil
}

// ListDueRetries returns pending events whose next attempt is due, oldest
// first.
func (r *WebhookRepo) ListDueRetries(ctx domain.Context, now time.Time, limit int) ([]domain.WebhookEvent, error) {
	q := `SELECT ` + webhookColumns + ` FROM webhook_events
		WHERE status=$1 AND next_attempt_at IS NOT NULL AND next_attempt_at <= $2
		ORDER BY next_attempt_at ASC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, domain.WebhookPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("op=webhook.list_due: %w", err)
	}
	defer rows.Close()
	var out []domain.WebhookEvent
	for rows.Next() {
		ev, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("op=webhook.list_due_scan: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=webhook.list_due_rows: %w", err)
	}
	return out, nil
}

func scanWebhookEvent(row rowScanner) (domain.WebhookEvent, error) {
	var ev domain.WebhookEvent
	err := row.Scan(&ev.ID, &ev.Provider, &ev.EventID, &ev.EventType, &ev.PaymentID,
		&ev.RawEvent, &ev.Status, &ev.RetryCount, &ev.MaxRetries, &ev.NextAttemptAt,
		&ev.LastError, &ev.LockedAt, &ev.LockedBy, &ev.ProcessedAt, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return domain.WebhookEvent{}, err
	}
	return ev, nil
}
