package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tezgahcloud/jobcore/internal/domain"
)

// TemplateRepo resolves notification templates.
type TemplateRepo struct{ Pool PgxPool }

// NewTemplateRepo constructs a TemplateRepo with the given pool.
func NewTemplateRepo(p PgxPool) *TemplateRepo { return &TemplateRepo{Pool: p} }

// Resolve returns the template for (type, channel, language).
func (r *TemplateRepo) Resolve(ctx domain.Context, typ string, channel domain.NotificationChannel, language string) (domain.NotificationTemplate, error) {
	tracer := otel.Tracer("repo.templates")
	ctx, span := tracer.Start(ctx, "templates.Resolve")
	defer span.End()
	q := `SELECT id, type, channel, language, subject, body
		FROM notification_templates WHERE type=$1 AND channel=$2 AND language=$3`
	var t domain.NotificationTemplate
	err := r.Pool.QueryRow(ctx, q, typ, channel, language).Scan(
		&t.ID, &t.Type, &t.Channel, &t.Language, &t.Subject, &t.Body)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.NotificationTemplate{}, fmt.Errorf("op=template.resolve: %w", domain.ErrNotFound)
		}
		return domain.NotificationTemplate{}, fmt.Errorf("op=template.resolve: %w", err)
	}
	return t, nil
}

// NotificationRepo persists deliveries and their attempt rows.
type NotificationRepo struct{ Pool PgxPool }

// NewNotificationRepo constructs a NotificationRepo with the given pool.
func NewNotificationRepo(p PgxPool) *NotificationRepo { return &NotificationRepo{Pool: p} }

const deliveryColumns = `id, user_id, license_id, template_id, channel, recipient, days_out,
	subject, body, variables, status, primary_provider, actual_provider, provider_message_id,
	retry_count, max_retries, scheduled_at, sent_at, delivered_at, failed_at, created_at, updated_at`

// InsertDelivery inserts with do-nothing-on-conflict semantics over
// (license_id, days_out, channel). The bool reports a fresh insert.
func (r *NotificationRepo) InsertDelivery(ctx domain.Context, d domain.NotificationDelivery) (string, bool, error) {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.InsertDelivery")
	defer span.End()
	span.SetAttributes(attribute.String("notification.channel", string(d.Channel)))
	id := d.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	scheduled := d.ScheduledAt
	if scheduled.IsZero() {
		scheduled = now
	}
	q := `INSERT INTO notifications_delivery
		(id, user_id, license_id, template_id, channel, recipient, days_out, subject, body,
		 variables, status, primary_provider, retry_count, max_retries, scheduled_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,0,$13,$14,$15,$15)
		ON CONFLICT (license_id, days_out, channel) WHERE license_id IS NOT NULL AND days_out IS NOT NULL
		DO NOTHING`
	tag, err := r.Pool.Exec(ctx, q, id, d.UserID, d.LicenseID, d.TemplateID, d.Channel,
		d.Recipient, d.DaysOut, d.Subject, d.Body, d.Variables, domain.NotificationQueued,
		d.PrimaryProvider, d.MaxRetries, scheduled, now)
	if err != nil {
		return "", false, fmt.Errorf("op=notification.insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", false, nil
	}
	return id, true, nil
}

// GetDelivery loads a delivery by id.
func (r *NotificationRepo) GetDelivery(ctx domain.Context, id string) (domain.NotificationDelivery, error) {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.GetDelivery")
	defer span.End()
	q := `SELECT ` + deliveryColumns + ` FROM notifications_delivery WHERE id=$1`
	d, err := scanDelivery(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.NotificationDelivery{}, fmt.Errorf("op=notification.get: %w", domain.ErrNotFound)
		}
		return domain.NotificationDelivery{}, fmt.Errorf("op=notification.get: %w", err)
	}
	return d, nil
}

// ListDue returns queued deliveries scheduled at or before now, oldest first.
func (r *NotificationRepo) ListDue(ctx domain.Context, now time.Time, limit int) ([]domain.NotificationDelivery, error) {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.ListDue")
	defer span.End()
	q := `SELECT ` + deliveryColumns + ` FROM notifications_delivery
		WHERE status=$1 AND scheduled_at <= $2 ORDER BY scheduled_at ASC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, domain.NotificationQueued, now, limit)
	if err != nil {
		return nil, fmt.Errorf("op=notification.list_due: %w", err)
	}
	defer rows.Close()
	var out []domain.NotificationDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("op=notification.list_due_scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=notification.list_due_rows: %w", err)
	}
	return out, nil
}

// CreateAttempt inserts the next attempt row with attempt_number = max+1.
// The subselect and the (notification_id, attempt_number) uniqueness keep
// concurrent dispatchers from sharing a number.
func (r *NotificationRepo) CreateAttempt(ctx domain.Context, a domain.NotificationAttempt) (int64, error) {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.CreateAttempt")
	defer span.End()
	q := `INSERT INTO notification_attempts (notification_id, attempt_number, provider, request, started_at)
		VALUES ($1,
			(SELECT COALESCE(MAX(attempt_number), 0) + 1 FROM notification_attempts WHERE notification_id=$1),
			$2, $3, $4)
		RETURNING id`
	started := a.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}
	var id int64
	if err := r.Pool.QueryRow(ctx, q, a.DeliveryID, a.Provider, a.Request, started).Scan(&id); err != nil {
		return 0, fmt.Errorf("op=notification.create_attempt: %w", err)
	}
	return id, nil
}

// FinishAttempt records the outcome of an attempt; the row is immutable
// afterwards.
func (r *NotificationRepo) FinishAttempt(ctx domain.Context, attemptID int64, response map[string]any, errCode, errMsg string) error {
	q := `UPDATE notification_attempts SET response=$2, error_code=$3, error_message=$4, completed_at=$5
		WHERE id=$1 AND completed_at IS NULL`
	if _, err := r.Pool.Exec(ctx, q, attemptID, response, errCode, errMsg, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=notification.finish_attempt: %w", err)
	}
	return nil
}

// MarkSent records a successful send with the actual provider used.
func (r *NotificationRepo) MarkSent(ctx domain.Context, id, provider, providerMessageID string) error {
	now := time.Now().UTC()
	q := `UPDATE notifications_delivery SET status=$2, actual_provider=$3, provider_message_id=$4,
		sent_at=$5, updated_at=$5 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, domain.NotificationSent, provider, providerMessageID, now); err != nil {
		return fmt.Errorf("op=notification.mark_sent: %w", err)
	}
	return nil
}

// MarkDelivered records provider delivery confirmation.
func (r *NotificationRepo) MarkDelivered(ctx domain.Context, id string) error {
	now := time.Now().UTC()
	q := `UPDATE notifications_delivery SET status=$2, delivered_at=$3, updated_at=$3 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, domain.NotificationDelivered, now); err != nil {
		return fmt.Errorf("op=notification.mark_delivered: %w", err)
	}
	return nil
}

// MarkFailed records a terminal delivery failure (FAILED or BOUNCED). The
// error itself lives on the final attempt row.
func (r *NotificationRepo) MarkFailed(ctx domain.Context, id string, status domain.NotificationStatus) error {
	now := time.Now().UTC()
	q := `UPDATE notifications_delivery SET status=$2, failed_at=$3, updated_at=$3 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, status, now); err != nil {
		return fmt.Errorf("op=notification.mark_failed: %w", err)
	}
	return nil
}

// Reschedule re-queues the delivery for a later attempt.
func (r *NotificationRepo) Reschedule(ctx domain.Context, id string, at time.Time, retryCount int) error {
	now := time.Now().UTC()
	q := `UPDATE notifications_delivery SET status=$2, scheduled_at=$3, retry_count=$4, updated_at=$5 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, domain.NotificationQueued, at, retryCount, now); err != nil {
		return fmt.Errorf("op=notification.reschedule: %w", err)
	}
	return nil
}

func scanDelivery(row rowScanner) (domain.NotificationDelivery, error) {
	var d domain.NotificationDelivery
	err := row.Scan(&d.ID, &d.UserID, &d.LicenseID, &d.TemplateID, &d.Channel, &d.Recipient,
		&d.DaysOut, &d.Subject, &d.Body, &d.Variables, &d.Status, &d.PrimaryProvider,
		&d.ActualProvider, &d.ProviderMessageID, &d.RetryCount, &d.MaxRetries,
		&d.ScheduledAt, &d.SentAt, &d.DeliveredAt, &d.FailedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return domain.NotificationDelivery{}, err
	}
	return d, nil
}
