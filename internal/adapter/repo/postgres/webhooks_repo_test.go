package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tezgahcloud/jobcore/internal/adapter/repo/postgres"
	"github.com/tezgahcloud/jobcore/internal/domain"
)

var webhookCols = []string{
	"id", "provider", "event_id", "event_type", "payment_id", "raw_event", "status",
	"retry_count", "max_retries", "next_attempt_at", "last_error", "locked_at", "locked_by",
	"processed_at", "created_at", "updated_at",
}

func webhookRow(id int64, status domain.WebhookEventStatus) *pgxmock.Rows {
	now := time.Now().UTC()
	return pgxmock.NewRows(webhookCols).AddRow(
		id, "stripe", "evt_1", "payment_intent.succeeded", nil, map[string]any{},
		string(status), 0, 5, nil, "", nil, "", nil, now, now,
	)
}

func TestWebhookRepo_UpsertEvent_FreshInsert(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewWebhookRepo(m)

	m.ExpectQuery("INSERT INTO webhook_events").
		WillReturnRows(webhookRow(1, domain.WebhookPending))
	ev, inserted, err := repo.UpsertEvent(context.Background(), "stripe", "evt_1",
		"payment_intent.succeeded", map[string]any{"id": "evt_1"})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, int64(1), ev.ID)
}

// ON CONFLICT DO NOTHING returns no row; the existing event is re-read.
func TestWebhookRepo_UpsertEvent_ConflictReturnsExisting(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewWebhookRepo(m)

	m.ExpectQuery("INSERT INTO webhook_events").
		WillReturnError(pgx.ErrNoRows)
	m.ExpectQuery("SELECT .+ FROM webhook_events WHERE provider=\\$1 AND event_id=\\$2").
		WithArgs("stripe", "evt_1").
		WillReturnRows(webhookRow(1, domain.WebhookDelivered))
	ev, inserted, err := repo.UpsertEvent(context.Background(), "stripe", "evt_1",
		"payment_intent.succeeded", map[string]any{"id": "evt_1"})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, domain.WebhookDelivered, ev.Status)
}

func TestWebhookRepo_TryLock(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewWebhookRepo(m)

	m.ExpectExec("UPDATE webhook_events SET status=\\$2, locked_at=\\$3, locked_by=\\$4").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	locked, err := repo.TryLock(context.Background(), 1, "worker-a")
	require.NoError(t, err)
	assert.True(t, locked)

	// A young foreign lock declines the steal.
	m.ExpectExec("UPDATE webhook_events SET status=\\$2, locked_at=\\$3, locked_by=\\$4").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	locked, err = repo.TryLock(context.Background(), 1, "worker-b")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestWebhookRepo_ApplyTransition_CommitsAllOrNothing(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewWebhookRepo(m)
	ev := domain.WebhookEvent{ID: 1, Provider: "stripe", EventID: "evt_1", Status: domain.WebhookProcessing}
	parsed := domain.ParsedWebhook{
		EventType: "payment_intent.succeeded", ProviderPaymentID: "pi_1",
		NewStatus: string(domain.PaymentSucceeded),
	}

	m.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	m.ExpectQuery("SELECT id, invoice_id, provider, provider_payment_id, status").
		WithArgs("stripe", "pi_1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "invoice_id", "provider", "provider_payment_id", "status"}).
			AddRow(int64(5), int64(10), "stripe", "pi_1", string(domain.PaymentPending)))
	m.ExpectExec("UPDATE payments SET status").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	m.ExpectExec("UPDATE invoices SET paid_status").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	m.ExpectExec("INSERT INTO payment_audit_logs").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	m.ExpectExec("UPDATE webhook_events SET status").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	m.ExpectCommit()

	require.NoError(t, repo.ApplyTransition(context.Background(), ev, parsed))
	require.NoError(t, m.ExpectationsWereMet())
}

func TestWebhookRepo_ApplyTransition_MissingPaymentRollsBack(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewWebhookRepo(m)
	ev := domain.WebhookEvent{ID: 1, Provider: "stripe", EventID: "evt_1", Status: domain.WebhookProcessing}
	parsed := domain.ParsedWebhook{ProviderPaymentID: "pi_ghost", NewStatus: string(domain.PaymentSucceeded)}

	m.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	m.ExpectQuery("SELECT id, invoice_id, provider, provider_payment_id, status").
		WithArgs("stripe", "pi_ghost").
		WillReturnError(pgx.ErrNoRows)
	m.ExpectRollback()

	err = repo.ApplyTransition(context.Background(), ev, parsed)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, m.ExpectationsWereMet())
}
