package usecase_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tezgahcloud/jobcore/internal/adapter/payment"
	"github.com/tezgahcloud/jobcore/internal/domain"
	"github.com/tezgahcloud/jobcore/internal/usecase"
)

// fakeWebhookRepo carries events plus the payment/invoice/audit state the
// transactional transition mutates, mirroring the exactly-once guarantees.
type fakeWebhookRepo struct {
	mu       sync.Mutex
	events   map[string]*domain.WebhookEvent
	nextID   int64
	payments map[string]*domain.Payment
	invoices map[int64]*domain.Invoice
	audit    []domain.PaymentAuditEntry
	applyErr error
}

func newFakeWebhookRepo() *fakeWebhookRepo {
	return &fakeWebhookRepo{
		events:   map[string]*domain.WebhookEvent{},
		payments: map[string]*domain.Payment{},
		invoices: map[int64]*domain.Invoice{},
	}
}

func (r *fakeWebhookRepo) addPayment(p domain.Payment, inv domain.Invoice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments[p.Provider+"|"+p.ProviderPaymentID] = &p
	r.invoices[inv.ID] = &inv
}

func (r *fakeWebhookRepo) UpsertEvent(_ domain.Context, provider, eventID, eventType string, raw map[string]any) (domain.WebhookEvent, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := provider + "|" + eventID
	if ev, ok := r.events[key]; ok {
		return *ev, false, nil
	}
	r.nextID++
	ev := &domain.WebhookEvent{
		ID: r.nextID, Provider: provider, EventID: eventID, EventType: eventType,
		RawEvent: raw, Status: domain.WebhookPending,
		MaxRetries: domain.WebhookMaxRetries,
		CreatedAt:  time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	r.events[key] = ev
	return *ev, true, nil
}

func (r *fakeWebhookRepo) find(id int64) *domain.WebhookEvent {
	for _, ev := range r.events {
		if ev.ID == id {
			return ev
		}
	}
	return nil
}

func (r *fakeWebhookRepo) TryLock(_ domain.Context, id int64, lockedBy string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev := r.find(id)
	if ev == nil {
		return false, domain.ErrNotFound
	}
	if ev.Status != domain.WebhookPending && ev.Status != domain.WebhookProcessing {
		return false, nil
	}
	now := time.Now().UTC()
	if ev.LockedAt != nil && ev.LockedBy != lockedBy && now.Sub(*ev.LockedAt) < domain.WebhookLockTimeout {
		return false, nil
	}
	ev.Status = domain.WebhookProcessing
	ev.LockedAt = &now
	ev.LockedBy = lockedBy
	return true, nil
}

func (r *fakeWebhookRepo) ApplyTransition(_ domain.Context, ev domain.WebhookEvent, parsed domain.ParsedWebhook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.applyErr != nil {
		return r.applyErr
	}
	p, ok := r.payments[ev.Provider+"|"+parsed.ProviderPaymentID]
	if !ok {
		return fmt.Errorf("op=webhook.apply: %w", domain.ErrNotFound)
	}
	prev := p.Status
	p.Status = domain.PaymentStatus(parsed.NewStatus)
	if inv, ok2 := domain.InvoiceStatusFor(p.Status); ok2 {
		r.invoices[p.InvoiceID].PaidStatus = inv
	}
	r.audit = append(r.audit, domain.PaymentAuditEntry{
		PaymentID: p.ID, InvoiceID: p.InvoiceID,
		Action: "webhook_" + parsed.EventType, ActorType: domain.ActorWebhook,
		ActorID: ev.EventID,
		Context: map[string]any{"previous_status": string(prev)},
		CreatedAt: time.Now().UTC(),
	})
	stored := r.find(ev.ID)
	stored.Status = domain.WebhookDelivered
	stored.PaymentID = &p.ID
	stored.LockedAt = nil
	stored.LockedBy = ""
	now := time.Now().UTC()
	stored.ProcessedAt = &now
	return nil
}

func (r *fakeWebhookRepo) ScheduleRetry(_ domain.Context, id int64, nextAt time.Time, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev := r.find(id)
	ev.Status = domain.WebhookPending
	ev.RetryCount++
	ev.NextAttemptAt = &nextAt
	ev.LastError = lastError
	ev.LockedAt = nil
	ev.LockedBy = ""
	return nil
}

func (r *fakeWebhookRepo) MarkFailed(_ domain.Context, id int64, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev := r.find(id)
	if ev.Status == domain.WebhookDelivered {
		return nil
	}
	ev.Status = domain.WebhookFailed
	ev.LastError = lastError
	ev.LockedAt = nil
	ev.LockedBy = ""
	return nil
}

func (r *fakeWebhookRepo) ListDueRetries(_ domain.Context, now time.Time, limit int) ([]domain.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.WebhookEvent
	for _, ev := range r.events {
		if ev.Status == domain.WebhookPending && ev.NextAttemptAt != nil && !ev.NextAttemptAt.After(now) && len(out) < limit {
			out = append(out, *ev)
		}
	}
	return out, nil
}

const webhookSecret = "whsec_test_123"

func signedEvent(t *testing.T, eventID, eventType, paymentID string) (string, []byte, map[string]any) {
	t.Helper()
	payload := map[string]any{
		"id":   eventID,
		"type": eventType,
		"data": map[string]any{"object": map[string]any{"id": paymentID}},
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil)), body, payload
}

func newWebhookService(repo *fakeWebhookRepo) usecase.WebhookService {
	return usecase.NewWebhookService(repo,
		payment.NewRegistry(map[string]string{"stripe": webhookSecret}), "test-worker-1")
}

// Exactly-once scenario: the same succeeded event delivered three times
// changes the payment and invoice once and appends one audit row.
func TestWebhook_ExactlyOnce(t *testing.T) {
	t.Parallel()
	repo := newFakeWebhookRepo()
	repo.addPayment(
		domain.Payment{ID: 1, InvoiceID: 10, Provider: "stripe", ProviderPaymentID: "pi_123", Status: domain.PaymentPending},
		domain.Invoice{ID: 10, UserID: 7, Number: "2025-000042", PaidStatus: domain.InvoiceUnpaid},
	)
	svc := newWebhookService(repo)
	ctx := context.Background()
	sig, body, payload := signedEvent(t, "evt_E", "payment_intent.succeeded", "pi_123")

	first, err := svc.Process(ctx, "stripe", sig, body, payload)
	require.NoError(t, err)
	assert.Equal(t, usecase.WebhookOutcomeProcessed, first.Outcome)
	assert.Equal(t, domain.PaymentSucceeded, repo.payments["stripe|pi_123"].Status)
	assert.Equal(t, domain.InvoicePaid, repo.invoices[10].PaidStatus)
	assert.Len(t, repo.audit, 1)

	for i := 0; i < 2; i++ {
		res, err := svc.Process(ctx, "stripe", sig, body, payload)
		require.NoError(t, err)
		assert.Equal(t, usecase.WebhookOutcomeIdempotent, res.Outcome)
		assert.True(t, res.OK())
	}
	assert.Equal(t, domain.PaymentSucceeded, repo.payments["stripe|pi_123"].Status)
	assert.Len(t, repo.audit, 1, "replays must not append audit rows")
}

func TestWebhook_InvalidSignature(t *testing.T) {
	t.Parallel()
	repo := newFakeWebhookRepo()
	svc := newWebhookService(repo)
	_, body, payload := signedEvent(t, "evt_1", "payment_intent.succeeded", "pi_1")

	res, err := svc.Process(context.Background(), "stripe", "sha256=deadbeef", body, payload)
	require.NoError(t, err)
	assert.Equal(t, usecase.WebhookInvalidSignature, res.Outcome)
	assert.False(t, res.OK())
	assert.Empty(t, repo.events)
}

func TestWebhook_UnknownProviderRejected(t *testing.T) {
	t.Parallel()
	svc := newWebhookService(newFakeWebhookRepo())
	sig, body, payload := signedEvent(t, "evt_1", "payment_intent.succeeded", "pi_1")
	res, err := svc.Process(context.Background(), "unknown", sig, body, payload)
	require.NoError(t, err)
	assert.Equal(t, usecase.WebhookInvalidSignature, res.Outcome)
}

func TestWebhook_MissingIdentifiers(t *testing.T) {
	t.Parallel()
	svc := newWebhookService(newFakeWebhookRepo())
	ctx := context.Background()

	sign := func(payload map[string]any) (string, []byte) {
		body, err := json.Marshal(payload)
		require.NoError(t, err)
		mac := hmac.New(sha256.New, []byte(webhookSecret))
		mac.Write(body)
		return "sha256=" + hex.EncodeToString(mac.Sum(nil)), body
	}

	payload := map[string]any{
		"type": "payment_intent.succeeded",
		"data": map[string]any{"object": map[string]any{"id": "pi_1"}},
	}
	sig, body := sign(payload)
	res, err := svc.Process(ctx, "stripe", sig, body, payload)
	require.NoError(t, err)
	assert.Equal(t, usecase.WebhookMissingEventID, res.Outcome)

	payload = map[string]any{
		"id":   "evt_2",
		"type": "payment_intent.succeeded",
		"data": map[string]any{"object": map[string]any{}},
	}
	sig, body = sign(payload)
	res, err = svc.Process(ctx, "stripe", sig, body, payload)
	require.NoError(t, err)
	assert.Equal(t, usecase.WebhookMissingPaymentID, res.Outcome)
}

func TestWebhook_PaymentNotFoundIsPermanent(t *testing.T) {
	t.Parallel()
	repo := newFakeWebhookRepo()
	svc := newWebhookService(repo)
	sig, body, payload := signedEvent(t, "evt_missing", "payment_intent.succeeded", "pi_ghost")

	res, err := svc.Process(context.Background(), "stripe", sig, body, payload)
	require.NoError(t, err)
	assert.Equal(t, usecase.WebhookPaymentNotFound, res.Outcome)

	ev := repo.events["stripe|evt_missing"]
	require.NotNil(t, ev)
	assert.Equal(t, domain.WebhookFailed, ev.Status)
	assert.Zero(t, ev.RetryCount, "payment_not_found is never retried")
}

func TestWebhook_TransientFailureSchedulesCappedRetry(t *testing.T) {
	t.Parallel()
	repo := newFakeWebhookRepo()
	repo.addPayment(
		domain.Payment{ID: 2, InvoiceID: 20, Provider: "stripe", ProviderPaymentID: "pi_2", Status: domain.PaymentPending},
		domain.Invoice{ID: 20, PaidStatus: domain.InvoiceUnpaid},
	)
	repo.applyErr = errors.New("deadlock detected")
	svc := newWebhookService(repo)
	sig, body, payload := signedEvent(t, "evt_retry", "payment_intent.succeeded", "pi_2")
	ctx := context.Background()

	res, err := svc.Process(ctx, "stripe", sig, body, payload)
	require.NoError(t, err)
	assert.Equal(t, usecase.WebhookCriticalProcessingError, res.Outcome)

	ev := repo.events["stripe|evt_retry"]
	assert.Equal(t, domain.WebhookPending, ev.Status)
	assert.Equal(t, 1, ev.RetryCount)
	require.NotNil(t, ev.NextAttemptAt)

	// Heal the store and let the retrier settle it.
	repo.applyErr = nil
	n, err := svc.RetryDue(ctx, ev.NextAttemptAt.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.WebhookDelivered, repo.events["stripe|evt_retry"].Status)
	assert.Equal(t, domain.InvoicePaid, repo.invoices[20].PaidStatus)
}

func TestWebhook_DeadLetterAfterMaxRetries(t *testing.T) {
	t.Parallel()
	repo := newFakeWebhookRepo()
	repo.addPayment(
		domain.Payment{ID: 3, InvoiceID: 30, Provider: "stripe", ProviderPaymentID: "pi_3", Status: domain.PaymentPending},
		domain.Invoice{ID: 30, PaidStatus: domain.InvoiceUnpaid},
	)
	repo.applyErr = errors.New("disk on fire")
	svc := newWebhookService(repo)
	sig, body, payload := signedEvent(t, "evt_dead", "payment_intent.succeeded", "pi_3")
	ctx := context.Background()

	_, err := svc.Process(ctx, "stripe", sig, body, payload)
	require.NoError(t, err)
	for i := 0; i < domain.WebhookMaxRetries; i++ {
		ev := repo.events["stripe|evt_dead"]
		if ev.Status != domain.WebhookPending {
			break
		}
		_, err = svc.RetryDue(ctx, ev.NextAttemptAt.Add(time.Second), 10)
		require.NoError(t, err)
	}
	assert.Equal(t, domain.WebhookFailed, repo.events["stripe|evt_dead"].Status)
}

func TestWebhook_UnhandledEventTypeIgnored(t *testing.T) {
	t.Parallel()
	repo := newFakeWebhookRepo()
	svc := newWebhookService(repo)
	sig, body, payload := signedEvent(t, "evt_odd", "customer.created", "pi_9")

	res, err := svc.Process(context.Background(), "stripe", sig, body, payload)
	require.NoError(t, err)
	assert.Equal(t, usecase.WebhookOutcomeIgnored, res.Outcome)
	assert.True(t, res.OK())
	assert.Empty(t, repo.events)
}
