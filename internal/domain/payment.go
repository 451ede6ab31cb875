package domain

import (
	"time"
)

// WebhookEventStatus is the processing state of a provider event.
type WebhookEventStatus string

// Webhook event statuses.
const (
	WebhookPending    WebhookEventStatus = "pending"
	WebhookProcessing WebhookEventStatus = "processing"
	WebhookDelivered  WebhookEventStatus = "delivered"
	WebhookFailed     WebhookEventStatus = "failed"
)

// WebhookEvent tracks one provider event for exactly-once processing.
// (Provider, EventID) is unique; Status advances to delivered or failed
// exactly once.
type WebhookEvent struct {
	ID            int64
	Provider      string
	EventID       string
	EventType     string
	PaymentID     *int64
	RawEvent      map[string]any
	Status        WebhookEventStatus
	RetryCount    int
	MaxRetries    int
	NextAttemptAt *time.Time
	LastError     string
	LockedAt      *time.Time
	LockedBy      string
	ProcessedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// WebhookLockTimeout is how long a processing lock is honored before another
// worker may steal it.
const WebhookLockTimeout = 300 * time.Second

// WebhookMaxRetries bounds transient-failure retries before dead-lettering.
const WebhookMaxRetries = 5

// ParsedWebhook is the provider-agnostic projection of a webhook body.
type ParsedWebhook struct {
	EventID           string
	EventType         string
	ProviderPaymentID string
	NewStatus         string
	Metadata          map[string]any
}

// PaymentStatus is the internal payment state.
type PaymentStatus string

// Payment statuses.
const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// InvoicePaidStatus mirrors payment outcomes onto the owning invoice.
type InvoicePaidStatus string

// Invoice paid statuses.
const (
	InvoiceUnpaid   InvoicePaidStatus = "unpaid"
	InvoicePaid     InvoicePaidStatus = "paid"
	InvoiceFailed   InvoicePaidStatus = "failed"
	InvoiceRefunded InvoicePaidStatus = "refunded"
)

// InvoiceStatusFor maps a payment transition onto the invoice paid status.
// The second return is false for payment states that leave the invoice
// untouched.
func InvoiceStatusFor(s PaymentStatus) (InvoicePaidStatus, bool) {
	switch s {
	case PaymentSucceeded:
		return InvoicePaid, true
	case PaymentFailed:
		return InvoiceFailed, true
	case PaymentRefunded:
		return InvoiceRefunded, true
	}
	return "", false
}

// Payment is the payment record mutated by webhook processing. It is shared
// with external consumers and only updated under the event's processing lock.
type Payment struct {
	ID                int64
	InvoiceID         int64
	Provider          string
	ProviderPaymentID string
	AmountCents       int64
	Currency          string
	Status            PaymentStatus
	PaidAt            *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Invoice is the slice of the invoicing collaborator's entity the core mutates.
type Invoice struct {
	ID         int64
	UserID     int64
	Number     string
	PaidStatus InvoicePaidStatus
}

// Audit actor types recorded on payment audit entries.
const (
	ActorSystem  = "system"
	ActorWebhook = "webhook"
)

// PaymentAuditEntry is one append-only payment audit row; ordering is by
// creation time.
type PaymentAuditEntry struct {
	ID        int64
	PaymentID int64
	InvoiceID int64
	Action    string
	ActorType string
	ActorID   string
	Context   map[string]any
	CreatedAt time.Time
}
