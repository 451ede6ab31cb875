package domain

import (
	"time"
)

// Repositories (ports)

// JobRepository is the authoritative store for jobs and their artefacts'
// parent records. Implementations enforce terminal-state immutability and
// progress monotonicity at the storage layer.
type JobRepository interface {
	// Create inserts a new PENDING job and returns its id. A violation of
	// the (user, kind, idempotency_key) uniqueness surfaces as ErrConflict.
	Create(ctx Context, j Job) (string, error)
	// Get loads a job by id.
	Get(ctx Context, id string) (Job, error)
	// FindByIdempotencyKey loads the job named by (user, kind, key).
	FindByIdempotencyKey(ctx Context, userID int64, kind JobKind, key string) (Job, error)
	// MarkQueued records the broker ack: PENDING → QUEUED with the task id.
	MarkQueued(ctx Context, id, brokerTaskID string) error
	// MarkRunning records worker pickup: QUEUED → RUNNING.
	MarkRunning(ctx Context, id string) error
	// UpdateProgress applies a worker progress report. Terminal jobs and
	// non-monotone percents are rejected.
	UpdateProgress(ctx Context, rep ProgressReport) error
	// FinishSuccess transitions RUNNING → COMPLETED.
	FinishSuccess(ctx Context, id string) error
	// FinishFailure transitions to the given terminal failure state.
	FinishFailure(ctx Context, id string, state JobState, jobErr JobError) error
	// RequeueForRetry resets a failed run to PENDING with attempts+1.
	RequeueForRetry(ctx Context, id string, jobErr JobError) error
	// RequestCancel sets cancel_requested on a non-terminal job and returns
	// the current snapshot. Terminal jobs are returned unchanged.
	RequestCancel(ctx Context, id string) (Job, error)
	// MarkCancelled transitions any non-terminal state to CANCELLED.
	MarkCancelled(ctx Context, id string) error
	// CountRunning counts RUNNING jobs over the given kinds.
	CountRunning(ctx Context, kinds []JobKind) (int, error)
	// CountWaitingAhead counts PENDING/QUEUED jobs over the given kinds with
	// strictly higher priority, or equal priority and earlier creation.
	CountWaitingAhead(ctx Context, kinds []JobKind, priority int, createdAt time.Time) (int, error)
	// ListPendingOlderThan pages PENDING jobs whose last update precedes the
	// cutoff, for the recovery sweep.
	ListPendingOlderThan(ctx Context, cutoff time.Time, limit int) ([]Job, error)
	// ListRunningPastTimeout pages RUNNING jobs whose run exceeded their
	// timeout_seconds as of now.
	ListRunningPastTimeout(ctx Context, now time.Time, limit int) ([]Job, error)
}

// ArtefactRepository persists worker outputs.
type ArtefactRepository interface {
	// CreateBatch inserts artefact records for a job in one round trip.
	CreateBatch(ctx Context, jobID string, arts []Artefact) error
	// ListByJob returns a job's artefacts.
	ListByJob(ctx Context, jobID string) ([]Artefact, error)
}

// LicenseMatch pairs a license with the owning user's contact details.
type LicenseMatch struct {
	License License
	Contact Contact
}

// LicenseRepository is the read-only view of the licensing subsystem.
type LicenseRepository interface {
	// ExpiringWithin returns active licenses with ends_at in [from, to),
	// ordered by ends_at ascending, with user contacts joined.
	ExpiringWithin(ctx Context, from, to time.Time) ([]LicenseMatch, error)
}

// TemplateRepository resolves notification templates.
type TemplateRepository interface {
	// Resolve returns the template for (type, channel, language).
	Resolve(ctx Context, typ string, channel NotificationChannel, language string) (NotificationTemplate, error)
}

// NotificationRepository persists deliveries and attempts.
type NotificationRepository interface {
	// InsertDelivery inserts with do-nothing-on-conflict semantics over
	// (license_id, days_out, channel). Returns false when skipped.
	InsertDelivery(ctx Context, d NotificationDelivery) (string, bool, error)
	// GetDelivery loads a delivery by id.
	GetDelivery(ctx Context, id string) (NotificationDelivery, error)
	// ListDue returns queued deliveries scheduled at or before now.
	ListDue(ctx Context, now time.Time, limit int) ([]NotificationDelivery, error)
	// CreateAttempt inserts the next attempt row (attempt_number = max+1).
	CreateAttempt(ctx Context, a NotificationAttempt) (int64, error)
	// FinishAttempt records the outcome of an attempt; the row is immutable
	// afterwards.
	FinishAttempt(ctx Context, attemptID int64, response map[string]any, errCode, errMsg string) error
	// MarkSent records a successful send with the actual provider used.
	MarkSent(ctx Context, id, provider, providerMessageID string) error
	// MarkDelivered records provider delivery confirmation.
	MarkDelivered(ctx Context, id string) error
	// MarkFailed records a terminal delivery failure (FAILED or BOUNCED).
	// The error itself lives on the final attempt row.
	MarkFailed(ctx Context, id string, status NotificationStatus) error
	// Reschedule re-queues the delivery for a later attempt.
	Reschedule(ctx Context, id string, at time.Time, retryCount int) error
}

// WebhookRepository persists provider events and applies payment transitions.
type WebhookRepository interface {
	// UpsertEvent inserts the event keyed by (provider, event_id) or, on
	// conflict, returns the existing row. The bool reports a fresh insert.
	UpsertEvent(ctx Context, provider, eventID, eventType string, raw map[string]any) (WebhookEvent, bool, error)
	// TryLock acquires the processing lock unless a younger lock is held.
	TryLock(ctx Context, id int64, lockedBy string) (bool, error)
	// ApplyTransition runs payment lookup, payment/invoice update, audit
	// append, and delivered-marking in one transaction. A missing payment
	// surfaces as ErrNotFound without retry.
	ApplyTransition(ctx Context, ev WebhookEvent, parsed ParsedWebhook) error
	// ScheduleRetry releases the lock and schedules the next attempt.
	ScheduleRetry(ctx Context, id int64, nextAt time.Time, lastError string) error
	// MarkFailed dead-letters the event, recording the final error.
	MarkFailed(ctx Context, id int64, lastError string) error
	// ListDueRetries returns pending events whose next attempt is due.
	ListDueRetries(ctx Context, now time.Time, limit int) ([]WebhookEvent, error)
}

// Queue (port)

// Queue publishes task envelopes to the broker.
type Queue interface {
	// Publish sends the envelope to the route's queue with its routing key
	// and returns the broker task id.
	Publish(ctx Context, env TaskEnvelope, route Route) (string, error)
}

// CancelSignal is the worker-observable cancellation side channel.
type CancelSignal interface {
	// Set writes a short-TTL cancel marker for the job.
	Set(ctx Context, jobID string, ttl time.Duration) error
	// IsSet reports whether a cancel marker exists for the job.
	IsSet(ctx Context, jobID string) (bool, error)
}

// NotificationProvider is the outbound send adapter contract. A returned
// error means the provider infrastructure itself failed (as opposed to a
// classified SendResult), and feeds the failover circuit breaker.
type NotificationProvider interface {
	// Name identifies the provider in attempt records.
	Name() string
	// Send delivers one message over the given channel.
	Send(ctx Context, channel NotificationChannel, recipient, subject, body string, meta map[string]any) (SendResult, error)
}

// WebhookVerifier verifies and parses one provider's webhook payloads.
type WebhookVerifier interface {
	// Verify checks the signature header against the raw body.
	Verify(signature string, body []byte) bool
	// Parse projects the parsed body onto the provider-agnostic event shape.
	Parse(payload map[string]any) (ParsedWebhook, error)
}
