package domain

import (
	"time"
)

// License is the slice of the licensing subsystem's entity the core reads.
type License struct {
	ID     int64
	UserID int64
	Kind   string
	Status string
	EndsAt time.Time
}

// LicenseActive is the only license status the scanner considers.
const LicenseActive = "active"

// Contact is the notification-relevant slice of a user record.
type Contact struct {
	UserID int64
	Name   string
	Email  string
	Phone  string
	Locale string
}

// NotificationChannel enumerates delivery channels.
type NotificationChannel string

// Delivery channels.
const (
	ChannelEmail NotificationChannel = "email"
	ChannelSMS   NotificationChannel = "sms"
)

// NotificationStatus is the delivery lifecycle state.
type NotificationStatus string

// Delivery statuses.
const (
	NotificationQueued    NotificationStatus = "queued"
	NotificationSent      NotificationStatus = "sent"
	NotificationDelivered NotificationStatus = "delivered"
	NotificationFailed    NotificationStatus = "failed"
	NotificationBounced   NotificationStatus = "bounced"
)

// Reminder days before license expiry that trigger a notification.
var ReminderDays = []int{7, 3, 1}

// NotificationTemplate is a renderable template for one (type, channel, language).
type NotificationTemplate struct {
	ID       int64
	Type     string
	Channel  NotificationChannel
	Language string
	Subject  string
	Body     string
}

// Template languages. Turkish is primary; English is the fallback.
const (
	LangTurkish = "tr-TR"
	LangEnglish = "en-US"
)

// SMSMaxLength bounds a rendered SMS body.
const SMSMaxLength = 160

// NotificationDelivery is one deduplicated notification to one recipient on
// one channel. (LicenseID, DaysOut, Channel) is unique when all are set.
type NotificationDelivery struct {
	ID                string
	UserID            int64
	LicenseID         *int64
	TemplateID        int64
	Channel           NotificationChannel
	Recipient         string
	DaysOut           *int
	Subject           string
	Body              string
	Variables         map[string]any
	Status            NotificationStatus
	PrimaryProvider   string
	ActualProvider    *string
	ProviderMessageID *string
	RetryCount        int
	MaxRetries        int
	ScheduledAt       time.Time
	SentAt            *time.Time
	DeliveredAt       *time.Time
	FailedAt          *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NotificationAttempt is one send try of a delivery. Immutable once
// CompletedAt is set. AttemptNumber is 1-based and unique per delivery.
type NotificationAttempt struct {
	ID            int64
	DeliveryID    string
	AttemptNumber int
	Provider      string
	Request       map[string]any
	Response      map[string]any
	ErrorCode     string
	ErrorMessage  string
	StartedAt     time.Time
	CompletedAt   *time.Time
}

// SendResultKind classifies a provider send outcome.
type SendResultKind string

// Provider send outcome kinds.
const (
	SendSuccess       SendResultKind = "SUCCESS"
	SendTransientFail SendResultKind = "TRANSIENT_FAIL"
	SendPermanentFail SendResultKind = "PERMANENT_FAIL"
)

// SendResult is the outcome of a single provider send call.
type SendResult struct {
	Kind      SendResultKind
	MessageID string
	Code      string
	Message   string
}

// ScanMetrics is the per-run metric bundle of the notification scanner,
// partitioned by days-out.
type ScanMetrics struct {
	ScanTime          time.Time
	MatchedLicenses   map[int]int
	Queued            map[int]int
	DuplicatesSkipped map[int]int
	Errors            map[int]int
}

// NewScanMetrics returns a zeroed bundle covering every reminder day.
func NewScanMetrics(now time.Time) ScanMetrics {
	m := ScanMetrics{
		ScanTime:          now,
		MatchedLicenses:   make(map[int]int, len(ReminderDays)),
		Queued:            make(map[int]int, len(ReminderDays)),
		DuplicatesSkipped: make(map[int]int, len(ReminderDays)),
		Errors:            make(map[int]int, len(ReminderDays)),
	}
	for _, d := range ReminderDays {
		m.MatchedLicenses[d] = 0
		m.Queued[d] = 0
		m.DuplicatesSkipped[d] = 0
		m.Errors[d] = 0
	}
	return m
}
