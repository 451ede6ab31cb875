package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// JobsSubmittedTotal counts accepted submissions by kind.
	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Total number of jobs accepted for processing",
		},
		[]string{"kind"},
	)
	// JobsDuplicateTotal counts idempotent replays by kind.
	JobsDuplicateTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_duplicate_total",
			Help: "Total number of idempotent replays returning an existing job",
		},
		[]string{"kind"},
	)
	// JobsPublishedTotal counts broker publishes by queue and result.
	JobsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_published_total",
			Help: "Total number of task envelope publishes",
		},
		[]string{"queue", "result"},
	)
	// JobStateTransitionsTotal counts lifecycle transitions by target state.
	JobStateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_state_transitions_total",
			Help: "Total number of job state transitions",
		},
		[]string{"to"},
	)
	// RateLimitedTotal counts rejected requests by scope.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Total number of rate-limited requests",
		},
		[]string{"scope"},
	)

	// ScannerLicensesMatched counts licenses matched per run by days-out.
	ScannerLicensesMatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "license_scanner_matched_total",
			Help: "Licenses matched by the expiry scanner",
		},
		[]string{"days_out"},
	)
	// ScannerNotificationsQueued counts queued notifications by days-out.
	ScannerNotificationsQueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "license_scanner_queued_total",
			Help: "Notification deliveries queued by the expiry scanner",
		},
		[]string{"days_out"},
	)
	// ScannerDuplicatesSkipped counts conflict-skipped inserts by days-out.
	ScannerDuplicatesSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "license_scanner_duplicates_skipped_total",
			Help: "Duplicate notification deliveries skipped by the expiry scanner",
		},
		[]string{"days_out"},
	)
	// ScannerErrors counts per-pair scanner errors by days-out.
	ScannerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "license_scanner_errors_total",
			Help: "Errors encountered by the expiry scanner",
		},
		[]string{"days_out"},
	)

	// NotificationSendsTotal counts dispatcher outcomes by provider and result.
	NotificationSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_sends_total",
			Help: "Notification send attempts by provider and result",
		},
		[]string{"provider", "result"},
	)

	// WebhookEventsTotal counts webhook processing outcomes by provider.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Webhook events processed by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
)

// InitMetrics registers all collectors on the default registry. Call once per
// process.
func InitMetrics() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		JobsSubmittedTotal,
		JobsDuplicateTotal,
		JobsPublishedTotal,
		JobStateTransitionsTotal,
		RateLimitedTotal,
		ScannerLicensesMatched,
		ScannerNotificationsQueued,
		ScannerDuplicatesSkipped,
		ScannerErrors,
		NotificationSendsTotal,
		WebhookEventsTotal,
	)
}

// DaysOutLabel renders a days-out partition label.
func DaysOutLabel(d int) string { return strconv.Itoa(d) }
