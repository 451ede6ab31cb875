package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tezgahcloud/jobcore/internal/domain"
	obsctx "github.com/tezgahcloud/jobcore/internal/observability"
)

// ScannerService runs the daily license expiry scan: for each reminder day
// it selects expiring licenses over a half-open UTC day window and enqueues
// deduplicated per-channel notification deliveries.
type ScannerService struct {
	Licenses      domain.LicenseRepository
	Templates     domain.TemplateRepository
	Notifications domain.NotificationRepository

	MaxRetries       int
	RenewalLinkBase  string
	SupportEmail     string
	CompanyName      string
	EmailProvider    string
	SMSProvider      string
}

// NewScannerService constructs a ScannerService with its dependencies.
func NewScannerService(l domain.LicenseRepository, t domain.TemplateRepository, n domain.NotificationRepository) *ScannerService {
	return &ScannerService{
		Licenses:      l,
		Templates:     t,
		Notifications: n,
		MaxRetries:    3,
	}
}

// Scan performs one full scanner run for the UTC day containing now and
// returns the metric bundle partitioned by days-out.
func (s *ScannerService) Scan(ctx domain.Context, now time.Time) domain.ScanMetrics {
	tr := otel.Tracer("usecase.scanner")
	ctx, span := tr.Start(ctx, "ScannerService.Scan")
	defer span.End()

	lg := obsctx.LoggerFromContext(ctx)
	metrics := domain.NewScanMetrics(now.UTC())
	today := now.UTC().Truncate(24 * time.Hour)

	for _, daysOut := range domain.ReminderDays {
		// Half-open day window [today+D, today+D+1) in UTC.
		from := today.AddDate(0, 0, daysOut)
		to := from.AddDate(0, 0, 1)
		matches, err := s.Licenses.ExpiringWithin(ctx, from, to)
		if err != nil {
			lg.Error("license window scan failed",
				slog.Int("days_out", daysOut), slog.Any("error", err))
			metrics.Errors[daysOut]++
			obsctx.ScannerErrors.WithLabelValues(obsctx.DaysOutLabel(daysOut)).Inc()
			continue
		}
		metrics.MatchedLicenses[daysOut] = len(matches)
		obsctx.ScannerLicensesMatched.WithLabelValues(obsctx.DaysOutLabel(daysOut)).Add(float64(len(matches)))

		for _, m := range matches {
			for _, channel := range []domain.NotificationChannel{domain.ChannelEmail, domain.ChannelSMS} {
				recipient := recipientFor(m.Contact, channel)
				if recipient == "" {
					continue
				}
				queued, err := s.enqueue(ctx, m, daysOut, channel, recipient)
				if err != nil {
					// A render or insert failure aborts only this
					// (license, channel) pair.
					lg.Error("notification enqueue failed",
						slog.Int64("license_id", m.License.ID),
						slog.Int("days_out", daysOut),
						slog.String("channel", string(channel)),
						slog.Any("error", err))
					metrics.Errors[daysOut]++
					obsctx.ScannerErrors.WithLabelValues(obsctx.DaysOutLabel(daysOut)).Inc()
					continue
				}
				if queued {
					metrics.Queued[daysOut]++
					obsctx.ScannerNotificationsQueued.WithLabelValues(obsctx.DaysOutLabel(daysOut)).Inc()
				} else {
					metrics.DuplicatesSkipped[daysOut]++
					obsctx.ScannerDuplicatesSkipped.WithLabelValues(obsctx.DaysOutLabel(daysOut)).Inc()
				}
			}
		}
	}

	span.SetAttributes(attribute.Int("scanner.total_queued", total(metrics.Queued)))
	lg.Info("license scan completed",
		slog.Int("queued", total(metrics.Queued)),
		slog.Int("duplicates_skipped", total(metrics.DuplicatesSkipped)),
		slog.Int("errors", total(metrics.Errors)))
	return metrics
}

// enqueue renders and inserts one (license, channel) delivery. The bool
// reports a fresh insert; false means the uniqueness constraint skipped a
// duplicate.
func (s *ScannerService) enqueue(ctx domain.Context, m domain.LicenseMatch, daysOut int, channel domain.NotificationChannel, recipient string) (bool, error) {
	tmpl, err := s.resolveTemplate(ctx, daysOut, channel, m.Contact.Locale)
	if err != nil {
		return false, err
	}
	vars := map[string]any{
		"user_name":          m.Contact.Name,
		"user_email":         m.Contact.Email,
		"license_kind":       m.License.Kind,
		"days_remaining":     daysOut,
		"ends_at_formatted":  m.License.EndsAt.UTC().Format("02.01.2006 15:04"),
		"renewal_link":       fmt.Sprintf("%s/%d/renew", s.RenewalLinkBase, m.License.ID),
		"support_email":      s.SupportEmail,
		"company_name":       s.CompanyName,
	}
	subject, body, err := renderTemplate(tmpl, vars)
	if err != nil {
		return false, err
	}
	if channel == domain.ChannelSMS && len([]rune(body)) > domain.SMSMaxLength {
		return false, fmt.Errorf("rendered sms exceeds %d characters", domain.SMSMaxLength)
	}

	licenseID := m.License.ID
	days := daysOut
	provider := s.EmailProvider
	if channel == domain.ChannelSMS {
		provider = s.SMSProvider
	}
	_, inserted, err := s.Notifications.InsertDelivery(ctx, domain.NotificationDelivery{
		UserID:          m.Contact.UserID,
		LicenseID:       &licenseID,
		TemplateID:      tmpl.ID,
		Channel:         channel,
		Recipient:       recipient,
		DaysOut:         &days,
		Subject:         subject,
		Body:            body,
		Variables:       vars,
		PrimaryProvider: provider,
		MaxRetries:      s.MaxRetries,
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// resolveTemplate looks the template up in the contact's language, falling
// back from tr-TR to en-US when absent.
func (s *ScannerService) resolveTemplate(ctx domain.Context, daysOut int, channel domain.NotificationChannel, language string) (domain.NotificationTemplate, error) {
	typ := fmt.Sprintf("LICENSE_REMINDER_D%d", daysOut)
	if language == "" {
		language = domain.LangTurkish
	}
	tmpl, err := s.Templates.Resolve(ctx, typ, channel, language)
	if err == nil {
		return tmpl, nil
	}
	if errors.Is(err, domain.ErrNotFound) && language != domain.LangEnglish {
		return s.Templates.Resolve(ctx, typ, channel, domain.LangEnglish)
	}
	return domain.NotificationTemplate{}, err
}

// renderTemplate substitutes {{name}} placeholders from the variable bag.
// Unresolved placeholders are a render error so broken templates never reach
// recipients.
func renderTemplate(tmpl domain.NotificationTemplate, vars map[string]any) (string, string, error) {
	render := func(text string) (string, error) {
		out := text
		for k, v := range vars {
			out = strings.ReplaceAll(out, "{{"+k+"}}", fmt.Sprint(v))
		}
		if i := strings.Index(out, "{{"); i >= 0 {
			if j := strings.Index(out[i:], "}}"); j >= 0 {
				return "", fmt.Errorf("unresolved template variable %s", out[i:i+j+2])
			}
		}
		return out, nil
	}
	subject, err := render(tmpl.Subject)
	if err != nil {
		return "", "", err
	}
	body, err := render(tmpl.Body)
	if err != nil {
		return "", "", err
	}
	return subject, body, nil
}

func recipientFor(c domain.Contact, channel domain.NotificationChannel) string {
	switch channel {
	case domain.ChannelEmail:
		return c.Email
	case domain.ChannelSMS:
		return c.Phone
	}
	return ""
}

func total(m map[int]int) int {
	sum := 0
	for _, v := range m {
		sum += v
	}
	return sum
}
