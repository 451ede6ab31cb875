package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tezgahcloud/jobcore/internal/domain"
)

// LicenseRepo is the read-only view of the licensing subsystem's store.
type LicenseRepo struct{ Pool PgxPool }

// NewLicenseRepo constructs a LicenseRepo with the given pool.
func NewLicenseRepo(p PgxPool) *LicenseRepo { return &LicenseRepo{Pool: p} }

// ExpiringWithin returns active licenses with ends_at in [from, to), ordered
// by ends_at ascending, with user contact details joined. The query rides on
// the (status, ends_at) index.
func (r *LicenseRepo) ExpiringWithin(ctx domain.Context, from, to time.Time) ([]domain.LicenseMatch, error) {
	tracer := otel.Tracer("repo.licenses")
	ctx, span := tracer.Start(ctx, "licenses.ExpiringWithin")
	defer span.End()
	span.SetAttributes(
		attribute.String("window.from", from.Format(time.RFC3339)),
		attribute.String("window.to", to.Format(time.RFC3339)),
	)
	q := `SELECT l.id, l.user_id, l.kind, l.status, l.ends_at,
		u.name, u.email, u.phone, u.locale
		FROM licenses l JOIN users u ON u.id = l.user_id
		WHERE l.status = $1 AND l.ends_at >= $2 AND l.ends_at < $3
		ORDER BY l.ends_at ASC`
	rows, err := r.Pool.Query(ctx, q, domain.LicenseActive, from, to)
	if err != nil {
		return nil, fmt.Errorf("op=license.expiring: %w", err)
	}
	defer rows.Close()
	var out []domain.LicenseMatch
	for rows.Next() {
		var m domain.LicenseMatch
		if err := rows.Scan(&m.License.ID, &m.License.UserID, &m.License.Kind,
			&m.License.Status, &m.License.EndsAt,
			&m.Contact.Name, &m.Contact.Email, &m.Contact.Phone, &m.Contact.Locale); err != nil {
			return nil, fmt.Errorf("op=license.expiring_scan: %w", err)
		}
		m.Contact.UserID = m.License.UserID
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=license.expiring_rows: %w", err)
	}
	return out, nil
}
