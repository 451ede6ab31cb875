package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tezgahcloud/jobcore/internal/domain"
)

// ArtefactRepo persists worker output records.
type ArtefactRepo struct{ Pool PgxPool }

// NewArtefactRepo constructs an ArtefactRepo with the given pool.
func NewArtefactRepo(p PgxPool) *ArtefactRepo { return &ArtefactRepo{Pool: p} }

// CreateBatch inserts artefact records for a job.
func (r *ArtefactRepo) CreateBatch(ctx domain.Context, jobID string, arts []domain.Artefact) error {
	tracer := otel.Tracer("repo.artefacts")
	ctx, span := tracer.Start(ctx, "artefacts.CreateBatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", jobID),
		attribute.Int("artefacts.count", len(arts)),
	)
	now := time.Now().UTC()
	q := `INSERT INTO artefacts (id, job_id, type, blob_key, size, sha256, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`
	for _, a := range arts {
		id := a.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := r.Pool.Exec(ctx, q, id, jobID, a.Type, a.BlobKey, a.Size, a.SHA256, now); err != nil {
			return fmt.Errorf("op=artefact.create: %w", err)
		}
	}
	return nil
}

// ListByJob returns a job's artefacts, oldest first.
func (r *ArtefactRepo) ListByJob(ctx domain.Context, jobID string) ([]domain.Artefact, error) {
	tracer := otel.Tracer("repo.artefacts")
	ctx, span := tracer.Start(ctx, "artefacts.ListByJob")
	defer span.End()
	q := `SELECT id, job_id, type, blob_key, size, sha256, created_at
		FROM artefacts WHERE job_id=$1 ORDER BY created_at ASC`
	rows, err := r.Pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=artefact.list: %w", err)
	}
	defer rows.Close()
	var arts []domain.Artefact
	for rows.Next() {
		var a domain.Artefact
		if err := rows.Scan(&a.ID, &a.JobID, &a.Type, &a.BlobKey, &a.Size, &a.SHA256, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=artefact.list_scan: %w", err)
		}
		arts = append(arts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=artefact.list_rows: %w", err)
	}
	return arts, nil
}
