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

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, user_id, kind, state, priority, attempts, max_retries, timeout_seconds,
	cancel_requested, progress_percent, progress_step, progress_message, progress_updated_at,
	params, params_hash, idempotency_key, broker_task_id, error_code, error_message, metadata,
	created_at, updated_at, started_at, finished_at`

var nonTerminalStates = []string{
	string(domain.JobPending), string(domain.JobQueued), string(domain.JobRunning),
}

// Create inserts a new PENDING job and returns its id. A unique-violation on
// the idempotency index surfaces as domain.ErrConflict for race resolution.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.sql.table", "jobs"),
		attribute.String("job.kind", string(j.Kind)),
	)
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	q := `INSERT INTO jobs (id, user_id, kind, state, priority, attempts, max_retries, timeout_seconds,
		params, params_hash, idempotency_key, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err := r.Pool.Exec(ctx, q, id, j.UserID, j.Kind, domain.JobPending, j.Priority,
		j.Attempts, j.MaxRetries, j.TimeoutSeconds, j.Params, j.ParamsHash,
		j.IdempotencyKey, j.Metadata, now, now)
	if err != nil {
		if isUniqueViolation(err, "jobs_user_kind_idem_key") {
			return "", fmt.Errorf("op=job.create: %w", domain.ErrConflict)
		}
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// FindByIdempotencyKey loads the job named by (user, kind, key).
func (r *JobRepo) FindByIdempotencyKey(ctx domain.Context, userID int64, kind domain.JobKind, key string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindByIdempotencyKey")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE user_id=$1 AND kind=$2 AND idempotency_key=$3 LIMIT 1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, userID, kind, key))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.find_idem: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.find_idem: %w", err)
	}
	return j, nil
}

// MarkQueued records the broker ack: PENDING → QUEUED with the task id.
func (r *JobRepo) MarkQueued(ctx domain.Context, id, brokerTaskID string) error {
	q := `UPDATE jobs SET state=$2, broker_task_id=$3, updated_at=$4
		WHERE id=$1 AND state=$5`
	return r.transition(ctx, "job.mark_queued", id, q,
		id, domain.JobQueued, brokerTaskID, time.Now().UTC(), domain.JobPending)
}

// MarkRunning records worker pickup: QUEUED → RUNNING.
func (r *JobRepo) MarkRunning(ctx domain.Context, id string) error {
	now := time.Now().UTC()
	q := `UPDATE jobs SET state=$2, started_at=$3, attempts=GREATEST(attempts, 1), updated_at=$3
		WHERE id=$1 AND state=$4`
	return r.transition(ctx, "job.mark_running", id, q,
		id, domain.JobRunning, now, domain.JobQueued)
}

// UpdateProgress applies a worker progress report. Terminal jobs are
// rejected with ErrTerminalState; a percent below the stored one is
// rejected with ErrStaleProgress and leaves the row untouched. Progress
// writes never change state.
func (r *JobRepo) UpdateProgress(ctx domain.Context, rep domain.ProgressReport) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateProgress")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE jobs SET progress_percent=$2, progress_step=$3, progress_message=$4,
		progress_updated_at=$5, updated_at=$5
		WHERE id=$1 AND state = ANY($6) AND progress_percent <= $2`
	tag, err := r.Pool.Exec(ctx, q, rep.JobID, rep.Percent, rep.Step, rep.Message, now, nonTerminalStates)
	if err != nil {
		return fmt.Errorf("op=job.update_progress: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	j, err := r.Get(ctx, rep.JobID)
	if err != nil {
		return fmt.Errorf("op=job.update_progress: %w", err)
	}
	if j.State.IsTerminal() {
		return fmt.Errorf("op=job.update_progress: %w", domain.ErrTerminalState)
	}
	return fmt.Errorf("op=job.update_progress: %w", domain.ErrStaleProgress)
}

// FinishSuccess transitions RUNNING → COMPLETED. Re-reports on an already
// completed job are idempotent no-ops.
func (r *JobRepo) FinishSuccess(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FinishSuccess")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE jobs SET state=$2, progress_percent=100, finished_at=$3, updated_at=$3,
		error_code=NULL, error_message=NULL
		WHERE id=$1 AND state=$4`
	tag, err := r.Pool.Exec(ctx, q, id, domain.JobCompleted, now, domain.JobRunning)
	if err != nil {
		return fmt.Errorf("op=job.finish_success: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	j, err := r.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("op=job.finish_success: %w", err)
	}
	if j.State == domain.JobCompleted {
		return nil
	}
	return fmt.Errorf("op=job.finish_success: %w", domain.ErrTerminalState)
}

// FinishFailure transitions a non-terminal job to the given terminal
// failure state with the structured error. Idempotent when already in that
// state.
func (r *JobRepo) FinishFailure(ctx domain.Context, id string, state domain.JobState, jobErr domain.JobError) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FinishFailure")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE jobs SET state=$2, error_code=$3, error_message=$4, finished_at=$5, updated_at=$5
		WHERE id=$1 AND state = ANY($6)`
	tag, err := r.Pool.Exec(ctx, q, id, state, jobErr.Code, jobErr.Message, now, nonTerminalStates)
	if err != nil {
		return fmt.Errorf("op=job.finish_failure: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	j, err := r.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("op=job.finish_failure: %w", err)
	}
	if j.State == state {
		return nil
	}
	return fmt.Errorf("op=job.finish_failure: %w", domain.ErrTerminalState)
}

// RequeueForRetry resets a RUNNING job to PENDING on the same id with
// attempts+1, recording the failure that caused the retry.
func (r *JobRepo) RequeueForRetry(ctx domain.Context, id string, jobErr domain.JobError) error {
	now := time.Now().UTC()
	q := `UPDATE jobs SET state=$2, attempts=attempts+1, broker_task_id=NULL,
		progress_percent=0, progress_step='', progress_message='',
		error_code=$3, error_message=$4, started_at=NULL, updated_at=$5
		WHERE id=$1 AND state=$6 AND attempts < max_retries + 1`
	return r.transition(ctx, "job.requeue_retry", id, q,
		id, domain.JobPending, jobErr.Code, jobErr.Message, now, domain.JobRunning)
}

// RequestCancel sets cancel_requested on a non-terminal job and returns the
// current snapshot. Terminal jobs are returned unchanged.
func (r *JobRepo) RequestCancel(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RequestCancel")
	defer span.End()
	q := `UPDATE jobs SET cancel_requested=TRUE, updated_at=$2
		WHERE id=$1 AND state = ANY($3)`
	if _, err := r.Pool.Exec(ctx, q, id, time.Now().UTC(), nonTerminalStates); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.request_cancel: %w", err)
	}
	return r.Get(ctx, id)
}

// MarkCancelled transitions any non-terminal state to CANCELLED. Idempotent
// when the job is already cancelled.
func (r *JobRepo) MarkCancelled(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkCancelled")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE jobs SET state=$2, finished_at=$3, updated_at=$3
		WHERE id=$1 AND state = ANY($4)`
	tag, err := r.Pool.Exec(ctx, q, id, domain.JobCancelled, now, nonTerminalStates)
	if err != nil {
		return fmt.Errorf("op=job.mark_cancelled: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	j, err := r.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("op=job.mark_cancelled: %w", err)
	}
	if j.State == domain.JobCancelled {
		return nil
	}
	return fmt.Errorf("op=job.mark_cancelled: %w", domain.ErrTerminalState)
}

// CountRunning counts RUNNING jobs over the given kinds.
func (r *JobRepo) CountRunning(ctx domain.Context, kinds []domain.JobKind) (int, error) {
	q := `SELECT COUNT(*) FROM jobs WHERE kind = ANY($1) AND state=$2`
	var n int
	if err := r.Pool.QueryRow(ctx, q, kindStrings(kinds), domain.JobRunning).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=job.count_running: %w", err)
	}
	return n, nil
}

// CountWaitingAhead counts PENDING/QUEUED jobs over the given kinds that
// order before (priority, createdAt): strictly higher priority, or equal
// priority with strictly earlier creation.
func (r *JobRepo) CountWaitingAhead(ctx domain.Context, kinds []domain.JobKind, priority int, createdAt time.Time) (int, error) {
	q := `SELECT COUNT(*) FROM jobs
		WHERE kind = ANY($1) AND state = ANY($2)
		AND (priority > $3 OR (priority = $3 AND created_at < $4))`
	waiting := []string{string(domain.JobPending), string(domain.JobQueued)}
	var n int
	if err := r.Pool.QueryRow(ctx, q, kindStrings(kinds), waiting, priority, createdAt).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=job.count_waiting_ahead: %w", err)
	}
	return n, nil
}

// ListPendingOlderThan pages PENDING jobs last updated before the cutoff,
// oldest first, for the recovery sweep.
func (r *JobRepo) ListPendingOlderThan(ctx domain.Context, cutoff time.Time, limit int) ([]domain.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs
		WHERE state=$1 AND updated_at < $2 ORDER BY updated_at ASC LIMIT $3`
	return r.list(ctx, "job.list_pending_older", q, domain.JobPending, cutoff, limit)
}

// ListRunningPastTimeout pages RUNNING jobs whose run exceeded timeout_seconds.
func (r *JobRepo) ListRunningPastTimeout(ctx domain.Context, now time.Time, limit int) ([]domain.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs
		WHERE state=$1 AND started_at IS NOT NULL
		AND started_at + timeout_seconds * INTERVAL '1 second' < $2
		ORDER BY started_at ASC LIMIT $3`
	return r.list(ctx, "job.list_running_past_timeout", q, domain.JobRunning, now, limit)
}

func (r *JobRepo) list(ctx domain.Context, op, q string, args ...any) ([]domain.Job, error) {
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=%s_scan: %w", op, err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=%s_rows: %w", op, err)
	}
	return jobs, nil
}

// transition runs a guarded single-row state update; zero rows affected
// resolves to ErrNotFound or ErrTerminalState via a re-read.
func (r *JobRepo) transition(ctx domain.Context, op, id, q string, args ...any) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, op)
	defer span.End()
	tag, err := r.Pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	j, err := r.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	if j.State.IsTerminal() {
		return fmt.Errorf("op=%s: %w", op, domain.ErrTerminalState)
	}
	return fmt.Errorf("op=%s: state %s does not admit the transition: %w", op, j.State, domain.ErrConflict)
}

func kindStrings(kinds []domain.JobKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		j           domain.Job
		progressAt  *time.Time
		errCode     *string
		errMessage  *string
	)
	err := row.Scan(&j.ID, &j.UserID, &j.Kind, &j.State, &j.Priority, &j.Attempts,
		&j.MaxRetries, &j.TimeoutSeconds, &j.CancelRequested,
		&j.Progress.Percent, &j.Progress.Step, &j.Progress.Message, &progressAt,
		&j.Params, &j.ParamsHash, &j.IdempotencyKey, &j.BrokerTaskID,
		&errCode, &errMessage, &j.Metadata,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		return domain.Job{}, err
	}
	if progressAt != nil {
		j.Progress.UpdatedAt = *progressAt
	}
	if errCode != nil || errMessage != nil {
		j.LastError = &domain.JobError{}
		if errCode != nil {
			j.LastError.Code = *errCode
		}
		if errMessage != nil {
			j.LastError.Message = *errMessage
		}
	}
	return j, nil
}
