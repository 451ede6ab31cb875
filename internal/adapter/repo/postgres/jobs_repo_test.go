package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tezgahcloud/jobcore/internal/adapter/repo/postgres"
	"github.com/tezgahcloud/jobcore/internal/domain"
)

var jobCols = []string{
	"id", "user_id", "kind", "state", "priority", "attempts", "max_retries", "timeout_seconds",
	"cancel_requested", "progress_percent", "progress_step", "progress_message", "progress_updated_at",
	"params", "params_hash", "idempotency_key", "broker_task_id", "error_code", "error_message", "metadata",
	"created_at", "updated_at", "started_at", "finished_at",
}

func jobRow(id string, state domain.JobState, percent int) *pgxmock.Rows {
	now := time.Now().UTC()
	return pgxmock.NewRows(jobCols).AddRow(
		id, int64(7), string(domain.KindModel), string(state), 0, 1, 3, 900,
		false, percent, "", "", nil,
		map[string]any{}, "hash", nil, nil, nil, nil, map[string]any{},
		now, now, nil, nil,
	)
}

func TestJobRepo_Create(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewJobRepo(m)
	ctx := context.Background()

	m.ExpectExec("INSERT INTO jobs").
		WithArgs(pgxmock.AnyArg(), int64(7), domain.KindModel, domain.JobPending, 0,
			0, 3, 900, pgxmock.AnyArg(), "hash", pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	id, err := repo.Create(ctx, domain.Job{
		UserID: 7, Kind: domain.KindModel, MaxRetries: 3, TimeoutSeconds: 900, ParamsHash: "hash",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestJobRepo_Create_IdempotencyUniqueViolation(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewJobRepo(m)

	m.ExpectExec("INSERT INTO jobs").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "jobs_user_kind_idem_key"})
	key := "k-1-abcdefghijkl"
	_, err = repo.Create(context.Background(), domain.Job{
		UserID: 7, Kind: domain.KindModel, IdempotencyKey: &key,
	})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestJobRepo_Get_NotFound(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewJobRepo(m)

	m.ExpectQuery("SELECT .+ FROM jobs WHERE id=\\$1").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	_, err = repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobRepo_MarkQueued(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewJobRepo(m)

	m.ExpectExec("UPDATE jobs SET state=\\$2, broker_task_id=\\$3").
		WithArgs("j1", domain.JobQueued, "model/0/1", pgxmock.AnyArg(), domain.JobPending).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, repo.MarkQueued(context.Background(), "j1", "model/0/1"))
	require.NoError(t, m.ExpectationsWereMet())
}

func TestJobRepo_MarkQueued_TerminalRejected(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewJobRepo(m)

	m.ExpectExec("UPDATE jobs SET state=\\$2, broker_task_id=\\$3").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	m.ExpectQuery("SELECT .+ FROM jobs WHERE id=\\$1").
		WithArgs("j1").
		WillReturnRows(jobRow("j1", domain.JobCancelled, 10))
	err = repo.MarkQueued(context.Background(), "j1", "model/0/1")
	assert.ErrorIs(t, err, domain.ErrTerminalState)
}

func TestJobRepo_UpdateProgress_StaleDiscarded(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewJobRepo(m)

	// Guarded update touches no rows; the re-read shows a live job with a
	// higher stored percent.
	m.ExpectExec("UPDATE jobs SET progress_percent").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	m.ExpectQuery("SELECT .+ FROM jobs WHERE id=\\$1").
		WithArgs("j1").
		WillReturnRows(jobRow("j1", domain.JobRunning, 70))
	err = repo.UpdateProgress(context.Background(), domain.ProgressReport{JobID: "j1", Percent: 40})
	assert.ErrorIs(t, err, domain.ErrStaleProgress)
}

func TestJobRepo_UpdateProgress_TerminalRejected(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewJobRepo(m)

	m.ExpectExec("UPDATE jobs SET progress_percent").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	m.ExpectQuery("SELECT .+ FROM jobs WHERE id=\\$1").
		WithArgs("j1").
		WillReturnRows(jobRow("j1", domain.JobCompleted, 100))
	err = repo.UpdateProgress(context.Background(), domain.ProgressReport{JobID: "j1", Percent: 99})
	assert.ErrorIs(t, err, domain.ErrTerminalState)
}

func TestJobRepo_CountWaitingAhead(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewJobRepo(m)

	m.ExpectQuery("SELECT COUNT\\(\\*\\) FROM jobs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), 5, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))
	n, err := repo.CountWaitingAhead(context.Background(),
		domain.KindsForQueue(domain.QueueModel), 5, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
