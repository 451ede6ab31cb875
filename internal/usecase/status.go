package usecase

import (
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/tezgahcloud/jobcore/internal/domain"
	obsctx "github.com/tezgahcloud/jobcore/internal/observability"
)

// StatusService is the read path for status polling: job snapshot, queue
// position, and artefacts.
type StatusService struct {
	Jobs      domain.JobRepository
	Artefacts domain.ArtefactRepository
}

// NewStatusService constructs a StatusService with its dependencies.
func NewStatusService(j domain.JobRepository, a domain.ArtefactRepository) StatusService {
	return StatusService{Jobs: j, Artefacts: a}
}

// JobStatus is the snapshot returned to pollers.
type JobStatus struct {
	Job domain.Job
	// QueuePosition is 1-based for waiting jobs, 0 for a RUNNING job, and
	// nil for terminal jobs or when the underlying read failed.
	QueuePosition *int
	Artefacts     []domain.Artefact
}

// Get returns the job snapshot with its computed queue position.
func (s StatusService) Get(ctx domain.Context, id string) (JobStatus, error) {
	tr := otel.Tracer("usecase.status")
	ctx, span := tr.Start(ctx, "StatusService.Get")
	defer span.End()

	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return JobStatus{}, err
	}
	st := JobStatus{Job: job}
	st.QueuePosition = s.position(ctx, job)
	if job.State == domain.JobCompleted && s.Artefacts != nil {
		arts, err := s.Artefacts.ListByJob(ctx, id)
		if err != nil {
			obsctx.LoggerFromContext(ctx).Warn("artefact listing failed",
				slog.String("job_id", id), slog.Any("error", err))
		} else {
			st.Artefacts = arts
		}
	}
	return st, nil
}

// position computes the 1-based queue position of a waiting job using the
// router table's reverse index for same-queue grouping. Position is counted
// over RUNNING jobs plus waiting jobs ordering before this one by
// (priority desc, created_at asc).
func (s StatusService) position(ctx domain.Context, job domain.Job) *int {
	if job.State.IsTerminal() {
		return nil
	}
	if job.State == domain.JobRunning {
		zero := 0
		return &zero
	}
	route, err := domain.RouteFor(job.Kind)
	if err != nil {
		return nil
	}
	kinds := domain.KindsForQueue(route.Queue)
	running, err := s.Jobs.CountRunning(ctx, kinds)
	if err != nil {
		obsctx.LoggerFromContext(ctx).Warn("queue position read failed",
			slog.String("job_id", job.ID), slog.Any("error", err))
		return nil
	}
	ahead, err := s.Jobs.CountWaitingAhead(ctx, kinds, job.Priority, job.CreatedAt)
	if err != nil {
		obsctx.LoggerFromContext(ctx).Warn("queue position read failed",
			slog.String("job_id", job.ID), slog.Any("error", err))
		return nil
	}
	pos := running + ahead + 1
	return &pos
}
