package usecase

import (
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/otel"

	"github.com/tezgahcloud/jobcore/internal/canon"
	"github.com/tezgahcloud/jobcore/internal/domain"
	obsctx "github.com/tezgahcloud/jobcore/internal/observability"
)

// WorkerService handles inbound worker reports: pickup, progress
// checkpoints, and completion. Completion is idempotent on job id.
type WorkerService struct {
	Jobs      domain.JobRepository
	Artefacts domain.ArtefactRepository
	Queue     domain.Queue
	Signal    domain.CancelSignal
}

// NewWorkerService constructs a WorkerService with its dependencies.
func NewWorkerService(j domain.JobRepository, a domain.ArtefactRepository, q domain.Queue, sig domain.CancelSignal) WorkerService {
	return WorkerService{Jobs: j, Artefacts: a, Queue: q, Signal: sig}
}

// Pickup records that a worker started the job: QUEUED → RUNNING.
func (s WorkerService) Pickup(ctx domain.Context, jobID string) error {
	if err := s.Jobs.MarkRunning(ctx, jobID); err != nil {
		return err
	}
	obsctx.JobStateTransitionsTotal.WithLabelValues(string(domain.JobRunning)).Inc()
	return nil
}

// Progress applies a worker progress checkpoint. The bool reports that
// cancellation was observed at this checkpoint and the job is now
// CANCELLED; the worker must stop. Stale (lower) percents are discarded as
// idempotent no-ops.
func (s WorkerService) Progress(ctx domain.Context, rep domain.ProgressReport) (bool, error) {
	tr := otel.Tracer("usecase.worker")
	ctx, span := tr.Start(ctx, "WorkerService.Progress")
	defer span.End()

	lg := obsctx.LoggerFromContext(ctx)

	if cancelled, err := s.observeCancel(ctx, rep.JobID); err == nil && cancelled {
		return true, nil
	}

	err := s.Jobs.UpdateProgress(ctx, rep)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, domain.ErrStaleProgress):
		lg.Debug("stale progress discarded",
			slog.String("job_id", rep.JobID), slog.Int("percent", rep.Percent))
		return false, nil
	default:
		return false, err
	}
}

// observeCancel checks both cancellation evidence sources and, when either
// is set, transitions the job to CANCELLED.
func (s WorkerService) observeCancel(ctx domain.Context, jobID string) (bool, error) {
	requested := false
	if s.Signal != nil {
		if set, err := s.Signal.IsSet(ctx, jobID); err == nil && set {
			requested = true
		}
	}
	if !requested {
		job, err := s.Jobs.Get(ctx, jobID)
		if err != nil {
			return false, err
		}
		if job.State.IsTerminal() {
			return job.State == domain.JobCancelled, nil
		}
		requested = job.CancelRequested
	}
	if !requested {
		return false, nil
	}
	if err := s.Jobs.MarkCancelled(ctx, jobID); err != nil {
		if errors.Is(err, domain.ErrTerminalState) {
			return true, nil
		}
		return false, err
	}
	obsctx.JobStateTransitionsTotal.WithLabelValues(string(domain.JobCancelled)).Inc()
	obsctx.LoggerFromContext(ctx).Info("cancellation observed", slog.String("job_id", jobID))
	return true, nil
}

// Complete applies a worker completion report. Success persists artefacts
// before the terminal transition; failures requeue on the same id while
// attempts remain, and land terminal otherwise.
func (s WorkerService) Complete(ctx domain.Context, rep domain.CompletionReport) error {
	tr := otel.Tracer("usecase.worker")
	ctx, span := tr.Start(ctx, "WorkerService.Complete")
	defer span.End()

	lg := obsctx.LoggerFromContext(ctx)
	job, err := s.Jobs.Get(ctx, rep.JobID)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		// Broker redelivery of an already-settled job.
		lg.Info("completion replay on terminal job",
			slog.String("job_id", rep.JobID), slog.String("state", string(job.State)))
		return nil
	}

	switch rep.Outcome {
	case domain.OutcomeSuccess:
		if len(rep.Artefacts) > 0 && s.Artefacts != nil {
			arts := normalizeArtefacts(rep.Artefacts)
			if err := s.Artefacts.CreateBatch(ctx, rep.JobID, arts); err != nil {
				return err
			}
		}
		if err := s.Jobs.FinishSuccess(ctx, rep.JobID); err != nil {
			return err
		}
		obsctx.JobStateTransitionsTotal.WithLabelValues(string(domain.JobCompleted)).Inc()
		lg.Info("job completed", slog.String("job_id", rep.JobID))
		return nil

	case domain.OutcomeFail, domain.OutcomeTimeout:
		jobErr := domain.JobError{Code: "worker_failed", Message: "worker reported failure"}
		if rep.LastError != nil {
			jobErr = *rep.LastError
		}
		terminal := domain.JobFailed
		if rep.Outcome == domain.OutcomeTimeout {
			terminal = domain.JobTimeout
			if jobErr.Code == "worker_failed" {
				jobErr.Code = "timeout"
			}
		}
		if job.RetryPermitted() {
			return s.retry(ctx, job, jobErr)
		}
		if err := s.Jobs.FinishFailure(ctx, rep.JobID, terminal, jobErr); err != nil {
			return err
		}
		obsctx.JobStateTransitionsTotal.WithLabelValues(string(terminal)).Inc()
		lg.Info("job failed terminally",
			slog.String("job_id", rep.JobID),
			slog.String("state", string(terminal)),
			slog.String("error_code", jobErr.Code))
		return nil
	}
	return domain.ErrInvalidArgument
}

// retry requeues a failed run on the same id and republishes its envelope.
// A publish failure leaves the job PENDING for the recovery sweep.
func (s WorkerService) retry(ctx domain.Context, job domain.Job, jobErr domain.JobError) error {
	lg := obsctx.LoggerFromContext(ctx)
	if err := s.Jobs.RequeueForRetry(ctx, job.ID, jobErr); err != nil {
		return err
	}
	obsctx.JobStateTransitionsTotal.WithLabelValues(string(domain.JobPending)).Inc()
	lg.Info("job requeued for retry",
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.Attempts+1),
		slog.String("error_code", jobErr.Code))

	route, err := domain.RouteFor(job.Kind)
	if err != nil {
		return err
	}
	env := domain.TaskEnvelope{
		JobID:       job.ID,
		Kind:        string(job.Kind),
		Params:      job.Params,
		SubmittedBy: strconv.FormatInt(job.UserID, 10),
		Attempt:     job.Attempts + 1,
		CreatedAt:   time.Now().UTC().Format(canon.TimeFormat),
	}
	taskID, err := s.Queue.Publish(ctx, env, route)
	if err != nil {
		lg.Error("retry publish failed; job left pending for recovery",
			slog.String("job_id", job.ID), slog.Any("error", err))
		return nil
	}
	return s.Jobs.MarkQueued(ctx, job.ID, taskID)
}

// normalizeArtefacts fills or normalizes artefact content types against the
// known MIME database; unknown declarations are kept verbatim.
func normalizeArtefacts(arts []domain.Artefact) []domain.Artefact {
	out := make([]domain.Artefact, len(arts))
	for i, a := range arts {
		if a.Type == "" {
			a.Type = "application/octet-stream"
		} else if m := mimetype.Lookup(a.Type); m != nil {
			a.Type = m.String()
		}
		out[i] = a
	}
	return out
}
