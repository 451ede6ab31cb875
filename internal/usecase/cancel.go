package usecase

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/tezgahcloud/jobcore/internal/domain"
	obsctx "github.com/tezgahcloud/jobcore/internal/observability"
)

// CancelService is the cancellation coordinator: it flags the job row and
// writes the worker-observable KV signal. It performs no worker I/O and is
// level-triggered.
type CancelService struct {
	Jobs      domain.JobRepository
	Signal    domain.CancelSignal
	SignalTTL time.Duration
}

// NewCancelService constructs a CancelService with its dependencies.
func NewCancelService(j domain.JobRepository, sig domain.CancelSignal, ttl time.Duration) CancelService {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return CancelService{Jobs: j, Signal: sig, SignalTTL: ttl}
}

// CancelResult is the immediate snapshot returned to the caller. Workers
// observe the signal cooperatively; callers must not assume synchronous
// cessation.
type CancelResult struct {
	Job             domain.Job
	AlreadyTerminal bool
}

// RequestCancel sets cancel_requested and the KV marker. The operation is
// idempotent; a terminal job returns success with the already-terminal flag.
func (s CancelService) RequestCancel(ctx domain.Context, jobID string) (CancelResult, error) {
	tr := otel.Tracer("usecase.cancel")
	ctx, span := tr.Start(ctx, "CancelService.RequestCancel")
	defer span.End()

	lg := obsctx.LoggerFromContext(ctx)
	job, err := s.Jobs.RequestCancel(ctx, jobID)
	if err != nil {
		return CancelResult{}, err
	}
	if job.State.IsTerminal() {
		lg.Info("cancel requested on terminal job",
			slog.String("job_id", jobID), slog.String("state", string(job.State)))
		return CancelResult{Job: job, AlreadyTerminal: true}, nil
	}
	if s.Signal != nil {
		if err := s.Signal.Set(ctx, jobID, s.SignalTTL); err != nil {
			// The job row carries cancel_requested; the signal is an
			// acceleration, not the source of truth.
			lg.Warn("cancel signal write failed", slog.String("job_id", jobID), slog.Any("error", err))
		}
	}
	lg.Info("cancel requested", slog.String("job_id", jobID))
	return CancelResult{Job: job}, nil
}
