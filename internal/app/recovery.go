package app

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tezgahcloud/jobcore/internal/canon"
	"github.com/tezgahcloud/jobcore/internal/domain"
)

// RecoverySweeper republishes PENDING jobs whose publish never completed
// and times out RUNNING jobs that exceeded their per-kind run budget.
type RecoverySweeper struct {
	jobs        domain.JobRepository
	queue       domain.Queue
	pendingAge  time.Duration
	interval    time.Duration
}

// NewRecoverySweeper constructs a sweeper. Zero durations fall back to
// defaults.
func NewRecoverySweeper(jobs domain.JobRepository, queue domain.Queue, pendingAge, interval time.Duration) *RecoverySweeper {
	if jobs == nil || queue == nil {
		return nil
	}
	if pendingAge <= 0 {
		pendingAge = 2 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &RecoverySweeper{jobs: jobs, queue: queue, pendingAge: pendingAge, interval: interval}
}

// Run executes sweeps on the configured interval until the context ends.
func (s *RecoverySweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("recovery sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *RecoverySweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.recovery")
	ctx, span := tracer.Start(ctx, "RecoverySweeper.sweepOnce")
	defer span.End()

	const pageSize = 100
	republished := s.republishPending(ctx, pageSize)
	timedOut := s.timeoutRunning(ctx, pageSize)
	span.SetAttributes(
		attribute.Int("jobs.republished", republished),
		attribute.Int("jobs.timed_out", timedOut),
	)
	if republished > 0 || timedOut > 0 {
		slog.Info("recovery sweep finished",
			slog.Int("republished", republished),
			slog.Int("timed_out", timedOut))
	}
}

// republishPending re-sends envelopes for jobs stuck in PENDING past the
// publish grace period.
func (s *RecoverySweeper) republishPending(ctx context.Context, limit int) int {
	cutoff := time.Now().UTC().Add(-s.pendingAge)
	jobs, err := s.jobs.ListPendingOlderThan(ctx, cutoff, limit)
	if err != nil {
		slog.Error("recovery sweep failed to list pending jobs", slog.Any("error", err))
		return 0
	}
	count := 0
	for _, j := range jobs {
		route, err := domain.RouteFor(j.Kind)
		if err != nil {
			slog.Error("pending job has unroutable kind",
				slog.String("job_id", j.ID), slog.String("kind", string(j.Kind)))
			continue
		}
		attempt := j.Attempts
		if attempt == 0 {
			attempt = 1
		}
		env := domain.TaskEnvelope{
			JobID:       j.ID,
			Kind:        string(j.Kind),
			Params:      j.Params,
			SubmittedBy: strconv.FormatInt(j.UserID, 10),
			Attempt:     attempt,
			CreatedAt:   time.Now().UTC().Format(canon.TimeFormat),
		}
		taskID, err := s.queue.Publish(ctx, env, route)
		if err != nil {
			slog.Error("recovery republish failed",
				slog.String("job_id", j.ID), slog.Any("error", err))
			continue
		}
		if err := s.jobs.MarkQueued(ctx, j.ID, taskID); err != nil {
			slog.Error("recovery mark queued failed",
				slog.String("job_id", j.ID), slog.Any("error", err))
			continue
		}
		count++
	}
	return count
}

// timeoutRunning settles RUNNING jobs past their timeout: requeued while
// attempts remain, TIMEOUT otherwise.
func (s *RecoverySweeper) timeoutRunning(ctx context.Context, limit int) int {
	jobs, err := s.jobs.ListRunningPastTimeout(ctx, time.Now().UTC(), limit)
	if err != nil {
		slog.Error("recovery sweep failed to list timed-out jobs", slog.Any("error", err))
		return 0
	}
	count := 0
	for _, j := range jobs {
		jobErr := domain.JobError{Code: "timeout", Message: "run exceeded timeout_seconds"}
		if j.RetryPermitted() {
			if err := s.jobs.RequeueForRetry(ctx, j.ID, jobErr); err != nil {
				slog.Error("timeout requeue failed", slog.String("job_id", j.ID), slog.Any("error", err))
				continue
			}
		} else {
			if err := s.jobs.FinishFailure(ctx, j.ID, domain.JobTimeout, jobErr); err != nil {
				slog.Error("timeout finish failed", slog.String("job_id", j.ID), slog.Any("error", err))
				continue
			}
		}
		count++
	}
	return count
}
