// Package usecase contains application business logic services.
package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/tezgahcloud/jobcore/internal/canon"
	"github.com/tezgahcloud/jobcore/internal/domain"
	obsctx "github.com/tezgahcloud/jobcore/internal/observability"
	"github.com/tezgahcloud/jobcore/internal/service/ratelimiter"
	"github.com/tezgahcloud/jobcore/internal/validation"
)

// SubmitService orchestrates job intake: validation, rate limiting,
// idempotency, job creation, and publishing.
type SubmitService struct {
	Jobs      domain.JobRepository
	Queue     domain.Queue
	Validator *validation.Validator
	Limiter   *ratelimiter.Limiter
}

// NewSubmitService constructs a SubmitService with its dependencies.
func NewSubmitService(j domain.JobRepository, q domain.Queue, v *validation.Validator, l *ratelimiter.Limiter) SubmitService {
	return SubmitService{Jobs: j, Queue: q, Validator: v, Limiter: l}
}

// SubmitResult is the intake outcome returned to the boundary.
type SubmitResult struct {
	JobID     string
	State     domain.JobState
	Duplicate bool
	// Queued is false when the job was created but the broker publish
	// failed; the recovery sweep will republish it.
	Queued bool
}

// Submit validates, rate-limits, deduplicates, persists, and publishes one
// job submission.
func (s SubmitService) Submit(ctx domain.Context, userID int64, req validation.Request) (SubmitResult, error) {
	tr := otel.Tracer("usecase.submit")
	ctx, span := tr.Start(ctx, "SubmitService.Submit")
	defer span.End()

	lg := obsctx.LoggerFromContext(ctx)

	validated, err := s.Validator.Validate(req)
	if err != nil {
		lg.Info("submission rejected by validator",
			slog.String("kind", req.Kind), slog.Any("error", err))
		return SubmitResult{}, err
	}

	if err := s.checkRateLimits(ctx, userID, validated.Kind); err != nil {
		return SubmitResult{}, err
	}

	// Idempotency: a replay of the same (user, kind, key, params) returns
	// the original job; a mismatched replay conflicts.
	if req.IdempotencyKey != "" {
		existing, err := s.Jobs.FindByIdempotencyKey(ctx, userID, validated.Kind, req.IdempotencyKey)
		switch {
		case err == nil:
			return s.resolveReplay(ctx, existing, validated.ParamsHash)
		case !errors.Is(err, domain.ErrNotFound):
			return SubmitResult{}, err
		}
	}

	job := domain.Job{
		UserID:         userID,
		Kind:           validated.Kind,
		Priority:       req.Priority,
		MaxRetries:     validated.Route.MaxRetries,
		TimeoutSeconds: validated.Route.TimeoutSeconds,
		Params:         validated.Params,
		ParamsHash:     validated.ParamsHash,
		Metadata: map[string]any{
			"chain_cam": req.ChainCAM,
			"chain_sim": req.ChainSim,
		},
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		job.IdempotencyKey = &key
	}

	jobID, err := s.Jobs.Create(ctx, job)
	if errors.Is(err, domain.ErrConflict) && req.IdempotencyKey != "" {
		// Lost the insert race: re-read and resolve like a replay.
		existing, ferr := s.Jobs.FindByIdempotencyKey(ctx, userID, validated.Kind, req.IdempotencyKey)
		if ferr != nil {
			return SubmitResult{}, fmt.Errorf("op=submit.race_reread: %w", ferr)
		}
		return s.resolveReplay(ctx, existing, validated.ParamsHash)
	}
	if err != nil {
		return SubmitResult{}, err
	}
	lg.Info("job created",
		slog.String("job_id", jobID),
		slog.String("kind", string(validated.Kind)),
		slog.Int64("user_id", userID))
	obsctx.JobsSubmittedTotal.WithLabelValues(string(validated.Kind)).Inc()

	// Publish after the job row is committed; a publish failure leaves the
	// job PENDING for the recovery sweep and is reported to the caller.
	env := domain.TaskEnvelope{
		JobID:       jobID,
		Kind:        string(validated.Kind),
		Params:      validated.Params,
		SubmittedBy: strconv.FormatInt(userID, 10),
		Attempt:     1,
		CreatedAt:   time.Now().UTC().Format(canon.TimeFormat),
	}
	taskID, err := s.Queue.Publish(ctx, env, validated.Route)
	if err != nil {
		lg.Error("publish failed; job left pending for recovery",
			slog.String("job_id", jobID), slog.Any("error", err))
		return SubmitResult{JobID: jobID, State: domain.JobPending, Queued: false}, nil
	}
	if err := s.Jobs.MarkQueued(ctx, jobID, taskID); err != nil {
		lg.Error("failed to mark job queued", slog.String("job_id", jobID), slog.Any("error", err))
		return SubmitResult{JobID: jobID, State: domain.JobPending, Queued: false}, nil
	}
	obsctx.JobStateTransitionsTotal.WithLabelValues(string(domain.JobQueued)).Inc()
	return SubmitResult{JobID: jobID, State: domain.JobQueued, Queued: true}, nil
}

// resolveReplay applies the idempotency contract against an existing job.
func (s SubmitService) resolveReplay(ctx domain.Context, existing domain.Job, paramsHash string) (SubmitResult, error) {
	lg := obsctx.LoggerFromContext(ctx)
	if existing.ParamsHash != paramsHash {
		lg.Info("idempotency conflict",
			slog.String("existing_job_id", existing.ID))
		return SubmitResult{}, &domain.IdempotencyConflictError{ExistingJobID: existing.ID}
	}
	lg.Info("idempotent replay", slog.String("job_id", existing.ID))
	obsctx.JobsDuplicateTotal.WithLabelValues(string(existing.Kind)).Inc()
	return SubmitResult{
		JobID:     existing.ID,
		State:     existing.State,
		Duplicate: true,
		Queued:    existing.State != domain.JobPending,
	}, nil
}

// checkRateLimits composes the per-principal and global windows. AI prompt
// intake rides a stricter per-principal window.
func (s SubmitService) checkRateLimits(ctx domain.Context, userID int64, kind domain.JobKind) error {
	if s.Limiter == nil {
		return nil
	}
	principal := strconv.FormatInt(userID, 10)
	scope := ratelimiter.ScopeSubmit
	if kind == domain.KindAI {
		scope = ratelimiter.ScopePrompt
	}
	for _, check := range []struct {
		scope ratelimiter.Scope
		key   string
	}{
		{scope, principal},
		{ratelimiter.ScopeGlobal, "all"},
	} {
		d := s.Limiter.Allow(ctx, check.scope, check.key)
		if !d.Allowed {
			obsctx.RateLimitedTotal.WithLabelValues(string(check.scope)).Inc()
			return &domain.RateLimitError{
				Scope:      string(check.scope),
				Limit:      d.Limit,
				Remaining:  d.Remaining,
				RetryAfter: d.RetryAfter,
				ResetAt:    d.ResetAt,
			}
		}
	}
	return nil
}
