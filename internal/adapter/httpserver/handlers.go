package httpserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tezgahcloud/jobcore/internal/domain"
	obsctx "github.com/tezgahcloud/jobcore/internal/observability"
	"github.com/tezgahcloud/jobcore/internal/usecase"
	"github.com/tezgahcloud/jobcore/internal/validation"
)

// maxBodyBytes caps request bodies well above the canonical payload limit so
// the validator, not the transport, produces the size error.
const maxBodyBytes = 1 << 20

// Server bundles the usecase services behind the HTTP surface.
type Server struct {
	Submit   usecase.SubmitService
	Status   usecase.StatusService
	Cancel   usecase.CancelService
	Worker   usecase.WorkerService
	Webhooks usecase.WebhookService

	DBCheck func(domain.Context) error
}

// NewServer constructs a Server with its services.
func NewServer(submit usecase.SubmitService, status usecase.StatusService, cancel usecase.CancelService, worker usecase.WorkerService, webhooks usecase.WebhookService) *Server {
	return &Server{Submit: submit, Status: status, Cancel: cancel, Worker: worker, Webhooks: webhooks}
}

// submitRequest is the inbound submission envelope.
type submitRequest struct {
	Kind           string         `json:"kind"`
	Params         map[string]any `json:"params"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Priority       int            `json:"priority,omitempty"`
	ChainCAM       bool           `json:"chain_cam,omitempty"`
	ChainSim       bool           `json:"chain_sim,omitempty"`
}

// SubmitHandler accepts job submissions.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := decodeBody(w, r, &req); err != nil {
			return
		}
		if req.IdempotencyKey != "" && (len(req.IdempotencyKey) < 16 || len(req.IdempotencyKey) > 255) {
			writeError(w, r, &domain.ValidationError{Kind: req.Kind, Fields: []domain.FieldError{{
				Field: "idempotency_key", Code: domain.ValidationRange,
				Message: "idempotency key length must be within [16, 255]",
			}}})
			return
		}
		userID := principalFrom(r)
		res, err := s.Submit.Submit(r.Context(), userID, validation.Request{
			Kind:           req.Kind,
			Params:         req.Params,
			IdempotencyKey: req.IdempotencyKey,
			Priority:       req.Priority,
			ChainCAM:       req.ChainCAM,
			ChainSim:       req.ChainSim,
			SubmittedBy:    strconv.FormatInt(userID, 10),
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		status := http.StatusCreated
		if res.Duplicate {
			status = http.StatusOK
		}
		writeJSON(w, status, map[string]any{
			"job_id":    res.JobID,
			"state":     res.State,
			"duplicate": res.Duplicate,
			"queued":    res.Queued,
		})
	}
}

// StatusHandler returns the job snapshot with queue position.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		st, err := s.Status.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, jobStatusEnvelope(st))
	}
}

// CancelHandler requests cooperative cancellation.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		res, err := s.Cancel.RequestCancel(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"job_id":           res.Job.ID,
			"state":            res.Job.State,
			"cancel_requested": res.Job.CancelRequested,
			"already_terminal": res.AlreadyTerminal,
		})
	}
}

// progressRequest is the worker progress contract.
type progressRequest struct {
	Percent int    `json:"percent"`
	Step    string `json:"step,omitempty"`
	Message string `json:"message,omitempty"`
}

// ProgressHandler accepts worker progress checkpoints.
func (s *Server) ProgressHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req progressRequest
		if err := decodeBody(w, r, &req); err != nil {
			return
		}
		if req.Percent < 0 || req.Percent > 100 {
			writeError(w, r, &domain.ValidationError{Fields: []domain.FieldError{{
				Field: "percent", Code: domain.ValidationRange,
				Message: "percent must be within [0, 100]",
			}}})
			return
		}
		cancelled, err := s.Worker.Progress(r.Context(), domain.ProgressReport{
			JobID:   id,
			Percent: req.Percent,
			Step:    req.Step,
			Message: req.Message,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
	}
}

// PickupHandler records that a worker started the job.
func (s *Server) PickupHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Worker.Pickup(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": domain.JobRunning})
	}
}

// completeRequest is the worker completion contract.
type completeRequest struct {
	Outcome   string           `json:"outcome"`
	LastError *domain.JobError `json:"last_error,omitempty"`
	Artefacts []struct {
		Type    string `json:"type"`
		BlobKey string `json:"blob_key"`
		Size    int64  `json:"size"`
		SHA256  string `json:"sha256"`
	} `json:"artefacts,omitempty"`
}

// CompleteHandler accepts worker completion reports; idempotent on job id.
func (s *Server) CompleteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req completeRequest
		if err := decodeBody(w, r, &req); err != nil {
			return
		}
		outcome := domain.CompletionOutcome(req.Outcome)
		switch outcome {
		case domain.OutcomeSuccess, domain.OutcomeFail, domain.OutcomeTimeout:
		default:
			writeError(w, r, &domain.ValidationError{Fields: []domain.FieldError{{
				Field: "outcome", Code: domain.ValidationRange,
				Message: "outcome must be one of SUCCESS, FAIL, TIMEOUT",
			}}})
			return
		}
		rep := domain.CompletionReport{JobID: id, Outcome: outcome, LastError: req.LastError}
		for _, a := range req.Artefacts {
			rep.Artefacts = append(rep.Artefacts, domain.Artefact{
				Type: a.Type, BlobKey: a.BlobKey, Size: a.Size, SHA256: a.SHA256,
			})
		}
		if err := s.Worker.Complete(r.Context(), rep); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
	}
}

// WebhookHandler is the payment provider ingress.
func (s *Server) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider := chi.URLParam(r, "provider")
		signature := r.Header.Get("X-Webhook-Signature")
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, r, domain.ErrInvalidArgument)
			return
		}
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "code": "invalid_payload"})
			return
		}
		res, err := s.Webhooks.Process(r.Context(), provider, signature, body, payload)
		if err != nil {
			obsctx.LoggerFromContext(r.Context()).Error("webhook processing errored",
				slog.String("provider", provider), slog.Any("error", err))
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"status": "error", "code": usecase.WebhookCriticalProcessingError,
			})
			return
		}
		writeJSON(w, webhookHTTPStatus(res), map[string]any{
			"status":   webhookStatusWord(res),
			"code":     res.Outcome,
			"event_id": res.EventID,
		})
	}
}

// webhookHTTPStatus maps processing outcomes onto ingress statuses.
func webhookHTTPStatus(res usecase.WebhookResult) int {
	switch res.Outcome {
	case usecase.WebhookOutcomeProcessed, usecase.WebhookOutcomeIdempotent, usecase.WebhookOutcomeIgnored:
		return http.StatusOK
	case usecase.WebhookOutcomeLocked:
		return http.StatusAccepted
	case usecase.WebhookInvalidSignature, usecase.WebhookMissingEventID, usecase.WebhookMissingPaymentID:
		return http.StatusBadRequest
	case usecase.WebhookPaymentNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func webhookStatusWord(res usecase.WebhookResult) string {
	if res.OK() {
		return "success"
	}
	return "error"
}

// HealthzHandler reports process liveness.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
	}
}

// ReadyzHandler reports dependency readiness.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.DBCheck != nil {
			if err := s.DBCheck(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{
					"status": "unavailable", "database": err.Error(),
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	}
}

// jobStatusEnvelope shapes the status response.
func jobStatusEnvelope(st usecase.JobStatus) map[string]any {
	j := st.Job
	out := map[string]any{
		"job_id":           j.ID,
		"kind":             j.Kind,
		"state":            j.State,
		"priority":         j.Priority,
		"attempts":         j.Attempts,
		"max_retries":      j.MaxRetries,
		"cancel_requested": j.CancelRequested,
		"progress": map[string]any{
			"percent": j.Progress.Percent,
			"step":    j.Progress.Step,
			"message": j.Progress.Message,
		},
		"created_at": j.CreatedAt,
		"updated_at": j.UpdatedAt,
	}
	if st.QueuePosition != nil {
		out["queue_position"] = *st.QueuePosition
	} else {
		out["queue_position"] = nil
	}
	if j.LastError != nil {
		out["last_error"] = map[string]any{"code": j.LastError.Code, "message": j.LastError.Message}
	}
	if len(st.Artefacts) > 0 {
		arts := make([]map[string]any, 0, len(st.Artefacts))
		for _, a := range st.Artefacts {
			arts = append(arts, map[string]any{
				"type": a.Type, "blob_key": a.BlobKey, "size": a.Size, "sha256": a.SHA256,
			})
		}
		out["artefacts"] = arts
	}
	return out
}

// principalFrom extracts the authenticated principal id. Authentication
// itself is an outer collaborator; the trusted header carries its result.
func principalFrom(r *http.Request) int64 {
	if v := r.Header.Get("X-User-Id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			return id
		}
	}
	return 0
}

// decodeBody decodes a JSON body, writing the validation error itself on
// failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, &domain.ValidationError{Fields: []domain.FieldError{{
			Field: "body", Code: domain.ValidationFieldType, Message: "malformed JSON body",
		}}})
		return err
	}
	return nil
}
