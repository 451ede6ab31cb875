package httpserver

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tezgahcloud/jobcore/internal/domain"
)

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestWriteError_KindUnknown(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	writeError(rec, nil, domain.ErrKindUnknown)
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, codeBadRequest, decodeEnvelope(t, rec).Error.Code)
}

func TestWriteError_ValidationDetails(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	writeError(rec, nil, &domain.ValidationError{Kind: "cam", Fields: []domain.FieldError{
		{Field: "process", Code: domain.ValidationCrossField, Message: "incompatible"},
	}})
	assert.Equal(t, 422, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, codeValidation, env.Error.Code)
	assert.NotNil(t, env.Error.Details)
}

func TestWriteError_PayloadTooLarge(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	writeError(rec, nil, &domain.PayloadTooLargeError{Size: 262200, Max: 262144})
	assert.Equal(t, 413, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, codePayloadTooLarge, env.Error.Code)
	details := env.Error.Details.(map[string]any)
	assert.EqualValues(t, 262200, details["payload_size"])
}

func TestWriteError_IdempotencyConflictCarriesExistingID(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	writeError(rec, nil, &domain.IdempotencyConflictError{ExistingJobID: "J-1"})
	assert.Equal(t, 409, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, codeConflict, env.Error.Code)
	details := env.Error.Details.(map[string]any)
	assert.Equal(t, "J-1", details["existing_job_id"])
}

func TestWriteError_RateLimitedCarriesBackoffMetadata(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	writeError(rec, nil, &domain.RateLimitError{
		Scope: "submit", Limit: 60, Remaining: 0,
		RetryAfter: 12 * time.Second, ResetAt: time.Now().UTC().Add(12 * time.Second),
	})
	assert.Equal(t, 429, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, codeRateLimited, env.Error.Code)
	details := env.Error.Details.(map[string]any)
	assert.EqualValues(t, 12, details["retry_after"])
	assert.EqualValues(t, 60, details["limit"])
	assert.EqualValues(t, 0, details["remaining"])
	assert.Contains(t, details, "reset_at")
}

func TestWriteError_Internal(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	writeError(rec, nil, assertAnError{})
	assert.Equal(t, 500, rec.Code)
	assert.Equal(t, codeInternal, decodeEnvelope(t, rec).Error.Code)
}

type assertAnError struct{}

func (assertAnError) Error() string { return "boom" }
