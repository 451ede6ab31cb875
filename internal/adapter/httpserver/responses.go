package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tezgahcloud/jobcore/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Stable job API error codes. Turkish user-facing messages are rendered
// here at the boundary; internal codes stay English.
const (
	codeBadRequest      = "ERR-JOB-400"
	codeValidation      = "ERR-JOB-422"
	codeConflict        = "ERR-JOB-409"
	codePayloadTooLarge = "ERR-JOB-413"
	codeRateLimited     = "ERR-JOB-429"
	codeNotFound        = "ERR-JOB-404"
	codeInternal        = "ERR-JOB-500"
)

// turkishMessages maps stable codes onto the boundary's user-facing text.
var turkishMessages = map[string]string{
	codeBadRequest:      "Geçersiz istek: iş türü tanınmıyor",
	codeValidation:      "İş verisi doğrulanamadı",
	codeConflict:        "Bu istek daha önce farklı verilerle gönderilmiş",
	codePayloadTooLarge: "İş verisi boyut sınırını aşıyor; büyük dosyaları blob anahtarıyla gönderin",
	codeRateLimited:     "Çok fazla istek; lütfen bekleyip tekrar deneyin",
	codeNotFound:        "Kayıt bulunamadı",
	codeInternal:        "Beklenmeyen bir hata oluştu",
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain sentinels onto HTTP statuses and the stable
// ERR-JOB-* codes, attaching structured detail where the error carries it.
func writeError(w http.ResponseWriter, _ *http.Request, err error) {
	status := http.StatusInternalServerError
	code := codeInternal
	var details any

	var vErr *domain.ValidationError
	var sizeErr *domain.PayloadTooLargeError
	var idemErr *domain.IdempotencyConflictError
	var rateErr *domain.RateLimitError

	switch {
	case errors.Is(err, domain.ErrKindUnknown):
		status, code = http.StatusBadRequest, codeBadRequest
	case errors.As(err, &sizeErr):
		status, code = http.StatusRequestEntityTooLarge, codePayloadTooLarge
		details = map[string]any{
			"payload_size": sizeErr.Size,
			"max_size":     sizeErr.Max,
			"hint":         "reference large artifacts by blob key instead of inlining them",
		}
	case errors.As(err, &vErr):
		status, code = http.StatusUnprocessableEntity, codeValidation
		details = vErr.Fields
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidArgument):
		status, code = http.StatusUnprocessableEntity, codeValidation
	case errors.As(err, &idemErr):
		status, code = http.StatusConflict, codeConflict
		details = map[string]any{"existing_job_id": idemErr.ExistingJobID}
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrTerminalState):
		status, code = http.StatusConflict, codeConflict
	case errors.As(err, &rateErr):
		status, code = http.StatusTooManyRequests, codeRateLimited
		retryAfter := int(rateErr.RetryAfter.Seconds() + 0.999)
		if retryAfter < 0 {
			retryAfter = 0
		}
		details = map[string]any{
			"retry_after": retryAfter,
			"limit":       rateErr.Limit,
			"remaining":   rateErr.Remaining,
			"reset_at":    rateErr.ResetAt.UTC(),
		}
	case errors.Is(err, domain.ErrRateLimited):
		status, code = http.StatusTooManyRequests, codeRateLimited
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, codeNotFound
	}

	msg := turkishMessages[code]
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: msg, Details: details}})
}
