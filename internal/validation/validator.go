// Package validation implements per-kind payload validation for job intake.
//
// The registry is compile-time-known: every routable kind has a schema entry
// here, and the router table's completeness over this registry is a test
// property. Field-level rules ride on go-playground/validator struct tags;
// cross-field rules (material/process compatibility, assembly part
// references, chain preconditions) are checked by hand.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/tezgahcloud/jobcore/internal/canon"
	"github.com/tezgahcloud/jobcore/internal/config"
	"github.com/tezgahcloud/jobcore/internal/domain"
)

// MaxPayloadBytes caps the canonical serialization of a submission envelope.
const MaxPayloadBytes = 262144

// Request is the inbound submission envelope handed to the validator.
type Request struct {
	Kind           string
	Params         map[string]any
	IdempotencyKey string
	Priority       int
	ChainCAM       bool
	ChainSim       bool
	SubmittedBy    string
}

// Validated is the outcome of successful validation: the envelope plus the
// routing tuple for its kind and the canonical params hash.
type Validated struct {
	Kind        domain.JobKind
	Route       domain.Route
	Params      map[string]any
	ParamsHash  string
	PayloadSize int
}

// Validator validates submission envelopes against the per-kind registry.
type Validator struct {
	tables   config.ValidationTables
	validate *validator.Validate
}

// New constructs a Validator over the configured lookup tables.
func New(tables config.ValidationTables) *Validator {
	return &Validator{
		tables:   tables,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Validate checks the envelope and returns the validated form with routing.
func (v *Validator) Validate(req Request) (*Validated, error) {
	kind, err := domain.ParseKind(req.Kind)
	if err != nil {
		return nil, err
	}
	route, err := domain.RouteFor(kind)
	if err != nil {
		return nil, err
	}

	envelope := map[string]any{
		"kind":   req.Kind,
		"params": req.Params,
	}
	if req.IdempotencyKey != "" {
		envelope["idempotency_key"] = req.IdempotencyKey
	}
	if req.Priority != 0 {
		envelope["priority"] = req.Priority
	}
	if req.ChainCAM {
		envelope["chain_cam"] = true
	}
	if req.ChainSim {
		envelope["chain_sim"] = true
	}
	raw, err := canon.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: params are not serializable", domain.ErrValidation)
	}
	if len(raw) > MaxPayloadBytes {
		return nil, &domain.PayloadTooLargeError{Size: len(raw), Max: MaxPayloadBytes}
	}

	var fields []domain.FieldError
	if req.Priority < domain.MinPriority || req.Priority > domain.MaxPriority {
		fields = append(fields, domain.FieldError{
			Field:   "priority",
			Code:    domain.ValidationRange,
			Message: fmt.Sprintf("priority must be within [%d, %d]", domain.MinPriority, domain.MaxPriority),
		})
	}
	// Simulation chaining presumes a CAM stage to feed it.
	if req.ChainSim && !req.ChainCAM {
		fields = append(fields, domain.FieldError{
			Field:   "chain_sim",
			Code:    domain.ValidationCrossField,
			Message: "chain_sim requires chain_cam",
		})
	}
	fields = append(fields, v.validateParams(kind, req.Params)...)
	if len(fields) > 0 {
		return nil, &domain.ValidationError{Kind: req.Kind, Fields: fields}
	}

	hash, err := canon.Hash(req.Params)
	if err != nil {
		return nil, fmt.Errorf("op=validation.hash: %w", err)
	}
	return &Validated{
		Kind:        kind,
		Route:       route,
		Params:      req.Params,
		ParamsHash:  hash,
		PayloadSize: len(raw),
	}, nil
}

// validateParams decodes the opaque params bag into the kind's schema struct
// and runs field plus cross-field checks.
func (v *Validator) validateParams(kind domain.JobKind, params map[string]any) []domain.FieldError {
	checker, ok := paramCheckers[familyOf(kind)]
	if !ok {
		return nil
	}
	return checker(v, params)
}

// familyOf collapses legacy alias kinds onto their validation family.
func familyOf(kind domain.JobKind) domain.JobKind {
	switch kind {
	case domain.KindCADGenerate, domain.KindCADImport, domain.KindCADExport, domain.KindModelRepair:
		return domain.KindModel
	case domain.KindCAMProcess, domain.KindCAMOptimize, domain.KindGCodePost, domain.KindGCodeVerify:
		return domain.KindCAM
	case domain.KindSimRun, domain.KindSimCollision:
		return domain.KindSim
	case domain.KindReportGenerate:
		return domain.KindReport
	}
	return kind
}

// decodeInto maps the params bag onto a schema struct, translating decode
// failures to FIELD_TYPE errors.
func decodeInto(params map[string]any, dst any) []domain.FieldError {
	b, err := json.Marshal(params)
	if err != nil {
		return []domain.FieldError{{Field: "params", Code: domain.ValidationFieldType, Message: "params must be a JSON object"}}
	}
	dec := json.NewDecoder(strings.NewReader(string(b)))
	if err := dec.Decode(dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return []domain.FieldError{{
				Field:   typeErr.Field,
				Code:    domain.ValidationFieldType,
				Message: fmt.Sprintf("expected %s", typeErr.Type),
			}}
		}
		return []domain.FieldError{{Field: "params", Code: domain.ValidationFieldType, Message: err.Error()}}
	}
	return nil
}

// structErrors runs validator/v10 over the decoded schema struct and maps tag
// failures onto the stable error codes.
func (v *Validator) structErrors(s any) []domain.FieldError {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []domain.FieldError{{Field: "params", Code: domain.ValidationFieldType, Message: err.Error()}}
	}
	out := make([]domain.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		code := domain.ValidationRange
		msg := fmt.Sprintf("failed %q constraint", fe.Tag())
		if fe.Tag() == "required" {
			code = domain.ValidationFieldMissing
			msg = "required field is missing"
		}
		out = append(out, domain.FieldError{
			Field:   fieldPath(fe.Namespace()),
			Code:    code,
			Message: msg,
		})
	}
	return out
}

// fieldPath strips the schema struct name from a validator namespace and
// lowercases the leading segment to match the wire field names.
func fieldPath(ns string) string {
	parts := strings.SplitN(ns, ".", 2)
	if len(parts) == 2 {
		return strings.ToLower(parts[1][:1]) + parts[1][1:]
	}
	return strings.ToLower(ns)
}
