package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tezgahcloud/jobcore/internal/domain"
)

// paramChecker validates one kind family's params bag.
type paramChecker func(v *Validator, params map[string]any) []domain.FieldError

// paramCheckers is the per-family schema registry. Every routable kind
// resolves here through familyOf.
var paramCheckers = map[domain.JobKind]paramChecker{
	domain.KindAI:       checkAIParams,
	domain.KindModel:    checkModelParams,
	domain.KindAssembly: checkAssemblyParams,
	domain.KindCAM:      checkCAMParams,
	domain.KindSim:      checkSimParams,
	domain.KindReport:   checkReportParams,
	domain.KindERP:      checkERPParams,
}

// Prompt intake floor: short prompts produce junk geometry downstream.
const (
	promptMinChars  = 10
	promptMinTokens = 3
)

type aiParams struct {
	Prompt    string `json:"prompt" validate:"required"`
	Context   string `json:"context" validate:"omitempty,max=10000"`
	MaxTokens int    `json:"max_tokens" validate:"omitempty,min=1,max=8192"`
}

func checkAIParams(v *Validator, params map[string]any) []domain.FieldError {
	var p aiParams
	if errs := decodeInto(params, &p); errs != nil {
		return errs
	}
	errs := v.structErrors(p)
	if p.Prompt != "" {
		if utf8.RuneCountInString(p.Prompt) < promptMinChars {
			errs = append(errs, domain.FieldError{
				Field:   "prompt",
				Code:    domain.ValidationRange,
				Message: fmt.Sprintf("prompt must be at least %d characters", promptMinChars),
			})
		}
		if len(strings.Fields(p.Prompt)) < promptMinTokens {
			errs = append(errs, domain.FieldError{
				Field:   "prompt",
				Code:    domain.ValidationRange,
				Message: fmt.Sprintf("prompt must contain at least %d words", promptMinTokens),
			})
		}
	}
	return errs
}

type boxSpec struct {
	W float64 `json:"w" validate:"required,gt=0,lte=10000"`
	H float64 `json:"h" validate:"required,gt=0,lte=10000"`
	D float64 `json:"d" validate:"required,gt=0,lte=10000"`
}

type modelParams struct {
	Box     *boxSpec `json:"box" validate:"omitempty"`
	BlobKey string   `json:"blob_key" validate:"omitempty,max=512"`
	Units   string   `json:"units" validate:"omitempty,oneof=mm inch"`
	Format  string   `json:"format" validate:"omitempty,oneof=step stl iges brep"`
}

func checkModelParams(v *Validator, params map[string]any) []domain.FieldError {
	var p modelParams
	if errs := decodeInto(params, &p); errs != nil {
		return errs
	}
	errs := v.structErrors(p)
	if p.Box == nil && p.BlobKey == "" {
		errs = append(errs, domain.FieldError{
			Field:   "box",
			Code:    domain.ValidationFieldMissing,
			Message: "one of box or blob_key is required",
		})
	}
	return errs
}

type assemblyConstraint struct {
	Type  string `json:"type" validate:"required,oneof=mate align insert distance angle"`
	Part1 string `json:"part1" validate:"required"`
	Part2 string `json:"part2" validate:"required"`
}

type assemblyPart struct {
	Name    string `json:"name" validate:"required,max=128"`
	BlobKey string `json:"blob_key" validate:"required,max=512"`
}

type assemblyParams struct {
	Parts       []assemblyPart       `json:"parts" validate:"required,min=1,dive"`
	Constraints []assemblyConstraint `json:"constraints" validate:"omitempty,dive"`
}

func checkAssemblyParams(v *Validator, params map[string]any) []domain.FieldError {
	var p assemblyParams
	if errs := decodeInto(params, &p); errs != nil {
		return errs
	}
	errs := v.structErrors(p)
	declared := make(map[string]bool, len(p.Parts))
	for _, part := range p.Parts {
		declared[part.Name] = true
	}
	for i, c := range p.Constraints {
		for _, ref := range []string{c.Part1, c.Part2} {
			if ref != "" && !declared[ref] {
				errs = append(errs, domain.FieldError{
					Field:   fmt.Sprintf("constraints[%d]", i),
					Code:    domain.ValidationCrossField,
					Message: fmt.Sprintf("constraint references undeclared part %q", ref),
				})
			}
		}
	}
	return errs
}

type camTool struct {
	DiameterMM float64 `json:"diameter_mm" validate:"required,gt=0,lte=100"`
	Flutes     int     `json:"flutes" validate:"omitempty,min=1,max=12"`
}

type camParams struct {
	Material   string   `json:"material" validate:"required"`
	Process    string   `json:"process" validate:"required"`
	Tool       *camTool `json:"tool" validate:"omitempty"`
	FeedRate   float64  `json:"feed_rate" validate:"omitempty,gte=1,lte=20000"`
	SpindleRPM int      `json:"spindle_rpm" validate:"omitempty,gte=100,lte=60000"`
	BlobKey    string   `json:"blob_key" validate:"omitempty,max=512"`
}

func checkCAMParams(v *Validator, params map[string]any) []domain.FieldError {
	var p camParams
	if errs := decodeInto(params, &p); errs != nil {
		return errs
	}
	errs := v.structErrors(p)
	if p.Material != "" && p.Process != "" && !v.tables.Compatible(p.Material, p.Process) {
		errs = append(errs, domain.FieldError{
			Field:   "process",
			Code:    domain.ValidationCrossField,
			Message: fmt.Sprintf("process %q is not compatible with material %q", p.Process, p.Material),
		})
	}
	return errs
}

type simParams struct {
	ModelBlobKey string `json:"model_blob_key" validate:"omitempty,max=512"`
	SourceJobID  string `json:"source_job_id" validate:"omitempty,uuid4"`
	Resolution   string `json:"resolution" validate:"omitempty,oneof=low medium high"`
}

func checkSimParams(v *Validator, params map[string]any) []domain.FieldError {
	var p simParams
	if errs := decodeInto(params, &p); errs != nil {
		return errs
	}
	errs := v.structErrors(p)
	if p.ModelBlobKey == "" && p.SourceJobID == "" {
		errs = append(errs, domain.FieldError{
			Field:   "model_blob_key",
			Code:    domain.ValidationFieldMissing,
			Message: "one of model_blob_key or source_job_id is required",
		})
	}
	return errs
}

type reportParams struct {
	Format   string   `json:"format" validate:"required,oneof=pdf html"`
	Sections []string `json:"sections" validate:"omitempty,min=1,dive,required"`
	JobIDs   []string `json:"job_ids" validate:"omitempty,dive,uuid4"`
}

func checkReportParams(v *Validator, params map[string]any) []domain.FieldError {
	var p reportParams
	if errs := decodeInto(params, &p); errs != nil {
		return errs
	}
	return v.structErrors(p)
}

type erpLine struct {
	Description    string  `json:"description" validate:"required,max=512"`
	Quantity       float64 `json:"quantity" validate:"required,gt=0"`
	UnitPriceCents int64   `json:"unit_price_cents" validate:"gte=0"`
	TaxRate        float64 `json:"tax_rate"`
}

type erpParams struct {
	DocumentType string    `json:"document_type" validate:"required,oneof=invoice dispatch order"`
	Lines        []erpLine `json:"lines" validate:"required,min=1,dive"`
}

func checkERPParams(v *Validator, params map[string]any) []domain.FieldError {
	var p erpParams
	if errs := decodeInto(params, &p); errs != nil {
		return errs
	}
	errs := v.structErrors(p)
	for i, line := range p.Lines {
		if !v.tables.ValidTaxRate(line.TaxRate) {
			errs = append(errs, domain.FieldError{
				Field:   fmt.Sprintf("lines[%d].tax_rate", i),
				Code:    domain.ValidationRange,
				Message: fmt.Sprintf("tax rate %v is not in the configured set", line.TaxRate),
			})
		}
	}
	return errs
}
