package core

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"salesflow/internal/types"
)

// Validator wraps go-playground/validator for request body validation.
// It translates validation failures into structured AppErrors with per-field
// details so handlers can return them directly via Error().
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a new Validator.
func NewValidator(logger *slog.Logger) *Validator {
	return &Validator{
		validate: validator.New(),
		logger:   logger,
	}
}

// ValidateStruct validates dst against its struct tags. On failure it returns
// a *types.AppError with code "validation_missing_required_field" for missing
// required fields, or a generic validation error otherwise. The Details map
// carries one entry per violated field: field name to the failed rule.
func (v *Validator) ValidateStruct(dst interface{}) error {
	err := v.validate.Struct(dst)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		// InvalidValidationError: dst was not a struct. Programming error.
		v.logger.Error("validator received non-struct value", "error", err)
		return types.NewAppError(types.ErrCodeInternalUnexpected, "invalid validation target", err)
	}

	details := make(map[string]any, len(verrs))
	missingRequired := false
	for _, fe := range verrs {
		details[strings.ToLower(fe.Field())] = fe.Tag()
		if fe.Tag() == "required" {
			missingRequired = true
		}
	}

	code := errCodeValidationFailed
	message := "request failed validation"
	if missingRequired {
		code = types.ErrCodeValidationMissingField
		message = "missing required field"
	}

	return types.NewAppErrorWithDetails(code, message, err, details)
}

// errCodeValidationFailed is the generic code for struct validation failures
// that are not missing-field errors. The validation_ prefix maps it to 400.
const errCodeValidationFailed types.ErrorCode = "validation_failed"
