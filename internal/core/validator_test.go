package core

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"salesflow/internal/types"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	return NewValidator(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestNewValidator(t *testing.T) {
	v := newTestValidator(t)
	if v == nil {
		t.Fatal("NewValidator returned nil")
	}
	if v.validate == nil {
		t.Fatal("underlying validator should be initialized")
	}
}

func TestValidateStruct_Success(t *testing.T) {
	v := newTestValidator(t)

	req := struct {
		TicketID string `validate:"required"`
		Step     int    `validate:"min=1"`
	}{
		TicketID: "t_123",
		Step:     2,
	}

	if err := v.ValidateStruct(req); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidateStruct_MissingRequired(t *testing.T) {
	v := newTestValidator(t)

	req := struct {
		TicketID string `validate:"required"`
	}{}

	err := v.ValidateStruct(req)
	if err == nil {
		t.Fatal("expected error for missing required field, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodeValidationMissingField {
		t.Errorf("expected code %s, got %s", types.ErrCodeValidationMissingField, appErr.Code)
	}
	if appErr.Details["ticketid"] != "required" {
		t.Errorf("expected details entry for ticketid, got %v", appErr.Details)
	}
}

func TestValidateStruct_RangeViolation(t *testing.T) {
	v := newTestValidator(t)

	req := struct {
		Step int `validate:"min=1,max=10"`
	}{
		Step: 99,
	}

	err := v.ValidateStruct(req)
	if err == nil {
		t.Fatal("expected error for out-of-range value, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	// Not a missing-field failure, so the generic validation code applies.
	if appErr.Code != errCodeValidationFailed {
		t.Errorf("expected code %s, got %s", errCodeValidationFailed, appErr.Code)
	}
	if appErr.Details["step"] != "max" {
		t.Errorf("expected details.step=max, got %v", appErr.Details["step"])
	}
	if appErr.HTTPStatus() != 400 {
		t.Errorf("validation failures should map to 400, got %d", appErr.HTTPStatus())
	}
}

func TestValidateStruct_MultipleViolations(t *testing.T) {
	v := newTestValidator(t)

	req := struct {
		TicketID string `validate:"required"`
		Step     int    `validate:"min=1"`
	}{
		Step: 0,
	}

	err := v.ValidateStruct(req)
	if err == nil {
		t.Fatal("expected error for multiple violations, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if len(appErr.Details) != 2 {
		t.Errorf("expected 2 detail entries, got %d: %v", len(appErr.Details), appErr.Details)
	}
	// With a required violation present, the missing-field code wins.
	if appErr.Code != types.ErrCodeValidationMissingField {
		t.Errorf("expected code %s, got %s", types.ErrCodeValidationMissingField, appErr.Code)
	}
}

func TestValidateStruct_NonStructValue(t *testing.T) {
	v := newTestValidator(t)

	err := v.ValidateStruct("not a struct")
	if err == nil {
		t.Fatal("expected error for non-struct value, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodeInternalUnexpected {
		t.Errorf("expected code %s, got %s", types.ErrCodeInternalUnexpected, appErr.Code)
	}
}
