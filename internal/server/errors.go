package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/jonathan/catalog-sync/internal/db"
	"github.com/jonathan/catalog-sync/internal/lock"
	"github.com/jonathan/catalog-sync/internal/pipeline"
)

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// ErrRunNotFound indicates the run in the path does not exist
type ErrRunNotFound struct {
	RunID string
}

func (e *ErrRunNotFound) Error() string {
	return fmt.Sprintf("run not found: %s", e.RunID)
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var (
		validation *ErrValidation
		notFound   *ErrRunNotFound
		busy       *lock.BusyError
		rejected   *pipeline.RejectedError
	)
	switch {
	case errors.As(err, &validation), errors.Is(err, pipeline.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.As(err, &notFound), errors.Is(err, db.ErrRunNotFound):
		return http.StatusNotFound
	case errors.As(err, &busy), errors.As(err, &rejected):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// validationError converts validator errors to an ErrValidation for the first failing field.
func validationError(err error) error {
	var ves validator.ValidationErrors
	if errors.As(err, &ves) && len(ves) > 0 {
		ve := ves[0]
		return &ErrValidation{Field: ve.Field(), Message: ve.Tag()}
	}
	return &ErrValidation{Field: "body", Message: "invalid request"}
}
