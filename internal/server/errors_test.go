package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"

	"github.com/jonathan/catalog-sync/internal/db"
	"github.com/jonathan/catalog-sync/internal/lock"
	"github.com/jonathan/catalog-sync/internal/pipeline"
)

func TestErrValidation(t *testing.T) {
	err := &ErrValidation{Field: "limit", Message: "must be a positive integer"}
	assert.Equal(t, "validation error: limit - must be a positive integer", err.Error())
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))
}

func TestErrRunNotFound(t *testing.T) {
	err := &ErrRunNotFound{RunID: "run-1"}
	assert.Equal(t, "run not found: run-1", err.Error())
	assert.Equal(t, http.StatusNotFound, HTTPStatus(err))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid status", fmt.Errorf("%w: %q", pipeline.ErrInvalidStatus, "running"), http.StatusBadRequest},
		{"store not found", fmt.Errorf("failed to patch step: %w", db.ErrRunNotFound), http.StatusNotFound},
		{"busy", &lock.BusyError{RunID: "run-1"}, http.StatusConflict},
		{"rejected", &pipeline.RejectedError{RunID: "run-1", Reason: pipeline.ReasonRunFinished}, http.StatusConflict},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestValidationError(t *testing.T) {
	type req struct {
		Status string `validate:"required"`
	}
	err := validationError(validator.New().Struct(req{}))
	var ve *ErrValidation
	assert.ErrorAs(t, err, &ve)
	assert.Equal(t, "Status", ve.Field)
	assert.Equal(t, "required", ve.Message)

	assert.Equal(t, "body", validationError(errors.New("x")).(*ErrValidation).Field)
}
