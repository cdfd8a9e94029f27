package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/jonathan/research-assistant/internal/orchestrator"
	"github.com/jonathan/research-assistant/internal/threads"
)

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// validationError converts the first validator failure into an ErrValidation
func validationError(err error) error {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		return &ErrValidation{Field: ve[0].Field(), Message: ve[0].Tag()}
	}
	return &ErrValidation{Field: "body", Message: err.Error()}
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var (
		validation   *ErrValidation
		collaborator *orchestrator.CollaboratorError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &validation), errors.Is(err, orchestrator.ErrEmptyGoal):
		return http.StatusBadRequest
	case errors.As(err, &collaborator):
		return http.StatusBadGateway
	case errors.Is(err, orchestrator.ErrSessionNotFound),
		errors.Is(err, orchestrator.ErrCellNotFound),
		errors.Is(err, threads.ErrThreadNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrTransitionInFlight),
		errors.Is(err, orchestrator.ErrExecutionPending),
		errors.Is(err, orchestrator.ErrCellNotReady),
		errors.Is(err, orchestrator.ErrNotExecuted),
		errors.Is(err, orchestrator.ErrCellFailed):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrWrongKind),
		errors.Is(err, orchestrator.ErrNotRerunnable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrTransitionTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, orchestrator.ErrNoExecutor):
		return http.StatusNotImplemented
	case errors.Is(err, orchestrator.ErrEngineClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
