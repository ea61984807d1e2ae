// Package services provides stage graph management and the standardized error kinds shared by the
// service layer and the pipeline engine.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/conveyor/pkg/models"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidGraph   = models.ErrInvalidGraph

	// Not Found (404).
	ErrNotFound            = errors.New("not found")
	ErrGraphNotFound       = fmt.Errorf("stage graph %w", ErrNotFound)
	ErrRecordNotFound      = fmt.Errorf("pipeline record %w", ErrNotFound)
	ErrStageNotFound       = fmt.Errorf("stage %w", ErrNotFound)
	ErrEnvironmentNotFound = fmt.Errorf("environment %w", ErrNotFound)

	// Business Logic Conflicts (409 Conflict).
	ErrAlreadyRunning  = errors.New("pipeline record is already running")
	ErrNotRetryable    = errors.New("pipeline record is not retryable")
	ErrNotAuditable    = errors.New("stage is not auditable")
	ErrIneligible      = errors.New("principal is not eligible to audit")
	ErrAlreadyResolved = errors.New("audit already resolved")
	ErrNameConflict    = errors.New("pipeline name already exists in project")
	ErrGraphDisabled   = errors.New("stage graph is disabled")
	ErrAlreadyFinished = errors.New("pipeline record already finished")
	ErrNotRunning      = errors.New("pipeline record is not running")

	// Precondition Failed (412).
	ErrPreconditionFailed = errors.New("deploy precondition failed")

	// Bad Gateway (502).
	ErrExternalCallFailed = errors.New("external call failed")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewError creates a service error for op wrapping kind, with a code derived from the kind.
func NewError(op string, kind error, message string) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    Code(kind),
		Message: message,
		Err:     kind,
	}
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Code returns the stable API code of an error kind.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidGraph):
		return "INVALID_GRAPH"
	case errors.Is(err, ErrInvalidRequest):
		return "INVALID_REQUEST"
	case errors.Is(err, ErrGraphNotFound):
		return "GRAPH_NOT_FOUND"
	case errors.Is(err, ErrRecordNotFound):
		return "RECORD_NOT_FOUND"
	case errors.Is(err, ErrStageNotFound):
		return "STAGE_NOT_FOUND"
	case errors.Is(err, ErrEnvironmentNotFound):
		return "ENVIRONMENT_NOT_FOUND"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrAlreadyRunning):
		return "ALREADY_RUNNING"
	case errors.Is(err, ErrNotRetryable):
		return "NOT_RETRYABLE"
	case errors.Is(err, ErrNotAuditable):
		return "NOT_AUDITABLE"
	case errors.Is(err, ErrIneligible):
		return "INELIGIBLE"
	case errors.Is(err, ErrAlreadyResolved):
		return "ALREADY_RESOLVED"
	case errors.Is(err, ErrNameConflict):
		return "NAME_CONFLICT"
	case errors.Is(err, ErrGraphDisabled):
		return "GRAPH_DISABLED"
	case errors.Is(err, ErrAlreadyFinished):
		return "ALREADY_FINISHED"
	case errors.Is(err, ErrNotRunning):
		return "NOT_RUNNING"
	case errors.Is(err, ErrPreconditionFailed):
		return "PRECONDITION_FAILED"
	case errors.Is(err, ErrExternalCallFailed):
		return "EXTERNAL_CALL_FAILED"
	default:
		return "INTERNAL"
	}
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidGraph)
}

// IsNotFoundError checks if an error should return HTTP 404.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrAlreadyRunning) ||
		errors.Is(err, ErrNotRetryable) ||
		errors.Is(err, ErrNotAuditable) ||
		errors.Is(err, ErrIneligible) ||
		errors.Is(err, ErrAlreadyResolved) ||
		errors.Is(err, ErrNameConflict) ||
		errors.Is(err, ErrGraphDisabled) ||
		errors.Is(err, ErrAlreadyFinished) ||
		errors.Is(err, ErrNotRunning)
}

// IsPreconditionError checks if an error should return HTTP 412.
func IsPreconditionError(err error) bool {
	return errors.Is(err, ErrPreconditionFailed)
}

// IsExternalError checks if a collaborator call failed; HTTP 502.
func IsExternalError(err error) bool {
	return errors.Is(err, ErrExternalCallFailed)
}
