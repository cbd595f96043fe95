// Package services provides the operator-facing operations and their standardized errors.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/dmflow/pkg/flow"
	"github.com/dukex/dmflow/pkg/persistence"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest     = errors.New("invalid request")
	ErrTextRequired       = errors.New("message text is required")
	ErrFlowNameRequired   = errors.New("flow name is required")
	ErrHumanAgentInPast   = errors.New("human agent window must end in the future")
	ErrTriggerFlowMissing = errors.New("trigger references a flow that does not exist")

	// Business Logic Conflicts (409 Conflict).
	ErrConversationClosed = errors.New("conversation is closed")
	ErrExecutionFinished  = persistence.ErrExecutionFinished
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

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrTextRequired) ||
		errors.Is(err, ErrFlowNameRequired) ||
		errors.Is(err, ErrHumanAgentInPast) ||
		errors.Is(err, ErrTriggerFlowMissing) ||
		errors.Is(err, flow.ErrInvalidFlowSpec)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrConversationClosed) ||
		errors.Is(err, ErrExecutionFinished) ||
		errors.Is(err, flow.ErrFlowPaused)
}

// IsNotFoundError checks if an error should return HTTP 404.
func IsNotFoundError(err error) bool {
	return persistence.IsNotFound(err)
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
