// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrAccountNotFound indicates no channel account maps to the given identifier.
	ErrAccountNotFound = errors.New("channel account not found")

	// ErrConversationNotFound indicates a conversation was not found by the given identifier.
	ErrConversationNotFound = errors.New("conversation not found")

	ErrContactNotFound = errors.New("contact not found")

	ErrTriggerNotFound = errors.New("trigger not found")

	ErrFlowNotFound = errors.New("flow not found")

	// ErrExecutionNotFound indicates a flow execution was not found.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionFinished indicates the execution already reached a terminal status.
	ErrExecutionFinished = errors.New("execution already finished")

	// ErrClaimLost indicates the claim on an execution was taken over (reclaimed or cancelled)
	// before the step could be committed.
	ErrClaimLost = errors.New("execution claim lost")

	// ErrDuplicateActivation indicates an execution with the same activation key already exists.
	ErrDuplicateActivation = errors.New("execution already activated")

	ErrEventNotFound = errors.New("inbound event not found")

	// ErrMessageNotFound indicates an outbound message was not found.
	ErrMessageNotFound = errors.New("outbound message not found")

	// ErrInvalidMessage indicates an outbound message failed the store's field constraints.
	ErrInvalidMessage = errors.New("invalid outbound message")

	// ErrMessageNotQueued indicates a dispatch transition was attempted on a message that already left the queue.
	ErrMessageNotQueued = errors.New("outbound message is not queued")
)

// ExecutionError wraps execution-related errors with additional context.
type ExecutionError struct {
	Op          string // Operation being performed (e.g., "Claim", "Commit", "Cancel")
	ExecutionID string
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s operation failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for execution errors.
func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewExecutionError creates a new execution error with context.
func NewExecutionError(op, executionID string, err error) *ExecutionError {
	return &ExecutionError{
		Op:          op,
		ExecutionID: executionID,
		Err:         err,
	}
}

// MessageError wraps outbound message errors with additional context.
type MessageError struct {
	Op        string
	MessageID string
	Err       error
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("%s operation failed for message %s: %v", e.Op, e.MessageID, e.Err)
}

func (e *MessageError) Unwrap() error {
	return e.Err
}

func (e *MessageError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewMessageError(op, messageID string, err error) *MessageError {
	return &MessageError{
		Op:        op,
		MessageID: messageID,
		Err:       err,
	}
}

// IsNotFound checks if an error indicates any entity was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrConversationNotFound) ||
		errors.Is(err, ErrContactNotFound) ||
		errors.Is(err, ErrTriggerNotFound) ||
		errors.Is(err, ErrFlowNotFound) ||
		errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrMessageNotFound)
}

// IsClaimLost checks if an error indicates the execution claim was lost.
func IsClaimLost(err error) bool {
	return errors.Is(err, ErrClaimLost)
}

func IsDuplicateActivation(err error) bool {
	return errors.Is(err, ErrDuplicateActivation)
}

// IsExecutionFinished checks if an error indicates the execution is terminal.
func IsExecutionFinished(err error) bool {
	return errors.Is(err, ErrExecutionFinished)
}

func IsAccountNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound)
}

func IsMessageNotQueued(err error) bool {
	return errors.Is(err, ErrMessageNotQueued)
}
