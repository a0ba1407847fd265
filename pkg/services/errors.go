// Package services holds the coordinator's domain services: project and node
// registration, task CRUD, queue planning over the dependency DAG, and the
// status intake used by agent outboxes.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrInvalidStatus is returned when a task's status does not admit the
	// requested operation.
	ErrInvalidStatus = errors.New("invalid status for operation")

	// ErrAlreadyLocked is returned when a live lock is held by another node.
	ErrAlreadyLocked = errors.New("task locked by another node")

	// ErrLockLost is returned when the caller no longer owns the lock.
	ErrLockLost = errors.New("lock no longer held")

	// ErrInvalidTransition is returned when a status change is outside the
	// state-machine table.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTerminalState is returned when mutating a terminal task.
	ErrTerminalState = errors.New("task is in a terminal state")
)

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
