package service

import (
	"errors"
	"fmt"
)

// Common service errors. Callers check them with errors.Is.
var (
	// ErrNotOwned indicates a task is owned by a different user than the one making the request.
	ErrNotOwned = errors.New("resource is owned by another user")

	// ErrTaskNotFound indicates that the task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTransition indicates the task is not in a status the
	// requested operation starts from, e.g. approving a rejected task.
	ErrInvalidTransition = errors.New("task is not in a valid status for this operation")

	// ErrDisplayNameTaken indicates an account with the same display name exists.
	ErrDisplayNameTaken = errors.New("account display name already taken")

	// ErrEnqueueFailed indicates the dispatch for an approved task could not
	// be queued; the approval was rolled back.
	ErrEnqueueFailed = errors.New("failed to enqueue dispatch")
)

// ServiceError wraps an unexpected error with the service and operation
// that produced it.
type ServiceError struct {
	Service string
	Op      string
	Err     error
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s service %s operation failed: %v", e.Service, e.Op, e.Err)
	}
	return fmt.Sprintf("%s service %s operation failed", e.Service, e.Op)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// NewServiceError creates a new ServiceError.
func NewServiceError(service, op string, err error) *ServiceError {
	return &ServiceError{Service: service, Op: op, Err: err}
}
