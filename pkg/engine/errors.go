package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of a deployment error.
type ErrorClass string

const (
	// ErrorClassValidation indicates a missing or malformed configuration field.
	// Always fatal, raised by the validate step only.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassBackend indicates a provisioning call failed.
	// Fatal only at the wait-ready step; elsewhere the call degrades to simulation.
	ErrorClassBackend ErrorClass = "backend"

	// ErrorClassNotFound indicates a query for an unknown deployment identifier.
	ErrorClassNotFound ErrorClass = "not-found"
)

// ErrNotFound is matched by every not-found DeploymentError through errors.Is.
var ErrNotFound = errors.New("deployment not found")

// DeploymentError represents a classified deployment failure.
type DeploymentError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable message stored in the deployment's error field.
	Message string `json:"message"`

	// Step is the workflow step the error was raised in, StepUnindexed when none.
	Step Step `json:"step"`

	// Fields lists the missing configuration fields for validation errors.
	Fields []string `json:"fields,omitempty"`

	// Operation is the backend operation that failed, if applicable.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *DeploymentError) Error() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error for error chain inspection.
func (e *DeploymentError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *DeploymentError) Is(target error) bool {
	if target == ErrNotFound {
		return e.Class == ErrorClassNotFound
	}
	t, ok := target.(*DeploymentError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// NewValidationError creates a validation error naming the missing fields.
func NewValidationError(fields ...string) *DeploymentError {
	return &DeploymentError{
		Class:   ErrorClassValidation,
		Message: "Missing required field: " + strings.Join(fields, ", "),
		Step:    StepValidate,
		Fields:  fields,
	}
}

// NewBackendError creates a backend error for the given step and operation.
func NewBackendError(step Step, operation, message string, err error) *DeploymentError {
	return &DeploymentError{
		Class:     ErrorClassBackend,
		Message:   message,
		Step:      step,
		Operation: operation,
		Err:       err,
	}
}

// NewNotFoundError creates a not-found error for a deployment identifier.
func NewNotFoundError(deploymentID string) *DeploymentError {
	return &DeploymentError{
		Class:   ErrorClassNotFound,
		Message: fmt.Sprintf("Deployment not found: %s", deploymentID),
		Step:    StepUnindexed,
	}
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool {
	return hasClass(err, ErrorClassValidation)
}

// IsBackend returns true if the error is classified as a backend error.
func IsBackend(err error) bool {
	return hasClass(err, ErrorClassBackend)
}

// IsNotFound returns true if the error is classified as not-found.
func IsNotFound(err error) bool {
	return hasClass(err, ErrorClassNotFound)
}

func hasClass(err error, class ErrorClass) bool {
	var e *DeploymentError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}
