package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: provider conflicts while a resource is mid-transition.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error for the current
	// attempt. Examples: authentication failure, tool exit after exhausted
	// retries, unmet preconditions.
	ErrorClassPermanent ErrorClass = "permanent"
)

// DeploymentError represents a classified error with deployment context.
type DeploymentError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// DeploymentID is the deployment that caused the error, if applicable.
	DeploymentID string `json:"deployment_id,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *DeploymentError) Error() string {
	if e.DeploymentID != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (deployment=%s, operation=%s): %s",
			e.Class, e.Message, e.DeploymentID, e.Operation, e.unwrapMessage())
	}
	if e.DeploymentID != "" {
		return fmt.Sprintf("[%s] %s (deployment=%s): %s",
			e.Class, e.Message, e.DeploymentID, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *DeploymentError) Unwrap() error {
	return e.Err
}

func (e *DeploymentError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *DeploymentError) Is(target error) bool {
	t, ok := target.(*DeploymentError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *DeploymentError {
	return &DeploymentError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *DeploymentError {
	return &DeploymentError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithDeployment adds deployment context to an error.
func (e *DeploymentError) WithDeployment(id string) *DeploymentError {
	e.DeploymentID = id
	return e
}

// WithOperation adds operation context to an error.
func (e *DeploymentError) WithOperation(operation string) *DeploymentError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *DeploymentError) WithCode(code string) *DeploymentError {
	e.Code = code
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *DeploymentError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *DeploymentError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// HasCode returns true if the error carries the given code.
func HasCode(err error, code string) bool {
	var e *DeploymentError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation   = "VALIDATION_ERROR"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeAuthFailed   = "AUTH_FAILED"
	ErrCodeToolFailed   = "TOOL_FAILED"
	ErrCodeConflict     = "CONFLICT"
	ErrCodePrecondition = "PRECONDITION_UNMET"
	ErrCodePersistence  = "PERSISTENCE_FAILURE"
	ErrCodeCredential   = "CREDENTIAL_UNAVAILABLE"
	ErrCodeInternal     = "INTERNAL_ERROR"
)
