package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for callers and retry logic.
type ErrorClass string

const (
	// ErrorClassAdmissionDenied indicates a concurrency ceiling or quota
	// was exceeded. The intent is rejected, never queued.
	ErrorClassAdmissionDenied ErrorClass = "admission_denied"

	// ErrorClassRemoteFailed indicates the cloud reported a failure for
	// an operation. The reason is recorded verbatim on the resource.
	ErrorClassRemoteFailed ErrorClass = "remote_operation_failed"

	// ErrorClassRemoteTimedOut indicates polling gave up before the cloud
	// reported a terminal outcome.
	ErrorClassRemoteTimedOut ErrorClass = "remote_operation_timed_out"

	// ErrorClassValidation indicates a malformed intent or an invalid
	// state transition.
	ErrorClassValidation ErrorClass = "validation_failed"

	// ErrorClassPartialBackup indicates at least one backup constituent failed.
	ErrorClassPartialBackup ErrorClass = "partial_backup_failure"

	// ErrorClassNotFound indicates the referenced record does not exist.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassConflict indicates the request collides with the current
	// state, e.g. cancelling an operation that is already in flight.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassTransient indicates a temporary failure talking to the cloud.
	// Only gateway calls are retried on this class.
	ErrorClassTransient ErrorClass = "transient"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, code, message string, err error) *EngineError {
	return &EngineError{Class: class, Code: code, Message: message, Err: err}
}

// NewAdmissionDeniedError creates an admission error with the given code.
func NewAdmissionDeniedError(code, message string) *EngineError {
	return newError(ErrorClassAdmissionDenied, code, message, nil)
}

// NewRemoteFailedError creates a remote failure error carrying the cloud's reason.
func NewRemoteFailedError(reason string, err error) *EngineError {
	return newError(ErrorClassRemoteFailed, ErrCodeRemoteFailed, reason, err)
}

// NewRemoteTimedOutError creates a timeout error.
func NewRemoteTimedOutError(message string) *EngineError {
	return newError(ErrorClassRemoteTimedOut, ErrCodeTimeout, message, nil)
}

// NewValidationError creates a validation error.
func NewValidationError(message string, err error) *EngineError {
	return newError(ErrorClassValidation, ErrCodeValidation, message, err)
}

// NewInvalidTransitionError reports a (state, event) pair the state machine rejects.
func NewInvalidTransitionError(from ResourceState, event EventKind) *EngineError {
	return newError(ErrorClassValidation, ErrCodeInvalidTransition,
		fmt.Sprintf("event %s is not valid in state %s", event, from), nil).
		WithDetail("state", string(from)).
		WithDetail("event", string(event))
}

// NewPartialBackupError reports how many constituents of a backup failed.
func NewPartialBackupError(failed, total int, firstReason string) *EngineError {
	return newError(ErrorClassPartialBackup, ErrCodePartialBackup,
		fmt.Sprintf("%d of %d backup snapshots failed: %s", failed, total, firstReason), nil).
		WithDetail("failed", failed).
		WithDetail("total", total)
}

// NewNotFoundError creates a not found error for the given record.
func NewNotFoundError(what, id string) *EngineError {
	return newError(ErrorClassNotFound, ErrCodeNotFound, fmt.Sprintf("%s not found", what), nil).WithResource(id)
}

// NewConflictError creates a conflict error.
func NewConflictError(code, message string) *EngineError {
	return newError(ErrorClassConflict, code, message, nil)
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, "", message, err)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// ErrorCode returns the code of a classified error, or "" for any other error.
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ErrorClassOf returns the class of a classified error. Unclassified errors
// are reported as "internal".
func ErrorClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return "internal"
}

// IsAdmissionDenied returns true if the error is an admission rejection.
func IsAdmissionDenied(err error) bool { return hasClass(err, ErrorClassAdmissionDenied) }

// IsRemoteFailed returns true if the cloud reported a failure.
func IsRemoteFailed(err error) bool { return hasClass(err, ErrorClassRemoteFailed) }

// IsRemoteTimedOut returns true if polling timed out.
func IsRemoteTimedOut(err error) bool { return hasClass(err, ErrorClassRemoteTimedOut) }

// IsValidation returns true if the error is a validation failure.
func IsValidation(err error) bool { return hasClass(err, ErrorClassValidation) }

// IsPartialBackup returns true if the error is a partial backup failure.
func IsPartialBackup(err error) bool { return hasClass(err, ErrorClassPartialBackup) }

// IsNotFound returns true if the error is classified as not found.
func IsNotFound(err error) bool { return hasClass(err, ErrorClassNotFound) }

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool { return hasClass(err, ErrorClassConflict) }

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool { return hasClass(err, ErrorClassTransient) }

// Common error codes.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeConcurrencyExceeded = "CONCURRENCY_LIMIT_EXCEEDED"
	ErrCodeQuotaExceeded       = "QUOTA_EXCEEDED"
	ErrCodePolicyDenied        = "POLICY_DENIED"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeOperationInFlight   = "OPERATION_IN_FLIGHT"
	ErrCodeNotReady            = "NOT_READY"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeRemoteFailed        = "REMOTE_FAILED"
	ErrCodePartialBackup       = "PARTIAL_BACKUP_FAILURE"
	ErrCodeDependencyFailed    = "DEPENDENCY_FAILED"
)
