// Package engine holds the error taxonomy, status vocabulary and target model
// shared by the reconciliation, compliance and drift components.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for propagation decisions.
type ErrorClass string

const (
	// ErrorClassSecurityRejection indicates a command failed the whitelist.
	// The command never reaches the remote shell and is never retried in another form.
	ErrorClassSecurityRejection ErrorClass = "security_rejection"

	// ErrorClassTransportUnavailable indicates the remote host could not be reached,
	// authenticated against, or answered in time.
	ErrorClassTransportUnavailable ErrorClass = "transport_unavailable"

	// ErrorClassItemFailure indicates one planned operation failed after connectivity
	// was established. It is reported per item and never aborts a run.
	ErrorClassItemFailure ErrorClass = "item_failure"

	// ErrorClassCatalog indicates an unknown pack or unknown action type.
	ErrorClassCatalog ErrorClass = "catalog_error"

	// ErrorClassConflict indicates a competing in-flight operation for the same key.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassValidation indicates a malformed request or definition.
	ErrorClassValidation ErrorClass = "validation"
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

	// Resource is the server, pack or item that caused the error, if applicable.
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
	msg := e.Message
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Resource != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s)", e.Class, msg, e.Resource, e.Operation)
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s)", e.Class, msg, e.Resource)
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code agree.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewSecurityRejection creates a whitelist rejection error.
func NewSecurityRejection(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassSecurityRejection, Message: message, Err: err, Code: ErrCodeCommandRejected}
}

// NewTransportUnavailable creates a transport error.
func NewTransportUnavailable(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransportUnavailable, Message: message, Err: err}
}

// NewItemFailure creates an item-level failure.
func NewItemFailure(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassItemFailure, Message: message, Err: err}
}

// NewCatalogError creates a catalog lookup error.
func NewCatalogError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassCatalog, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewValidationError creates a validation error.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassValidation, Message: message, Err: err, Code: ErrCodeValidation}
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

// IsSecurityRejection returns true if the error is a whitelist rejection.
func IsSecurityRejection(err error) bool {
	return hasClass(err, ErrorClassSecurityRejection)
}

// IsTransportUnavailable returns true if the remote host could not be used.
func IsTransportUnavailable(err error) bool {
	return hasClass(err, ErrorClassTransportUnavailable)
}

// IsItemFailure returns true if the error is an item-level failure.
func IsItemFailure(err error) bool {
	return hasClass(err, ErrorClassItemFailure)
}

// IsCatalogError returns true if the error is an unknown pack or action.
func IsCatalogError(err error) bool {
	return hasClass(err, ErrorClassCatalog)
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return hasClass(err, ErrorClassConflict)
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool {
	return hasClass(err, ErrorClassValidation)
}

// CodeOf returns the code of the first engine error in the chain.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodePackNotFound      = "PACK_NOT_FOUND"
	ErrCodeServerNotFound    = "SERVER_NOT_FOUND"
	ErrCodeUnknownAction     = "UNKNOWN_ACTION"
	ErrCodeCommandRejected   = "COMMAND_REJECTED"
	ErrCodeServerUnreachable = "SERVER_UNREACHABLE"
	ErrCodeAuthFailed        = "AUTH_FAILED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeInFlight          = "IN_FLIGHT"
	ErrCodeBasePackRequired  = "BASE_PACK_REQUIRED"
	ErrCodeProbeOutput       = "PROBE_OUTPUT_INVALID"
	ErrCodePolicyDenied      = "POLICY_DENIED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// Sentinel values usable with errors.Is.
var (
	ErrPackNotFound      = &EngineError{Class: ErrorClassCatalog, Code: ErrCodePackNotFound}
	ErrServerNotFound    = &EngineError{Class: ErrorClassValidation, Code: ErrCodeServerNotFound}
	ErrServerUnreachable = &EngineError{Class: ErrorClassTransportUnavailable, Code: ErrCodeServerUnreachable}
	ErrAuthFailed        = &EngineError{Class: ErrorClassTransportUnavailable, Code: ErrCodeAuthFailed}
	ErrTimeout           = &EngineError{Class: ErrorClassTransportUnavailable, Code: ErrCodeTimeout}
	ErrInFlight          = &EngineError{Class: ErrorClassConflict, Code: ErrCodeInFlight}
	ErrBasePackRequired  = &EngineError{Class: ErrorClassValidation, Code: ErrCodeBasePackRequired}
	ErrPolicyDenied      = &EngineError{Class: ErrorClassSecurityRejection, Code: ErrCodePolicyDenied}
)
