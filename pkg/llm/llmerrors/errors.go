// Package llmerrors classifies failures of calls to the generative-text endpoint.
package llmerrors

import (
	"crypto/sha256"
	"errors"
	"fmt"
)

// ErrorType is the failure category used to decide retry and propagation.
type ErrorType int8

const (
	// ErrorTypeTransient is a 5xx response or a connect/read timeout. Retried.
	ErrorTypeTransient ErrorType = iota

	// ErrorTypeClient is a 4xx response or a permanent transport failure. Never retried.
	ErrorTypeClient
	// ErrorTypeConfiguration is a missing credential or retrieval store name.
	// Raised before any network call and always surfaced to the caller.
	ErrorTypeConfiguration
	// ErrorTypeParse means generated text could not be recovered into structured data.
	ErrorTypeParse
	// ErrorTypeServiceUnavailable is a transient failure that outlived the retry budget.
	ErrorTypeServiceUnavailable
)

// String returns the string representation of the error type.
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeClient:
		return "client"
	case ErrorTypeConfiguration:
		return "configuration"
	case ErrorTypeParse:
		return "parse"
	case ErrorTypeServiceUnavailable:
		return "service_unavailable"
	default:
		return "invalid"
	}
}

// Error is a classified endpoint error.
type Error struct {
	Err        error     // Wrapped underlying error
	Message    string    // Human-readable error message
	Type       ErrorType // Classified error type
	StatusCode int       // HTTP status code if applicable
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("LLM error (%s): %s", e.Type.String(), e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("LLM error (%s): %v", e.Type.String(), e.Err)
	}
	return fmt.Sprintf("LLM error (%s): status %d", e.Type.String(), e.StatusCode)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether another attempt may succeed.
func (e *Error) IsRetryable() bool {
	return e.Type == ErrorTypeTransient
}

// Is checks if an error is of a specific type.
func Is(err error, errorType ErrorType) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == errorType
	}
	return false
}

// TypeOf returns the error type, or ErrorTypeClient for unclassified errors.
func TypeOf(err error) ErrorType {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ErrorTypeClient
}

// IsRetryable reports whether err is a retryable classified error.
func IsRetryable(err error) bool {
	var llmErr *Error
	return errors.As(err, &llmErr) && llmErr.IsRetryable()
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.StatusCode
	}
	return 0
}

// NewError creates a new classified error.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
	}
}

// NewErrorWithStatus creates a new classified error with an HTTP status.
func NewErrorWithStatus(errorType ErrorType, statusCode int, message string) *Error {
	return &Error{
		Type:       errorType,
		StatusCode: statusCode,
		Message:    message,
	}
}

// NewErrorWithCause creates a new classified error wrapping another error.
func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{
		Type:    errorType,
		Err:     cause,
		Message: message,
	}
}

// NewConfigurationError reports a missing setting by name.
func NewConfigurationError(setting string) *Error {
	return &Error{
		Type:    ErrorTypeConfiguration,
		Message: fmt.Sprintf("%s is not configured", setting),
	}
}

// NewServiceUnavailableError wraps the last transient failure once retries are exhausted.
func NewServiceUnavailableError(cause error, attempts int) *Error {
	return &Error{
		Type:       ErrorTypeServiceUnavailable,
		Err:        cause,
		StatusCode: StatusCode(cause),
		Message:    fmt.Sprintf("service unavailable after %d attempts", attempts),
	}
}

// IsServiceUnavailable reports whether the retry budget was exhausted.
func IsServiceUnavailable(err error) bool {
	return Is(err, ErrorTypeServiceUnavailable)
}

// SanitizePrompt shortens a prompt for logging: first and last portions plus a hash.
func SanitizePrompt(prompt string, maxChars int) string {
	if len(prompt) <= maxChars {
		return prompt
	}

	halfMax := maxChars / 2
	if halfMax < 100 {
		halfMax = 100
	}
	if 2*halfMax >= len(prompt) {
		return prompt
	}

	hash := sha256.Sum256([]byte(prompt))
	return fmt.Sprintf("%s...[%d chars, hash:%x]...%s",
		prompt[:halfMax], len(prompt), hash[:8], prompt[len(prompt)-halfMax:])
}
