package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error codes for programmatic handling
const (
	// Recoverable execution errors
	ErrCodeElementNotFound   = "ELEMENT_NOT_FOUND"
	ErrCodeElementNotVisible = "ELEMENT_NOT_VISIBLE"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeNavigation        = "NAVIGATION_ERROR"

	// Test-level errors
	ErrCodeAssertionFailed = "ASSERTION_FAILED"
	ErrCodeExecutionFailed = "EXECUTION_FAILED"

	// AI gateway errors
	ErrCodeBudgetExceeded = "BUDGET_EXCEEDED"
	ErrCodeProvider       = "PROVIDER_ERROR"

	// Infrastructure errors
	ErrCodePersistence = "PERSISTENCE_ERROR"
	ErrCodeConfig      = "CONFIG_ERROR"
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeValidation  = "VALIDATION_ERROR"
	ErrCodeConflict    = "CONFLICT"
	ErrCodeInternal    = "INTERNAL_ERROR"
)

// AppError is the base error type for all application errors
type AppError struct {
	// Error code for programmatic handling
	Code string `json:"code"`

	// Human-readable message
	Message string `json:"message"`

	// Detailed description (optional, for developers)
	Details string `json:"details,omitempty"`

	// Original error (for error wrapping)
	Cause error `json:"-"`

	// Metadata for additional context, typically the (domain, page,
	// element-key) triple the failure relates to
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Timestamp when error occurred
	Timestamp time.Time `json:"timestamp"`

	// Retry information
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for error comparison
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithCause adds the underlying cause
func (e *AppError) WithCause(err error) *AppError {
	e.Cause = err
	return e
}

// WithMetadata adds metadata to the error
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithElement tags the error with the knowledge-base coordinates it relates to.
func (e *AppError) WithElement(domain, page, key string) *AppError {
	return e.WithMetadata("domain", domain).
		WithMetadata("page", page).
		WithMetadata("element_key", key)
}

func newError(code, message string, retryable bool) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Retryable: retryable,
	}
}

// NewElementNotFoundError creates an element-not-found error (recoverable by healing)
func NewElementNotFoundError(selector string) *AppError {
	return newError(ErrCodeElementNotFound, fmt.Sprintf("element not found: %s", selector), true)
}

// NewElementNotVisibleError creates an element-not-visible error
func NewElementNotVisibleError(selector string) *AppError {
	return newError(ErrCodeElementNotVisible, fmt.Sprintf("element not visible: %s", selector), true)
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(operation string, timeout time.Duration) *AppError {
	return newError(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, timeout), true)
}

// NewNavigationError creates a navigation error
func NewNavigationError(url string) *AppError {
	return newError(ErrCodeNavigation, fmt.Sprintf("navigation failed: %s", url), true)
}

// NewAssertionError creates an assertion failure (never retried beyond the
// executor's internal attempts)
func NewAssertionError(message string) *AppError {
	return newError(ErrCodeAssertionFailed, message, false)
}

// NewBudgetExceededError creates an AI budget denial. Non-fatal: callers fall
// back to the default decision tier.
func NewBudgetExceededError() *AppError {
	return newError(ErrCodeBudgetExceeded, "Budget limit reached", false)
}

// NewProviderError creates an AI provider error
func NewProviderError(provider string, cause error) *AppError {
	return newError(ErrCodeProvider, fmt.Sprintf("provider %s failed", provider), true).WithCause(cause)
}

// NewPersistenceError creates a persistence error. The in-memory store stays
// authoritative; the next flush retries.
func NewPersistenceError(path string, cause error) *AppError {
	return newError(ErrCodePersistence, fmt.Sprintf("persisting %s", path), true).WithCause(cause)
}

// NewConfigError creates a fatal startup configuration error
func NewConfigError(message string) *AppError {
	return newError(ErrCodeConfig, message, false)
}

// NewNotFoundError creates a not-found error
func NewNotFoundError(resource, id string) *AppError {
	return newError(ErrCodeNotFound, fmt.Sprintf("%s %s not found", resource, id), false)
}

// NewValidationError creates a validation error
func NewValidationError(message string) *AppError {
	return newError(ErrCodeValidation, message, false)
}

// NewConflictError creates a conflict error (e.g. singleton double-start)
func NewConflictError(message string) *AppError {
	return newError(ErrCodeConflict, message, false)
}

// NewInternalError creates an internal error
func NewInternalError(message string, cause error) *AppError {
	return newError(ErrCodeInternal, message, false).WithCause(cause)
}

// IsCode reports whether err is an AppError carrying the given code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsRetryable reports whether err may succeed on retry.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}
