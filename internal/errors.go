package internal

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different types of errors
type ErrorType int

const (
	ErrInvalidURL ErrorType = iota
	ErrProbeFailed
	ErrTransientTransport
	ErrPermanentTransport
	ErrNetwork
	ErrCancelled
	ErrConfiguration
	ErrAllocation
	ErrWriteOverflow
	ErrInvalidResponse
	ErrPermissionDenied
	ErrDiskSpace
)

// ErrorSeverity represents the severity of an error
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// FetchError carries the classification of a download failure
type FetchError struct {
	Code       int                    `json:"code"`
	Message    string                 `json:"message"`
	Type       ErrorType              `json:"type"`
	Severity   ErrorSeverity          `json:"severity"`
	URL        string                 `json:"url,omitempty"`
	Suggestion string                 `json:"suggestion,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Cause      error                  `json:"-"`
}

// Error implements the error interface
func (e *FetchError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("fetch error (code: %d, type: %s)", e.Code, e.Type.String()))

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " - ")
}

// Unwrap exposes the underlying cause to errors.Is and errors.As
func (e *FetchError) Unwrap() error {
	return e.Cause
}

// DetailedError returns a detailed error message with all available information
func (e *FetchError) DetailedError() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s] %s Error", e.Severity.String(), e.Type.String()))

	if e.Code != 0 {
		parts = append(parts, fmt.Sprintf("Code: %d", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, fmt.Sprintf("Message: %s", e.Message))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Cause))
	}

	if e.URL != "" {
		parts = append(parts, fmt.Sprintf("URL: %s", redactSensitiveURL(e.URL)))
	}

	if len(e.Context) > 0 {
		contextParts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("Context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("\nSuggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, "\n")
}

// String returns the string representation of ErrorType
func (et ErrorType) String() string {
	switch et {
	case ErrInvalidURL:
		return "InvalidURL"
	case ErrProbeFailed:
		return "ProbeFailed"
	case ErrTransientTransport:
		return "TransientTransport"
	case ErrPermanentTransport:
		return "PermanentTransport"
	case ErrNetwork:
		return "Network"
	case ErrCancelled:
		return "Cancelled"
	case ErrConfiguration:
		return "Configuration"
	case ErrAllocation:
		return "Allocation"
	case ErrWriteOverflow:
		return "WriteOverflow"
	case ErrInvalidResponse:
		return "InvalidResponse"
	case ErrPermissionDenied:
		return "PermissionDenied"
	case ErrDiskSpace:
		return "DiskSpace"
	default:
		return "Unknown"
	}
}

// String returns the string representation of ErrorSeverity
func (es ErrorSeverity) String() string {
	switch es {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// NewFetchError creates a new FetchError with default suggestion and severity
func NewFetchError(code int, message string, errorType ErrorType) *FetchError {
	return &FetchError{
		Code:       code,
		Message:    message,
		Type:       errorType,
		Severity:   getDefaultSeverity(errorType),
		Suggestion: getDefaultSuggestion(errorType, code),
		Context:    make(map[string]interface{}),
	}
}

// WithCause records the underlying error
func (e *FetchError) WithCause(err error) *FetchError {
	e.Cause = err
	return e
}

// WithSuggestion adds a custom suggestion to the error
func (e *FetchError) WithSuggestion(suggestion string) *FetchError {
	e.Suggestion = suggestion
	return e
}

// WithURL adds URL context to the error (will be redacted in logs)
func (e *FetchError) WithURL(url string) *FetchError {
	e.URL = url
	return e
}

// WithContext adds context information to the error
func (e *FetchError) WithContext(key string, value interface{}) *FetchError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// IsRetryable returns true if the error is retryable
func (e *FetchError) IsRetryable() bool {
	switch e.Type {
	case ErrTransientTransport, ErrNetwork:
		return true
	case ErrProbeFailed:
		return IsTransientStatus(e.Code)
	default:
		return false
	}
}

// IsCritical returns true if the error is critical and should stop execution
func (e *FetchError) IsCritical() bool {
	return e.Severity == SeverityCritical
}

// IsTransientStatus reports whether an HTTP status is worth retrying
func IsTransientStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field      string                 `json:"field"`
	Message    string                 `json:"message"`
	Value      interface{}            `json:"value,omitempty"`
	Suggestion string                 `json:"suggestion,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	parts := []string{fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, " - ")
}

// DetailedError returns a detailed validation error message
func (e *ValidationError) DetailedError() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Validation Error for field '%s'", e.Field))
	parts = append(parts, fmt.Sprintf("Message: %s", e.Message))

	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("Provided value: %v", e.Value))
	}

	if len(e.Context) > 0 {
		contextParts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("Context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("\nSuggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, "\n")
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewValidationErrorWithValue creates a ValidationError with the invalid value
func NewValidationErrorWithValue(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
		Context: make(map[string]interface{}),
	}
}

// WithSuggestion adds a suggestion to the validation error
func (e *ValidationError) WithSuggestion(suggestion string) *ValidationError {
	e.Suggestion = suggestion
	return e
}

// WithContext adds context to the validation error
func (e *ValidationError) WithContext(key string, value interface{}) *ValidationError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// getDefaultSuggestion returns a default suggestion based on error type and code
func getDefaultSuggestion(errorType ErrorType, code int) string {
	switch errorType {
	case ErrInvalidURL:
		return "Please provide an absolute http:// or https:// URL"
	case ErrProbeFailed:
		return "The server did not answer the size probe. Check the URL and your connection"
	case ErrTransientTransport:
		return "The server is overloaded or rate limiting. Retry later or use fewer workers"
	case ErrPermanentTransport:
		if code == 416 {
			return "The server rejected the byte range. Retry with a single worker"
		}
		return "The server refused the request. Check the URL and any required headers"
	case ErrNetwork:
		return "Check your internet connection and try again. Consider using a proxy if needed"
	case ErrCancelled:
		return "The download was cancelled; the partial file has been removed"
	case ErrConfiguration:
		return "Check the configuration values"
	case ErrAllocation:
		return "Could not create the output file. Check the path and available disk space"
	case ErrWriteOverflow:
		return "The server sent more data than the piece can hold. Retry with a single worker"
	case ErrInvalidResponse:
		if code >= 500 {
			return "Server error occurred. Please try again later"
		}
		return "Unexpected response from server"
	case ErrPermissionDenied:
		return "Permission denied. Check file/directory permissions or try running with appropriate privileges"
	case ErrDiskSpace:
		return "Insufficient disk space. Free up space or choose a different output directory"
	default:
		return "Please check the error details and try again"
	}
}

// getDefaultSeverity returns the default severity for an error type
func getDefaultSeverity(errorType ErrorType) ErrorSeverity {
	switch errorType {
	case ErrTransientTransport, ErrNetwork:
		return SeverityWarning
	case ErrCancelled:
		return SeverityInfo
	case ErrPermissionDenied, ErrDiskSpace, ErrAllocation:
		return SeverityCritical
	default:
		return SeverityError
	}
}

// redactSensitiveURL redacts sensitive information from URLs
func redactSensitiveURL(url string) string {
	if i := strings.Index(url, "://"); i >= 0 {
		if at := strings.Index(url[i+3:], "@"); at >= 0 {
			url = url[:i+3] + "[REDACTED]@" + url[i+3+at+1:]
		}
	}
	if strings.Contains(url, "?") {
		parts := strings.SplitN(url, "?", 2)
		return parts[0] + "?[REDACTED]"
	}
	return url
}

// RootCause reduces err to the single error worth reporting. Joined errors
// are flattened to their first member and wrap chains are followed until a
// FetchError or the innermost error is reached.
func RootCause(err error) error {
	current := err
	for current != nil {
		if fe, ok := current.(*FetchError); ok {
			return fe
		}

		switch u := current.(type) {
		case interface{ Unwrap() []error }:
			errs := u.Unwrap()
			if len(errs) == 0 {
				return current
			}
			current = errs[0]
		case interface{ Unwrap() error }:
			next := u.Unwrap()
			if next == nil {
				return current
			}
			current = next
		default:
			return current
		}
	}
	return nil
}

// Common error constructors for frequently used errors

// NewInvalidURLError creates an error for invalid URLs
func NewInvalidURLError(url string, reason string) *FetchError {
	return NewFetchError(400, fmt.Sprintf("Invalid URL: %s", reason), ErrInvalidURL).
		WithURL(url)
}

// NewProbeError creates an error for a failed size/range probe
func NewProbeError(url string, code int, cause error) *FetchError {
	return NewFetchError(code, "Probe request failed", ErrProbeFailed).
		WithURL(url).
		WithCause(cause)
}

// NewStatusError classifies an unsuccessful HTTP exchange
func NewStatusError(url string, code int, attempts int) *FetchError {
	errorType := ErrPermanentTransport
	if IsTransientStatus(code) {
		errorType = ErrTransientTransport
	}
	return NewFetchError(code, fmt.Sprintf("HTTP status %d after %d attempt(s)", code, attempts), errorType).
		WithURL(url).
		WithContext("attempts", attempts)
}

// NewNetworkError wraps a connection level failure
func NewNetworkError(operation string, cause error) *FetchError {
	return NewFetchError(0, fmt.Sprintf("Network failure during %s", operation), ErrNetwork).
		WithCause(cause)
}

// NewCancelledError wraps a context error
func NewCancelledError(cause error) *FetchError {
	if cause == nil {
		cause = context.Canceled
	}
	return NewFetchError(0, "Download cancelled", ErrCancelled).WithCause(cause)
}

// NewAllocationError creates an error for output file allocation failures
func NewAllocationError(path string, cause error) *FetchError {
	return NewFetchError(0, "Failed to allocate output file", ErrAllocation).
		WithContext("output_file", path).
		WithCause(cause)
}

// NewWriteOverflowError is returned when a response would write past its view
func NewWriteOverflowError(pieceIndex int, want, have int64) *FetchError {
	return NewFetchError(0, fmt.Sprintf("Piece %d response of %d bytes exceeds its %d byte range", pieceIndex, want, have), ErrWriteOverflow).
		WithContext("piece", pieceIndex)
}

// ClassifyTransportError maps a transport error onto the taxonomy
func ClassifyTransportError(operation string, err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewCancelledError(err)
	}
	return NewNetworkError(operation, err)
}
