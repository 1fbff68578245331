// Package errors provides centralized error definitions for the application.
// Errors are organized by domain to avoid duplication and provide consistent naming.
//
// Naming conventions:
//   - Exported errors (Err*): Use for errors that callers need to check with errors.Is
//   - Unexported errors (err*): Use for internal package errors
//   - All sentinel errors should be defined as variables, not inline errors.New calls
//   - Use fmt.Errorf with %w to wrap sentinel errors with context
package errors

import "errors"

// Budget and quota errors. Both mark normal early termination, not failures.
var (
	// ErrBudgetExhausted indicates the daily analysis budget cannot admit the next item.
	ErrBudgetExhausted = errors.New("analysis budget exhausted")

	// ErrQuotaExhausted indicates a discovery run spent its quota allotment.
	ErrQuotaExhausted = errors.New("discovery quota exhausted")
)

// Analysis dispatch errors.
var (
	// ErrDuplicateScanInProgress indicates another attempt already holds the running guard for the video.
	ErrDuplicateScanInProgress = errors.New("analysis already in progress for video")

	// ErrAnalysisTimeout indicates the analysis call exceeded its hard timeout.
	ErrAnalysisTimeout = errors.New("analysis timed out")

	// ErrVideoInaccessible indicates the video content is permanently unreachable.
	ErrVideoInaccessible = errors.New("video inaccessible")

	// ErrAnalysisFailed indicates the analysis backend returned an error response.
	ErrAnalysisFailed = errors.New("analysis failed")
)

// Circuit breaker errors.
var (
	// ErrCircuitBreakerOpen indicates the circuit breaker has tripped and requests are blocked.
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
)

// Entity lookup errors.
var (
	// ErrVideoNotFound indicates a video could not be found.
	ErrVideoNotFound = errors.New("video not found")

	// ErrSourceNotFound indicates a source could not be found.
	ErrSourceNotFound = errors.New("source not found")

	// ErrRunNotFound indicates a discovery run record could not be found.
	ErrRunNotFound = errors.New("run not found")

	// ErrNotFound is a generic not found error.
	ErrNotFound = errors.New("not found")
)

// Client and connection errors.
var (
	// ErrClientNotInitialized indicates a client has not been initialized.
	ErrClientNotInitialized = errors.New("client not initialized")

	// ErrClientDisabled indicates a client or feature is disabled.
	ErrClientDisabled = errors.New("client disabled")
)

// Response and parsing errors.
var (
	// ErrEmptyResponse indicates an empty response was received.
	ErrEmptyResponse = errors.New("empty response")

	// ErrUnexpectedType indicates an unexpected type was encountered.
	ErrUnexpectedType = errors.New("unexpected type")
)

// Validation errors.
var (
	// ErrInvalidInput indicates invalid input was provided.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidID indicates an invalid identifier.
	ErrInvalidID = errors.New("invalid id")
)

// Is is a convenience wrapper around errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is a convenience wrapper around errors.As.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
