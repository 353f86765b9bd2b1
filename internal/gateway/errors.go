package gateway

import (
	"errors"
	"fmt"
)

// ErrorCategory is the normalized failure taxonomy of transmission attempts.
type ErrorCategory string

const (
	// ErrorTimeout indicates the authority did not answer in time.
	ErrorTimeout ErrorCategory = "timeout"

	// ErrorOutage indicates the authority is unavailable (5xx, network).
	ErrorOutage ErrorCategory = "outage"

	// ErrorCircuitOpen indicates the breaker is refusing calls.
	ErrorCircuitOpen ErrorCategory = "circuit_open"

	// ErrorRateLimited indicates too many requests.
	ErrorRateLimited ErrorCategory = "rate_limited"

	// ErrorAuthentication indicates missing or refused unit credentials.
	ErrorAuthentication ErrorCategory = "authentication"

	// ErrorRejected indicates the authority refused the payload.
	ErrorRejected ErrorCategory = "rejected"

	// ErrorBadResponse indicates a response that could not be understood.
	ErrorBadResponse ErrorCategory = "bad_response"

	// ErrorInternal indicates a local failure building the request.
	ErrorInternal ErrorCategory = "internal"
)

// Error wraps transmission failures with a normalized category.
type Error struct {
	Category   ErrorCategory
	Message    string
	Underlying error
	Retryable  bool
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("gateway [%s]: %s: %v", e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("gateway [%s]: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

func NewError(category ErrorCategory, message string, underlying error) *Error {
	retryable := category == ErrorTimeout ||
		category == ErrorOutage ||
		category == ErrorCircuitOpen ||
		category == ErrorRateLimited

	return &Error{
		Category:   category,
		Message:    message,
		Underlying: underlying,
		Retryable:  retryable,
	}
}

// IsRetryable checks if an error is worth retrying.
func IsRetryable(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error.
func GetCategory(err error) ErrorCategory {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Category
	}
	return ErrorInternal
}
