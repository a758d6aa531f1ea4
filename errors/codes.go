package errors

import "net/http"

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates resource exhaustion.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors inside the process.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	// Transient
	ErrCodeTimeout        ErrorCode = "TIMEOUT"         // Operation timed out
	ErrCodeUnavailable    ErrorCode = "UNAVAILABLE"     // Remote endpoint unreachable
	ErrCodeDeliveryFailed ErrorCode = "DELIVERY_FAILED" // Remote endpoint rejected an alert

	// Permanent
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"  // Malformed inbound report
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"      // Unknown agent id
	ErrCodeUnauthorized  ErrorCode = "UNAUTHORIZED"   // Missing or wrong admin credential
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG" // Configuration rejected at startup
	ErrCodeCanceled      ErrorCode = "CANCELED"       // Operation was canceled

	// Resource
	ErrCodeCapacity ErrorCode = "CAPACITY" // Queue or pool at capacity

	// Internal
	ErrCodeInternal      ErrorCode = "INTERNAL"       // Unexpected internal error
	ErrCodeObserverFault ErrorCode = "OBSERVER_FAULT" // Subscriber callback failed or panicked
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeDeliveryFailed:
		return CategoryTransient
	case ErrCodeInvalidInput, ErrCodeNotFound, ErrCodeUnauthorized, ErrCodeInvalidConfig, ErrCodeCanceled:
		return CategoryPermanent
	case ErrCodeCapacity:
		return CategoryResource
	default:
		return CategoryInternal
	}
}

// codeDescriptions provides human-readable descriptions for error codes.
var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:        "operation timed out",
	ErrCodeUnavailable:    "remote endpoint unavailable",
	ErrCodeDeliveryFailed: "alert delivery failed",
	ErrCodeInvalidInput:   "invalid input provided",
	ErrCodeNotFound:       "agent not found",
	ErrCodeUnauthorized:   "authentication required",
	ErrCodeInvalidConfig:  "invalid configuration",
	ErrCodeCanceled:       "operation canceled",
	ErrCodeCapacity:       "system at capacity",
	ErrCodeInternal:       "internal error",
	ErrCodeObserverFault:  "observer callback failed",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}

// HTTPStatus maps an error code to the status the HTTP adapter responds with.
func HTTPStatus(c ErrorCode) int {
	switch c {
	case ErrCodeInvalidInput, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeCapacity:
		return http.StatusTooManyRequests
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeUnavailable, ErrCodeDeliveryFailed:
		return http.StatusBadGateway
	case ErrCodeCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
