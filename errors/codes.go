package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates contention on a shared resource.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates bugs or corrupted state.
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
	// Command rejections
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"        // Task, offer, escrow or dispute missing
	ErrCodeUnauthorized    ErrorCode = "UNAUTHORIZED"     // Actor lacks the required role
	ErrCodeInvalidState    ErrorCode = "INVALID_STATE"    // Status precondition violated
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT" // Malformed input
	ErrCodeCanceled        ErrorCode = "CANCELED"         // Caller canceled before the command ran

	// Infrastructure
	ErrCodeTimeout       ErrorCode = "TIMEOUT"        // Operation timed out
	ErrCodeUnavailable   ErrorCode = "UNAVAILABLE"    // Backend temporarily unavailable
	ErrCodeConflict      ErrorCode = "CONFLICT"       // Concurrent writer won a revision check
	ErrCodeGatewayFailed ErrorCode = "GATEWAY_FAILED" // Payment gateway call failed
	ErrCodeResourceBusy  ErrorCode = "RESOURCE_BUSY"  // Per-task lock not acquired in time

	// Internal
	ErrCodeInternal   ErrorCode = "INTERNAL"   // Unexpected internal error
	ErrCodeCorruption ErrorCode = "CORRUPTION" // Stored record could not be decoded
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeNotFound, ErrCodeUnauthorized, ErrCodeInvalidState,
		ErrCodeInvalidArgument, ErrCodeCanceled:
		return CategoryPermanent
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeConflict, ErrCodeGatewayFailed:
		return CategoryTransient
	case ErrCodeResourceBusy:
		return CategoryResource
	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeNotFound:        "resource not found",
	ErrCodeUnauthorized:    "actor is not authorized for this task",
	ErrCodeInvalidState:    "task is not in a state that allows this action",
	ErrCodeInvalidArgument: "invalid argument",
	ErrCodeCanceled:        "operation canceled",
	ErrCodeTimeout:         "operation timed out",
	ErrCodeUnavailable:     "service temporarily unavailable",
	ErrCodeConflict:        "concurrent modification",
	ErrCodeGatewayFailed:   "payment gateway call failed",
	ErrCodeResourceBusy:    "task is busy",
	ErrCodeInternal:        "internal error",
	ErrCodeCorruption:      "stored record is corrupt",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
