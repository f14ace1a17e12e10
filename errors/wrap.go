package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already an *Error, the wrapper keeps its code and context.
// Context errors map to TIMEOUT/CANCELED; anything else becomes INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var cmdErr *Error
	if errors.As(err, &cmdErr) {
		wrapped := &Error{
			code:      cmdErr.code,
			category:  cmdErr.category,
			message:   message,
			cause:     err,
			metadata:  cmdErr.Metadata(),
			retryable: cmdErr.retryable,
			timestamp: cmdErr.timestamp,
			taskID:    cmdErr.taskID,
			offerID:   cmdErr.offerID,
			actorID:   cmdErr.actorID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsCommandError extracts a CommandError from an error chain.
// Returns nil if none is found.
func AsCommandError(err error) CommandError {
	var cmdErr *Error
	if errors.As(err, &cmdErr) {
		return cmdErr
	}
	return nil
}

// Is checks if the outermost *Error in the chain has the given code.
func Is(err error, code ErrorCode) bool {
	var cmdErr *Error
	if errors.As(err, &cmdErr) {
		return cmdErr.code == code
	}
	return false
}

// IsRetryable checks if the error is retryable.
// Errors outside the taxonomy are never retryable.
func IsRetryable(err error) bool {
	var cmdErr *Error
	if errors.As(err, &cmdErr) {
		return cmdErr.Retryable()
	}
	return false
}

// IsPermanent checks if the error is a permanent command rejection.
func IsPermanent(err error) bool {
	return Category(err) == CategoryPermanent
}

// Code extracts the error code from an error, if available.
func Code(err error) ErrorCode {
	var cmdErr *Error
	if errors.As(err, &cmdErr) {
		return cmdErr.code
	}
	return ""
}

// Category extracts the error category from an error, if available.
func Category(err error) ErrorCategory {
	var cmdErr *Error
	if errors.As(err, &cmdErr) {
		return cmdErr.category
	}
	return ""
}

// GetMetadata extracts metadata from an error.
func GetMetadata(err error) map[string]string {
	var cmdErr *Error
	if errors.As(err, &cmdErr) {
		return cmdErr.Metadata()
	}
	return nil
}

// Join combines multiple errors into a single error.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
