package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil. An *Error keeps its code and agent;
// context errors become TIMEOUT or CANCELED; anything else becomes INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var agentErr *Error
	if errors.As(err, &agentErr) {
		wrapped := &Error{
			code:      agentErr.code,
			category:  agentErr.category,
			message:   message,
			cause:     err,
			metadata:  agentErr.Metadata(),
			retryable: agentErr.retryable,
			timestamp: agentErr.timestamp,
			agentID:   agentErr.agentID,
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

// As extracts an *Error from an error chain. Returns nil if there is none.
func As(err error) *Error {
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	if e := As(err); e != nil {
		return e.code == code
	}
	return false
}

// IsRetryable checks if the error is retryable. Plain errors are not.
func IsRetryable(err error) bool {
	if e := As(err); e != nil {
		return e.Retryable()
	}
	return false
}

// Code extracts the error code from an error, or INTERNAL for plain errors.
func Code(err error) ErrorCode {
	if e := As(err); e != nil {
		return e.code
	}
	return ErrCodeInternal
}
