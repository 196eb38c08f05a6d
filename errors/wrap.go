package errors

import (
	"context"
	"errors"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is already an *Error its code, category and metadata are kept.
// Context errors map to TIMEOUT and CANCELED; anything else becomes INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var structured *Error
	if errors.As(err, &structured) {
		wrapped := &Error{
			code:      structured.code,
			category:  structured.category,
			message:   message,
			cause:     err,
			metadata:  structured.Metadata(),
			retryable: structured.retryable,
			timestamp: structured.timestamp,
			peerID:    structured.peerID,
			status:    structured.status,
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

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// As extracts an *Error from an error chain, or nil.
func As(err error) *Error {
	var structured *Error
	if errors.As(err, &structured) {
		return structured
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

// IsCategory checks if any error in the chain has the given category.
func IsCategory(err error, category ErrorCategory) bool {
	if e := As(err); e != nil {
		return e.category == category
	}
	return false
}

// IsRetryable checks if the error is retryable.
// Plain errors are not retryable.
func IsRetryable(err error) bool {
	if e := As(err); e != nil {
		return e.Retryable()
	}
	return false
}

// Code extracts the error code from an error, or "".
func Code(err error) ErrorCode {
	if e := As(err); e != nil {
		return e.code
	}
	return ""
}
