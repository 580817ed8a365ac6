package lopata

import (
	"errors"
	"fmt"
)

// ValidationError reports input that a binding rejects before touching
// storage: oversized keys or values, forbidden key names, out-of-range
// TTLs and delays, batches over their limit. It is never retried.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func errValidation(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NotFoundError reports a referenced resource that does not exist where
// the operation cannot express absence as a nil result (for example an
// unknown multipart upload). Absent KV/R2/cache entries are returned as
// nil values instead.
type NotFoundError struct {
	msg string
}

func (e *NotFoundError) Error() string { return e.msg }

func errNotFound(format string, args ...any) error {
	return &NotFoundError{msg: fmt.Sprintf(format, args...)}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// NonRetryableError wraps an error thrown by workflow user code to stop
// the step retry loop immediately and mark the instance errored.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string { return e.Err.Error() }

func (e *NonRetryableError) Unwrap() error { return e.Err }

// NewNonRetryableError marks err as terminal for workflow step retries.
func NewNonRetryableError(err error) *NonRetryableError {
	return &NonRetryableError{Err: err}
}

// FatalBindingError means the binding cannot operate at all (for example
// the AI binding without credentials). It is surfaced to the caller
// verbatim and the binding records no log row.
type FatalBindingError struct {
	msg string
}

func (e *FatalBindingError) Error() string { return e.msg }

func errFatalBinding(format string, args ...any) error {
	return &FatalBindingError{msg: fmt.Sprintf(format, args...)}
}
