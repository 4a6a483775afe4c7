// Package dberr defines the structured error types returned by the store.
//
// Every failure surfaced by the public API is an *Error (possibly wrapped)
// carrying a Code. Callers classify failures with [Is], [CodeOf] and
// [IsUsage] rather than by matching message text.
package dberr

import (
	"errors"
	"fmt"
	"maps"
)

// Code identifies the kind of failure.
type Code string

const (
	// CodeUsage is returned for invalid arguments and invalid call sequences.
	CodeUsage Code = "USAGE"
	// CodeNotFound is returned when a collection or document does not exist.
	CodeNotFound Code = "NOT_FOUND"
	// CodeConflict is returned when a key or collection already exists.
	CodeConflict Code = "CONFLICT"
	// CodeReadonly is returned when mutating a collection whose schema version
	// differs from the declared one.
	CodeReadonly Code = "READONLY"

	// CodeLock is returned when the OS file lock could not be acquired.
	CodeLock Code = "LOCK"
	// CodeDecode is returned when a collection file cannot be parsed.
	CodeDecode Code = "DECODE"
	// CodeIO is returned when reading or rewriting a file fails.
	CodeIO Code = "IO"
	// CodeCrypto is returned when a field cannot be encrypted or decrypted.
	CodeCrypto Code = "CRYPTO"

	// CodeNotImplemented is returned by placeholder operations.
	CodeNotImplemented Code = "NOT_IMPLEMENTED"
)

// Error is a concrete error with a code, a message and optional details.
type Error struct {
	code       Code
	message    string
	details    map[string]any
	wrappedErr error
}

// New creates a new Error.
func New(code Code, message string) *Error {
	return &Error{
		code:    code,
		message: message,
	}
}

// Newf creates a new Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithDetail adds a single detail to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// WithDetails adds details to the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	if e.details == nil {
		e.details = make(map[string]any, len(details))
	}
	maps.Copy(e.details, details)
	return e
}

// Wrap wraps an underlying error.
func (e *Error) Wrap(err error) *Error {
	e.wrappedErr = err
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() Code {
	return e.code
}

// Details returns additional error details.
func (e *Error) Details() map[string]any {
	return e.details
}

// Unwrap returns the wrapped error if any.
func (e *Error) Unwrap() error {
	return e.wrappedErr
}

// CodeOf returns the code of the outermost *Error in err's chain, or "" if
// there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return ""
}

// Is reports whether any *Error in err's chain carries code.
func Is(err error, code Code) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.code == code {
			return true
		}
		err = e.wrappedErr
	}
	return false
}

// IsUsage reports whether err is a caller mistake: an invalid argument, a
// missing or duplicate document, or a write to a readonly collection.
func IsUsage(err error) bool {
	switch CodeOf(err) {
	case CodeUsage, CodeNotFound, CodeConflict, CodeReadonly:
		return true
	default:
		return false
	}
}

// Predefined constructors for common cases

// Usage creates a usage error.
func Usage(format string, args ...any) *Error {
	return Newf(CodeUsage, format, args...)
}

// NotFound creates a not found error for the given resource.
func NotFound(resource string) *Error {
	return Newf(CodeNotFound, "%s not found", resource)
}

// Conflict creates a conflict error.
func Conflict(format string, args ...any) *Error {
	return Newf(CodeConflict, format, args...)
}

// Readonly creates the error returned for writes to a readonly collection.
func Readonly(collection, declared, observed string) *Error {
	return Newf(CodeReadonly, "collection %q is readonly: declared schema version %q, found %q", collection, declared, observed).
		WithDetail("collection", collection)
}

// Lock creates a lock error for path.
func Lock(path string, err error) *Error {
	return Newf(CodeLock, "failed to lock %s", path).Wrap(err).WithDetail("path", path)
}

// Decode creates a decode error for line of path. Line numbers are 1-based.
func Decode(path string, line int, err error) *Error {
	return Newf(CodeDecode, "failed to decode %s line %d", path, line).Wrap(err).
		WithDetails(map[string]any{"path": path, "line": line})
}

// IO creates an I/O error.
func IO(message string, err error) *Error {
	return New(CodeIO, message).Wrap(err)
}

// Crypto creates a crypto error.
func Crypto(message string, err error) *Error {
	return New(CodeCrypto, message).Wrap(err)
}

// NotImplemented creates an error for a placeholder feature.
func NotImplemented(feature string) *Error {
	return Newf(CodeNotImplemented, "%s is not yet implemented", feature)
}
