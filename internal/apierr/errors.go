// Package apierr defines the CXDB error taxonomy shared by the binary
// protocol server and the HTTP read API, following the teacher's
// content.ContentError / wire.Error code+message+retryable shape.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable error code, carried as a binary u32 and mapped to an
// HTTP status.
type Code uint32

const (
	CodeBadRequest Code = iota + 1
	CodeBadDigest
	CodeNotFound
	CodeConflict
	CodeInvalidDescriptor
	CodeTypeUnresolved
	CodePayloadTooLarge
	CodeCorrupted
	CodeTimeout
	CodeInternal
)

func (c Code) String() string {
	switch c {
	case CodeBadRequest:
		return "BAD_REQUEST"
	case CodeBadDigest:
		return "BAD_DIGEST"
	case CodeNotFound:
		return "NOT_FOUND"
	case CodeConflict:
		return "CONFLICT"
	case CodeInvalidDescriptor:
		return "INVALID_DESCRIPTOR"
	case CodeTypeUnresolved:
		return "TYPE_UNRESOLVED"
	case CodePayloadTooLarge:
		return "PAYLOAD_TOO_LARGE"
	case CodeCorrupted:
		return "CORRUPTED"
	case CodeTimeout:
		return "TIMEOUT"
	case CodeInternal:
		return "INTERNAL"
	default:
		return fmt.Sprintf("UNKNOWN_%d", uint32(c))
	}
}

// HTTPStatus maps a code to its HTTP status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeBadRequest, CodeBadDigest:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeInvalidDescriptor:
		return http.StatusConflict
	case CodeTypeUnresolved:
		return http.StatusUnprocessableEntity
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeCorrupted:
		return http.StatusInternalServerError
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error is a CXDB API error carrying a stable taxonomy code.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("cxdb %s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("cxdb %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: code == CodeConflict || code == CodeTimeout}
}

func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.Cause = cause
	return e
}

// BadRequest, NotFound, ... are convenience constructors.

func BadRequest(format string, args ...any) *Error {
	return New(CodeBadRequest, fmt.Sprintf(format, args...))
}

func BadDigest(format string, args ...any) *Error {
	return New(CodeBadDigest, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) *Error {
	return New(CodeConflict, fmt.Sprintf(format, args...))
}

func InvalidDescriptor(format string, args ...any) *Error {
	return New(CodeInvalidDescriptor, fmt.Sprintf(format, args...))
}

func TypeUnresolved(format string, args ...any) *Error {
	return New(CodeTypeUnresolved, fmt.Sprintf(format, args...))
}

func PayloadTooLarge(format string, args ...any) *Error {
	return New(CodePayloadTooLarge, fmt.Sprintf(format, args...))
}

func Corrupted(format string, args ...any) *Error {
	return New(CodeCorrupted, fmt.Sprintf(format, args...))
}

func Timeout(format string, args ...any) *Error {
	return New(CodeTimeout, fmt.Sprintf(format, args...))
}

func Internal(cause error, format string, args ...any) *Error {
	return Wrap(CodeInternal, fmt.Sprintf(format, args...), cause)
}

// As extracts an *Error from err, the errors.As-based classification
// pattern used by the teacher's content.IsNetworkError et al.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}
