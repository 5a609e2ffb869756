package filter

import (
	"errors"
	"fmt"
)

// ErrorCode classifies engine and filter errors.
type ErrorCode string

// Error codes.
const (
	CodeCapabilityMismatch ErrorCode = "CAPABILITY_MISMATCH"
	CodeNeedsNewInstance   ErrorCode = "NEEDS_NEW_INSTANCE"
	CodeBufferTooSmall     ErrorCode = "BUFFER_TOO_SMALL"
	CodeEndOfStream        ErrorCode = "END_OF_STREAM"
	CodeIOFailure          ErrorCode = "IO_FAILURE"
	CodeOutOfMemory        ErrorCode = "OUT_OF_MEMORY"
	CodeBadParameter       ErrorCode = "BAD_PARAMETER"
	CodeUnsupported        ErrorCode = "UNSUPPORTED"
	CodeNotConnected       ErrorCode = "NOT_CONNECTED"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeFatal              ErrorCode = "FATAL"
)

// Error is an error carrying a code, the filter it originated from and a cause.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Filter  string    `json:"filter,omitempty"`
	Cause   error     `json:"-"`
}

// NewError creates a new error.
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Filter != "" {
		msg = e.Filter + ": " + msg
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code, so wrapped errors compare equal
// to the sentinels below.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// Sentinels, compared with errors.Is.
var (
	ErrCapabilityMismatch = NewError(CodeCapabilityMismatch, "capability mismatch", nil)
	ErrNeedsNewInstance   = NewError(CodeNeedsNewInstance, "needs new instance", nil)
	ErrBufferTooSmall     = NewError(CodeBufferTooSmall, "buffer too small", nil)
	ErrEOS                = NewError(CodeEndOfStream, "end of stream", nil)
	ErrIOFailure          = NewError(CodeIOFailure, "i/o failure", nil)
	ErrOutOfMemory        = NewError(CodeOutOfMemory, "out of memory", nil)
	ErrBadParameter       = NewError(CodeBadParameter, "bad parameter", nil)
	ErrUnsupported        = NewError(CodeUnsupported, "unsupported", nil)
	ErrNotConnected       = NewError(CodeNotConnected, "pid not connected", nil)
	ErrNotFound           = NewError(CodeNotFound, "not found", nil)
)

// CodeOf returns the code of err, CodeFatal for foreign errors and "" for nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var small *BufferTooSmallError
	if errors.As(err, &small) {
		return CodeBufferTooSmall
	}
	return CodeFatal
}

// IsFatal reports whether err ends the originating instance. Capability
// mismatches, new-instance requests, end of stream, short buffers and
// unsupported operations are recoverable.
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case "", CodeCapabilityMismatch, CodeNeedsNewInstance, CodeEndOfStream, CodeBufferTooSmall, CodeUnsupported:
		return false
	}
	return true
}

// BufferTooSmallError reports the capacity a caller must provide.
type BufferTooSmallError struct {
	Needed int
}

func (e *BufferTooSmallError) Error() string {
	return fmt.Sprintf("buffer too small: %d bytes needed", e.Needed)
}

// Is matches ErrBufferTooSmall.
func (e *BufferTooSmallError) Is(target error) bool {
	return target == ErrBufferTooSmall
}

// withFilter returns err annotated with the filter name when it is an *Error
// without one.
func withFilter(err error, name string) error {
	if e, ok := err.(*Error); ok && e.Filter == "" {
		c := *e
		c.Filter = name
		return &c
	}
	return err
}
