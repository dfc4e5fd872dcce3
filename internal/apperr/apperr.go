package apperr

import (
	"errors"
	"fmt"
)

// Code identifies an error class on the websocket protocol surface.
// Codes are sent verbatim inside board:error frames.
type Code string

const (
	CodeValidation       Code = "VALIDATION"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeNotFound         Code = "NOT_FOUND"
	CodeConflict         Code = "CONFLICT"
	CodeLimit            Code = "LIMIT"
	CodeRateLimit        Code = "RATE_LIMIT"
	CodeDuplicateSession Code = "DUPLICATE_SESSION"
	CodeBackpressure     Code = "BACKPRESSURE"
	CodeTransient        Code = "TRANSIENT"
	CodeInternal         Code = "INTERNAL"
)

var ErrNotFound = errors.New("not found")

// default error is internal service error at handler level
// if error has different status code use ErrorWithStatusCode
type ErrorWithStatusCode struct {
	Message    string
	StatusCode int
}

func (e *ErrorWithStatusCode) Error() string {
	return e.Message
}

// CodedError carries a protocol error code alongside the message. The hub and
// the connection handler convert these into board:error frames or close codes.
type CodedError struct {
	Code    Code
	Message string
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func New(code Code, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the protocol code from err, defaulting to INTERNAL.
func CodeOf(err error) Code {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	if errors.Is(err, ErrNotFound) {
		return CodeNotFound
	}
	return CodeInternal
}
