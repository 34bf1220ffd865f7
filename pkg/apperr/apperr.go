package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeUnknown             Code = "UNKNOWN"
	CodeNotFound            Code = "NOT_FOUND"
	CodeForbidden           Code = "FORBIDDEN"
	CodeAlreadySigned       Code = "ALREADY_SIGNED"
	CodeExpired             Code = "EXPIRED"
	CodeValidation          Code = "VALIDATION"
	CodeLocationUnavailable Code = "LOCATION_UNAVAILABLE"
	CodeNetwork             Code = "NETWORK"
	CodeConflict            Code = "CONFLICT"
	CodeFailedPrecondition  Code = "FAILED_PRECONDITION"
	CodeUnauthenticated     Code = "UNAUTHENTICATED"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeInternal            Code = "INTERNAL"
)

type AppError struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// WithDetails returns a copy of e carrying details.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func NotFound(msg string) *AppError           { return New(CodeNotFound, msg) }
func Forbidden(msg string) *AppError          { return New(CodeForbidden, msg) }
func AlreadySigned(msg string) *AppError      { return New(CodeAlreadySigned, msg) }
func Expired(msg string) *AppError            { return New(CodeExpired, msg) }
func Validation(msg string) *AppError         { return New(CodeValidation, msg) }
func Conflict(msg string) *AppError           { return New(CodeConflict, msg) }
func FailedPrecondition(msg string) *AppError { return New(CodeFailedPrecondition, msg) }
func Unauthenticated(msg string) *AppError    { return New(CodeUnauthenticated, msg) }
func Internal(msg string) *AppError           { return New(CodeInternal, msg) }

// CodeOf reports the code of the first AppError in err's chain, or
// CodeUnknown.
func CodeOf(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeUnknown
}

// IsCode reports whether err carries code anywhere in its chain.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps a code to the status used on the wire.
func HTTPStatus(code Code) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeAlreadySigned, CodeConflict, CodeFailedPrecondition:
		return http.StatusConflict
	case CodeExpired:
		return http.StatusGone
	case CodeValidation:
		return http.StatusUnprocessableEntity
	case CodeNetwork:
		return http.StatusBadGateway
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
