// Package errors provides structured service errors that carry an error code
// and the HTTP status they map to.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a class of failure in API responses.
type ErrorCode string

const (
	CodeBadRequest         ErrorCode = "BAD_REQUEST"
	CodeValidation         ErrorCode = "VALIDATION_ERROR"
	CodeInvalidFormat      ErrorCode = "INVALID_FORMAT"
	CodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	CodeInvalidToken       ErrorCode = "INVALID_TOKEN"
	CodeForbidden          ErrorCode = "FORBIDDEN"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeConflict           ErrorCode = "CONFLICT"
	CodeIllegalTransition  ErrorCode = "ILLEGAL_TRANSITION"
	CodeRevisionLimit      ErrorCode = "REVISION_LIMIT"
	CodePayloadTooLarge    ErrorCode = "PAYLOAD_TOO_LARGE"
	CodeUnsupportedMedia   ErrorCode = "UNSUPPORTED_MEDIA_TYPE"
	CodeRateLimitExceeded  ErrorCode = "RATE_LIMITED"
	CodeUpstream           ErrorCode = "UPSTREAM_ERROR"
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	CodeInternal           ErrorCode = "INTERNAL_ERROR"
)

// ServiceError is an error with an API-facing code, message and status.
type ServiceError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is matches another ServiceError by code so sentinel comparisons work with
// errors.Is.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetails returns a copy of the error with an extra detail attached.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// New creates a ServiceError.
func New(code ErrorCode, message string, status int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status}
}

// Wrap creates a ServiceError around an underlying cause.
func Wrap(err error, code ErrorCode, message string, status int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

func BadRequest(message string) *ServiceError {
	return New(CodeBadRequest, message, http.StatusBadRequest)
}

// Validation reports an invalid request field.
func Validation(field, message string) *ServiceError {
	return New(CodeValidation, message, http.StatusBadRequest).WithDetails("field", field)
}

func InvalidFormat(field, message string) *ServiceError {
	return New(CodeInvalidFormat, message, http.StatusBadRequest).WithDetails("field", field)
}

func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "unauthorized"
	}
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidToken(err error) *ServiceError {
	return Wrap(err, CodeInvalidToken, "invalid or expired token", http.StatusUnauthorized)
}

func Forbidden(message string) *ServiceError {
	return New(CodeForbidden, message, http.StatusForbidden)
}

func NotFound(resource string) *ServiceError {
	return New(CodeNotFound, resource+" not found", http.StatusNotFound)
}

func Conflict(message string) *ServiceError {
	return New(CodeConflict, message, http.StatusConflict)
}

func PayloadTooLarge(message string) *ServiceError {
	return New(CodePayloadTooLarge, message, http.StatusRequestEntityTooLarge)
}

func UnsupportedMedia(field, message string) *ServiceError {
	return New(CodeUnsupportedMedia, message, http.StatusUnsupportedMediaType).WithDetails("field", field)
}

// RateLimitExceeded reports that a caller exhausted its request budget.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(CodeRateLimitExceeded, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// Upstream reports a failure in a hosted dependency (database, AI, maps).
func Upstream(service string, err error) *ServiceError {
	return Wrap(err, CodeUpstream, service+" request failed", http.StatusBadGateway).WithDetails("service", service)
}

func Unavailable(message string) *ServiceError {
	return New(CodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

func Internal(message string, err error) *ServiceError {
	return Wrap(err, CodeInternal, message, http.StatusInternalServerError)
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	se := GetServiceError(err)
	return se != nil && se.Code == code
}

// HTTPStatus returns the status for err, defaulting to 500.
func HTTPStatus(err error) int {
	if se := GetServiceError(err); se != nil && se.HTTPStatus != 0 {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}
