package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies an AppError for API consumers.
type ErrorKind string

const (
	KindConfiguration    ErrorKind = "CONFIGURATION_ERROR"
	KindNotFound         ErrorKind = "NOT_FOUND"
	KindConflict         ErrorKind = "CONFLICT"
	KindValidation       ErrorKind = "VALIDATION_ERROR"
	KindBadRequest       ErrorKind = "BAD_REQUEST"
	KindUnauthorized     ErrorKind = "UNAUTHORIZED"
	KindGatewayTransient ErrorKind = "GATEWAY_UNAVAILABLE"
	KindGatewayRejected  ErrorKind = "GATEWAY_REJECTED"
	KindInternal         ErrorKind = "INTERNAL_ERROR"
)

// AppError is a structured application error with HTTP status code.
type AppError struct {
	Kind    ErrorKind `json:"code"`
	Code    int       `json:"-"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Common error constructors.

func ErrNotFound(msg string) *AppError {
	return &AppError{Kind: KindNotFound, Code: http.StatusNotFound, Message: msg}
}

func ErrUnauthorized(msg string) *AppError {
	return &AppError{Kind: KindUnauthorized, Code: http.StatusUnauthorized, Message: msg}
}

func ErrBadRequest(msg string) *AppError {
	return &AppError{Kind: KindBadRequest, Code: http.StatusBadRequest, Message: msg}
}

func ErrValidation(msg string) *AppError {
	return &AppError{Kind: KindValidation, Code: http.StatusUnprocessableEntity, Message: msg}
}

func ErrConflict(msg string) *AppError {
	return &AppError{Kind: KindConflict, Code: http.StatusConflict, Message: msg}
}

// ErrConfiguration reports that a gateway-dependent feature is not configured.
func ErrConfiguration(msg string) *AppError {
	return &AppError{Kind: KindConfiguration, Code: http.StatusServiceUnavailable, Message: msg}
}

// ErrGateway wraps an upstream payment gateway failure. Transient failures
// (network, 5xx, rate limiting) map to 503, rejections to 502.
func ErrGateway(msg string, transient bool, err error) *AppError {
	if transient {
		return &AppError{Kind: KindGatewayTransient, Code: http.StatusServiceUnavailable, Message: msg, Err: err}
	}
	return &AppError{Kind: KindGatewayRejected, Code: http.StatusBadGateway, Message: msg, Err: err}
}

func ErrInternal(msg string, err error) *AppError {
	return &AppError{Kind: KindInternal, Code: http.StatusInternalServerError, Message: msg, Err: err}
}

// AsAppError attempts to extract an AppError from an error chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsKind reports whether err carries an AppError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Kind == kind
}
