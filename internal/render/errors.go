package render

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code identifies a failure class in the closed pipeline error set.
type Code string

// Error codes surfaced to callers. The REST/RPC layer maps these to
// transport status via HTTPStatus.
const (
	CodeInvalidInput        Code = "INVALID_INPUT"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeQuotaExceeded       Code = "QUOTA_EXCEEDED"
	CodePayloadTooLarge     Code = "PAYLOAD_TOO_LARGE"
	CodeBatchTooLarge       Code = "BATCH_TOO_LARGE"
	CodeGenerationTimeout   Code = "GENERATION_TIMEOUT"
	CodeStorageError        Code = "STORAGE_ERROR"
	CodeRendererUnavailable Code = "RENDERER_UNAVAILABLE"
	CodeConnectionClosed    Code = "CONNECTION_CLOSED"
	CodeInternal            Code = "INTERNAL"
)

// Error is the typed failure returned by the pipeline and orchestrator.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	// ResetAt is set for QUOTA_EXCEEDED so callers know when to retry.
	ResetAt time.Time `json:"reset_at,omitempty"`
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.cause
}

// NewError builds a coded error wrapping an optional cause.
func NewError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// AsError extracts a *Error from err, or wraps err as INTERNAL.
func AsError(err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return NewError(CodeInternal, "internal error", err)
}

// HTTPStatus maps an error code to its transport status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case CodePayloadTooLarge, CodeBatchTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeGenerationTimeout:
		return http.StatusGatewayTimeout
	case CodeRendererUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
