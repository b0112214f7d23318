// Package errors provides the application-wide error taxonomy for Orbital,
// covering both ordinary API failures and the agent-dispatch failure modes
// the orchestrator loop branches on (policy denial, agent unavailability,
// agent-reported failure or refusal, timeout, transport error, cancellation).
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// statusClientClosedRequest is nginx's de facto "client closed request"
// status; net/http has no constant for it, but it is the conventional
// code for a cooperative cancellation.
const statusClientClosedRequest = 499

// Error codes as constants.
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"

	// ErrCodePolicyDenied marks a task or plan the Policy Engine refused to
	// allow dispatch for.
	ErrCodePolicyDenied = "POLICY_DENIED"
	// ErrCodeAgentUnavailable marks a dispatch that found no agent able to
	// serve the required capability.
	ErrCodeAgentUnavailable = "AGENT_UNAVAILABLE"
	// ErrCodeAgentFailure marks a dispatch where the agent replied with a
	// failure envelope.
	ErrCodeAgentFailure = "AGENT_FAILURE"
	// ErrCodeAgentRefused marks a dispatch where the agent replied with a
	// refuse envelope.
	ErrCodeAgentRefused = "AGENT_REFUSED"
	// ErrCodeTimeout marks a dispatch that exceeded its task timeout
	// without a reply.
	ErrCodeTimeout = "TIMEOUT"
	// ErrCodeTransport marks a dispatch that failed at the HTTP transport
	// layer before any envelope could be exchanged.
	ErrCodeTransport = "TRANSPORT_ERROR"
	// ErrCodeCancelled marks a task or job that a cancellation request cut
	// short.
	ErrCodeCancelled = "CANCELLED"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Forbidden creates a new forbidden error.
func Forbidden(message string) *AppError {
	return &AppError{
		Code:       ErrCodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// ServiceUnavailable creates a new service unavailable error.
func ServiceUnavailable(service string) *AppError {
	return &AppError{
		Code:       ErrCodeServiceUnavailable,
		Message:    fmt.Sprintf("service '%s' is currently unavailable", service),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// PolicyDenied creates an error for a task or plan the Policy Engine
// refused, carrying its reason.
func PolicyDenied(reason string) *AppError {
	return &AppError{
		Code:       ErrCodePolicyDenied,
		Message:    reason,
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// AgentUnavailable creates an error for a dispatch that found no agent
// able to serve capability.
func AgentUnavailable(capability string) *AppError {
	return &AppError{
		Code:       ErrCodeAgentUnavailable,
		Message:    fmt.Sprintf("no agent available for capability '%s'", capability),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// AgentFailure creates an error wrapping an agent-reported failure reason.
func AgentFailure(reason string) *AppError {
	return &AppError{
		Code:       ErrCodeAgentFailure,
		Message:    reason,
		HTTPStatus: http.StatusBadGateway,
	}
}

// AgentRefused creates an error wrapping an agent-reported refusal reason.
func AgentRefused(reason string) *AppError {
	return &AppError{
		Code:       ErrCodeAgentRefused,
		Message:    reason,
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// Timeout creates an error for a dispatch that exceeded its task timeout.
func Timeout(taskID string) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    fmt.Sprintf("task '%s' timed out waiting for a reply", taskID),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// Transport wraps a transport-layer failure (connection refused, DNS
// failure, malformed response) encountered while dispatching to an agent.
func Transport(err error) *AppError {
	return &AppError{
		Code:       ErrCodeTransport,
		Message:    "transport error dispatching to agent",
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// Cancelled creates an error for a task or job cut short by cancellation.
func Cancelled(resource, id string) *AppError {
	return &AppError{
		Code:       ErrCodeCancelled,
		Message:    fmt.Sprintf("%s '%s' was cancelled", resource, id),
		HTTPStatus: statusClientClosedRequest,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsBadRequest checks if the error is a bad request error.
func IsBadRequest(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeBadRequest || appErr.Code == ErrCodeValidationError
	}
	return false
}

// IsRetryable reports whether a dispatch failure is worth retrying: agent
// unavailability, timeouts, and transport errors are transient; policy
// denials, agent failures, and refusals are not.
func IsRetryable(err error) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	switch appErr.Code {
	case ErrCodeAgentUnavailable, ErrCodeTimeout, ErrCodeTransport, ErrCodeServiceUnavailable:
		return true
	default:
		return false
	}
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
