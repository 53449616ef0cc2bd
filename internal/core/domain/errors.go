// Package domain holds the gateway's core types: credentials, chat requests,
// the upstream event union, persisted turn records and the error taxonomy.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of a gateway error.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed or invalid request body.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeAuthentication indicates a missing, invalid or expired credential.
	ErrorTypeAuthentication ErrorType = "authentication"

	// ErrorTypeUpstreamUnavailable indicates the generation service could not
	// be reached or answered with a non-success status.
	ErrorTypeUpstreamUnavailable ErrorType = "upstream_unavailable"

	// ErrorTypeUpstreamProtocol indicates an explicit error event or an
	// unusable byte stream after streaming started.
	ErrorTypeUpstreamProtocol ErrorType = "upstream_protocol"

	// ErrorTypeUpstreamTimeout indicates the generation service went idle.
	ErrorTypeUpstreamTimeout ErrorType = "upstream_timeout"

	// ErrorTypeOverloaded indicates the gateway refused admission.
	ErrorTypeOverloaded ErrorType = "overloaded"

	// ErrorTypeServer indicates an internal server error.
	ErrorTypeServer ErrorType = "server"
)

// ErrorCode provides additional specificity beyond the error type. Codes are
// also used as the machine code of in-band error lines.
type ErrorCode string

const (
	ErrorCodeAuthenticationRequired ErrorCode = "authentication_required"
	ErrorCodeInvalidBody            ErrorCode = "invalid_body"
	ErrorCodeUpstreamUnavailable    ErrorCode = "upstream_unavailable"
	ErrorCodeUpstreamTimeout        ErrorCode = "upstream_timeout"
	ErrorCodeUpstreamIncomplete     ErrorCode = "upstream_incomplete"
	ErrorCodeUpstreamStreamError    ErrorCode = "upstream_stream_error"
	ErrorCodeUpstreamError          ErrorCode = "upstream_error"
	ErrorCodeTooManyStreams         ErrorCode = "too_many_streams"
)

// authenticationMessage is the only message ever returned for a 401 so the
// response never reveals which credential scheme was closer to valid.
const authenticationMessage = "authentication required"

// ErrClientGone reports that the caller disconnected. It is an expected
// outcome, not a reportable failure.
var ErrClientGone = errors.New("client disconnected")

// APIError represents a gateway error that is rendered as an HTTP response
// before streaming starts.
type APIError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is an optional specific error code
	Code ErrorCode `json:"code,omitempty"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Param is the request field that caused the error (if applicable)
	Param string `json:"param,omitempty"`

	// StatusCode is the suggested HTTP status code
	StatusCode int `json:"-"`

	// Cause is the underlying error, kept for logs only
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause.
func (e *APIError) Unwrap() error {
	return e.Cause
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeUpstreamUnavailable, ErrorTypeUpstreamProtocol:
		return http.StatusBadGateway
	case ErrorTypeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

// WithParam adds a parameter name to the error.
func (e *APIError) WithParam(param string) *APIError {
	e.Param = param
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// WithCause records the underlying error.
func (e *APIError) WithCause(err error) *APIError {
	e.Cause = err
	return e
}

// AsAPIError extracts an *APIError from err, wrapping anything else as a
// server error.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return ErrServer("internal error").WithCause(err)
}

// Convenience constructors for common errors

// ErrAuthenticationRequired creates the uniform authentication error.
func ErrAuthenticationRequired() *APIError {
	return NewAPIError(ErrorTypeAuthentication, authenticationMessage).
		WithCode(ErrorCodeAuthenticationRequired)
}

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message).
		WithCode(ErrorCodeInvalidBody)
}

// ErrUpstreamUnavailable creates an upstream unavailable error.
func ErrUpstreamUnavailable(message string) *APIError {
	return NewAPIError(ErrorTypeUpstreamUnavailable, message).
		WithCode(ErrorCodeUpstreamUnavailable)
}

// ErrUpstreamTimeout creates an upstream timeout error.
func ErrUpstreamTimeout(message string) *APIError {
	return NewAPIError(ErrorTypeUpstreamTimeout, message).
		WithCode(ErrorCodeUpstreamTimeout)
}

// ErrOverloaded creates an overloaded error.
func ErrOverloaded(message string) *APIError {
	return NewAPIError(ErrorTypeOverloaded, message).
		WithCode(ErrorCodeTooManyStreams)
}

// ErrServer creates a server error.
func ErrServer(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message)
}
