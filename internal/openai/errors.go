package openai

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorType represents OpenAI API error types.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
	// ErrorTypeAuthentication indicates an authentication failure.
	ErrorTypeAuthentication ErrorType = "authentication_error"
	// ErrorTypeNotFound indicates a resource was not found.
	ErrorTypeNotFound ErrorType = "not_found_error"
	// ErrorTypeRateLimit indicates rate limiting.
	ErrorTypeRateLimit ErrorType = "rate_limit_error"
	// ErrorTypeAPI indicates an internal API error.
	ErrorTypeAPI ErrorType = "api_error"
	// ErrorTypeUpstream indicates the upstream service failed.
	ErrorTypeUpstream ErrorType = "upstream_error"
	// ErrorTypeOverloaded indicates no account can serve the request.
	ErrorTypeOverloaded ErrorType = "overloaded_error"
)

// ErrorResponse represents an OpenAI error response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody contains the error details.
type ErrorBody struct {
	Message string    `json:"message"`
	Type    ErrorType `json:"type"`
	Code    int       `json:"code"`
}

// APIError is an error type that can be converted to an OpenAI error response.
type APIError struct {
	Type       ErrorType
	Message    string
	StatusCode int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ToResponse converts the error to an error response.
func (e *APIError) ToResponse() *ErrorResponse {
	return &ErrorResponse{
		Error: ErrorBody{
			Message: e.Message,
			Type:    e.Type,
			Code:    e.StatusCode,
		},
	}
}

// WriteError writes the error response to the response writer.
func (e *APIError) WriteError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	_ = json.NewEncoder(w).Encode(e.ToResponse())
}

// NewInvalidRequestError creates a new invalid request error.
func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Type:       ErrorTypeInvalidRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// NewAuthenticationError creates a new authentication error.
func NewAuthenticationError(message string) *APIError {
	return &APIError{
		Type:       ErrorTypeAuthentication,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

// NewNotFoundError creates a new not found error.
func NewNotFoundError(message string) *APIError {
	return &APIError{
		Type:       ErrorTypeNotFound,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

// NewRateLimitError creates a new rate limit error.
func NewRateLimitError(message string) *APIError {
	return &APIError{
		Type:       ErrorTypeRateLimit,
		Message:    message,
		StatusCode: http.StatusTooManyRequests,
	}
}

// NewAPIError creates a new internal API error.
func NewAPIError(message string) *APIError {
	return &APIError{
		Type:       ErrorTypeAPI,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewUpstreamError creates an error for a failed upstream call.
func NewUpstreamError(message string) *APIError {
	return &APIError{
		Type:       ErrorTypeUpstream,
		Message:    message,
		StatusCode: http.StatusBadGateway,
	}
}

// NewOverloadedError creates a new overloaded error.
func NewOverloadedError(message string) *APIError {
	return &APIError{
		Type:       ErrorTypeOverloaded,
		Message:    message,
		StatusCode: http.StatusServiceUnavailable,
	}
}

// ErrNoAvailableAccounts is returned when no account can serve a request.
var ErrNoAvailableAccounts = NewOverloadedError("No accounts available")
