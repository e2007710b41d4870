// Package handler provides HTTP handlers for the gateway.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/geminibiz/gateway/internal/account"
	"github.com/geminibiz/gateway/internal/gateway"
	"github.com/geminibiz/gateway/internal/openai"
	"github.com/geminibiz/gateway/internal/upstream"
)

// toAPIError maps an orchestrator error to the error returned to clients.
func toAPIError(err error) *openai.APIError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, gateway.ErrInvalidRequest):
		return openai.NewInvalidRequestError(err.Error())
	case errors.Is(err, account.ErrNoAccounts):
		return openai.ErrNoAvailableAccounts
	}

	var tried string
	var chatErr *gateway.ChatError
	if errors.As(err, &chatErr) && len(chatErr.Tried) > 0 {
		tried = fmt.Sprintf(" (tried: %s)", strings.Join(chatErr.Tried, ", "))
	}

	var upErr *upstream.APIError
	if errors.As(err, &upErr) {
		if upErr.IsRateLimited() {
			return openai.NewRateLimitError(fmt.Sprintf("All accounts are rate limited%s", tried))
		}
		return openai.NewUpstreamError(fmt.Sprintf("Upstream error%s: HTTP %d", tried, upErr.StatusCode))
	}

	return openai.NewAPIError(fmt.Sprintf("Request failed%s: %v", tried, err))
}

// writeJSON writes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON decodes the request body into v.
func decodeJSON(r *http.Request, v interface{}) *openai.APIError {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return openai.NewInvalidRequestError("Invalid JSON: " + err.Error())
	}
	return nil
}
