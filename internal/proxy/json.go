package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/florianilch/jigtrack/internal/apierror"
	"github.com/florianilch/jigtrack/internal/session"
)

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`

	// Code is a stable machine-readable error class
	Code string `json:"code,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
// Logs encoding failures internally using the provided context.
func writeJSON(ctx context.Context, w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.ErrorContext(ctx, "failed to encode JSON response", "error", err)
	}
}

// writeJSONError writes a JSON error response with the given status code.
// Similar to http.Error but returns JSON instead of plain text.
func writeJSONError(ctx context.Context, w http.ResponseWriter, message string, status int) {
	writeJSON(ctx, w, ErrorResponse{Error: message}, status)
}

// writeError maps a pipeline or session error onto a gateway response.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "request failed", "error", err)
	} else {
		slog.DebugContext(ctx, "request rejected", "error", err)
	}
	writeJSON(ctx, w, ErrorResponse{Error: http.StatusText(status), Code: code}, status)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrInvalidLogin):
		return http.StatusUnauthorized, "invalid_login"
	case errors.Is(err, apierror.ErrNoCredentials):
		return http.StatusUnauthorized, "no_credentials"
	case errors.Is(err, apierror.ErrRetryExhausted):
		return http.StatusUnauthorized, "retry_exhausted"
	case errors.Is(err, apierror.ErrAuthorizationExpired):
		return http.StatusUnauthorized, "authorization_expired"
	case errors.Is(err, apierror.ErrConfiguration):
		return http.StatusBadGateway, "misconfigured_endpoint"
	case errors.Is(err, apierror.ErrTransport):
		return http.StatusGatewayTimeout, "transport"
	default:
		return http.StatusInternalServerError, ""
	}
}
