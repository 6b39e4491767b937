package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"agentstore/internal/apperr"
	"agentstore/internal/contextutil"
)

// ErrorResponse represents an error response.
//
// swagger:model ErrorResponse
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleConnectorError maps connector error kinds to status codes:
// validation 400, connection 503, backend 502, anything else 500.
func handleConnectorError(w http.ResponseWriter, ctx context.Context, err error, defaultMsg string) {
	logger := contextutil.LoggerFromContext(ctx)

	var verr *apperr.ValidationError
	switch {
	case errors.As(err, &verr):
		logger.WarnContext(ctx, "validation error", "field", verr.Field, "error", verr.Message)
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, apperr.ErrValidation):
		logger.WarnContext(ctx, "validation error", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, apperr.ErrConnection):
		logger.ErrorContext(ctx, "vector store unreachable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "Vector store unavailable")
	case errors.Is(err, apperr.ErrBackend):
		logger.ErrorContext(ctx, "vector store error", "error", err)
		writeError(w, http.StatusBadGateway, "Vector store error")
	default:
		logger.ErrorContext(ctx, "unexpected error", "error", err)
		writeError(w, http.StatusInternalServerError, defaultMsg)
	}
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, ctx context.Context, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		contextutil.LoggerFromContext(ctx).ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error: message,
	})
}
