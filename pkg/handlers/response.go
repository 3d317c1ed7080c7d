// Package handlers exposes the HTTP surface: workflow uploads,
// instance orchestration, task completion, service-task dispatch and
// callbacks, discovery and audit.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/procflow-io/procflow/pkg/apperrors"
	"github.com/procflow-io/procflow/pkg/engine"
	"github.com/procflow-io/procflow/pkg/services"
)

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// WriteRawJSON writes pre-encoded JSON bytes verbatim. Idempotent
// replays go through here so the response is byte-identical to the
// first one.
func WriteRawJSON(w http.ResponseWriter, statusCode int, body []byte) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	_, err := w.Write(body)
	return err
}

// ErrorResponse writes a {code, message} error body.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"code":    errorCode,
		"message": message,
	})
}

// DetailResponse writes a {detail} body, the shape used for auth,
// not-found and conflict errors.
func DetailResponse(w http.ResponseWriter, statusCode int, detail string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

// HandleServiceError maps domain errors to their HTTP shapes and logs
// anything unexpected.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var validationFailure *services.ValidationFailure
	var runtimeErr *engine.RuntimeError

	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		_ = DetailResponse(w, http.StatusNotFound, "Not found.")
	case errors.Is(err, apperrors.ErrIdempotencyConflict):
		_ = DetailResponse(w, http.StatusConflict, "Idempotency key conflict.")
	case errors.Is(err, apperrors.ErrCatalogBindingConflict):
		_ = DetailResponse(w, http.StatusConflict, "Catalog binding conflict.")
	case errors.Is(err, apperrors.ErrConflict):
		_ = DetailResponse(w, http.StatusConflict, "Conflict.")
	case errors.Is(err, apperrors.ErrMissingCatalogBinding):
		_ = ErrorResponse(w, http.StatusBadRequest, "missing_catalog_binding", apperrors.ErrMissingCatalogBinding.Error())
	case errors.As(err, &validationFailure):
		_ = WriteJSON(w, http.StatusBadRequest, map[string]any{
			"code":   "invalid_bpmn",
			"errors": validationFailure.Errors,
		})
	case errors.As(err, &runtimeErr):
		logger.Error("Workflow runtime error", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "workflow_runtime_error", runtimeErr.Message)
	default:
		logger.Error("Unhandled service error", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}
