package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ParseTaskID extracts and validates the task row ID from the request
// path. Writes the error response itself on failure.
// Expects path parameter: id
func ParseTaskID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "id", "invalid_task_id", "Invalid task ID format", logger)
}

// ParseInstanceID extracts and validates the instance ID from the
// request path. Expects path parameter: id
func ParseInstanceID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "id", "invalid_instance_id", "Invalid instance ID format", logger)
}

// ParseVersionNumber extracts the numeric version from the request
// path. Expects path parameter: version
func ParseVersionNumber(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (int, bool) {
	raw := r.PathValue("version")
	version, err := strconv.Atoi(raw)
	if err != nil || version < 1 {
		logger.Debug("Invalid version number", zap.String("version", raw))
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_version", "Invalid version number")
		return 0, false
	}
	return version, true
}

// QueryUUID parses an optional UUID query parameter, returning uuid.Nil
// when absent.
func QueryUUID(r *http.Request, name string) (uuid.UUID, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return uuid.Nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func parseUUID(w http.ResponseWriter, r *http.Request, param, errorCode, message string, logger *zap.Logger) (uuid.UUID, bool) {
	raw := r.PathValue(param)
	id, err := uuid.Parse(raw)
	if err != nil {
		logger.Debug("Invalid UUID path parameter",
			zap.String("param", param),
			zap.String("value", raw))
		_ = ErrorResponse(w, http.StatusBadRequest, errorCode, message)
		return uuid.Nil, false
	}
	return id, true
}
