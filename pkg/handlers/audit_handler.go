package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/procflow-io/procflow/pkg/auth"
	"github.com/procflow-io/procflow/pkg/models"
	"github.com/procflow-io/procflow/pkg/repositories"
	"github.com/procflow-io/procflow/pkg/services"
)

// AuditHandler serves the tenant audit trail.
type AuditHandler struct {
	audit  services.AuditService
	logger *zap.Logger
}

// NewAuditHandler creates a new audit handler.
func NewAuditHandler(audit services.AuditService, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		audit:  audit,
		logger: logger,
	}
}

// RegisterRoutes registers the audit routes on the given mux.
func (h *AuditHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /audit", authMiddleware.RequireTenant(h.List))
}

// List handles GET /audit with optional event_type, correlation_id,
// business_key, workflow_instance_id and limit query filters.
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	instanceID, ok := QueryUUID(r, "workflow_instance_id")
	if !ok {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid workflow_instance_id")
		return
	}
	limit, _ := strconv.Atoi(query.Get("limit"))

	filter := repositories.AuditFilter{
		EventType:          query.Get("event_type"),
		CorrelationID:      query.Get("correlation_id"),
		BusinessKey:        query.Get("business_key"),
		WorkflowInstanceID: instanceID,
		Limit:              limit,
	}

	events, err := h.audit.List(r.Context(), filter)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if events == nil {
		events = []*models.AuditEvent{}
	}
	_ = WriteJSON(w, http.StatusOK, events)
}
