package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/procflow-io/procflow/pkg/auth"
	"github.com/procflow-io/procflow/pkg/models"
	"github.com/procflow-io/procflow/pkg/repositories"
	"github.com/procflow-io/procflow/pkg/services"
)

// InstanceHandler serves workflow instance lookups.
type InstanceHandler struct {
	instances services.InstanceService
	logger    *zap.Logger
}

// NewInstanceHandler creates a new instance handler.
func NewInstanceHandler(instances services.InstanceService, logger *zap.Logger) *InstanceHandler {
	return &InstanceHandler{
		instances: instances,
		logger:    logger,
	}
}

// RegisterRoutes registers the instance routes on the given mux.
func (h *InstanceHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /instances", authMiddleware.RequireTenant(h.List))
	mux.HandleFunc("GET /instances/{id}", authMiddleware.RequireTenant(h.Get))
}

// List handles GET /instances with optional status, process_key and
// correlation_id query filters.
func (h *InstanceHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := repositories.InstanceFilter{
		Status:        models.WorkflowInstanceStatus(query.Get("status")),
		ProcessKey:    query.Get("process_key"),
		CorrelationID: query.Get("correlation_id"),
	}

	instances, err := h.instances.ListInstances(r.Context(), filter)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if instances == nil {
		instances = []*models.WorkflowInstance{}
	}
	_ = WriteJSON(w, http.StatusOK, instances)
}

// Get handles GET /instances/{id}, returning the instance with its
// active user and service tasks.
func (h *InstanceHandler) Get(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := ParseInstanceID(w, r, h.logger)
	if !ok {
		return
	}

	detail, err := h.instances.GetInstance(r.Context(), instanceID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = WriteJSON(w, http.StatusOK, detail)
}
