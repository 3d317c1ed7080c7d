package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/procflow-io/procflow/pkg/apperrors"
	"github.com/procflow-io/procflow/pkg/auth"
	"github.com/procflow-io/procflow/pkg/database"
	"github.com/procflow-io/procflow/pkg/models"
	"github.com/procflow-io/procflow/pkg/repositories"
	"github.com/procflow-io/procflow/pkg/services"
)

const maxCallbackBytes = 1 << 20

// ServiceTaskHandler serves service-task listings, dispatch and the
// signed completion callback.
type ServiceTaskHandler struct {
	serviceTasks services.ServiceTaskService
	resolver     auth.KeyResolver
	db           *database.DB
	logger       *zap.Logger
}

// NewServiceTaskHandler creates a new service-task handler.
func NewServiceTaskHandler(serviceTasks services.ServiceTaskService, resolver auth.KeyResolver, db *database.DB, logger *zap.Logger) *ServiceTaskHandler {
	return &ServiceTaskHandler{
		serviceTasks: serviceTasks,
		resolver:     resolver,
		db:           db,
		logger:       logger,
	}
}

// RegisterRoutes registers the service-task routes on the given mux.
// The callback route authenticates itself through the HMAC contract
// instead of the tenant middleware.
func (h *ServiceTaskHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /service-tasks", authMiddleware.RequireTenant(h.List))
	mux.HandleFunc("POST /service-tasks/{id}/start", authMiddleware.RequireTenant(h.Start))
	mux.HandleFunc("POST /service-tasks/{id}/callback", h.Callback)
}

// List handles GET /service-tasks with optional status and
// workflow_instance_id filters.
func (h *ServiceTaskHandler) List(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := QueryUUID(r, "workflow_instance_id")
	if !ok {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid workflow_instance_id")
		return
	}

	filter := repositories.ServiceTaskFilter{
		Status:     models.ServiceTaskStatus(r.URL.Query().Get("status")),
		InstanceID: instanceID,
	}

	tasks, err := h.serviceTasks.List(r.Context(), filter)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if tasks == nil {
		tasks = []*models.ServiceTask{}
	}
	_ = WriteJSON(w, http.StatusOK, tasks)
}

// Start handles POST /service-tasks/{id}/start. An upstream failure
// settles the task and instance as failed and responds 502.
func (h *ServiceTaskHandler) Start(w http.ResponseWriter, r *http.Request) {
	taskID, ok := ParseTaskID(w, r, h.logger)
	if !ok {
		return
	}

	var req services.StartServiceTaskRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
			return
		}
	}

	result, err := h.serviceTasks.Start(r.Context(), taskID, &req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if result.UpstreamFailed {
		_ = WriteJSON(w, http.StatusBadGateway, result.Task)
		return
	}
	_ = WriteJSON(w, http.StatusOK, result.Task)
}

// Callback handles POST /service-tasks/{id}/callback. The caller
// presents the tenant's raw API key plus an HMAC signature over
// body||timestamp; verification replaces header-based tenant auth.
func (h *ServiceTaskHandler) Callback(w http.ResponseWriter, r *http.Request) {
	taskID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		_ = DetailResponse(w, http.StatusNotFound, "Not found.")
		return
	}

	rawKey := r.Header.Get(auth.APIKeyHeader)
	if rawKey == "" {
		_ = DetailResponse(w, http.StatusUnauthorized, "Missing tenant API key.")
		return
	}
	timestamp := r.Header.Get(auth.CallbackTimestampHeader)
	signature := r.Header.Get(auth.CallbackSignatureHeader)
	if timestamp == "" || signature == "" {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Missing callback timestamp or signature")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Failed to read request body")
		return
	}

	tenant, apiKey, err := h.resolver.ResolveAPIKey(r.Context(), auth.HashAPIKey(rawKey))
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			_ = DetailResponse(w, http.StatusUnauthorized, "Invalid tenant API key.")
			return
		}
		h.logger.Error("API key lookup failed", zap.Error(err))
		_ = DetailResponse(w, http.StatusInternalServerError, "Authentication unavailable.")
		return
	}
	if !auth.VerifyCallbackSignature(rawKey, body, timestamp, signature) {
		_ = DetailResponse(w, http.StatusUnauthorized, "Invalid callback signature.")
		return
	}

	scope, err := h.db.WithTenant(r.Context(), tenant.ID)
	if err != nil {
		h.logger.Error("Failed to acquire tenant connection",
			zap.String("tenant", tenant.Slug),
			zap.Error(err))
		_ = DetailResponse(w, http.StatusInternalServerError, "Database unavailable.")
		return
	}
	defer scope.Close()

	ctx := database.SetTenantScope(r.Context(), scope)
	rc, ok := models.GetRequestContext(ctx)
	if !ok {
		rc = &models.RequestContext{RequestID: uuid.NewString()}
		ctx = models.SetRequestContext(ctx, rc)
	}
	rc.Tenant = tenant
	rc.APIKey = apiKey

	responseBody, err := h.serviceTasks.Callback(ctx, taskID, body, timestamp, r.Header.Get(IdempotencyKeyHeader))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = WriteRawJSON(w, http.StatusOK, responseBody)
}
