package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/procflow-io/procflow/pkg/auth"
	"github.com/procflow-io/procflow/pkg/models"
	"github.com/procflow-io/procflow/pkg/repositories"
	"github.com/procflow-io/procflow/pkg/services"
)

// IdempotencyKeyHeader carries the caller's replay key on mutating
// task operations.
const IdempotencyKeyHeader = "Idempotency-Key"

// TaskHandler serves user-task listings and completions.
type TaskHandler struct {
	userTasks services.UserTaskService
	logger    *zap.Logger
}

// NewTaskHandler creates a new user-task handler.
func NewTaskHandler(userTasks services.UserTaskService, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		userTasks: userTasks,
		logger:    logger,
	}
}

// RegisterRoutes registers the user-task routes on the given mux.
func (h *TaskHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /tasks", authMiddleware.RequireTenant(h.List))
	mux.HandleFunc("GET /instances/tasks", authMiddleware.RequireTenant(h.Inbox))
	mux.HandleFunc("POST /tasks/{id}/complete", authMiddleware.RequireTenant(h.Complete))
}

// List handles GET /tasks. Without a status filter only pending tasks
// are returned.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	instanceID, ok := QueryUUID(r, "workflow_instance_id")
	if !ok {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid workflow_instance_id")
		return
	}

	filter := repositories.UserTaskFilter{
		Status:     models.UserTaskStatus(query.Get("status")),
		InstanceID: instanceID,
	}
	if filter.Status == "" {
		filter.Status = models.UserTaskStatusPending
	}

	tasks, err := h.userTasks.List(r.Context(), filter)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if tasks == nil {
		tasks = []*models.UserTask{}
	}
	_ = WriteJSON(w, http.StatusOK, tasks)
}

// Inbox handles GET /instances/tasks: user tasks across instances,
// filterable by actor, status and workflow_instance_id. Unlike List it
// applies no default status, so completed work stays visible.
func (h *TaskHandler) Inbox(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	instanceID, ok := QueryUUID(r, "workflow_instance_id")
	if !ok {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid workflow_instance_id")
		return
	}

	filter := repositories.UserTaskFilter{
		Status:     models.UserTaskStatus(query.Get("status")),
		InstanceID: instanceID,
		Actor:      query.Get("actor"),
	}

	tasks, err := h.userTasks.List(r.Context(), filter)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if tasks == nil {
		tasks = []*models.UserTask{}
	}
	_ = WriteJSON(w, http.StatusOK, tasks)
}

// Complete handles POST /tasks/{id}/complete. With an Idempotency-Key
// header the response is replayed byte-identically for identical
// retries and conflicts with 409 otherwise.
func (h *TaskHandler) Complete(w http.ResponseWriter, r *http.Request) {
	taskID, ok := ParseTaskID(w, r, h.logger)
	if !ok {
		return
	}

	var req services.CompleteUserTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.Actor == "" || req.Action == "" {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "actor and action are required")
		return
	}

	body, err := h.userTasks.Complete(r.Context(), taskID, &req, r.Header.Get(IdempotencyKeyHeader))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = WriteRawJSON(w, http.StatusOK, body)
}
