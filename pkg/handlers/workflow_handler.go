package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/procflow-io/procflow/pkg/auth"
	"github.com/procflow-io/procflow/pkg/repositories"
	"github.com/procflow-io/procflow/pkg/services"
)

const maxUploadBytes = 10 << 20

// StartInstanceRequest is the body of
// POST /workflows/{key}/versions/{version}/instances.
type StartInstanceRequest struct {
	CorrelationID string `json:"correlation_id"`
	BusinessKey   string `json:"business_key"`
}

// WorkflowHandler serves definition uploads, version lookups and
// instance starts.
type WorkflowHandler struct {
	workflows services.WorkflowService
	instances services.InstanceService
	logger    *zap.Logger
}

// NewWorkflowHandler creates a new workflow handler.
func NewWorkflowHandler(workflows services.WorkflowService, instances services.InstanceService, logger *zap.Logger) *WorkflowHandler {
	return &WorkflowHandler{
		workflows: workflows,
		instances: instances,
		logger:    logger,
	}
}

// RegisterRoutes registers the workflow routes on the given mux.
func (h *WorkflowHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("POST /workflows", authMiddleware.RequireTenant(h.Upload))
	mux.HandleFunc("GET /workflows/list", authMiddleware.RequireTenant(h.List))
	mux.HandleFunc("GET /workflows/{key}", authMiddleware.RequireTenant(h.GetDefinition))
	mux.HandleFunc("GET /workflows/{key}/versions/{version}", authMiddleware.RequireTenant(h.GetVersion))
	mux.HandleFunc("POST /workflows/{key}/versions/{version}/instances", authMiddleware.RequireTenant(h.StartInstance))
}

// Upload handles POST /workflows. The BPMN document is carried as the
// multipart file field "bpmn".
func (h *WorkflowHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Expected multipart form with a 'bpmn' file")
		return
	}
	file, _, err := r.FormFile("bpmn")
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Missing 'bpmn' file field")
		return
	}
	defer file.Close()

	bpmnXML, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Failed to read uploaded file")
		return
	}

	version, err := h.workflows.UploadDefinition(r.Context(), string(bpmnXML))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = WriteJSON(w, http.StatusCreated, version.Summary())
}

// List handles GET /workflows/list
func (h *WorkflowHandler) List(w http.ResponseWriter, r *http.Request) {
	definitions, err := h.workflows.ListDefinitions(r.Context())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if definitions == nil {
		definitions = []*repositories.DefinitionSummary{}
	}
	_ = WriteJSON(w, http.StatusOK, definitions)
}

// GetDefinition handles GET /workflows/{key}: the definition with all
// its version summaries.
func (h *WorkflowHandler) GetDefinition(w http.ResponseWriter, r *http.Request) {
	detail, err := h.workflows.GetDefinition(r.Context(), r.PathValue("key"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = WriteJSON(w, http.StatusOK, detail)
}

// GetVersion handles GET /workflows/{key}/versions/{version}. The
// response includes the stored BPMN XML.
func (h *WorkflowHandler) GetVersion(w http.ResponseWriter, r *http.Request) {
	versionNumber, ok := ParseVersionNumber(w, r, h.logger)
	if !ok {
		return
	}

	version, err := h.workflows.GetVersion(r.Context(), r.PathValue("key"), versionNumber)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = WriteJSON(w, http.StatusOK, version)
}

// StartInstance handles POST /workflows/{key}/versions/{version}/instances
func (h *WorkflowHandler) StartInstance(w http.ResponseWriter, r *http.Request) {
	versionNumber, ok := ParseVersionNumber(w, r, h.logger)
	if !ok {
		return
	}

	var req StartInstanceRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
			return
		}
	}

	detail, err := h.instances.StartInstance(r.Context(), r.PathValue("key"), versionNumber, req.CorrelationID, req.BusinessKey)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = WriteJSON(w, http.StatusCreated, detail)
}
