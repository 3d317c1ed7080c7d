package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/procflow-io/procflow/pkg/auth"
	"github.com/procflow-io/procflow/pkg/services"
)

// SetDiscoveryEndpointRequest is the body of POST /discovery/endpoint.
type SetDiscoveryEndpointRequest struct {
	EndpointURL string `json:"endpoint_url"`
	APIKey      string `json:"api_key"`
}

// DiscoveryHandler serves the tenant discovery configuration and the
// synced capability catalog.
type DiscoveryHandler struct {
	discovery services.DiscoveryService
	logger    *zap.Logger
}

// NewDiscoveryHandler creates a new discovery handler.
func NewDiscoveryHandler(discovery services.DiscoveryService, logger *zap.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{
		discovery: discovery,
		logger:    logger,
	}
}

// RegisterRoutes registers the discovery routes on the given mux.
func (h *DiscoveryHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /discovery/endpoint", authMiddleware.RequireTenant(h.GetEndpoint))
	mux.HandleFunc("POST /discovery/endpoint", authMiddleware.RequireTenant(h.SetEndpoint))
	mux.HandleFunc("GET /discovery/catalog", authMiddleware.RequireTenant(h.ListCatalog))
}

// GetEndpoint handles GET /discovery/endpoint
func (h *DiscoveryHandler) GetEndpoint(w http.ResponseWriter, r *http.Request) {
	view, err := h.discovery.GetEndpoint(r.Context())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = WriteJSON(w, http.StatusOK, view)
}

// SetEndpoint handles POST /discovery/endpoint
func (h *DiscoveryHandler) SetEndpoint(w http.ResponseWriter, r *http.Request) {
	var req SetDiscoveryEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.EndpointURL == "" {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "endpoint_url is required")
		return
	}

	view, err := h.discovery.SetEndpoint(r.Context(), req.EndpointURL, req.APIKey)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = WriteJSON(w, http.StatusOK, view)
}

// ListCatalog handles GET /discovery/catalog
func (h *DiscoveryHandler) ListCatalog(w http.ResponseWriter, r *http.Request) {
	entries, err := h.discovery.ListCatalog(r.Context())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = WriteJSON(w, http.StatusOK, entries)
}
