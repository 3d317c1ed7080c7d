package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/procflow-io/procflow/pkg/models"
	"github.com/procflow-io/procflow/pkg/repositories"
)

// DiscoveryEndpointView is the client-facing shape of the endpoint
// config. The stored API key is write-only; clients only learn whether
// one is set.
type DiscoveryEndpointView struct {
	EndpointURL string `json:"endpoint_url"`
	HasAPIKey   bool   `json:"has_api_key"`
}

// DiscoveryService manages the tenant discovery endpoint and exposes
// the synced capability catalog.
type DiscoveryService interface {
	GetEndpoint(ctx context.Context) (*DiscoveryEndpointView, error)
	SetEndpoint(ctx context.Context, endpointURL, apiKey string) (*DiscoveryEndpointView, error)
	ListCatalog(ctx context.Context) ([]*models.CapabilityCatalogEntry, error)
}

type discoveryService struct {
	endpoints repositories.DiscoveryRepository
	catalog   repositories.CatalogRepository
	logger    *zap.Logger
}

// NewDiscoveryService creates a new DiscoveryService.
func NewDiscoveryService(endpoints repositories.DiscoveryRepository, catalog repositories.CatalogRepository, logger *zap.Logger) DiscoveryService {
	return &discoveryService{
		endpoints: endpoints,
		catalog:   catalog,
		logger:    logger.Named("discovery-service"),
	}
}

var _ DiscoveryService = (*discoveryService)(nil)

func (s *discoveryService) GetEndpoint(ctx context.Context) (*DiscoveryEndpointView, error) {
	ep, err := s.endpoints.Get(ctx)
	if err != nil {
		return nil, err
	}
	return endpointView(ep), nil
}

func (s *discoveryService) SetEndpoint(ctx context.Context, endpointURL, apiKey string) (*DiscoveryEndpointView, error) {
	ep := &models.TenantDiscoveryEndpoint{
		EndpointURL: endpointURL,
		APIKey:      apiKey,
	}
	if err := s.endpoints.Upsert(ctx, ep); err != nil {
		return nil, err
	}
	s.logger.Info("Discovery endpoint updated", zap.String("endpoint_url", endpointURL))
	return endpointView(ep), nil
}

func (s *discoveryService) ListCatalog(ctx context.Context) ([]*models.CapabilityCatalogEntry, error) {
	entries, err := s.catalog.ListEntries(ctx)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*models.CapabilityCatalogEntry{}
	}
	return entries, nil
}

func endpointView(ep *models.TenantDiscoveryEndpoint) *DiscoveryEndpointView {
	return &DiscoveryEndpointView{
		EndpointURL: ep.EndpointURL,
		HasAPIKey:   ep.APIKey != "",
	}
}
