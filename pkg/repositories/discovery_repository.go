package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/procflow-io/procflow/pkg/apperrors"
	"github.com/procflow-io/procflow/pkg/models"
)

// DiscoveryRepository stores the tenant's discovery endpoint config.
type DiscoveryRepository interface {
	Get(ctx context.Context) (*models.TenantDiscoveryEndpoint, error)
	Upsert(ctx context.Context, endpoint *models.TenantDiscoveryEndpoint) error
}

type discoveryRepository struct{}

// NewDiscoveryRepository creates a new DiscoveryRepository.
func NewDiscoveryRepository() DiscoveryRepository {
	return &discoveryRepository{}
}

var _ DiscoveryRepository = (*discoveryRepository)(nil)

func (r *discoveryRepository) Get(ctx context.Context) (*models.TenantDiscoveryEndpoint, error) {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return nil, err
	}

	var ep models.TenantDiscoveryEndpoint
	err = q.QueryRow(ctx, `
		SELECT id, tenant_id, endpoint_url, api_key, created_at, updated_at
		FROM tenant_discovery_endpoints
		WHERE tenant_id = $1`, tenantID,
	).Scan(&ep.ID, &ep.TenantID, &ep.EndpointURL, &ep.APIKey, &ep.CreatedAt, &ep.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get discovery endpoint: %w", err)
	}
	return &ep, nil
}

// Upsert writes the endpoint URL; the API key is only replaced when a
// non-empty value is supplied, so clients can update the URL without
// re-sending the secret.
func (r *discoveryRepository) Upsert(ctx context.Context, endpoint *models.TenantDiscoveryEndpoint) error {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	err = q.QueryRow(ctx, `
		INSERT INTO tenant_discovery_endpoints (tenant_id, endpoint_url, api_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (tenant_id) DO UPDATE SET
			endpoint_url = EXCLUDED.endpoint_url,
			api_key = CASE WHEN EXCLUDED.api_key = '' THEN tenant_discovery_endpoints.api_key ELSE EXCLUDED.api_key END,
			updated_at = EXCLUDED.updated_at
		RETURNING id, api_key, created_at, updated_at`,
		tenantID, endpoint.EndpointURL, endpoint.APIKey, now,
	).Scan(&endpoint.ID, &endpoint.APIKey, &endpoint.CreatedAt, &endpoint.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert discovery endpoint: %w", err)
	}
	endpoint.TenantID = tenantID
	return nil
}

