package repositories

import (
	"context"
	"errors"

	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/procflow-io/procflow/pkg/apperrors"
	"github.com/procflow-io/procflow/pkg/database"
	"github.com/procflow-io/procflow/pkg/models"
)

// TenantRepository resolves tenants and API keys. It runs before the
// tenant scope exists, so it queries the shared pool directly.
type TenantRepository interface {
	ResolveAPIKey(ctx context.Context, keyHash string) (*models.Tenant, *models.TenantAPIKey, error)
}

type tenantRepository struct {
	db *database.DB
}

// NewTenantRepository creates a new TenantRepository.
func NewTenantRepository(db *database.DB) TenantRepository {
	return &tenantRepository{db: db}
}

var _ TenantRepository = (*tenantRepository)(nil)

func (r *tenantRepository) ResolveAPIKey(ctx context.Context, keyHash string) (*models.Tenant, *models.TenantAPIKey, error) {
	query := `
		SELECT t.id, t.name, t.slug, t.created_at,
		       k.id, k.tenant_id, k.name, k.key_hash, k.created_at
		FROM tenant_api_keys k
		JOIN tenants t ON t.id = k.tenant_id
		WHERE k.key_hash = $1`

	var tenant models.Tenant
	var apiKey models.TenantAPIKey
	err := r.db.Pool.QueryRow(ctx, query, keyHash).Scan(
		&tenant.ID, &tenant.Name, &tenant.Slug, &tenant.CreatedAt,
		&apiKey.ID, &apiKey.TenantID, &apiKey.Name, &apiKey.KeyHash, &apiKey.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, apperrors.ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to resolve API key: %w", err)
	}
	return &tenant, &apiKey, nil
}
