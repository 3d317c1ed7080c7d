package testhelpers

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/procflow-io/procflow/pkg/auth"
	"github.com/procflow-io/procflow/pkg/database"
	"github.com/procflow-io/procflow/pkg/models"
)

// TestTenant bundles a seeded tenant with its raw API key. The raw key
// doubles as the HMAC secret for callback signatures.
type TestTenant struct {
	Tenant *models.Tenant
	APIKey *models.TenantAPIKey
	RawKey string
}

// CreateTenant seeds a fresh tenant with one API key. Each call creates
// a distinct tenant so tests are isolated from each other.
func CreateTenant(t *testing.T, db *database.DB) *TestTenant {
	t.Helper()
	ctx := context.Background()

	slug := "t-" + uuid.NewString()[:8]
	tenant := &models.Tenant{
		ID:   uuid.New(),
		Name: "Test Tenant " + slug,
		Slug: slug,
	}
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO tenants (id, name, slug) VALUES ($1, $2, $3)`,
		tenant.ID, tenant.Name, tenant.Slug)
	if err != nil {
		t.Fatalf("Failed to insert tenant: %v", err)
	}

	rawKey := fmt.Sprintf("pfk_%s", uuid.NewString())
	apiKey := &models.TenantAPIKey{
		ID:       uuid.New(),
		TenantID: tenant.ID,
		Name:     "test-key",
		KeyHash:  auth.HashAPIKey(rawKey),
	}
	_, err = db.Pool.Exec(ctx,
		`INSERT INTO tenant_api_keys (id, tenant_id, name, key_hash) VALUES ($1, $2, $3, $4)`,
		apiKey.ID, apiKey.TenantID, apiKey.Name, apiKey.KeyHash)
	if err != nil {
		t.Fatalf("Failed to insert API key: %v", err)
	}

	return &TestTenant{Tenant: tenant, APIKey: apiKey, RawKey: rawKey}
}

// ScopedContext acquires a tenant-scoped connection and returns a
// context carrying both the scope and the request identity, mirroring
// what the auth middleware establishes per request. The scope is
// released via t.Cleanup.
func ScopedContext(t *testing.T, db *database.DB, tt *TestTenant) context.Context {
	t.Helper()

	scope, err := db.WithTenant(context.Background(), tt.Tenant.ID)
	if err != nil {
		t.Fatalf("Failed to acquire tenant scope: %v", err)
	}
	t.Cleanup(scope.Close)

	ctx := database.SetTenantScope(context.Background(), scope)
	return models.SetRequestContext(ctx, &models.RequestContext{
		Tenant:    tt.Tenant,
		APIKey:    tt.APIKey,
		RequestID: uuid.NewString(),
	})
}
