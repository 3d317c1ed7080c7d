// Package repositories contains the data access layer. Every query
// filters by tenant_id; callers establish the tenant scope (and any
// transaction) through the request context.
package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/procflow-io/procflow/pkg/database"
)

// tenantQuerier resolves the active querier (transaction or scoped
// connection) together with the tenant id every query must filter by.
func tenantQuerier(ctx context.Context) (database.Querier, uuid.UUID, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, uuid.Nil, fmt.Errorf("no tenant scope in context")
	}
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, uuid.Nil, err
	}
	return q, scope.TenantID, nil
}

func jsonbMap(v map[string]any) any {
	if len(v) == 0 {
		return map[string]any{}
	}
	return v
}

func jsonbSlice(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode jsonb value: %w", err)
	}
	return raw, nil
}

func unmarshalMap(raw []byte, dst *map[string]any) error {
	if len(raw) == 0 {
		*dst = map[string]any{}
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode jsonb value: %w", err)
	}
	if *dst == nil {
		*dst = map[string]any{}
	}
	return nil
}
