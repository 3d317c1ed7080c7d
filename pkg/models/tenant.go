package models

import (
	"time"

	"github.com/google/uuid"
)

// Tenant is the isolation unit. Every other entity carries a tenant_id
// and every query filters by it.
type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
}

// TenantAPIKey holds authentication material for a tenant. Only the
// hex SHA-256 of the raw key is stored; the raw key is also the HMAC
// secret for service-task callbacks.
type TenantAPIKey struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Name      string    `json:"name"`
	KeyHash   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}
