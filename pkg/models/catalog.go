package models

import (
	"time"

	"github.com/google/uuid"
)

// CapabilityCatalogEntry is one automation capability synced from the
// tenant's discovery endpoint. external_id is unique per tenant.
type CapabilityCatalogEntry struct {
	ID          uuid.UUID      `json:"-"`
	TenantID    uuid.UUID      `json:"-"`
	ExternalID  string         `json:"external_id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Category    string         `json:"category"`
	ServiceURL  string         `json:"service_url"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"-"`
	UpdatedAt   time.Time      `json:"-"`

	// ServiceTasks is populated by list queries.
	ServiceTasks []*CatalogServiceTask `json:"service_tasks"`
}

// CatalogServiceTask is a concrete HTTP endpoint under a capability
// entry. A ServiceTask execution binds to exactly one of these.
// external_id is unique per catalog entry.
type CatalogServiceTask struct {
	ID             uuid.UUID `json:"-"`
	TenantID       uuid.UUID `json:"-"`
	CatalogEntryID uuid.UUID `json:"-"`
	ExternalID     string    `json:"external_id"`
	Name           string    `json:"name"`
	URL            string    `json:"url"`

	// CatalogEntryExternalID is populated by joined lookups.
	CatalogEntryExternalID string `json:"-"`
}

// TenantDiscoveryEndpoint is the tenant's discovery configuration.
// Each tenant has at most one.
type TenantDiscoveryEndpoint struct {
	ID          uuid.UUID `json:"-"`
	TenantID    uuid.UUID `json:"-"`
	EndpointURL string    `json:"endpoint_url"`
	APIKey      string    `json:"-"` // write-only, never serialized
	CreatedAt   time.Time `json:"-"`
	UpdatedAt   time.Time `json:"-"`
}
