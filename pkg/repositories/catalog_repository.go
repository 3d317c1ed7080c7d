package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/procflow-io/procflow/pkg/apperrors"
	"github.com/procflow-io/procflow/pkg/models"
)

// CatalogRepository provides access to the tenant capability catalog.
type CatalogRepository interface {
	ListEntries(ctx context.Context) ([]*models.CapabilityCatalogEntry, error)
	GetTaskByExternalIDs(ctx context.Context, entryExternalID, taskExternalID string) (*models.CatalogServiceTask, error)
	GetTaskByID(ctx context.Context, id uuid.UUID) (*models.CatalogServiceTask, error)
	ReplaceAll(ctx context.Context, entries []*models.CapabilityCatalogEntry) error
}

type catalogRepository struct{}

// NewCatalogRepository creates a new CatalogRepository.
func NewCatalogRepository() CatalogRepository {
	return &catalogRepository{}
}

var _ CatalogRepository = (*catalogRepository)(nil)

func (r *catalogRepository) ListEntries(ctx context.Context) ([]*models.CapabilityCatalogEntry, error) {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT id, tenant_id, external_id, name, description, category,
		       service_url, metadata, created_at, updated_at
		FROM capability_catalog_entries
		WHERE tenant_id = $1
		ORDER BY external_id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.CapabilityCatalogEntry
	byID := map[uuid.UUID]*models.CapabilityCatalogEntry{}
	for rows.Next() {
		var entry models.CapabilityCatalogEntry
		var metadata []byte
		if err := rows.Scan(&entry.ID, &entry.TenantID, &entry.ExternalID,
			&entry.Name, &entry.Description, &entry.Category,
			&entry.ServiceURL, &metadata, &entry.CreatedAt, &entry.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan catalog entry: %w", err)
		}
		if err := unmarshalMap(metadata, &entry.Metadata); err != nil {
			return nil, err
		}
		entry.ServiceTasks = []*models.CatalogServiceTask{}
		entries = append(entries, &entry)
		byID[entry.ID] = &entry
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read catalog entries: %w", err)
	}

	taskRows, err := q.Query(ctx, `
		SELECT id, tenant_id, catalog_entry_id, external_id, name, url
		FROM catalog_service_tasks
		WHERE tenant_id = $1
		ORDER BY external_id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog service tasks: %w", err)
	}
	defer taskRows.Close()

	for taskRows.Next() {
		var task models.CatalogServiceTask
		if err := taskRows.Scan(&task.ID, &task.TenantID, &task.CatalogEntryID,
			&task.ExternalID, &task.Name, &task.URL); err != nil {
			return nil, fmt.Errorf("failed to scan catalog service task: %w", err)
		}
		if entry, ok := byID[task.CatalogEntryID]; ok {
			task.CatalogEntryExternalID = entry.ExternalID
			entry.ServiceTasks = append(entry.ServiceTasks, &task)
		}
	}
	return entries, taskRows.Err()
}

func (r *catalogRepository) GetTaskByExternalIDs(ctx context.Context, entryExternalID, taskExternalID string) (*models.CatalogServiceTask, error) {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return nil, err
	}

	row := q.QueryRow(ctx, `
		SELECT t.id, t.tenant_id, t.catalog_entry_id, t.external_id, t.name, t.url, e.external_id
		FROM catalog_service_tasks t
		JOIN capability_catalog_entries e ON e.id = t.catalog_entry_id
		WHERE t.tenant_id = $1 AND e.external_id = $2 AND t.external_id = $3`,
		tenantID, entryExternalID, taskExternalID)
	return scanCatalogTask(row)
}

func (r *catalogRepository) GetTaskByID(ctx context.Context, id uuid.UUID) (*models.CatalogServiceTask, error) {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return nil, err
	}

	row := q.QueryRow(ctx, `
		SELECT t.id, t.tenant_id, t.catalog_entry_id, t.external_id, t.name, t.url, e.external_id
		FROM catalog_service_tasks t
		JOIN capability_catalog_entries e ON e.id = t.catalog_entry_id
		WHERE t.tenant_id = $1 AND t.id = $2`, tenantID, id)
	return scanCatalogTask(row)
}

func scanCatalogTask(row pgx.Row) (*models.CatalogServiceTask, error) {
	var task models.CatalogServiceTask
	err := row.Scan(&task.ID, &task.TenantID, &task.CatalogEntryID,
		&task.ExternalID, &task.Name, &task.URL, &task.CatalogEntryExternalID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get catalog service task: %w", err)
	}
	return &task, nil
}

// ReplaceAll atomically swaps the tenant's catalog for the given
// entries. Catalog tasks referenced by live service tasks block the
// delete; the constraint violation surfaces to the caller.
func (r *catalogRepository) ReplaceAll(ctx context.Context, entries []*models.CapabilityCatalogEntry) error {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return err
	}

	if _, err := q.Exec(ctx, `DELETE FROM capability_catalog_entries WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("failed to clear catalog: %w", err)
	}

	now := time.Now()
	for _, entry := range entries {
		err := q.QueryRow(ctx, `
			INSERT INTO capability_catalog_entries (
				tenant_id, external_id, name, description, category,
				service_url, metadata, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
			RETURNING id`,
			tenantID, entry.ExternalID, entry.Name, entry.Description,
			entry.Category, entry.ServiceURL, jsonbMap(entry.Metadata), now,
		).Scan(&entry.ID)
		if err != nil {
			return fmt.Errorf("failed to insert catalog entry %q: %w", entry.ExternalID, err)
		}
		entry.TenantID = tenantID

		for _, task := range entry.ServiceTasks {
			err := q.QueryRow(ctx, `
				INSERT INTO catalog_service_tasks (
					tenant_id, catalog_entry_id, external_id, name, url,
					created_at, updated_at
				) VALUES ($1, $2, $3, $4, $5, $6, $6)
				RETURNING id`,
				tenantID, entry.ID, task.ExternalID, task.Name, task.URL, now,
			).Scan(&task.ID)
			if err != nil {
				return fmt.Errorf("failed to insert catalog service task %q: %w", task.ExternalID, err)
			}
			task.TenantID = tenantID
			task.CatalogEntryID = entry.ID
			task.CatalogEntryExternalID = entry.ExternalID
		}
	}
	return nil
}
