package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/procflow-io/procflow/pkg/apperrors"
	"github.com/procflow-io/procflow/pkg/models"
)

// DefinitionSummary is a definition with its latest version, the shape
// returned by workflow listings.
type DefinitionSummary struct {
	Definition    *models.WorkflowDefinition `json:"definition"`
	LatestVersion int                        `json:"latest_version"`
	VersionCount  int                        `json:"version_count"`
}

// WorkflowRepository stores definitions and their immutable versions.
type WorkflowRepository interface {
	// GetOrCreateDefinitionForUpdate resolves the definition for a
	// process key, creating it on first upload, and returns it with its
	// row locked. Must run inside a transaction; the lock serializes
	// version assignment.
	GetOrCreateDefinitionForUpdate(ctx context.Context, processKey, name string) (*models.WorkflowDefinition, error)
	// CreateVersion appends the next version (dense sequence from 1)
	// for the locked definition.
	CreateVersion(ctx context.Context, version *models.WorkflowDefinitionVersion) (*models.WorkflowDefinitionVersion, error)
	GetDefinition(ctx context.Context, processKey string) (*models.WorkflowDefinition, error)
	GetVersion(ctx context.Context, processKey string, versionNumber int) (*models.WorkflowDefinitionVersion, error)
	GetVersionByID(ctx context.Context, id uuid.UUID) (*models.WorkflowDefinitionVersion, error)
	ListVersions(ctx context.Context, processKey string) ([]*models.WorkflowDefinitionVersion, error)
	ListDefinitions(ctx context.Context) ([]*DefinitionSummary, error)
}

type workflowRepository struct{}

// NewWorkflowRepository creates a new WorkflowRepository.
func NewWorkflowRepository() WorkflowRepository {
	return &workflowRepository{}
}

var _ WorkflowRepository = (*workflowRepository)(nil)

func (r *workflowRepository) GetOrCreateDefinitionForUpdate(ctx context.Context, processKey, name string) (*models.WorkflowDefinition, error) {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	// Insert-then-lock: ON CONFLICT makes concurrent first uploads
	// converge on one row, and the FOR UPDATE below serializes them.
	if _, err := q.Exec(ctx, `
		INSERT INTO workflow_definitions (tenant_id, process_key, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (tenant_id, process_key) DO NOTHING`,
		tenantID, processKey, name, now); err != nil {
		return nil, fmt.Errorf("failed to create workflow definition: %w", err)
	}

	var def models.WorkflowDefinition
	err = q.QueryRow(ctx, `
		SELECT id, tenant_id, process_key, name, created_at, updated_at
		FROM workflow_definitions
		WHERE tenant_id = $1 AND process_key = $2
		FOR UPDATE`, tenantID, processKey,
	).Scan(&def.ID, &def.TenantID, &def.ProcessKey, &def.Name, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to lock workflow definition: %w", err)
	}
	if name != "" && def.Name != name {
		if _, err := q.Exec(ctx, `
			UPDATE workflow_definitions SET name = $2, updated_at = $3 WHERE id = $1`,
			def.ID, name, now); err != nil {
			return nil, fmt.Errorf("failed to update workflow definition name: %w", err)
		}
		def.Name = name
	}
	return &def, nil
}

func (r *workflowRepository) CreateVersion(ctx context.Context, version *models.WorkflowDefinitionVersion) (*models.WorkflowDefinitionVersion, error) {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return nil, err
	}

	formRefs, err := jsonbSlice(version.FormSchemaRefs)
	if err != nil {
		return nil, err
	}
	placeholders, err := jsonbSlice(version.CatalogBindingPlaceholders)
	if err != nil {
		return nil, err
	}

	err = q.QueryRow(ctx, `
		INSERT INTO workflow_definition_versions (
			tenant_id, definition_id, version, bpmn_xml,
			form_schema_refs, catalog_binding_placeholders, created_at
		)
		SELECT $1, $2,
		       COALESCE(MAX(version), 0) + 1,
		       $3, $4, $5, $6
		FROM workflow_definition_versions
		WHERE definition_id = $2
		RETURNING id, version, created_at`,
		tenantID, version.DefinitionID, version.BpmnXML, formRefs, placeholders, time.Now(),
	).Scan(&version.ID, &version.Version, &version.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create definition version: %w", err)
	}
	version.TenantID = tenantID
	return version, nil
}

func (r *workflowRepository) GetDefinition(ctx context.Context, processKey string) (*models.WorkflowDefinition, error) {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return nil, err
	}

	var def models.WorkflowDefinition
	err = q.QueryRow(ctx, `
		SELECT id, tenant_id, process_key, name, created_at, updated_at
		FROM workflow_definitions
		WHERE tenant_id = $1 AND process_key = $2`, tenantID, processKey,
	).Scan(&def.ID, &def.TenantID, &def.ProcessKey, &def.Name, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get workflow definition: %w", err)
	}
	return &def, nil
}

const versionColumns = `
	v.id, v.tenant_id, v.definition_id, d.process_key, v.version,
	v.bpmn_xml, v.form_schema_refs, v.catalog_binding_placeholders, v.created_at`

func (r *workflowRepository) GetVersion(ctx context.Context, processKey string, versionNumber int) (*models.WorkflowDefinitionVersion, error) {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return nil, err
	}

	row := q.QueryRow(ctx, `
		SELECT `+versionColumns+`
		FROM workflow_definition_versions v
		JOIN workflow_definitions d ON d.id = v.definition_id
		WHERE v.tenant_id = $1 AND d.process_key = $2 AND v.version = $3`,
		tenantID, processKey, versionNumber)
	return scanVersion(row)
}

func (r *workflowRepository) GetVersionByID(ctx context.Context, id uuid.UUID) (*models.WorkflowDefinitionVersion, error) {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return nil, err
	}

	row := q.QueryRow(ctx, `
		SELECT `+versionColumns+`
		FROM workflow_definition_versions v
		JOIN workflow_definitions d ON d.id = v.definition_id
		WHERE v.tenant_id = $1 AND v.id = $2`, tenantID, id)
	return scanVersion(row)
}

func scanVersion(row pgx.Row) (*models.WorkflowDefinitionVersion, error) {
	var v models.WorkflowDefinitionVersion
	var formRefs, placeholders []byte
	err := row.Scan(&v.ID, &v.TenantID, &v.DefinitionID, &v.ProcessKey, &v.Version,
		&v.BpmnXML, &formRefs, &placeholders, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get definition version: %w", err)
	}
	if err := json.Unmarshal(formRefs, &v.FormSchemaRefs); err != nil {
		return nil, fmt.Errorf("failed to decode form schema refs: %w", err)
	}
	if err := json.Unmarshal(placeholders, &v.CatalogBindingPlaceholders); err != nil {
		return nil, fmt.Errorf("failed to decode catalog binding placeholders: %w", err)
	}
	return &v, nil
}

func (r *workflowRepository) ListVersions(ctx context.Context, processKey string) ([]*models.WorkflowDefinitionVersion, error) {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT `+versionColumns+`
		FROM workflow_definition_versions v
		JOIN workflow_definitions d ON d.id = v.definition_id
		WHERE v.tenant_id = $1 AND d.process_key = $2
		ORDER BY v.version`, tenantID, processKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list definition versions: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkflowDefinitionVersion
	for rows.Next() {
		version, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, version)
	}
	return out, rows.Err()
}

func (r *workflowRepository) ListDefinitions(ctx context.Context) ([]*DefinitionSummary, error) {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT d.id, d.tenant_id, d.process_key, d.name, d.created_at, d.updated_at,
		       COALESCE(MAX(v.version), 0), COUNT(v.id)
		FROM workflow_definitions d
		LEFT JOIN workflow_definition_versions v ON v.definition_id = d.id
		WHERE d.tenant_id = $1
		GROUP BY d.id
		ORDER BY d.process_key`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow definitions: %w", err)
	}
	defer rows.Close()

	var out []*DefinitionSummary
	for rows.Next() {
		var def models.WorkflowDefinition
		var summary DefinitionSummary
		if err := rows.Scan(&def.ID, &def.TenantID, &def.ProcessKey, &def.Name,
			&def.CreatedAt, &def.UpdatedAt, &summary.LatestVersion, &summary.VersionCount); err != nil {
			return nil, fmt.Errorf("failed to scan workflow definition: %w", err)
		}
		summary.Definition = &def
		out = append(out, &summary)
	}
	return out, rows.Err()
}
