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

// ServiceTaskFilter narrows service-task listings.
type ServiceTaskFilter struct {
	Status     models.ServiceTaskStatus
	InstanceID uuid.UUID
}

// ServiceTaskRepository stores materialized automated waiting points.
type ServiceTaskRepository interface {
	Create(ctx context.Context, task *models.ServiceTask) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ServiceTask, error)
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.ServiceTask, error)
	List(ctx context.Context, filter ServiceTaskFilter) ([]*models.ServiceTask, error)
	TaskIDsForInstance(ctx context.Context, instanceID uuid.UUID) (map[string]bool, error)
	Update(ctx context.Context, task *models.ServiceTask) error
}

type serviceTaskRepository struct{}

// NewServiceTaskRepository creates a new ServiceTaskRepository.
func NewServiceTaskRepository() ServiceTaskRepository {
	return &serviceTaskRepository{}
}

var _ ServiceTaskRepository = (*serviceTaskRepository)(nil)

func (r *serviceTaskRepository) Create(ctx context.Context, task *models.ServiceTask) error {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return err
	}

	err = q.QueryRow(ctx, `
		INSERT INTO service_tasks (
			tenant_id, workflow_instance_id, task_id, element_id, element_name,
			status, execution_mode, catalog_service_task_id,
			request_payload, response_payload, last_error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (tenant_id, workflow_instance_id, task_id) DO NOTHING
		RETURNING id, created_at, updated_at`,
		tenantID, task.WorkflowInstanceID, task.TaskID, task.ElementID,
		task.ElementName, task.Status, task.ExecutionMode, task.CatalogServiceTaskID,
		jsonbMap(task.RequestPayload), jsonbMap(task.ResponsePayload),
		task.LastError, time.Now(),
	).Scan(&task.ID, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Already materialized for this instance; idempotent no-op.
			return nil
		}
		return fmt.Errorf("failed to create service task: %w", err)
	}
	task.TenantID = tenantID
	return nil
}

const serviceTaskColumns = `
	t.id, t.tenant_id, t.workflow_instance_id, t.task_id, t.element_id,
	t.element_name, t.status, t.execution_mode, t.catalog_service_task_id,
	t.request_payload, t.response_payload, t.last_error, t.started_at,
	t.completed_at, t.created_at, t.updated_at,
	i.status, d.process_key, v.version,
	COALESCE(e.external_id, ''), COALESCE(c.external_id, '')`

const serviceTaskJoins = `
	FROM service_tasks t
	JOIN workflow_instances i ON i.id = t.workflow_instance_id
	JOIN workflow_definition_versions v ON v.id = i.definition_version_id
	JOIN workflow_definitions d ON d.id = v.definition_id
	LEFT JOIN catalog_service_tasks c ON c.id = t.catalog_service_task_id
	LEFT JOIN capability_catalog_entries e ON e.id = c.catalog_entry_id`

func (r *serviceTaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ServiceTask, error) {
	return r.get(ctx, id, "")
}

func (r *serviceTaskRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.ServiceTask, error) {
	return r.get(ctx, id, " FOR UPDATE OF t")
}

func (r *serviceTaskRepository) get(ctx context.Context, id uuid.UUID, lock string) (*models.ServiceTask, error) {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return nil, err
	}

	row := q.QueryRow(ctx,
		`SELECT `+serviceTaskColumns+serviceTaskJoins+`
		WHERE t.tenant_id = $1 AND t.id = $2`+lock, tenantID, id)
	return scanServiceTask(row)
}

func scanServiceTask(row pgx.Row) (*models.ServiceTask, error) {
	var task models.ServiceTask
	var request, response []byte
	err := row.Scan(&task.ID, &task.TenantID, &task.WorkflowInstanceID,
		&task.TaskID, &task.ElementID, &task.ElementName, &task.Status,
		&task.ExecutionMode, &task.CatalogServiceTaskID, &request, &response,
		&task.LastError, &task.StartedAt, &task.CompletedAt,
		&task.CreatedAt, &task.UpdatedAt, &task.WorkflowInstanceStatus,
		&task.ProcessKey, &task.WorkflowVersion,
		&task.CatalogEntryExternalID, &task.CatalogTaskExternalID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get service task: %w", err)
	}
	if err := unmarshalMap(request, &task.RequestPayload); err != nil {
		return nil, err
	}
	if err := unmarshalMap(response, &task.ResponsePayload); err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *serviceTaskRepository) List(ctx context.Context, filter ServiceTaskFilter) ([]*models.ServiceTask, error) {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + serviceTaskColumns + serviceTaskJoins + ` WHERE t.tenant_id = $1`
	args := []any{tenantID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND t.status = $%d", len(args))
	}
	if filter.InstanceID != uuid.Nil {
		args = append(args, filter.InstanceID)
		query += fmt.Sprintf(" AND t.workflow_instance_id = $%d", len(args))
	}
	query += " ORDER BY t.created_at"

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list service tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.ServiceTask
	for rows.Next() {
		task, err := scanServiceTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (r *serviceTaskRepository) TaskIDsForInstance(ctx context.Context, instanceID uuid.UUID) (map[string]bool, error) {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT task_id FROM service_tasks
		WHERE tenant_id = $1 AND workflow_instance_id = $2`, tenantID, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list service task ids: %w", err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var taskID string
		if err := rows.Scan(&taskID); err != nil {
			return nil, fmt.Errorf("failed to scan service task id: %w", err)
		}
		out[taskID] = true
	}
	return out, rows.Err()
}

func (r *serviceTaskRepository) Update(ctx context.Context, task *models.ServiceTask) error {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	tag, err := q.Exec(ctx, `
		UPDATE service_tasks
		SET status = $3, execution_mode = $4, catalog_service_task_id = $5,
		    request_payload = $6, response_payload = $7, last_error = $8,
		    started_at = $9, completed_at = $10, updated_at = $11
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, task.ID, task.Status, task.ExecutionMode,
		task.CatalogServiceTaskID, jsonbMap(task.RequestPayload),
		jsonbMap(task.ResponsePayload), task.LastError,
		task.StartedAt, task.CompletedAt, now)
	if err != nil {
		return fmt.Errorf("failed to update service task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	task.UpdatedAt = now
	return nil
}
