package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/procflow-io/procflow/pkg/models"
)

// AuditFilter narrows audit listings.
type AuditFilter struct {
	EventType          string
	CorrelationID      string
	BusinessKey        string
	WorkflowInstanceID uuid.UUID
	Limit              int
}

// AuditRepository appends and reads the tenant audit trail.
type AuditRepository interface {
	Insert(ctx context.Context, event *models.AuditEvent) error
	List(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error)
}

type auditRepository struct{}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository() AuditRepository {
	return &auditRepository{}
}

var _ AuditRepository = (*auditRepository)(nil)

func (r *auditRepository) Insert(ctx context.Context, event *models.AuditEvent) error {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return err
	}

	err = q.QueryRow(ctx, `
		INSERT INTO audit_events (
			tenant_id, event_type, actor_identity, correlation_id,
			business_key, workflow_instance_id, definition_version_id,
			payload, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`,
		tenantID, event.EventType, event.ActorIdentity, event.CorrelationID,
		event.BusinessKey, event.WorkflowInstanceID, event.DefinitionVersionID,
		jsonbMap(event.Payload), time.Now(),
	).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	event.TenantID = tenantID
	return nil
}

func (r *auditRepository) List(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error) {
	q, tenantID, err := tenantQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, event_type, actor_identity, correlation_id,
		       business_key, workflow_instance_id, definition_version_id,
		       payload, created_at
		FROM audit_events
		WHERE tenant_id = $1`
	args := []any{tenantID}
	if filter.EventType != "" {
		args = append(args, filter.EventType)
		query += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	if filter.CorrelationID != "" {
		args = append(args, filter.CorrelationID)
		query += fmt.Sprintf(" AND correlation_id = $%d", len(args))
	}
	if filter.BusinessKey != "" {
		args = append(args, filter.BusinessKey)
		query += fmt.Sprintf(" AND business_key = $%d", len(args))
	}
	if filter.WorkflowInstanceID != uuid.Nil {
		args = append(args, filter.WorkflowInstanceID)
		query += fmt.Sprintf(" AND workflow_instance_id = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var out []*models.AuditEvent
	for rows.Next() {
		var event models.AuditEvent
		var payload []byte
		if err := rows.Scan(&event.ID, &event.TenantID, &event.EventType,
			&event.ActorIdentity, &event.CorrelationID, &event.BusinessKey,
			&event.WorkflowInstanceID, &event.DefinitionVersionID,
			&payload, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if err := unmarshalMap(payload, &event.Payload); err != nil {
			return nil, err
		}
		out = append(out, &event)
	}
	return out, rows.Err()
}
