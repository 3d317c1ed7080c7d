package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditEventType enumerates the domain events written to the audit log.
const (
	AuditDefinitionUpload    = "definition_upload"
	AuditInstanceStart       = "instance_start"
	AuditUserTaskComplete    = "user_task_complete"
	AuditServiceTaskStart    = "service_task_start"
	AuditServiceTaskCallback = "service_task_callback"
)

// AuditEvent is one append-only entry in the tenant's audit trail.
// Events are written once per domain event and never mutated.
type AuditEvent struct {
	ID                  uuid.UUID      `json:"id"`
	TenantID            uuid.UUID      `json:"-"`
	EventType           string         `json:"event_type"`
	ActorIdentity       string         `json:"actor_identity"`
	CorrelationID       string         `json:"correlation_id"`
	BusinessKey         string         `json:"business_key"`
	WorkflowInstanceID  *uuid.UUID     `json:"workflow_instance_id"`
	DefinitionVersionID *uuid.UUID     `json:"definition_version_id"`
	Payload             map[string]any `json:"payload"`
	CreatedAt           time.Time      `json:"created_at"`
}
