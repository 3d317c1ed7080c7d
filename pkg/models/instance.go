package models

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowInstanceStatus is the lifecycle state of an instance.
// completed and failed are terminal.
type WorkflowInstanceStatus string

const (
	InstanceStatusRunning   WorkflowInstanceStatus = "running"
	InstanceStatusWaiting   WorkflowInstanceStatus = "waiting"
	InstanceStatusCompleted WorkflowInstanceStatus = "completed"
	InstanceStatusFailed    WorkflowInstanceStatus = "failed"
)

// IsTerminal reports whether the status permits no further advancement.
func (s WorkflowInstanceStatus) IsTerminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusFailed
}

// WorkflowInstance is one run of a definition version. serialized_state
// is the engine's JSON state and is the single source of truth between
// runs; all mutations happen under a row lock on this row's children.
type WorkflowInstance struct {
	ID                  uuid.UUID              `json:"id"`
	TenantID            uuid.UUID              `json:"-"`
	DefinitionVersionID uuid.UUID              `json:"-"`
	ProcessKey          string                 `json:"process_key"`
	Version             int                    `json:"version"`
	Status              WorkflowInstanceStatus `json:"status"`
	CorrelationID       string                 `json:"correlation_id"`
	BusinessKey         string                 `json:"business_key"`
	SerializedState     map[string]any         `json:"-"`
	ErrorMessage        string                 `json:"error_message,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
}
