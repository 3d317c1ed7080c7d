package models

import (
	"time"

	"github.com/google/uuid"
)

// UserTaskStatus is the lifecycle of a materialized human waiting point.
type UserTaskStatus string

const (
	UserTaskStatusPending   UserTaskStatus = "pending"
	UserTaskStatusCompleted UserTaskStatus = "completed"
)

// UserTask is the persisted materialization of an engine user task.
// task_id is the engine task instance id, unique per instance.
type UserTask struct {
	ID                 uuid.UUID      `json:"id"`
	TenantID           uuid.UUID      `json:"-"`
	WorkflowInstanceID uuid.UUID      `json:"workflow_instance_id"`
	TaskID             string         `json:"task_id"`
	Name               string         `json:"name"`
	TaskType           string         `json:"task_type"`
	Status             UserTaskStatus `json:"status"`
	ActorIdentity      string         `json:"actor_identity"`
	Action             string         `json:"action"`
	ActionData         map[string]any `json:"action_data"`
	CompletedAt        *time.Time     `json:"completed_at"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`

	// Denormalized instance fields, populated by joined queries.
	WorkflowInstanceStatus WorkflowInstanceStatus `json:"workflow_instance_status"`
	ProcessKey             string                 `json:"process_key"`
	WorkflowVersion        int                    `json:"workflow_version"`
}

// ServiceTaskStatus is the dispatch state machine:
//
//	pending → in_progress → {waiting, completed, failed}
//	failed → in_progress (retry)
//
// Only pending or failed tasks may be started.
type ServiceTaskStatus string

const (
	ServiceTaskStatusPending    ServiceTaskStatus = "pending"
	ServiceTaskStatusInProgress ServiceTaskStatus = "in_progress"
	ServiceTaskStatusWaiting    ServiceTaskStatus = "waiting"
	ServiceTaskStatusCompleted  ServiceTaskStatus = "completed"
	ServiceTaskStatusFailed     ServiceTaskStatus = "failed"
)

// ServiceTaskExecutionMode selects sync (response resumes the engine)
// or async (a signed callback resumes the engine later).
type ServiceTaskExecutionMode string

const (
	ExecutionModeSync  ServiceTaskExecutionMode = "sync"
	ExecutionModeAsync ServiceTaskExecutionMode = "async"
)

// ServiceTask is the persisted materialization of an engine service
// task. task_id is unique per instance.
type ServiceTask struct {
	ID                   uuid.UUID                `json:"id"`
	TenantID             uuid.UUID                `json:"-"`
	WorkflowInstanceID   uuid.UUID                `json:"workflow_instance_id"`
	TaskID               string                   `json:"task_id"`
	Name                 string                   `json:"name"`
	TaskType             string                   `json:"task_type"`
	ElementID            string                   `json:"element_id"`
	ElementName          string                   `json:"element_name"`
	Status               ServiceTaskStatus        `json:"status"`
	ExecutionMode        ServiceTaskExecutionMode `json:"execution_mode"`
	CatalogServiceTaskID *uuid.UUID               `json:"-"`
	RequestPayload       map[string]any           `json:"request_payload"`
	ResponsePayload      map[string]any           `json:"response_payload"`
	LastError            string                   `json:"last_error"`
	StartedAt            *time.Time               `json:"started_at"`
	CompletedAt          *time.Time               `json:"completed_at"`
	CreatedAt            time.Time                `json:"created_at"`
	UpdatedAt            time.Time                `json:"updated_at"`

	// Denormalized fields, populated by joined queries.
	WorkflowInstanceStatus WorkflowInstanceStatus `json:"workflow_instance_status"`
	ProcessKey             string                 `json:"process_key"`
	WorkflowVersion        int                    `json:"workflow_version"`
	CatalogEntryExternalID string                 `json:"catalog_entry_id"`
	CatalogTaskExternalID  string                 `json:"catalog_service_task_id"`
}

// IdempotencyRecord is an append-only replay record keyed by
// (tenant, idempotency_key). response_payload holds canonical JSON so
// a replay is byte-identical to the first response.
type IdempotencyRecord struct {
	ID             uuid.UUID `json:"-"`
	TenantID       uuid.UUID `json:"-"`
	TaskID         uuid.UUID `json:"-"` // user task or service task row id
	IdempotencyKey string    `json:"-"`
	RequestHash    string    `json:"-"`
	ResponseBody   []byte    `json:"-"`
	CreatedAt      time.Time `json:"-"`
}
