package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/procflow-io/procflow/pkg/bpmn"
)

// WorkflowDefinition is the logical identity of a process.
// (tenant, process_key) is unique; uploads for the same process key
// append versions under the same definition.
type WorkflowDefinition struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"-"`
	ProcessKey string    `json:"process_key"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// WorkflowDefinitionVersion is an immutable snapshot of uploaded BPMN.
// version is a dense sequence 1, 2, 3, ... per definition, assigned
// under lock on the definition row.
type WorkflowDefinitionVersion struct {
	ID                         uuid.UUID                        `json:"-"`
	TenantID                   uuid.UUID                        `json:"-"`
	DefinitionID               uuid.UUID                        `json:"-"`
	ProcessKey                 string                           `json:"process_key"`
	Version                    int                              `json:"version"`
	BpmnXML                    string                           `json:"bpmn_xml,omitempty"`
	FormSchemaRefs             []bpmn.FormSchemaRef             `json:"form_schema_refs"`
	CatalogBindingPlaceholders []bpmn.CatalogBindingPlaceholder `json:"catalog_binding_placeholders"`
	CreatedAt                  time.Time                        `json:"created_at"`
}

// Summary returns the version with the XML omitted, the shape used by
// upload responses and definition listings.
func (v *WorkflowDefinitionVersion) Summary() *WorkflowDefinitionVersion {
	out := *v
	out.BpmnXML = ""
	return &out
}
