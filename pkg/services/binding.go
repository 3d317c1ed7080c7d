package services

import (
	"context"
	"errors"
	"strings"

	"github.com/procflow-io/procflow/pkg/apperrors"
	"github.com/procflow-io/procflow/pkg/bpmn"
	"github.com/procflow-io/procflow/pkg/models"
	"github.com/procflow-io/procflow/pkg/repositories"
)

// Lowercased attribute-name variants accepted when extracting a catalog
// binding from a placeholder.
var (
	catalogEntryKeyVariants = []string{
		"catalog_entry_id", "catalogentryid", "catalog_id", "catalogid",
		"capability_id", "capabilityid",
	}
	catalogTaskKeyVariants = []string{
		"service_task_id", "servicetaskid", "task_id", "taskid",
		"service_task", "servicetask",
	}
)

// placeholderBinding extracts the (entry, task) external-id pair from a
// placeholder's attributes, if both are present.
func placeholderBinding(p *bpmn.CatalogBindingPlaceholder) (entryExternalID, taskExternalID string) {
	lowered := make(map[string]string, len(p.Placeholders))
	for k, v := range p.Placeholders {
		lowered[strings.ToLower(k)] = v
	}
	for _, key := range catalogEntryKeyVariants {
		if v := lowered[key]; v != "" {
			entryExternalID = v
			break
		}
	}
	for _, key := range catalogTaskKeyVariants {
		if v := lowered[key]; v != "" {
			taskExternalID = v
			break
		}
	}
	return entryExternalID, taskExternalID
}

// autoBind resolves a catalog task for a service task from the
// definition version's placeholders, matching by element id first, then
// element name. Returns nil without error when nothing matches.
func autoBind(ctx context.Context, catalog repositories.CatalogRepository,
	version *models.WorkflowDefinitionVersion, elementID, elementName string) (*models.CatalogServiceTask, error) {

	var match *bpmn.CatalogBindingPlaceholder
	for i := range version.CatalogBindingPlaceholders {
		p := &version.CatalogBindingPlaceholders[i]
		if p.ElementID != "" && p.ElementID == elementID {
			match = p
			break
		}
		if match == nil && p.ElementName != "" && p.ElementName == elementName {
			match = p
		}
	}
	if match == nil {
		return nil, nil
	}
	entryExternalID, taskExternalID := placeholderBinding(match)
	if entryExternalID == "" || taskExternalID == "" {
		return nil, nil
	}
	task, err := catalog.GetTaskByExternalIDs(ctx, entryExternalID, taskExternalID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return task, nil
}
