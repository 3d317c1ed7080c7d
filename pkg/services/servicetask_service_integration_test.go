package services_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/procflow-io/procflow/pkg/apperrors"
	"github.com/procflow-io/procflow/pkg/config"
	"github.com/procflow-io/procflow/pkg/database"
	"github.com/procflow-io/procflow/pkg/models"
	"github.com/procflow-io/procflow/pkg/repositories"
	"github.com/procflow-io/procflow/pkg/services"
	"github.com/procflow-io/procflow/pkg/testhelpers"
)

const dispatchBpmnXML = `<?xml version="1.0"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <bpmn:process id="fulfillment" name="Fulfillment">
    <bpmn:startEvent id="start"/>
    <bpmn:serviceTask id="charge_card" name="Charge Card"/>
    <bpmn:endEvent id="end"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="charge_card"/>
    <bpmn:sequenceFlow id="f2" sourceRef="charge_card" targetRef="end"/>
  </bpmn:process>
</bpmn:definitions>`

const dispatchBaseURL = "https://flow.example.com"

func newDispatchStack() (services.ServiceTaskService, services.InstanceService) {
	logger := zap.NewNop()
	workflowRepo := repositories.NewWorkflowRepository()
	instanceRepo := repositories.NewInstanceRepository()
	serviceTaskRepo := repositories.NewServiceTaskRepository()
	catalogRepo := repositories.NewCatalogRepository()
	audit := services.NewAuditService(repositories.NewAuditRepository(), logger)
	orchestrator := services.NewInstanceService(workflowRepo, instanceRepo,
		repositories.NewUserTaskRepository(), serviceTaskRepo, catalogRepo,
		audit, services.NewNotificationService(logger), logger)

	cfg := &config.Config{
		BaseURL: dispatchBaseURL,
		Dispatch: config.DispatchConfig{
			TimeoutSeconds:         5,
			BreakerMaxFailures:     5,
			BreakerCooldownSeconds: 30,
		},
	}
	svc := services.NewServiceTaskService(serviceTaskRepo, instanceRepo,
		workflowRepo, catalogRepo, repositories.NewServiceTaskIdempotencyRepository(),
		orchestrator, audit, cfg, logger)
	return svc, orchestrator
}

// seedDispatchTask uploads a one-service-task workflow, seeds a catalog
// endpoint pointing at upstreamURL and starts an instance, returning
// the materialized pending service task.
func seedDispatchTask(t *testing.T, ctx context.Context, orchestrator services.InstanceService, upstreamURL string) *models.ServiceTask {
	t.Helper()

	workflowRepo := repositories.NewWorkflowRepository()
	err := database.RunInTx(ctx, func(ctx context.Context) error {
		def, err := workflowRepo.GetOrCreateDefinitionForUpdate(ctx, "fulfillment", "Fulfillment")
		if err != nil {
			return err
		}
		_, err = workflowRepo.CreateVersion(ctx, &models.WorkflowDefinitionVersion{
			DefinitionID: def.ID,
			BpmnXML:      dispatchBpmnXML,
		})
		return err
	})
	require.NoError(t, err)

	require.NoError(t, repositories.NewCatalogRepository().ReplaceAll(ctx, []*models.CapabilityCatalogEntry{{
		ExternalID: "billing",
		Name:       "Billing",
		ServiceTasks: []*models.CatalogServiceTask{
			{ExternalID: "charge", Name: "Charge", URL: upstreamURL},
		},
	}}))

	detail, err := orchestrator.StartInstance(ctx, "fulfillment", 1, "corr-9", "biz-9")
	require.NoError(t, err)
	require.Equal(t, models.InstanceStatusWaiting, detail.Instance.Status)
	require.Len(t, detail.ActiveServiceTasks, 1)
	return detail.ActiveServiceTasks[0]
}

func TestServiceTaskSyncDispatchCompletesInstance(t *testing.T) {
	testDB := testhelpers.GetTestDB(t)
	tenant := testhelpers.CreateTenant(t, testDB.DB)
	ctx := testhelpers.ScopedContext(t, testDB.DB, tenant)

	var envelope map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&envelope))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"charged": true}`))
	}))
	defer upstream.Close()

	svc, orchestrator := newDispatchStack()
	task := seedDispatchTask(t, ctx, orchestrator, upstream.URL)

	result, err := svc.Start(ctx, task.ID, &services.StartServiceTaskRequest{
		CatalogEntryID: "billing",
		ServiceTaskID:  "charge",
		Payload:        map[string]any{"amount": 42},
	})
	require.NoError(t, err)
	assert.False(t, result.UpstreamFailed)
	assert.Equal(t, models.ServiceTaskStatusCompleted, result.Task.Status)
	assert.Equal(t, map[string]any{"charged": true}, result.Task.ResponsePayload)
	assert.Equal(t, models.InstanceStatusCompleted, result.Task.WorkflowInstanceStatus)

	payload, ok := envelope["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(42), payload["amount"])
	envCtx, ok := envelope["context"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "sync", envCtx["execution_mode"])
	assert.Equal(t, "corr-9", envCtx["correlation_id"])
	assert.NotContains(t, envCtx, "callback_url")

	instance, err := repositories.NewInstanceRepository().GetByID(ctx, task.WorkflowInstanceID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, instance.Status)
}

func TestServiceTaskDispatchUpstreamErrorFailsInstance(t *testing.T) {
	testDB := testhelpers.GetTestDB(t)
	tenant := testhelpers.CreateTenant(t, testDB.DB)
	ctx := testhelpers.ScopedContext(t, testDB.DB, tenant)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	}))
	defer upstream.Close()

	svc, orchestrator := newDispatchStack()
	task := seedDispatchTask(t, ctx, orchestrator, upstream.URL)

	result, err := svc.Start(ctx, task.ID, &services.StartServiceTaskRequest{
		CatalogEntryID: "billing",
		ServiceTaskID:  "charge",
	})
	require.NoError(t, err)
	assert.True(t, result.UpstreamFailed)
	assert.Equal(t, models.ServiceTaskStatusFailed, result.Task.Status)
	assert.Equal(t, "service_task_http_error", result.Task.LastError)

	instance, err := repositories.NewInstanceRepository().GetByID(ctx, task.WorkflowInstanceID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusFailed, instance.Status)
	assert.Equal(t, "service_task_http_error", instance.ErrorMessage)
}

func TestServiceTaskAsyncCallbackSettlesWithReplay(t *testing.T) {
	testDB := testhelpers.GetTestDB(t)
	tenant := testhelpers.CreateTenant(t, testDB.DB)
	ctx := testhelpers.ScopedContext(t, testDB.DB, tenant)

	var envelope map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&envelope))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"accepted": true}`))
	}))
	defer upstream.Close()

	svc, orchestrator := newDispatchStack()
	task := seedDispatchTask(t, ctx, orchestrator, upstream.URL)

	result, err := svc.Start(ctx, task.ID, &services.StartServiceTaskRequest{
		CatalogEntryID: "billing",
		ServiceTaskID:  "charge",
		ExecutionMode:  "async",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ServiceTaskStatusWaiting, result.Task.Status)

	envCtx, ok := envelope["context"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, dispatchBaseURL+"/service-tasks/"+task.ID.String()+"/callback", envCtx["callback_url"])

	instance, err := repositories.NewInstanceRepository().GetByID(ctx, task.WorkflowInstanceID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusWaiting, instance.Status)

	body := []byte(`{"status":"completed","data":{"charged":true}}`)
	timestamp := time.Now().UTC().Format(time.RFC3339)
	first, err := svc.Callback(ctx, task.ID, body, timestamp, "cb-1")
	require.NoError(t, err)

	settled, err := repositories.NewServiceTaskRepository().GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ServiceTaskStatusCompleted, settled.Status)
	assert.Equal(t, map[string]any{"charged": true}, settled.ResponsePayload)

	instance, err = repositories.NewInstanceRepository().GetByID(ctx, task.WorkflowInstanceID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, instance.Status)

	// The identical callback replays the stored bytes verbatim.
	replay, err := svc.Callback(ctx, task.ID, body, timestamp, "cb-1")
	require.NoError(t, err)
	assert.Equal(t, first, replay)

	// Same key, different body.
	_, err = svc.Callback(ctx, task.ID, []byte(`{"status":"completed","data":{"charged":false}}`), timestamp, "cb-1")
	assert.ErrorIs(t, err, apperrors.ErrIdempotencyConflict)
}

func TestServiceTaskCallbackFailureFailsInstance(t *testing.T) {
	testDB := testhelpers.GetTestDB(t)
	tenant := testhelpers.CreateTenant(t, testDB.DB)
	ctx := testhelpers.ScopedContext(t, testDB.DB, tenant)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"accepted": true}`))
	}))
	defer upstream.Close()

	svc, orchestrator := newDispatchStack()
	task := seedDispatchTask(t, ctx, orchestrator, upstream.URL)

	_, err := svc.Start(ctx, task.ID, &services.StartServiceTaskRequest{
		CatalogEntryID: "billing",
		ServiceTaskID:  "charge",
		ExecutionMode:  "async",
	})
	require.NoError(t, err)

	body := []byte(`{"status":"failed","error":"downstream exploded"}`)
	responseBody, err := svc.Callback(ctx, task.ID, body, time.Now().UTC().Format(time.RFC3339), "")
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(responseBody, &resp))
	assert.Equal(t, "failed", resp["status"])

	settled, err := repositories.NewServiceTaskRepository().GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ServiceTaskStatusFailed, settled.Status)
	assert.Equal(t, "downstream exploded", settled.LastError)

	instance, err := repositories.NewInstanceRepository().GetByID(ctx, task.WorkflowInstanceID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusFailed, instance.Status)
	assert.Equal(t, "downstream exploded", instance.ErrorMessage)
}
