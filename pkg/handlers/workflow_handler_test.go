package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/procflow-io/procflow/pkg/apperrors"
	"github.com/procflow-io/procflow/pkg/bpmn"
	"github.com/procflow-io/procflow/pkg/engine"
	"github.com/procflow-io/procflow/pkg/models"
	"github.com/procflow-io/procflow/pkg/repositories"
	"github.com/procflow-io/procflow/pkg/services"
)

type fakeWorkflowService struct {
	uploadResult *models.WorkflowDefinitionVersion
	uploadErr    error
	lastXML      string
	getResult    *models.WorkflowDefinitionVersion
	getErr       error
	detailResult *services.DefinitionDetail
	detailErr    error
	listResult   []*repositories.DefinitionSummary
}

func (f *fakeWorkflowService) UploadDefinition(ctx context.Context, bpmnXML string) (*models.WorkflowDefinitionVersion, error) {
	f.lastXML = bpmnXML
	return f.uploadResult, f.uploadErr
}

func (f *fakeWorkflowService) GetDefinition(ctx context.Context, processKey string) (*services.DefinitionDetail, error) {
	return f.detailResult, f.detailErr
}

func (f *fakeWorkflowService) GetVersion(ctx context.Context, processKey string, version int) (*models.WorkflowDefinitionVersion, error) {
	return f.getResult, f.getErr
}

func (f *fakeWorkflowService) ListDefinitions(ctx context.Context) ([]*repositories.DefinitionSummary, error) {
	return f.listResult, nil
}

type fakeInstanceService struct {
	startResult *services.InstanceDetail
	startErr    error
	lastKey     string
	lastVersion int
	getResult   *services.InstanceDetail
	getErr      error
	listResult  []*models.WorkflowInstance
}

func (f *fakeInstanceService) StartInstance(ctx context.Context, processKey string, version int, correlationID, businessKey string) (*services.InstanceDetail, error) {
	f.lastKey = processKey
	f.lastVersion = version
	return f.startResult, f.startErr
}

func (f *fakeInstanceService) GetInstance(ctx context.Context, id uuid.UUID) (*services.InstanceDetail, error) {
	return f.getResult, f.getErr
}

func (f *fakeInstanceService) ListInstances(ctx context.Context, filter repositories.InstanceFilter) ([]*models.WorkflowInstance, error) {
	return f.listResult, nil
}

func (f *fakeInstanceService) MaterializeWaitingTasks(ctx context.Context, instance *models.WorkflowInstance, version *models.WorkflowDefinitionVersion, result *engine.RunResult) ([]*models.UserTask, error) {
	return nil, nil
}

func (f *fakeInstanceService) NotifyUserTasks(ctx context.Context, tasks []*models.UserTask) {}

func multipartUpload(t *testing.T, field, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, "process.bpmn")
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestWorkflowUpload(t *testing.T) {
	fake := &fakeWorkflowService{
		uploadResult: &models.WorkflowDefinitionVersion{
			ProcessKey: "approval",
			Version:    3,
			BpmnXML:    "<xml/>",
		},
	}
	h := NewWorkflowHandler(fake, &fakeInstanceService{}, zap.NewNop())

	body, contentType := multipartUpload(t, "bpmn", "<definitions/>")
	r := httptest.NewRequest(http.MethodPost, "/workflows", body)
	r.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	h.Upload(w, r)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "<definitions/>", fake.lastXML)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "approval", resp["process_key"])
	assert.Equal(t, float64(3), resp["version"])
	// Summary strips the XML from the response.
	assert.NotContains(t, resp, "bpmn_xml")
}

func TestWorkflowUploadMissingFile(t *testing.T) {
	h := NewWorkflowHandler(&fakeWorkflowService{}, &fakeInstanceService{}, zap.NewNop())

	body, contentType := multipartUpload(t, "other_field", "<definitions/>")
	r := httptest.NewRequest(http.MethodPost, "/workflows", body)
	r.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	h.Upload(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWorkflowUploadValidationFailure(t *testing.T) {
	fake := &fakeWorkflowService{
		uploadErr: &services.ValidationFailure{Errors: []bpmn.ValidationError{
			{Path: "definitions.process[0]", Code: "unsupported_bpmn_element", Message: "Boundary events are not supported."},
		}},
	}
	h := NewWorkflowHandler(fake, &fakeInstanceService{}, zap.NewNop())

	body, contentType := multipartUpload(t, "bpmn", "<definitions/>")
	r := httptest.NewRequest(http.MethodPost, "/workflows", body)
	r.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	h.Upload(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_bpmn", resp["code"])
	errs, ok := resp["errors"].([]any)
	require.True(t, ok)
	require.Len(t, errs, 1)
}

func TestStartInstance(t *testing.T) {
	fake := &fakeInstanceService{
		startResult: &services.InstanceDetail{
			Instance: &models.WorkflowInstance{Status: models.InstanceStatusWaiting},
		},
	}
	h := NewWorkflowHandler(&fakeWorkflowService{}, fake, zap.NewNop())

	r := httptest.NewRequest(http.MethodPost, "/workflows/approval/versions/2/instances",
		bytes.NewBufferString(`{"correlation_id":"corr-1","business_key":"biz-1"}`))
	r.SetPathValue("key", "approval")
	r.SetPathValue("version", "2")
	w := httptest.NewRecorder()
	h.StartInstance(w, r)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "approval", fake.lastKey)
	assert.Equal(t, 2, fake.lastVersion)
}

func TestStartInstanceWithoutBody(t *testing.T) {
	fake := &fakeInstanceService{
		startResult: &services.InstanceDetail{Instance: &models.WorkflowInstance{}},
	}
	h := NewWorkflowHandler(&fakeWorkflowService{}, fake, zap.NewNop())

	r := httptest.NewRequest(http.MethodPost, "/workflows/approval/versions/1/instances", nil)
	r.SetPathValue("key", "approval")
	r.SetPathValue("version", "1")
	w := httptest.NewRecorder()
	h.StartInstance(w, r)

	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestStartInstanceInvalidVersion(t *testing.T) {
	h := NewWorkflowHandler(&fakeWorkflowService{}, &fakeInstanceService{}, zap.NewNop())

	r := httptest.NewRequest(http.MethodPost, "/workflows/approval/versions/zero/instances", nil)
	r.SetPathValue("key", "approval")
	r.SetPathValue("version", "zero")
	w := httptest.NewRecorder()
	h.StartInstance(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetDefinitionDetail(t *testing.T) {
	fake := &fakeWorkflowService{
		detailResult: &services.DefinitionDetail{
			Definition: &models.WorkflowDefinition{ProcessKey: "approval", Name: "Approval"},
			Versions: []*models.WorkflowDefinitionVersion{
				{ProcessKey: "approval", Version: 1},
				{ProcessKey: "approval", Version: 2},
			},
		},
	}
	h := NewWorkflowHandler(fake, &fakeInstanceService{}, zap.NewNop())

	r := httptest.NewRequest(http.MethodGet, "/workflows/approval", nil)
	r.SetPathValue("key", "approval")
	w := httptest.NewRecorder()
	h.GetDefinition(w, r)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	def, ok := resp["definition"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "approval", def["process_key"])
	versions, ok := resp["versions"].([]any)
	require.True(t, ok)
	assert.Len(t, versions, 2)
}

func TestGetDefinitionNotFound(t *testing.T) {
	fake := &fakeWorkflowService{detailErr: apperrors.ErrNotFound}
	h := NewWorkflowHandler(fake, &fakeInstanceService{}, zap.NewNop())

	r := httptest.NewRequest(http.MethodGet, "/workflows/missing", nil)
	r.SetPathValue("key", "missing")
	w := httptest.NewRecorder()
	h.GetDefinition(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetVersionNotFound(t *testing.T) {
	fake := &fakeWorkflowService{getErr: apperrors.ErrNotFound}
	h := NewWorkflowHandler(fake, &fakeInstanceService{}, zap.NewNop())

	r := httptest.NewRequest(http.MethodGet, "/workflows/approval/versions/9", nil)
	r.SetPathValue("key", "approval")
	r.SetPathValue("version", "9")
	w := httptest.NewRecorder()
	h.GetVersion(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
