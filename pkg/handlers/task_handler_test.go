package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/procflow-io/procflow/pkg/apperrors"
	"github.com/procflow-io/procflow/pkg/models"
	"github.com/procflow-io/procflow/pkg/repositories"
	"github.com/procflow-io/procflow/pkg/services"
)

type fakeUserTaskService struct {
	listResult     []*models.UserTask
	listErr        error
	lastFilter     repositories.UserTaskFilter
	completeResult []byte
	completeErr    error
	lastTaskID     uuid.UUID
	lastRequest    *services.CompleteUserTaskRequest
	lastIdemKey    string
}

func (f *fakeUserTaskService) List(ctx context.Context, filter repositories.UserTaskFilter) ([]*models.UserTask, error) {
	f.lastFilter = filter
	return f.listResult, f.listErr
}

func (f *fakeUserTaskService) Complete(ctx context.Context, taskDBID uuid.UUID, req *services.CompleteUserTaskRequest, idempotencyKey string) ([]byte, error) {
	f.lastTaskID = taskDBID
	f.lastRequest = req
	f.lastIdemKey = idempotencyKey
	return f.completeResult, f.completeErr
}

func TestTaskListDefaultsToPending(t *testing.T) {
	fake := &fakeUserTaskService{listResult: []*models.UserTask{{TaskID: "approve"}}}
	h := NewTaskHandler(fake, zap.NewNop())

	r := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	w := httptest.NewRecorder()
	h.List(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.UserTaskStatusPending, fake.lastFilter.Status)

	var tasks []*models.UserTask
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "approve", tasks[0].TaskID)
}

func TestTaskListStatusAndInstanceFilters(t *testing.T) {
	fake := &fakeUserTaskService{}
	h := NewTaskHandler(fake, zap.NewNop())
	instanceID := uuid.New()

	r := httptest.NewRequest(http.MethodGet, "/tasks?status=completed&workflow_instance_id="+instanceID.String(), nil)
	w := httptest.NewRecorder()
	h.List(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.UserTaskStatusCompleted, fake.lastFilter.Status)
	assert.Equal(t, instanceID, fake.lastFilter.InstanceID)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestTaskListRejectsBadInstanceID(t *testing.T) {
	h := NewTaskHandler(&fakeUserTaskService{}, zap.NewNop())

	r := httptest.NewRequest(http.MethodGet, "/tasks?workflow_instance_id=nope", nil)
	w := httptest.NewRecorder()
	h.List(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInboxFiltersByActorAndStatus(t *testing.T) {
	fake := &fakeUserTaskService{}
	h := NewTaskHandler(fake, zap.NewNop())

	r := httptest.NewRequest(http.MethodGet, "/instances/tasks?actor=alice&status=completed", nil)
	w := httptest.NewRecorder()
	h.Inbox(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", fake.lastFilter.Actor)
	assert.Equal(t, models.UserTaskStatusCompleted, fake.lastFilter.Status)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestInboxAppliesNoDefaultStatus(t *testing.T) {
	fake := &fakeUserTaskService{listResult: []*models.UserTask{{TaskID: "approve"}}}
	h := NewTaskHandler(fake, zap.NewNop())

	r := httptest.NewRequest(http.MethodGet, "/instances/tasks", nil)
	w := httptest.NewRecorder()
	h.Inbox(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, fake.lastFilter.Status)
	assert.Empty(t, fake.lastFilter.Actor)
}

func TestTaskCompleteReturnsFrozenBody(t *testing.T) {
	frozen := []byte(`{"action":"approve","status":"completed"}`)
	fake := &fakeUserTaskService{completeResult: frozen}
	h := NewTaskHandler(fake, zap.NewNop())
	taskID := uuid.New()

	body := bytes.NewBufferString(`{"actor":"alice","action":"approve","payload":{"note":"ok"}}`)
	r := httptest.NewRequest(http.MethodPost, "/tasks/"+taskID.String()+"/complete", body)
	r.SetPathValue("id", taskID.String())
	r.Header.Set(IdempotencyKeyHeader, "idem-123")
	w := httptest.NewRecorder()
	h.Complete(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(frozen), w.Body.String())
	assert.Equal(t, taskID, fake.lastTaskID)
	assert.Equal(t, "idem-123", fake.lastIdemKey)
	require.NotNil(t, fake.lastRequest)
	assert.Equal(t, "alice", fake.lastRequest.Actor)
	assert.Equal(t, "approve", fake.lastRequest.Action)
	assert.Equal(t, map[string]any{"note": "ok"}, fake.lastRequest.Payload)
}

func TestTaskCompleteRequiresActorAndAction(t *testing.T) {
	h := NewTaskHandler(&fakeUserTaskService{}, zap.NewNop())
	taskID := uuid.New()

	r := httptest.NewRequest(http.MethodPost, "/tasks/"+taskID.String()+"/complete",
		bytes.NewBufferString(`{"payload":{}}`))
	r.SetPathValue("id", taskID.String())
	w := httptest.NewRecorder()
	h.Complete(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTaskCompleteInvalidID(t *testing.T) {
	h := NewTaskHandler(&fakeUserTaskService{}, zap.NewNop())

	r := httptest.NewRequest(http.MethodPost, "/tasks/not-a-uuid/complete",
		bytes.NewBufferString(`{"actor":"a","action":"b"}`))
	r.SetPathValue("id", "not-a-uuid")
	w := httptest.NewRecorder()
	h.Complete(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTaskCompleteIdempotencyConflict(t *testing.T) {
	fake := &fakeUserTaskService{completeErr: apperrors.ErrIdempotencyConflict}
	h := NewTaskHandler(fake, zap.NewNop())
	taskID := uuid.New()

	r := httptest.NewRequest(http.MethodPost, "/tasks/"+taskID.String()+"/complete",
		bytes.NewBufferString(`{"actor":"alice","action":"approve"}`))
	r.SetPathValue("id", taskID.String())
	w := httptest.NewRecorder()
	h.Complete(w, r)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "Idempotency key conflict.")
}

func TestTaskCompleteNotFound(t *testing.T) {
	fake := &fakeUserTaskService{completeErr: apperrors.ErrNotFound}
	h := NewTaskHandler(fake, zap.NewNop())
	taskID := uuid.New()

	r := httptest.NewRequest(http.MethodPost, "/tasks/"+taskID.String()+"/complete",
		bytes.NewBufferString(`{"actor":"alice","action":"approve"}`))
	r.SetPathValue("id", taskID.String())
	w := httptest.NewRecorder()
	h.Complete(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
