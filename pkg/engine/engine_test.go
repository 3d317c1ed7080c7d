package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const linearUserTaskDoc = `<?xml version="1.0" encoding="UTF-8"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <bpmn:process id="approval" name="Approval">
    <bpmn:startEvent id="start"/>
    <bpmn:userTask id="approve" name="Approve Request"/>
    <bpmn:endEvent id="end"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="approve"/>
    <bpmn:sequenceFlow id="f2" sourceRef="approve" targetRef="end"/>
  </bpmn:process>
</bpmn:definitions>`

const scriptDoc = `<?xml version="1.0" encoding="UTF-8"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <bpmn:process id="calc" name="Calc">
    <bpmn:startEvent id="start"/>
    <bpmn:scriptTask id="double" name="Double It">
      <bpmn:script>{data: (.data + {total: (.data.amount * 2)})}</bpmn:script>
    </bpmn:scriptTask>
    <bpmn:endEvent id="end"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="double"/>
    <bpmn:sequenceFlow id="f2" sourceRef="double" targetRef="end"/>
  </bpmn:process>
</bpmn:definitions>`

const gatewayDoc = `<?xml version="1.0" encoding="UTF-8"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <bpmn:process id="routing" name="Routing">
    <bpmn:startEvent id="start"/>
    <bpmn:exclusiveGateway id="decide"/>
    <bpmn:userTask id="review" name="Manual Review"/>
    <bpmn:endEvent id="auto_end"/>
    <bpmn:endEvent id="review_end"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="decide"/>
    <bpmn:sequenceFlow id="f2" sourceRef="decide" targetRef="review">
      <bpmn:conditionExpression>.amount &gt; 100</bpmn:conditionExpression>
    </bpmn:sequenceFlow>
    <bpmn:sequenceFlow id="f3" sourceRef="decide" targetRef="auto_end"/>
    <bpmn:sequenceFlow id="f4" sourceRef="review" targetRef="review_end"/>
  </bpmn:process>
</bpmn:definitions>`

const parallelDoc = `<?xml version="1.0" encoding="UTF-8"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <bpmn:process id="fanout" name="Fan Out">
    <bpmn:startEvent id="start"/>
    <bpmn:parallelGateway id="split"/>
    <bpmn:userTask id="task_a" name="Branch A"/>
    <bpmn:userTask id="task_b" name="Branch B"/>
    <bpmn:parallelGateway id="join"/>
    <bpmn:endEvent id="end"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="split"/>
    <bpmn:sequenceFlow id="f2" sourceRef="split" targetRef="task_a"/>
    <bpmn:sequenceFlow id="f3" sourceRef="split" targetRef="task_b"/>
    <bpmn:sequenceFlow id="f4" sourceRef="task_a" targetRef="join"/>
    <bpmn:sequenceFlow id="f5" sourceRef="task_b" targetRef="join"/>
    <bpmn:sequenceFlow id="f6" sourceRef="join" targetRef="end"/>
  </bpmn:process>
</bpmn:definitions>`

const subProcessDoc = `<?xml version="1.0" encoding="UTF-8"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <bpmn:process id="nested" name="Nested">
    <bpmn:startEvent id="start"/>
    <bpmn:subProcess id="inner" name="Inner Scope">
      <bpmn:startEvent id="inner_start"/>
      <bpmn:userTask id="inner_task" name="Inner Task"/>
      <bpmn:endEvent id="inner_end"/>
      <bpmn:sequenceFlow id="if1" sourceRef="inner_start" targetRef="inner_task"/>
      <bpmn:sequenceFlow id="if2" sourceRef="inner_task" targetRef="inner_end"/>
    </bpmn:subProcess>
    <bpmn:endEvent id="end"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="inner"/>
    <bpmn:sequenceFlow id="f2" sourceRef="inner" targetRef="end"/>
  </bpmn:process>
</bpmn:definitions>`

func TestParseDefinition(t *testing.T) {
	spec, err := ParseDefinition(linearUserTaskDoc, "approval")
	require.NoError(t, err)

	assert.Equal(t, "approval", spec.Key)
	assert.Equal(t, "Approval", spec.Name)
	assert.Len(t, spec.Specs, 3)
	assert.Len(t, spec.Flows, 2)
	require.Len(t, spec.StartEvents(""), 1)
	assert.Equal(t, SpecUserTask, spec.Specs["approve"].Type)
}

func TestParseDefinitionKeyMismatch(t *testing.T) {
	_, err := ParseDefinition(linearUserTaskDoc, "other_key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `workflow spec not found for process key "other_key"`)
}

func TestParseDefinitionRejectsDanglingFlow(t *testing.T) {
	doc := `<?xml version="1.0"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <bpmn:process id="p1">
    <bpmn:startEvent id="start"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="ghost"/>
  </bpmn:process>
</bpmn:definitions>`
	_, err := ParseDefinition(doc, "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown target")
}

func TestParseDefinitionRequiresStartEvent(t *testing.T) {
	doc := `<?xml version="1.0"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <bpmn:process id="p1">
    <bpmn:endEvent id="end"/>
  </bpmn:process>
</bpmn:definitions>`
	_, err := ParseDefinition(doc, "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no start event")
}

func TestStartParksAtUserTask(t *testing.T) {
	result, err := Start(linearUserTaskDoc, "approval", map[string]any{"amount": 50.0}, "corr-1", "biz-1")
	require.NoError(t, err)

	assert.Equal(t, StatusWaiting, result.Status)
	require.Len(t, result.WaitingUserTasks, 1)
	assert.Equal(t, "approve", result.WaitingUserTasks[0].TaskID)
	assert.Equal(t, "Approve Request", result.WaitingUserTasks[0].Name)
	assert.Equal(t, "UserTask", result.WaitingUserTasks[0].TaskType)
	assert.Empty(t, result.WaitingServiceTasks)

	data, ok := result.SerializedState["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "corr-1", data["correlation_id"])
	assert.Equal(t, "biz-1", data["business_key"])
	assert.Equal(t, 50.0, data["amount"])
}

func TestResumeCompletesInstance(t *testing.T) {
	started, err := Start(linearUserTaskDoc, "approval", nil, "", "")
	require.NoError(t, err)
	require.Equal(t, StatusWaiting, started.Status)

	resumed, err := Resume(linearUserTaskDoc, "approval", started.SerializedState,
		"approve", map[string]any{"decision": "approved"}, "", "")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, resumed.Status)
	assert.Empty(t, resumed.WaitingUserTasks)

	data := resumed.SerializedState["data"].(map[string]any)
	results, ok := data["service_task_results"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"decision": "approved"}, results["approve"])
}

func TestResumeUnknownTaskFails(t *testing.T) {
	started, err := Start(linearUserTaskDoc, "approval", nil, "", "")
	require.NoError(t, err)

	_, err = Resume(linearUserTaskDoc, "approval", started.SerializedState, "ghost", nil, "", "")
	require.Error(t, err)
	var rtErr *RuntimeError
	require.ErrorAs(t, err, &rtErr)
	assert.Contains(t, rtErr.Message, "task not found in workflow state")
}

func TestScriptTaskRunsToCompletion(t *testing.T) {
	result, err := Start(scriptDoc, "calc", map[string]any{"amount": 21.0}, "", "")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	data := result.SerializedState["data"].(map[string]any)
	assert.Equal(t, float64(42), data["total"])
}

func TestScriptTaskFailureFailsRun(t *testing.T) {
	doc := `<?xml version="1.0"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <bpmn:process id="boom">
    <bpmn:startEvent id="start"/>
    <bpmn:scriptTask id="fail_here" name="Fail Here">
      <bpmn:script>error("division by zero")</bpmn:script>
    </bpmn:scriptTask>
    <bpmn:endEvent id="end"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="fail_here"/>
    <bpmn:sequenceFlow id="f2" sourceRef="fail_here" targetRef="end"/>
  </bpmn:process>
</bpmn:definitions>`
	result, err := Start(doc, "boom", nil, "", "")
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "ScriptTask execution failed: name=Fail Here, id=fail_here")
	assert.Contains(t, result.ErrorMessage, "division by zero")
	assert.Empty(t, result.WaitingUserTasks)
	assert.Empty(t, result.WaitingServiceTasks)
}

func TestScriptTaskMissingScriptFailsRun(t *testing.T) {
	doc := `<?xml version="1.0"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <bpmn:process id="empty_script">
    <bpmn:startEvent id="start"/>
    <bpmn:scriptTask id="noop"/>
    <bpmn:endEvent id="end"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="noop"/>
    <bpmn:sequenceFlow id="f2" sourceRef="noop" targetRef="end"/>
  </bpmn:process>
</bpmn:definitions>`
	result, err := Start(doc, "empty_script", nil, "", "")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "missing script")
}

func TestExclusiveGatewayTakesConditionedFlow(t *testing.T) {
	result, err := Start(gatewayDoc, "routing", map[string]any{"amount": 150.0}, "", "")
	require.NoError(t, err)

	require.Equal(t, StatusWaiting, result.Status)
	require.Len(t, result.WaitingUserTasks, 1)
	assert.Equal(t, "review", result.WaitingUserTasks[0].TaskID)
}

func TestExclusiveGatewayFallsBackToDefault(t *testing.T) {
	result, err := Start(gatewayDoc, "routing", map[string]any{"amount": 10.0}, "", "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Empty(t, result.WaitingUserTasks)
}

func TestExclusiveGatewayNoViableFlow(t *testing.T) {
	doc := `<?xml version="1.0"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <bpmn:process id="deadend">
    <bpmn:startEvent id="start"/>
    <bpmn:exclusiveGateway id="gw"/>
    <bpmn:endEvent id="end"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="gw"/>
    <bpmn:sequenceFlow id="f2" sourceRef="gw" targetRef="end">
      <bpmn:conditionExpression>.never</bpmn:conditionExpression>
    </bpmn:sequenceFlow>
  </bpmn:process>
</bpmn:definitions>`
	_, err := Start(doc, "deadend", nil, "", "")
	require.Error(t, err)
	var rtErr *RuntimeError
	require.ErrorAs(t, err, &rtErr)
	assert.Contains(t, rtErr.Message, "no satisfied outgoing flow")
}

func TestParallelSplitAndJoin(t *testing.T) {
	started, err := Start(parallelDoc, "fanout", nil, "", "")
	require.NoError(t, err)

	require.Equal(t, StatusWaiting, started.Status)
	require.Len(t, started.WaitingUserTasks, 2)
	assert.Equal(t, "task_a", started.WaitingUserTasks[0].TaskID)
	assert.Equal(t, "task_b", started.WaitingUserTasks[1].TaskID)

	// Completing one branch leaves the join waiting for the other.
	afterA, err := Resume(parallelDoc, "fanout", started.SerializedState, "task_a", nil, "", "")
	require.NoError(t, err)
	require.Equal(t, StatusWaiting, afterA.Status)
	require.Len(t, afterA.WaitingUserTasks, 1)
	assert.Equal(t, "task_b", afterA.WaitingUserTasks[0].TaskID)

	joins, ok := afterA.SerializedState["joins"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"f4"}, joins["join"])

	// Completing the second branch fires the join and finishes the run.
	done, err := Resume(parallelDoc, "fanout", afterA.SerializedState, "task_b", nil, "", "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Empty(t, done.SerializedState["joins"])
}

func TestSubProcessCompletesWhenScopeDrains(t *testing.T) {
	started, err := Start(subProcessDoc, "nested", nil, "", "")
	require.NoError(t, err)

	require.Equal(t, StatusWaiting, started.Status)
	require.Len(t, started.WaitingUserTasks, 1)
	assert.Equal(t, "inner_task", started.WaitingUserTasks[0].TaskID)

	tasks := started.SerializedState["tasks"].(map[string]any)
	inner := tasks["inner"].(map[string]any)
	assert.Equal(t, "active", inner["state"])

	done, err := Resume(subProcessDoc, "nested", started.SerializedState, "inner_task", nil, "", "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	tasks = done.SerializedState["tasks"].(map[string]any)
	inner = tasks["inner"].(map[string]any)
	assert.Equal(t, "completed", inner["state"])
}

func TestServiceTaskSnapshot(t *testing.T) {
	doc := `<?xml version="1.0"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <bpmn:process id="dispatching">
    <bpmn:startEvent id="start"/>
    <bpmn:serviceTask id="charge_card" name="Charge Card"/>
    <bpmn:endEvent id="end"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="charge_card"/>
    <bpmn:sequenceFlow id="f2" sourceRef="charge_card" targetRef="end"/>
  </bpmn:process>
</bpmn:definitions>`
	result, err := Start(doc, "dispatching", nil, "", "")
	require.NoError(t, err)

	assert.Equal(t, StatusWaiting, result.Status)
	assert.Empty(t, result.WaitingUserTasks)
	require.Len(t, result.WaitingServiceTasks, 1)
	st := result.WaitingServiceTasks[0]
	assert.Equal(t, "charge_card", st.TaskID)
	assert.Equal(t, "charge_card", st.ElementID)
	assert.Equal(t, "Charge Card", st.ElementName)
	assert.Equal(t, "ServiceTask", st.TaskType)
}

func TestSerializeRoundTrip(t *testing.T) {
	started, err := Start(parallelDoc, "fanout", map[string]any{"seed": "x"}, "", "")
	require.NoError(t, err)

	spec, err := ParseDefinition(parallelDoc, "fanout")
	require.NoError(t, err)

	eng, err := Deserialize(spec, started.SerializedState)
	require.NoError(t, err)
	assert.Equal(t, started.SerializedState, eng.Serialize())
}

func TestDeserializeRejectsCorruptState(t *testing.T) {
	spec, err := ParseDefinition(linearUserTaskDoc, "approval")
	require.NoError(t, err)

	_, err = Deserialize(spec, map[string]any{
		"tasks": map[string]any{"ghost": map[string]any{"state": "ready"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown element")

	_, err = Deserialize(spec, map[string]any{
		"tasks": map[string]any{"approve": map[string]any{"state": "dancing"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown state")

	_, err = Deserialize(spec, map[string]any{
		"joins": map[string]any{"gw": "not-a-list"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed")
}

func TestCompletedUserTaskCannotBeCompletedAgain(t *testing.T) {
	started, err := Start(linearUserTaskDoc, "approval", nil, "", "")
	require.NoError(t, err)

	done, err := Resume(linearUserTaskDoc, "approval", started.SerializedState, "approve", nil, "", "")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)

	_, err = Resume(linearUserTaskDoc, "approval", done.SerializedState, "approve", nil, "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task not found in workflow state")
}
