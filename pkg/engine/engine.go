package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/procflow-io/procflow/pkg/engine/script"
)

// Task instance states as persisted in the serialized engine state.
const (
	taskStateReady     = "ready"
	taskStateActive    = "active" // subProcess with live inner tokens
	taskStateCompleted = "completed"
)

// ScriptError is a sandbox failure. It fails the run (status "failed")
// rather than surfacing as an engine error.
type ScriptError struct {
	Message string
}

func (e *ScriptError) Error() string { return e.Message }

// RuntimeError is a structural failure of the engine itself: corrupt
// state, a task that cannot be found, a gateway with no viable flow.
type RuntimeError struct {
	Message string
}

func (e *RuntimeError) Error() string { return e.Message }

func runtimeErrorf(format string, args ...any) *RuntimeError {
	return &RuntimeError{Message: fmt.Sprintf(format, args...)}
}

type taskInstance struct {
	spec  *TaskSpec
	state string
	data  map[string]any
}

// Engine holds the live token state of one workflow instance. It is not
// safe for concurrent use; callers serialize access through row locks.
type Engine struct {
	spec  *ProcessSpec
	data  map[string]any
	tasks map[string]*taskInstance
	// joins tracks parallel-join arrivals: gateway id -> set of
	// incoming flow ids already reached.
	joins map[string]map[string]bool
}

// NewEngine creates a fresh instance at the process start events.
func NewEngine(spec *ProcessSpec, initialData map[string]any) *Engine {
	e := &Engine{
		spec:  spec,
		data:  map[string]any{},
		tasks: map[string]*taskInstance{},
		joins: map[string]map[string]bool{},
	}
	for k, v := range initialData {
		e.data[k] = v
	}
	for _, start := range spec.StartEvents("") {
		e.activate(start)
	}
	return e
}

// Deserialize restores an engine from a serialized state map.
func Deserialize(spec *ProcessSpec, state map[string]any) (*Engine, error) {
	e := &Engine{
		spec:  spec,
		data:  map[string]any{},
		tasks: map[string]*taskInstance{},
		joins: map[string]map[string]bool{},
	}
	if data, ok := state["data"].(map[string]any); ok {
		e.data = data
	}
	tasks, _ := state["tasks"].(map[string]any)
	for id, raw := range tasks {
		ts, ok := spec.Specs[id]
		if !ok {
			return nil, runtimeErrorf("serialized state references unknown element %q", id)
		}
		entry, ok := raw.(map[string]any)
		if !ok {
			return nil, runtimeErrorf("serialized state for element %q is malformed", id)
		}
		inst := &taskInstance{spec: ts, data: map[string]any{}}
		inst.state, _ = entry["state"].(string)
		switch inst.state {
		case taskStateReady, taskStateActive, taskStateCompleted:
		default:
			return nil, runtimeErrorf("serialized state for element %q has unknown state %q", id, inst.state)
		}
		if d, ok := entry["data"].(map[string]any); ok {
			inst.data = d
		}
		e.tasks[id] = inst
	}
	if joins, ok := state["joins"].(map[string]any); ok {
		for gw, raw := range joins {
			arrived, ok := raw.([]any)
			if !ok {
				return nil, runtimeErrorf("serialized join state for %q is malformed", gw)
			}
			set := map[string]bool{}
			for _, f := range arrived {
				flowID, ok := f.(string)
				if !ok {
					return nil, runtimeErrorf("serialized join state for %q is malformed", gw)
				}
				set[flowID] = true
			}
			e.joins[gw] = set
		}
	}
	return e, nil
}

// Serialize returns the JSON-compatible state map. Stable for a given
// engine state: map values only, ordering left to the canonical encoder.
func (e *Engine) Serialize() map[string]any {
	tasks := map[string]any{}
	for id, inst := range e.tasks {
		tasks[id] = map[string]any{
			"state": inst.state,
			"data":  inst.data,
		}
	}
	joins := map[string]any{}
	for gw, set := range e.joins {
		arrived := make([]string, 0, len(set))
		for flowID := range set {
			arrived = append(arrived, flowID)
		}
		sort.Strings(arrived)
		out := make([]any, len(arrived))
		for i, f := range arrived {
			out[i] = f
		}
		joins[gw] = out
	}
	return map[string]any{
		"data":  e.data,
		"tasks": tasks,
		"joins": joins,
	}
}

// Data returns the workflow-level data map.
func (e *Engine) Data() map[string]any { return e.data }

// SetData writes one workflow-level data key.
func (e *Engine) SetData(key string, value any) {
	e.data[key] = value
}

// ReadyTasks returns the ready task instances in deterministic order.
func (e *Engine) ReadyTasks() []*taskInstance {
	ids := make([]string, 0, len(e.tasks))
	for id, inst := range e.tasks {
		if inst.state == taskStateReady {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]*taskInstance, len(ids))
	for i, id := range ids {
		out[i] = e.tasks[id]
	}
	return out
}

// RunUntilWaiting advances every automatic ready task until only
// waiting tasks (or nothing) remain. A *ScriptError return means the
// instance failed; any other error is an engine fault.
func (e *Engine) RunUntilWaiting() error {
	for {
		ready := e.ReadyTasks()
		if len(ready) == 0 {
			return nil
		}
		progressed := false
		for _, inst := range ready {
			if inst.state != taskStateReady {
				// Completed by a sibling this sweep (parallel join).
				continue
			}
			if inst.spec.Type.Waiting() {
				continue
			}
			if err := e.runTask(inst); err != nil {
				return err
			}
			progressed = true
		}
		if !progressed {
			return nil
		}
	}
}

// HasWaitingTasks reports whether any ready task needs external input.
func (e *Engine) HasWaitingTasks() bool {
	for _, inst := range e.tasks {
		if inst.state == taskStateReady && inst.spec.Type.Waiting() {
			return true
		}
	}
	return false
}

// IsCompleted reports whether no tokens remain anywhere.
func (e *Engine) IsCompleted() bool {
	for _, inst := range e.tasks {
		if inst.state == taskStateReady || inst.state == taskStateActive {
			return false
		}
	}
	return true
}

// Complete finishes a waiting task with an external result and advances
// its token. The caller runs RunUntilWaiting afterwards.
func (e *Engine) Complete(taskID string, result any) error {
	inst, ok := e.tasks[taskID]
	if !ok || inst.state != taskStateReady {
		return runtimeErrorf("task not found in workflow state: %q", taskID)
	}
	if !inst.spec.Type.Waiting() {
		return runtimeErrorf("task %q does not accept external completion", taskID)
	}
	e.applyTaskResult(inst, result)
	return e.completeTask(inst)
}

// applyTaskResult merges a task result into the task data and records
// it under data.service_task_results keyed by task id. Non-object
// results are wrapped as {"result": value}.
func (e *Engine) applyTaskResult(inst *taskInstance, result any) {
	if result == nil {
		return
	}
	payload, ok := result.(map[string]any)
	if !ok {
		payload = map[string]any{"result": result}
	}
	for k, v := range payload {
		inst.data[k] = v
	}
	results, ok := e.data["service_task_results"].(map[string]any)
	if !ok {
		results = map[string]any{}
		e.data["service_task_results"] = results
	}
	results[inst.spec.ID] = payload
}

func (e *Engine) runTask(inst *taskInstance) error {
	switch inst.spec.Type {
	case SpecScriptTask:
		if err := e.runScriptTask(inst); err != nil {
			return err
		}
		return e.completeTask(inst)
	case SpecExclusiveGateway:
		return e.runExclusiveGateway(inst)
	case SpecParallelGateway:
		return e.completeTask(inst)
	case SpecSubProcess:
		return e.enterSubProcess(inst)
	default:
		// StartEvent, EndEvent: pass the token through.
		return e.completeTask(inst)
	}
}

func (e *Engine) runScriptTask(inst *taskInstance) error {
	source := strings.TrimSpace(inst.spec.Script)
	if source == "" {
		return e.scriptError(inst, "missing script")
	}
	prog, err := script.Compile(source)
	if err != nil {
		return e.scriptError(inst, err.Error())
	}
	outcome, err := prog.Run(e.data, inst.data)
	if err != nil {
		return e.scriptError(inst, err.Error())
	}
	if outcome.Data != nil {
		e.data = outcome.Data
	}
	if outcome.TaskData != nil {
		inst.data = outcome.TaskData
	}
	if outcome.HasResult {
		e.applyTaskResult(inst, outcome.Result)
	}
	return nil
}

func (e *Engine) scriptError(inst *taskInstance, detail string) *ScriptError {
	parts := []string{}
	if inst.spec.Name != "" {
		parts = append(parts, "name="+inst.spec.Name)
	}
	parts = append(parts, "id="+inst.spec.ID)
	if detail != "" {
		parts = append(parts, detail)
	}
	return &ScriptError{
		Message: "ScriptTask execution failed: " + strings.Join(parts, ", "),
	}
}

// runExclusiveGateway picks the first outgoing flow whose condition is
// truthy; flows without a condition act as the default and are checked
// last.
func (e *Engine) runExclusiveGateway(inst *taskInstance) error {
	inst.state = taskStateCompleted
	outgoing := e.spec.Outgoing(inst.spec.ID)
	var defaultFlow *SequenceFlow
	for _, flow := range outgoing {
		if flow.Condition == "" {
			if defaultFlow == nil {
				defaultFlow = flow
			}
			continue
		}
		taken, err := script.EvalCondition(flow.Condition, e.data)
		if err != nil {
			return runtimeErrorf("gateway %q condition on flow %q: %v", inst.spec.ID, flow.ID, err)
		}
		if taken {
			return e.takeFlow(flow)
		}
	}
	if defaultFlow != nil {
		return e.takeFlow(defaultFlow)
	}
	return runtimeErrorf("gateway %q has no satisfied outgoing flow", inst.spec.ID)
}

func (e *Engine) enterSubProcess(inst *taskInstance) error {
	starts := e.spec.StartEvents(inst.spec.ID)
	if len(starts) == 0 {
		return runtimeErrorf("subProcess %q has no start event", inst.spec.ID)
	}
	inst.state = taskStateActive
	for _, start := range starts {
		e.activate(start)
	}
	return nil
}

// completeTask marks the instance done and moves its token onward.
func (e *Engine) completeTask(inst *taskInstance) error {
	inst.state = taskStateCompleted
	outgoing := e.spec.Outgoing(inst.spec.ID)
	if len(outgoing) == 0 {
		return e.settleScope(inst.spec.Parent)
	}
	for _, flow := range outgoing {
		if err := e.takeFlow(flow); err != nil {
			return err
		}
	}
	return nil
}

// takeFlow delivers a token along one sequence flow. Parallel joins
// collect arrivals and fire once every incoming flow has been seen.
func (e *Engine) takeFlow(flow *SequenceFlow) error {
	target, ok := e.spec.Specs[flow.TargetRef]
	if !ok {
		return runtimeErrorf("flow %q targets unknown element %q", flow.ID, flow.TargetRef)
	}
	if target.Type == SpecParallelGateway && len(e.spec.Incoming(target.ID)) > 1 {
		arrived := e.joins[target.ID]
		if arrived == nil {
			arrived = map[string]bool{}
			e.joins[target.ID] = arrived
		}
		arrived[flow.ID] = true
		if len(arrived) < len(e.spec.Incoming(target.ID)) {
			return nil
		}
		delete(e.joins, target.ID)
	}
	e.activate(target)
	return nil
}

func (e *Engine) activate(spec *TaskSpec) {
	inst, ok := e.tasks[spec.ID]
	if !ok {
		inst = &taskInstance{spec: spec, data: map[string]any{}}
		e.tasks[spec.ID] = inst
	}
	inst.state = taskStateReady
}

// settleScope checks whether an active subProcess scope has drained and,
// if so, completes the subProcess itself. A "" scope is the process
// level and needs no settling.
func (e *Engine) settleScope(scope string) error {
	if scope == "" {
		return nil
	}
	parent, ok := e.tasks[scope]
	if !ok || parent.state != taskStateActive {
		return nil
	}
	for id, inst := range e.tasks {
		if inst.state != taskStateReady && inst.state != taskStateActive {
			continue
		}
		if id == scope {
			continue
		}
		if e.spec.InScope(id, scope) {
			return nil
		}
	}
	return e.completeTask(parent)
}
