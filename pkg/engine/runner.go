package engine

import "errors"

// Run statuses. "failed" carries an error message; "waiting" means at
// least one task needs external input.
const (
	StatusRunning   = "running"
	StatusWaiting   = "waiting"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// UserTaskSnapshot describes a human-facing task the run parked on.
type UserTaskSnapshot struct {
	TaskID   string
	Name     string
	TaskType string
}

// ServiceTaskSnapshot describes a service task awaiting dispatch.
type ServiceTaskSnapshot struct {
	TaskID      string
	Name        string
	TaskType    string
	ElementID   string
	ElementName string
}

// RunResult is the outcome of one engine run: the new state plus the
// tasks that now need external action. On a failed run the waiting
// lists are empty and ErrorMessage explains the failure.
type RunResult struct {
	Status              string
	SerializedState     map[string]any
	WaitingUserTasks    []UserTaskSnapshot
	WaitingServiceTasks []ServiceTaskSnapshot
	ErrorMessage        string
}

// Start initializes an instance from BPMN XML and runs it to the first
// waiting point. Correlation and business keys, when set, are seeded
// into the workflow data.
func Start(bpmnXML, processKey string, initialData map[string]any, correlationID, businessKey string) (*RunResult, error) {
	spec, err := ParseDefinition(bpmnXML, processKey)
	if err != nil {
		return nil, &RuntimeError{Message: err.Error()}
	}
	eng := NewEngine(spec, initialData)
	attachIdentifiers(eng, correlationID, businessKey)
	return run(eng)
}

// Resume restores an instance from serialized state, optionally
// completes one waiting task with a result, and runs to the next
// waiting point.
func Resume(bpmnXML, processKey string, state map[string]any, completedTaskID string, taskResult any, correlationID, businessKey string) (*RunResult, error) {
	spec, err := ParseDefinition(bpmnXML, processKey)
	if err != nil {
		return nil, &RuntimeError{Message: err.Error()}
	}
	eng, err := Deserialize(spec, state)
	if err != nil {
		return nil, err
	}
	attachIdentifiers(eng, correlationID, businessKey)
	if completedTaskID != "" {
		if err := eng.Complete(completedTaskID, taskResult); err != nil {
			return nil, err
		}
	}
	return run(eng)
}

func attachIdentifiers(eng *Engine, correlationID, businessKey string) {
	if correlationID != "" {
		eng.SetData("correlation_id", correlationID)
	}
	if businessKey != "" {
		eng.SetData("business_key", businessKey)
	}
}

func run(eng *Engine) (*RunResult, error) {
	if err := eng.RunUntilWaiting(); err != nil {
		var scriptErr *ScriptError
		if errors.As(err, &scriptErr) {
			return &RunResult{
				Status:          StatusFailed,
				SerializedState: eng.Serialize(),
				ErrorMessage:    scriptErr.Message,
			}, nil
		}
		return nil, err
	}
	result := &RunResult{
		Status:          determineStatus(eng),
		SerializedState: eng.Serialize(),
	}
	for _, inst := range eng.ReadyTasks() {
		if !inst.spec.Type.Waiting() {
			continue
		}
		if inst.spec.Type.UserFacing() {
			result.WaitingUserTasks = append(result.WaitingUserTasks, UserTaskSnapshot{
				TaskID:   inst.spec.ID,
				Name:     taskDisplayName(inst.spec),
				TaskType: string(inst.spec.Type),
			})
		}
		if inst.spec.Type == SpecServiceTask {
			result.WaitingServiceTasks = append(result.WaitingServiceTasks, ServiceTaskSnapshot{
				TaskID:      inst.spec.ID,
				Name:        taskDisplayName(inst.spec),
				TaskType:    string(inst.spec.Type),
				ElementID:   inst.spec.ID,
				ElementName: inst.spec.Name,
			})
		}
	}
	return result, nil
}

func determineStatus(eng *Engine) string {
	if eng.HasWaitingTasks() {
		return StatusWaiting
	}
	if eng.IsCompleted() {
		return StatusCompleted
	}
	// Ready non-waiting tasks after RunUntilWaiting means the loop made
	// no progress on them; nothing else will move this instance.
	return StatusCompleted
}

func taskDisplayName(spec *TaskSpec) string {
	if spec.Name != "" {
		return spec.Name
	}
	return spec.ID
}
