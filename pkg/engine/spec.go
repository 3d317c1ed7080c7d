// Package engine interprets the supported BPMN subset: it advances
// automatic work, evaluates gateways, runs script tasks in the sandbox,
// parks at waiting tasks and round-trips its state through JSON.
package engine

import (
	"fmt"
	"strings"

	"github.com/procflow-io/procflow/pkg/bpmn"
)

// SpecType tags a task spec. The waiting / user-facing classification
// is a property of the type, not of string sniffing at run time.
type SpecType string

const (
	SpecStartEvent       SpecType = "StartEvent"
	SpecEndEvent         SpecType = "EndEvent"
	SpecUserTask         SpecType = "UserTask"
	SpecManualTask       SpecType = "ManualTask"
	SpecServiceTask      SpecType = "ServiceTask"
	SpecScriptTask       SpecType = "ScriptTask"
	SpecSendTask         SpecType = "SendTask"
	SpecExclusiveGateway SpecType = "ExclusiveGateway"
	SpecParallelGateway  SpecType = "ParallelGateway"
	SpecSubProcess       SpecType = "SubProcess"
)

// Waiting reports whether a ready task of this type parks the engine
// until external input arrives.
func (t SpecType) Waiting() bool {
	switch t {
	case SpecUserTask, SpecManualTask, SpecServiceTask, SpecSendTask:
		return true
	}
	return false
}

// UserFacing reports whether a waiting task of this type is surfaced to
// humans.
func (t SpecType) UserFacing() bool {
	return t == SpecUserTask || t == SpecManualTask
}

var elementSpecTypes = map[string]SpecType{
	"startEvent":       SpecStartEvent,
	"endEvent":         SpecEndEvent,
	"userTask":         SpecUserTask,
	"serviceTask":      SpecServiceTask,
	"scriptTask":       SpecScriptTask,
	"sendTask":         SpecSendTask,
	"exclusiveGateway": SpecExclusiveGateway,
	"parallelGateway":  SpecParallelGateway,
	"subProcess":       SpecSubProcess,
}

// TaskSpec is one node of the process graph.
type TaskSpec struct {
	Type   SpecType
	ID     string
	Name   string
	Script string // ScriptTask source
	Parent string // enclosing subProcess id, "" at process level
}

// SequenceFlow connects two task specs, optionally guarded by a
// condition expression evaluated over the workflow data.
type SequenceFlow struct {
	ID        string
	SourceRef string
	TargetRef string
	Condition string
}

// ProcessSpec is the parsed, validated process graph.
type ProcessSpec struct {
	Key   string
	Name  string
	Specs map[string]*TaskSpec
	Flows map[string]*SequenceFlow

	outgoing map[string][]*SequenceFlow
	incoming map[string][]*SequenceFlow
	children map[string][]string
}

// Outgoing returns the flows leaving the given spec, in document order.
func (p *ProcessSpec) Outgoing(specID string) []*SequenceFlow {
	return p.outgoing[specID]
}

// Incoming returns the flows entering the given spec, in document order.
func (p *ProcessSpec) Incoming(specID string) []*SequenceFlow {
	return p.incoming[specID]
}

// StartEvents returns the start events directly contained in the given
// scope ("" for the process itself).
func (p *ProcessSpec) StartEvents(parent string) []*TaskSpec {
	var starts []*TaskSpec
	for _, id := range p.children[parent] {
		if spec := p.Specs[id]; spec.Type == SpecStartEvent {
			starts = append(starts, spec)
		}
	}
	return starts
}

// InScope reports whether specID lives (directly or nested) inside the
// given subProcess.
func (p *ProcessSpec) InScope(specID, scope string) bool {
	spec, ok := p.Specs[specID]
	for ok {
		if spec.Parent == scope {
			return true
		}
		if spec.Parent == "" {
			return false
		}
		spec, ok = p.Specs[spec.Parent]
	}
	return false
}

// ParseDefinition builds a ProcessSpec from validated BPMN XML. The
// processKey must match the document's process id.
func ParseDefinition(xmlText, processKey string) (*ProcessSpec, error) {
	root, err := bpmn.Parse(xmlText)
	if err != nil {
		return nil, fmt.Errorf("parse bpmn: %w", err)
	}

	var process *bpmn.Element
	findProcess(root, &process)
	if process == nil {
		return nil, fmt.Errorf("no process element found")
	}
	key := strings.TrimSpace(process.Attr("id"))
	if key == "" || (processKey != "" && key != processKey) {
		return nil, fmt.Errorf("workflow spec not found for process key %q", processKey)
	}

	spec := &ProcessSpec{
		Key:      key,
		Name:     process.Attr("name"),
		Specs:    map[string]*TaskSpec{},
		Flows:    map[string]*SequenceFlow{},
		outgoing: map[string][]*SequenceFlow{},
		incoming: map[string][]*SequenceFlow{},
		children: map[string][]string{},
	}
	if err := spec.addScope(process, ""); err != nil {
		return nil, err
	}
	for _, flow := range spec.Flows {
		if _, ok := spec.Specs[flow.SourceRef]; !ok {
			return nil, fmt.Errorf("sequence flow %s references unknown source %q", flow.ID, flow.SourceRef)
		}
		if _, ok := spec.Specs[flow.TargetRef]; !ok {
			return nil, fmt.Errorf("sequence flow %s references unknown target %q", flow.ID, flow.TargetRef)
		}
		spec.outgoing[flow.SourceRef] = append(spec.outgoing[flow.SourceRef], flow)
		spec.incoming[flow.TargetRef] = append(spec.incoming[flow.TargetRef], flow)
	}
	if len(spec.StartEvents("")) == 0 {
		return nil, fmt.Errorf("process %q has no start event", key)
	}
	return spec, nil
}

func (p *ProcessSpec) addScope(container *bpmn.Element, parent string) error {
	for _, child := range container.Children {
		if child.Namespace != bpmn.ModelNS {
			continue
		}
		if child.Local == "sequenceFlow" {
			id := child.Attr("id")
			if id == "" {
				return fmt.Errorf("sequence flow without id")
			}
			p.Flows[id] = &SequenceFlow{
				ID:        id,
				SourceRef: child.Attr("sourceRef"),
				TargetRef: child.Attr("targetRef"),
				Condition: strings.TrimSpace(child.ChildText("conditionExpression")),
			}
			continue
		}
		specType, ok := elementSpecTypes[child.Local]
		if !ok {
			continue
		}
		id := child.Attr("id")
		if id == "" {
			return fmt.Errorf("%s element without id", child.Local)
		}
		if _, exists := p.Specs[id]; exists {
			return fmt.Errorf("duplicate element id %q", id)
		}
		ts := &TaskSpec{
			Type:   specType,
			ID:     id,
			Name:   child.Attr("name"),
			Parent: parent,
		}
		if specType == SpecScriptTask {
			ts.Script = strings.TrimSpace(child.ChildText("script"))
		}
		p.Specs[id] = ts
		p.children[parent] = append(p.children[parent], id)
		if specType == SpecSubProcess {
			if err := p.addScope(child, id); err != nil {
				return err
			}
		}
	}
	return nil
}

func findProcess(e *bpmn.Element, out **bpmn.Element) {
	if *out != nil {
		return
	}
	if e.Namespace == bpmn.ModelNS && e.Local == "process" {
		*out = e
		return
	}
	for _, c := range e.Children {
		findProcess(c, out)
	}
}
