// Package script executes inline BPMN script tasks and gateway
// condition expressions in a restricted jq environment. Programs are
// pure functions over the workflow data: no I/O, no environment, no
// clock, so a replayed run always produces the same outcome.
package script

import (
	"fmt"

	"github.com/itchyny/gojq"
)

// bannedFuncs are jq builtins that would break determinism or reach
// outside the data map. Programs referencing them fail to compile.
var bannedFuncs = map[string]struct{}{
	"now":            {},
	"localtime":      {},
	"gmtime":         {},
	"mktime":         {},
	"strftime":       {},
	"strflocaltime":  {},
	"strptime":       {},
	"todate":         {},
	"fromdate":       {},
	"dateadd":        {},
	"datesub":        {},
	"date":           {},
	"env":            {},
	"$ENV":           {},
	"input":          {},
	"inputs":         {},
	"debug":          {},
	"stderr":         {},
	"input_filename": {},
	"input_line_number": {},
}

// Program is a compiled sandbox program.
type Program struct {
	source string
	code   *gojq.Code
}

// Outcome is what a script run produced. Data and TaskData replace the
// corresponding maps when non-nil; Result carries the optional task
// result (same merge rule as an external task result).
type Outcome struct {
	Data      map[string]any
	TaskData  map[string]any
	Result    any
	HasResult bool
}

// Compile parses and compiles a script source, rejecting programs that
// reference banned builtins.
func Compile(source string) (*Program, error) {
	query, err := gojq.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("compile error: %v", err)
	}
	if name := findBannedFunc(query); name != "" {
		return nil, fmt.Errorf("compile error: function %q is not allowed", name)
	}
	code, err := gojq.Compile(query,
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, fmt.Errorf("compile error: %v", err)
	}
	return &Program{source: source, code: code}, nil
}

// Run executes the program against {"data": data, "task_data": taskData}.
// The program must emit at most one value. An emitted object applies its
// "data", "task_data" and "result" keys; any other emitted value is
// treated as the result.
func (p *Program) Run(data, taskData map[string]any) (*Outcome, error) {
	input := map[string]any{
		"data":      cloneMap(data),
		"task_data": cloneMap(taskData),
	}
	iter := p.code.Run(input)

	var emitted any
	var count int
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("runtime error: %v", err)
		}
		emitted = v
		count++
		if count > 1 {
			return nil, fmt.Errorf("runtime error: script emitted more than one value")
		}
	}
	if count == 0 {
		return &Outcome{}, nil
	}

	outcome := &Outcome{}
	obj, isObj := emitted.(map[string]any)
	if !isObj {
		outcome.Result = emitted
		outcome.HasResult = true
		return outcome, nil
	}
	if d, ok := obj["data"].(map[string]any); ok {
		outcome.Data = d
	}
	if td, ok := obj["task_data"].(map[string]any); ok {
		outcome.TaskData = td
	}
	if r, ok := obj["result"]; ok {
		outcome.Result = r
		outcome.HasResult = true
	}
	if outcome.Data == nil && outcome.TaskData == nil && !outcome.HasResult {
		// Plain object with no recognized keys: whole value is the result.
		outcome.Result = emitted
		outcome.HasResult = true
	}
	return outcome, nil
}

// EvalCondition evaluates a gateway condition expression against the
// workflow data. The emitted value is truthy unless it is null or
// false (jq truthiness).
func EvalCondition(expr string, data map[string]any) (bool, error) {
	prog, err := Compile(expr)
	if err != nil {
		return false, err
	}
	iter := prog.code.Run(cloneMap(data))
	v, ok := iter.Next()
	if !ok {
		return false, nil
	}
	if err, isErr := v.(error); isErr {
		return false, fmt.Errorf("runtime error: %v", err)
	}
	return v != nil && v != false, nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
