// Package bpmn parses and validates uploaded BPMN documents against the
// supported element subset and extracts the definition snapshot used by
// the engine and the catalog auto-binding lookup.
package bpmn

import (
	"encoding/xml"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
)

// ModelNS is the BPMN MODEL namespace. Validation only inspects MODEL
// elements; diagram namespaces (BPMNDI, DD/DI, DD/DC) pass through
// untouched.
const ModelNS = "http://www.omg.org/spec/BPMN/20100524/MODEL"

// supportedElements is the v1 allowlist of BPMN MODEL-namespace local names.
var supportedElements = map[string]struct{}{
	"definitions":         {},
	"process":             {},
	"startEvent":          {},
	"endEvent":            {},
	"sequenceFlow":        {},
	"exclusiveGateway":    {},
	"parallelGateway":     {},
	"userTask":            {},
	"serviceTask":         {},
	"scriptTask":          {},
	"sendTask":            {},
	"subProcess":          {},
	"incoming":            {},
	"outgoing":            {},
	"extensionElements":   {},
	"documentation":       {},
	"text":                {},
	"conditionExpression": {},
	"script":              {},
}

// unsupportedElementMessages maps known-unsupported elements to the
// specific rejection message surfaced to clients.
var unsupportedElementMessages = map[string]string{
	"boundaryEvent":                    "Boundary events are not supported.",
	"timerEventDefinition":             "Timer events are not supported.",
	"messageEventDefinition":           "Message events are not supported.",
	"signalEventDefinition":            "Signal events are not supported.",
	"multiInstanceLoopCharacteristics": "Multi-instance is not supported.",
	"compensateEventDefinition":        "Compensation is not supported.",
}

var formSchemaAttributeNames = map[string]struct{}{
	"formKey":   {},
	"formRef":   {},
	"formId":    {},
	"schemaRef": {},
	"schemaId":  {},
}

var catalogBindingAttributeMarkers = []string{"catalog", "capability", "binding"}

// ValidationError is one client-facing validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FormSchemaRef records a form-schema reference found on an element.
type FormSchemaRef struct {
	ElementID   string `json:"element_id"`
	ElementType string `json:"element_type"`
	FormKey     string `json:"form_key"`
}

// CatalogBindingPlaceholder records catalog-binding attributes found on
// a serviceTask element.
type CatalogBindingPlaceholder struct {
	ElementID    string            `json:"element_id"`
	ElementName  string            `json:"element_name"`
	ElementType  string            `json:"element_type"`
	Placeholders map[string]string `json:"placeholders"`
}

// DefinitionSnapshot is the result of a clean validation.
type DefinitionSnapshot struct {
	ProcessKey                 string                      `json:"process_key"`
	ProcessName                string                      `json:"process_name"`
	FormSchemaRefs             []FormSchemaRef             `json:"form_schema_refs"`
	CatalogBindingPlaceholders []CatalogBindingPlaceholder `json:"catalog_binding_placeholders"`
}

// Element is one parsed XML element. The validator and the engine
// parser share this tree.
type Element struct {
	Namespace string
	Local     string
	Attrs     []Attr
	Children  []*Element
	Text      string
}

// Attr is one XML attribute with its namespace split off.
type Attr struct {
	Namespace string
	Local     string
	Value     string
}

// Attr returns the value of the first attribute with the given local
// name, regardless of namespace.
func (e *Element) Attr(local string) string {
	for _, a := range e.Attrs {
		if a.Local == local {
			return a.Value
		}
	}
	return ""
}

// ChildText returns the concatenated character data of the first child
// with the given MODEL-namespace local name.
func (e *Element) ChildText(local string) string {
	for _, c := range e.Children {
		if c.Namespace == ModelNS && c.Local == local {
			return c.Text
		}
	}
	return ""
}

// Parse builds an element tree from BPMN XML text.
func Parse(xmlText string) (*Element, error) {
	decoder := xml.NewDecoder(strings.NewReader(xmlText))
	var root *Element
	var stack []*Element
	for {
		tok, err := decoder.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			elem := &Element{
				Namespace: t.Name.Space,
				Local:     t.Name.Local,
			}
			for _, a := range t.Attr {
				if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
					continue
				}
				elem.Attrs = append(elem.Attrs, Attr{
					Namespace: a.Name.Space,
					Local:     a.Name.Local,
					Value:     a.Value,
				})
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, &xml.SyntaxError{Msg: "multiple document elements"}
				}
				root = elem
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, elem)
			}
			stack = append(stack, elem)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, &xml.SyntaxError{Msg: "unbalanced end element"}
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += string(t)
			}
		}
	}
	if root == nil || len(stack) != 0 {
		return nil, &xml.SyntaxError{Msg: "incomplete document"}
	}
	return root, nil
}

// Validate parses and validates BPMN XML. On success it returns the
// definition snapshot and an empty error list; on failure a nil
// snapshot and errors sorted by (path, code, message).
func Validate(xmlText string) (*DefinitionSnapshot, []ValidationError) {
	var errs []ValidationError

	root, err := Parse(xmlText)
	if err != nil {
		errs = append(errs, ValidationError{Path: "", Code: "invalid_bpmn_xml", Message: "Invalid BPMN XML."})
		return nil, sortErrors(errs)
	}

	var processes []*Element
	walk(root, func(e *Element) {
		if e.Namespace == ModelNS && e.Local == "process" {
			processes = append(processes, e)
		}
	})

	processKey := ""
	processName := ""
	switch {
	case len(processes) == 0:
		errs = append(errs, ValidationError{Path: "process", Code: "missing_process_key", Message: "Process id is required."})
	case len(processes) > 1:
		errs = append(errs, ValidationError{Path: "process", Code: "multiple_processes", Message: "Only one process is supported."})
	default:
		processKey = strings.TrimSpace(processes[0].Attr("id"))
		processName = processes[0].Attr("name")
		if processKey == "" {
			errs = append(errs, ValidationError{Path: "process", Code: "missing_process_key", Message: "Process id is required."})
		}
	}

	walkWithPaths(root, root.Local, func(e *Element, path string) {
		if e.Namespace != ModelNS {
			return
		}
		if msg, ok := unsupportedElementMessages[e.Local]; ok {
			errs = append(errs, ValidationError{Path: path, Code: "unsupported_bpmn_element", Message: msg})
		} else if _, ok := supportedElements[e.Local]; !ok {
			errs = append(errs, ValidationError{Path: path, Code: "unsupported_bpmn_element", Message: "Unsupported BPMN element: " + e.Local + "."})
		}
		for _, a := range e.Attrs {
			if a.Local == "isForCompensation" && strings.EqualFold(a.Value, "true") {
				errs = append(errs, ValidationError{Path: path, Code: "unsupported_bpmn_element", Message: "Compensation is not supported."})
			}
		}
	})

	if len(errs) > 0 {
		return nil, sortErrors(errs)
	}

	snapshot := &DefinitionSnapshot{
		ProcessKey:                 processKey,
		ProcessName:                processName,
		FormSchemaRefs:             collectFormSchemaRefs(root),
		CatalogBindingPlaceholders: collectCatalogBindingPlaceholders(root),
	}
	return snapshot, nil
}

func collectFormSchemaRefs(root *Element) []FormSchemaRef {
	refs := []FormSchemaRef{}
	walk(root, func(e *Element) {
		elementID := e.Attr("id")
		for _, a := range e.Attrs {
			if _, ok := formSchemaAttributeNames[a.Local]; ok && a.Value != "" {
				refs = append(refs, FormSchemaRef{
					ElementID:   elementID,
					ElementType: e.Local,
					FormKey:     a.Value,
				})
			}
		}
	})
	return refs
}

func collectCatalogBindingPlaceholders(root *Element) []CatalogBindingPlaceholder {
	placeholders := []CatalogBindingPlaceholder{}
	walk(root, func(e *Element) {
		if e.Namespace != ModelNS || e.Local != "serviceTask" {
			return
		}
		attrs := map[string]string{}
		for _, a := range e.Attrs {
			lowered := strings.ToLower(a.Local)
			for _, marker := range catalogBindingAttributeMarkers {
				if strings.Contains(lowered, marker) {
					attrs[a.Local] = a.Value
					break
				}
			}
		}
		if len(attrs) > 0 {
			placeholders = append(placeholders, CatalogBindingPlaceholder{
				ElementID:    e.Attr("id"),
				ElementName:  e.Attr("name"),
				ElementType:  e.Local,
				Placeholders: attrs,
			})
		}
	})
	return placeholders
}

func walk(e *Element, fn func(*Element)) {
	fn(e)
	for _, c := range e.Children {
		walk(c, fn)
	}
}

// walkWithPaths visits every element with its path encoded as
// elemLocal[index-within-parent-by-local-name].child... The root uses
// its own local name with no index.
func walkWithPaths(root *Element, rootPath string, fn func(*Element, string)) {
	fn(root, rootPath)
	walkChildren(root, rootPath, fn)
}

func walkChildren(parent *Element, parentPath string, fn func(*Element, string)) {
	counts := map[string]int{}
	for _, child := range parent.Children {
		index := counts[child.Local]
		counts[child.Local] = index + 1
		childPath := parentPath + "." + child.Local + "[" + strconv.Itoa(index) + "]"
		fn(child, childPath)
		walkChildren(child, childPath, fn)
	}
}

func sortErrors(errs []ValidationError) []ValidationError {
	sort.Slice(errs, func(i, j int) bool {
		if errs[i].Path != errs[j].Path {
			return errs[i].Path < errs[j].Path
		}
		if errs[i].Code != errs[j].Code {
			return errs[i].Code < errs[j].Code
		}
		return errs[i].Message < errs[j].Message
	})
	return errs
}
