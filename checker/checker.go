// Package checker validates the structure of ONNX models against the rules of the ONNX schema:
// versioning, naming, topological order, type and tensor consistency.
package checker

import (
	"fmt"
	"strings"

	"github.com/advancedclimatesystems/gonnx/onnx"
)

// maxElemType is the highest tensor element type defined by the ONNX IR (FLOAT4E2M1).
const maxElemType = 23

// Issue is a single structural problem, located by a dotted path into the model.
type Issue struct {
	Path    string
	Message string
}

func (i Issue) String() string {
	return i.Path + ": " + i.Message
}

// ValidationError collects every issue found in a model.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	messages := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		messages[i] = issue.String()
	}
	return fmt.Sprintf("invalid ONNX model, %d issue(s): %s", len(e.Issues), strings.Join(messages, "; "))
}

type report struct {
	issues []Issue
}

func (r *report) add(path, format string, args ...any) {
	r.issues = append(r.issues, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (r *report) err() error {
	if len(r.issues) == 0 {
		return nil
	}
	return &ValidationError{Issues: r.issues}
}

// Check runs the structural checks on model and returns a *ValidationError listing every issue.
func Check(model *onnx.ModelProto) error {
	r := &report{}
	if model == nil {
		r.add("model", "model is nil")
		return r.err()
	}
	if model.GetIrVersion() <= 0 {
		r.add("model", "ir_version must be set")
	}
	domains := checkOpsets(r, model)
	if model.GetGraph() == nil {
		r.add("model", "graph is missing")
		return r.err()
	}
	c := &graphChecker{report: r, domains: domains, irVersion: model.GetIrVersion()}
	c.checkGraph("graph", model.GetGraph(), map[string]bool{})
	return r.err()
}

func checkOpsets(r *report, model *onnx.ModelProto) map[string]int64 {
	domains := map[string]int64{}
	if len(model.GetOpsetImport()) == 0 {
		r.add("model.opset_import", "at least one operator set must be imported")
	}
	for i, opset := range model.GetOpsetImport() {
		path := fmt.Sprintf("model.opset_import[%d]", i)
		domain := opset.GetDomain()
		if domain == "ai.onnx" {
			domain = ""
		}
		if _, exists := domains[domain]; exists {
			r.add(path, "domain %q is imported more than once", domain)
		}
		if opset.GetVersion() <= 0 {
			r.add(path, "domain %q has invalid version %d", domain, opset.GetVersion())
		}
		domains[domain] = opset.GetVersion()
	}
	return domains
}

type graphChecker struct {
	report    *report
	domains   map[string]int64
	irVersion int64
}

func (c *graphChecker) checkGraph(path string, g *onnx.GraphProto, outer map[string]bool) {
	r := c.report
	if g.GetName() == "" {
		r.add(path, "graph name is empty")
	}

	defined := make(map[string]bool, len(outer))
	for name := range outer {
		defined[name] = true
	}
	local := map[string]bool{}

	for i, info := range g.GetInput() {
		p := fmt.Sprintf("%s.input[%d]", path, i)
		c.checkValueInfo(p, info, true)
		name := info.GetName()
		if name == "" {
			continue
		}
		if local[name] {
			r.add(p, "name %s is declared more than once", name)
		}
		local[name] = true
		defined[name] = true
	}

	initializers := map[string]bool{}
	for i, t := range g.GetInitializer() {
		p := fmt.Sprintf("%s.initializer[%d]", path, i)
		checkTensor(r, p, t)
		name := t.GetName()
		if name == "" {
			r.add(p, "initializer has no name")
			continue
		}
		if initializers[name] {
			r.add(p, "initializer %s is declared more than once", name)
		}
		if c.irVersion < 4 && !local[name] {
			r.add(p, "initializer %s must also be a graph input below ir_version 4", name)
		}
		initializers[name] = true
		local[name] = true
		defined[name] = true
	}

	for i, n := range g.GetNode() {
		p := fmt.Sprintf("%s.node[%d]", path, i)
		if n.GetName() != "" {
			p = fmt.Sprintf("%s(%s)", p, n.GetName())
		}
		c.checkNode(p, n, defined)
		for _, out := range n.GetOutput() {
			if out == "" {
				continue
			}
			if local[out] {
				r.add(p, "output %s is already defined in this graph", out)
			}
			local[out] = true
			defined[out] = true
		}
	}

	for i, info := range g.GetOutput() {
		p := fmt.Sprintf("%s.output[%d]", path, i)
		c.checkValueInfo(p, info, true)
		if name := info.GetName(); name != "" && !defined[name] {
			r.add(p, "graph output %s is not produced by any node, input or initializer", name)
		}
	}

	for i, info := range g.GetValueInfo() {
		c.checkValueInfo(fmt.Sprintf("%s.value_info[%d]", path, i), info, false)
	}
}

func (c *graphChecker) checkNode(path string, n *onnx.NodeProto, defined map[string]bool) {
	r := c.report
	if n.GetOpType() == "" {
		r.add(path, "op_type is empty")
	}
	domain := n.GetDomain()
	if domain == "ai.onnx" {
		domain = ""
	}
	if _, ok := c.domains[domain]; !ok {
		r.add(path, "operator domain %q is not imported by the model", domain)
	}
	if len(n.GetOutput()) == 0 {
		r.add(path, "node %s has no outputs", n.GetOpType())
	}
	for _, in := range n.GetInput() {
		if in != "" && !defined[in] {
			r.add(path, "input %s is not defined by a graph input, initializer or preceding node", in)
		}
	}
	attributes := map[string]bool{}
	for j, attribute := range n.GetAttribute() {
		p := fmt.Sprintf("%s.attribute[%d]", path, j)
		if attribute.GetName() == "" {
			r.add(p, "attribute has no name")
		} else if attributes[attribute.GetName()] {
			r.add(p, "attribute %s is set more than once", attribute.GetName())
		}
		attributes[attribute.GetName()] = true
		if attribute.GetT() != nil {
			checkTensor(r, p+".t", attribute.GetT())
		}
		if attribute.GetG() != nil {
			c.checkGraph(p+".g", attribute.GetG(), defined)
		}
		for k, sub := range attribute.GetGraphs() {
			c.checkGraph(fmt.Sprintf("%s.graphs[%d]", p, k), sub, defined)
		}
	}
}

func (c *graphChecker) checkValueInfo(path string, info *onnx.ValueInfoProto, requireType bool) {
	r := c.report
	if info.GetName() == "" {
		r.add(path, "value has no name")
	}
	if info.GetType() == nil {
		if requireType {
			r.add(path, "value %s has no type", info.GetName())
		}
		return
	}
	tensorType := info.GetType().GetTensorType()
	if tensorType == nil {
		return
	}
	if elemType := tensorType.GetElemType(); elemType <= 0 || elemType > maxElemType {
		r.add(path, "value %s has invalid element type %d", info.GetName(), elemType)
	}
	for axis, d := range tensorType.GetShape().GetDim() {
		switch v := d.GetValue().(type) {
		case *onnx.TensorShapeProto_Dimension_DimValue:
			if v.DimValue < 0 {
				r.add(path, "value %s has negative size %d on axis %d", info.GetName(), v.DimValue, axis)
			}
		case *onnx.TensorShapeProto_Dimension_DimParam:
			if v.DimParam == "" {
				r.add(path, "value %s has an empty dim_param on axis %d", info.GetName(), axis)
			}
		}
	}
}
