// Package export rewrites a traced ONNX graph into the exported artifact contract:
// a single token input, a single logits output and named dynamic batch and sequence axes.
package export

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/advancedclimatesystems/gonnx/onnx"
	"google.golang.org/protobuf/proto"
)

// Spec describes how a traced source graph becomes the exported artifact.
type Spec struct {
	InputName    string
	OutputName   string
	BatchAxis    string
	SequenceAxis string

	// TokenInput and PrimaryOutput name the source tensors renamed to InputName and OutputName.
	TokenInput    string
	PrimaryOutput string

	// Auxiliary lists the source inputs folded into the graph, derived from the token ids.
	Auxiliary map[string]Role

	// OutputShape is the primary output shape observed while tracing.
	OutputShape []int64

	ProducerName    string
	ProducerVersion string
	DocString       string
	Metadata        map[string]string
}

func (s Spec) validate() error {
	var errs []error
	if s.InputName == "" || s.OutputName == "" {
		errs = append(errs, errors.New("export input and output names are required"))
	}
	if s.InputName == s.OutputName {
		errs = append(errs, fmt.Errorf("export input and output share the name %q", s.InputName))
	}
	if s.BatchAxis == "" || s.SequenceAxis == "" {
		errs = append(errs, errors.New("dynamic axis names are required"))
	}
	if s.TokenInput == "" || s.PrimaryOutput == "" {
		errs = append(errs, errors.New("the traced token input and primary output are required"))
	}
	for name, role := range s.Auxiliary {
		if !role.Auxiliary() {
			errs = append(errs, fmt.Errorf("input %s has role %s, which cannot be folded", name, role))
		}
	}
	return errors.Join(errs...)
}

// Export returns a rewritten copy of src. The source model is not modified.
func Export(src *onnx.ModelProto, spec Spec) (*onnx.ModelProto, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if src.GetGraph() == nil {
		return nil, errors.New("model graph is nil")
	}
	model, ok := proto.Clone(src).(*onnx.ModelProto)
	if !ok {
		return nil, errors.New("failed to copy model")
	}
	g := model.Graph

	if findValueInfo(g.Input, spec.TokenInput) == nil {
		return nil, fmt.Errorf("token input %s is not a graph input", spec.TokenInput)
	}
	if findValueInfo(g.Output, spec.PrimaryOutput) == nil {
		return nil, fmt.Errorf("primary output %s is not a graph output", spec.PrimaryOutput)
	}

	if err := renameValue(g, spec.TokenInput, spec.InputName); err != nil {
		return nil, err
	}
	if err := renameValue(g, spec.PrimaryOutput, spec.OutputName); err != nil {
		return nil, err
	}
	if err := widenTokenInput(g, spec.InputName); err != nil {
		return nil, err
	}
	if err := foldAuxiliaryInputs(model, spec); err != nil {
		return nil, err
	}
	pruneOutputs(g, spec.OutputName)
	if err := removeDeadNodes(g, spec.InputName); err != nil {
		return nil, err
	}
	if err := markDynamicAxes(g, spec); err != nil {
		return nil, err
	}
	stamp(model, spec)
	return model, nil
}

// widenTokenInput declares the token input as int64. A graph that consumes int32 ids reads them through a Cast.
func widenTokenInput(g *onnx.GraphProto, inputName string) error {
	input := findValueInfo(g.Input, inputName)
	tensorType := input.GetType().GetTensorType()
	if tensorType == nil {
		return fmt.Errorf("token input %s is not declared as a tensor", inputName)
	}
	switch elemType := onnx.TensorProto_DataType(tensorType.GetElemType()); elemType {
	case onnx.TensorProto_INT64:
		return nil
	case onnx.TensorProto_INT32:
		b := newBuilder(g, inputName)
		narrow := b.unique(inputName + "_int32")
		replaceName(g, inputName, narrow)
		input.Name = inputName
		b.node("Cast", []string{inputName}, []string{narrow}, intAttribute("to", int64(elemType)))
		g.Node = append(b.nodes, g.Node...)
		tensorType.ElemType = int32(onnx.TensorProto_INT64)
		return nil
	default:
		return fmt.Errorf("token input %s has element type %s, expected int64 or int32", inputName, elemType)
	}
}

func findValueInfo(infos []*onnx.ValueInfoProto, name string) *onnx.ValueInfoProto {
	for _, info := range infos {
		if info.GetName() == name {
			return info
		}
	}
	return nil
}

func removeValueInfo(infos []*onnx.ValueInfoProto, name string) []*onnx.ValueInfoProto {
	return slices.DeleteFunc(infos, func(info *onnx.ValueInfoProto) bool {
		return info.GetName() == name
	})
}

func subgraphs(attribute *onnx.AttributeProto) []*onnx.GraphProto {
	var graphs []*onnx.GraphProto
	if attribute.GetG() != nil {
		graphs = append(graphs, attribute.GetG())
	}
	return append(graphs, attribute.GetGraphs()...)
}

// definedNames collects every value name a graph introduces itself.
func definedNames(g *onnx.GraphProto) map[string]bool {
	names := map[string]bool{}
	for _, info := range g.GetInput() {
		names[info.GetName()] = true
	}
	for _, t := range g.GetInitializer() {
		names[t.GetName()] = true
	}
	for _, n := range g.GetNode() {
		for _, out := range n.GetOutput() {
			if out != "" {
				names[out] = true
			}
		}
	}
	return names
}

func renameValue(g *onnx.GraphProto, from, to string) error {
	if from == to {
		return nil
	}
	names := definedNames(g)
	for _, info := range g.GetOutput() {
		names[info.GetName()] = true
	}
	if names[to] {
		return fmt.Errorf("cannot rename %s to %s: the name is already used in graph %s", from, to, g.GetName())
	}
	replaceName(g, from, to)
	return nil
}

func replaceName(g *onnx.GraphProto, from, to string) {
	for _, infos := range [][]*onnx.ValueInfoProto{g.Input, g.Output, g.ValueInfo} {
		for _, info := range infos {
			if info.Name == from {
				info.Name = to
			}
		}
	}
	for _, t := range g.Initializer {
		if t.Name == from {
			t.Name = to
		}
	}
	for _, n := range g.Node {
		for i := range n.Input {
			if n.Input[i] == from {
				n.Input[i] = to
			}
		}
		for i := range n.Output {
			if n.Output[i] == from {
				n.Output[i] = to
			}
		}
		for _, attribute := range n.Attribute {
			for _, sub := range subgraphs(attribute) {
				// a subgraph that defines the name shadows the outer value
				if !definedNames(sub)[from] {
					replaceName(sub, from, to)
				}
			}
		}
	}
}

func pruneOutputs(g *onnx.GraphProto, keep string) {
	g.Output = slices.DeleteFunc(g.Output, func(info *onnx.ValueInfoProto) bool {
		return info.GetName() != keep
	})
}

// referencedNames collects every value name read by the nodes of g and its subgraphs.
func referencedNames(g *onnx.GraphProto, into map[string]bool) {
	for _, n := range g.GetNode() {
		for _, in := range n.GetInput() {
			if in != "" {
				into[in] = true
			}
		}
		for _, attribute := range n.GetAttribute() {
			for _, sub := range subgraphs(attribute) {
				referencedNames(sub, into)
			}
		}
	}
}

// removeDeadNodes keeps only the nodes, initializers and inputs the graph outputs depend on.
func removeDeadNodes(g *onnx.GraphProto, inputName string) error {
	live := map[string]bool{}
	for _, out := range g.Output {
		live[out.GetName()] = true
	}

	kept := make([]*onnx.NodeProto, 0, len(g.Node))
	for i := len(g.Node) - 1; i >= 0; i-- {
		n := g.Node[i]
		needed := false
		for _, out := range n.GetOutput() {
			if live[out] {
				needed = true
				break
			}
		}
		if !needed {
			continue
		}
		kept = append(kept, n)
		for _, in := range n.GetInput() {
			if in != "" {
				live[in] = true
			}
		}
		for _, attribute := range n.GetAttribute() {
			for _, sub := range subgraphs(attribute) {
				referencedNames(sub, live)
			}
		}
	}
	slices.Reverse(kept)
	g.Node = kept

	initializers := map[string]bool{}
	g.Initializer = slices.DeleteFunc(g.Initializer, func(t *onnx.TensorProto) bool {
		if !live[t.GetName()] {
			return true
		}
		initializers[t.GetName()] = true
		return false
	})
	g.ValueInfo = slices.DeleteFunc(g.ValueInfo, func(info *onnx.ValueInfoProto) bool {
		return !live[info.GetName()]
	})

	if !live[inputName] {
		return fmt.Errorf("output does not depend on input %s", inputName)
	}
	var unsupported []string
	g.Input = slices.DeleteFunc(g.Input, func(info *onnx.ValueInfoProto) bool {
		name := info.GetName()
		switch {
		case name == inputName:
			return false
		case !live[name]:
			return true
		case initializers[name]:
			return false
		default:
			unsupported = append(unsupported, name)
			return false
		}
	})
	if len(unsupported) > 0 {
		sort.Strings(unsupported)
		return fmt.Errorf("exported graph still requires inputs %v that cannot be derived from %s", unsupported, inputName)
	}
	return nil
}

func stamp(model *onnx.ModelProto, spec Spec) {
	if spec.ProducerName != "" {
		model.ProducerName = spec.ProducerName
		model.ProducerVersion = spec.ProducerVersion
	}
	if spec.DocString != "" {
		model.DocString = spec.DocString
	}
	if len(spec.Metadata) == 0 {
		return
	}
	keys := make([]string, 0, len(spec.Metadata))
	for key := range spec.Metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := spec.Metadata[key]
		replaced := false
		for _, entry := range model.MetadataProps {
			if entry.GetKey() == key {
				entry.Value = value
				replaced = true
			}
		}
		if !replaced {
			model.MetadataProps = append(model.MetadataProps, &onnx.StringStringEntryProto{Key: key, Value: value})
		}
	}
}
