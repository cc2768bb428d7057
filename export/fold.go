package export

import (
	"fmt"
	"sort"
	"strings"

	"github.com/advancedclimatesystems/gonnx/onnx"
)

const namePrefix = "onnxport/"

// DefaultOpset returns the version of the default ONNX operator set the model imports, or 0.
func DefaultOpset(model *onnx.ModelProto) int64 {
	for _, opset := range model.GetOpsetImport() {
		if opset.GetDomain() == "" || opset.GetDomain() == "ai.onnx" {
			return opset.GetVersion()
		}
	}
	return 0
}

// foldAuxiliaryInputs replaces attention masks, token types and positions with nodes computed from the token input.
func foldAuxiliaryInputs(model *onnx.ModelProto, spec Spec) error {
	if len(spec.Auxiliary) == 0 {
		return nil
	}
	g := model.Graph
	opset := DefaultOpset(model)
	b := newBuilder(g, spec.InputName)

	names := make([]string, 0, len(spec.Auxiliary))
	for name := range spec.Auxiliary {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		info := findValueInfo(g.Input, name)
		if info == nil {
			return fmt.Errorf("auxiliary input %s is not a graph input", name)
		}
		elemType := ElemType(info)
		if elemType == 0 {
			elemType = int32(onnx.TensorProto_INT64)
		}
		var err error
		switch role := spec.Auxiliary[name]; role {
		case RoleAttentionMask:
			err = b.fill(name, elemType, 1, opset)
		case RoleTokenTypes:
			err = b.fill(name, elemType, 0, opset)
		case RolePositions:
			err = b.positions(name, elemType, opset)
		default:
			err = fmt.Errorf("input %s has role %s, which cannot be folded", name, role)
		}
		if err != nil {
			return fmt.Errorf("folding input %s: %w", name, err)
		}
		g.Input = removeValueInfo(g.Input, name)
		g.ValueInfo = removeValueInfo(g.ValueInfo, name)
	}
	g.Node = append(b.nodes, g.Node...)
	return nil
}

// ElemType returns the tensor element type declared by info, or 0 when it is not a tensor.
func ElemType(info *onnx.ValueInfoProto) int32 {
	return info.GetType().GetTensorType().GetElemType()
}

type builder struct {
	source string
	taken  map[string]bool
	nodes  []*onnx.NodeProto
	shape  string
}

func newBuilder(g *onnx.GraphProto, source string) *builder {
	taken := definedNames(g)
	for _, n := range g.GetNode() {
		if n.GetName() != "" {
			taken[n.GetName()] = true
		}
	}
	return &builder{source: source, taken: taken}
}

func (b *builder) unique(base string) string {
	name := namePrefix + base
	for i := 1; b.taken[name]; i++ {
		name = fmt.Sprintf("%s%s_%d", namePrefix, base, i)
	}
	b.taken[name] = true
	return name
}

func (b *builder) node(opType string, inputs []string, outputs []string, attributes ...*onnx.AttributeProto) {
	b.nodes = append(b.nodes, &onnx.NodeProto{
		Name:      b.unique(strings.ToLower(opType)),
		OpType:    opType,
		Input:     inputs,
		Output:    outputs,
		Attribute: attributes,
	})
}

func (b *builder) constant(base string, value *onnx.TensorProto) string {
	out := b.unique(base)
	b.node("Constant", nil, []string{out}, tensorAttribute("value", value))
	return out
}

// inputShape returns the output of a shared Shape node over the token input.
func (b *builder) inputShape() string {
	if b.shape == "" {
		b.shape = b.unique("input_shape")
		b.node("Shape", []string{b.source}, []string{b.shape})
	}
	return b.shape
}

func (b *builder) fill(output string, elemType int32, value int64, opset int64) error {
	if opset < 9 {
		return fmt.Errorf("opset 9 is required for ConstantOfShape, model imports opset %d", opset)
	}
	fillValue, err := scalarTensor(elemType, value, []int64{1})
	if err != nil {
		return err
	}
	b.node("ConstantOfShape", []string{b.inputShape()}, []string{output}, tensorAttribute("value", fillValue))
	return nil
}

func (b *builder) positions(output string, elemType int32, opset int64) error {
	if opset < 11 {
		return fmt.Errorf("opset 11 is required for Range, model imports opset %d", opset)
	}
	shape := b.inputShape()
	int64Type := int32(onnx.TensorProto_INT64)
	zero, _ := scalarTensor(int64Type, 0, nil)
	one, _ := scalarTensor(int64Type, 1, nil)
	start := b.constant("zero", zero)
	delta := b.constant("one", one)
	axis := b.constant("sequence_axis", one)

	length := b.unique("sequence_length")
	b.node("Gather", []string{shape, axis}, []string{length}, intAttribute("axis", 0))
	positions := b.unique("positions")
	b.node("Range", []string{start, length, delta}, []string{positions})

	row := b.unique("position_row")
	if opset >= 13 {
		axes := b.constant("unsqueeze_axes", &onnx.TensorProto{
			Dims:      []int64{1},
			DataType:  int64Type,
			Int64Data: []int64{0},
		})
		b.node("Unsqueeze", []string{positions, axes}, []string{row})
	} else {
		b.node("Unsqueeze", []string{positions}, []string{row}, intsAttribute("axes", 0))
	}

	if elemType == int64Type {
		b.node("Expand", []string{row, shape}, []string{output})
		return nil
	}
	expanded := b.unique("positions_expanded")
	b.node("Expand", []string{row, shape}, []string{expanded})
	b.node("Cast", []string{expanded}, []string{output}, intAttribute("to", int64(elemType)))
	return nil
}

func scalarTensor(elemType int32, value int64, dims []int64) (*onnx.TensorProto, error) {
	t := &onnx.TensorProto{Dims: dims, DataType: elemType}
	switch onnx.TensorProto_DataType(elemType) {
	case onnx.TensorProto_INT64:
		t.Int64Data = []int64{value}
	case onnx.TensorProto_INT32, onnx.TensorProto_BOOL:
		t.Int32Data = []int32{int32(value)}
	case onnx.TensorProto_FLOAT:
		t.FloatData = []float32{float32(value)}
	default:
		return nil, fmt.Errorf("element type %s is not supported for derived inputs", onnx.TensorProto_DataType(elemType))
	}
	return t, nil
}

func tensorAttribute(name string, t *onnx.TensorProto) *onnx.AttributeProto {
	return &onnx.AttributeProto{Name: name, Type: onnx.AttributeProto_TENSOR, T: t}
}

func intAttribute(name string, v int64) *onnx.AttributeProto {
	return &onnx.AttributeProto{Name: name, Type: onnx.AttributeProto_INT, I: v}
}

func intsAttribute(name string, v ...int64) *onnx.AttributeProto {
	return &onnx.AttributeProto{Name: name, Type: onnx.AttributeProto_INTS, Ints: v}
}
